package supervisor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Worker children are the same binary re-executed with these variables set.
const (
	EnvWorkerOrdinal = "WORKQ_WORKER_ORDINAL"
	EnvWorkerID      = "WORKQ_WORKER_ID"
)

// HandshakeType is the type field of the single startup message.
const HandshakeType = "worker-started"

// Handshake is the one structured message a worker child writes to stdout
// once it is ready to claim jobs. Everything else a child has to say goes to
// stderr; stdout belongs to the protocol.
type Handshake struct {
	Type     string `json:"type"`
	Ordinal  int    `json:"ordinal"`
	WorkerID string `json:"worker_id"`
	PID      int    `json:"pid"`
}

// WriteHandshake emits the startup message for the given worker identity.
func WriteHandshake(w io.Writer, ordinal int, workerID string) error {
	msg := Handshake{
		Type:     HandshakeType,
		Ordinal:  ordinal,
		WorkerID: workerID,
		PID:      os.Getpid(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%s\n", b); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return nil
}
