// Package supervisor owns the pool of worker child processes: it spawns
// them, waits for their startup handshake, restarts them with backoff when
// they die, and drives graceful shutdown.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Config sizes and bounds the worker pool.
type Config struct {
	// WorkerCount is the number of child processes. Zero is valid: jobs
	// accumulate as pending and are never claimed.
	WorkerCount int
	// HandshakeTimeout bounds the wait for a child's startup message; a
	// child that stays silent is killed and the attempt counts as failed.
	HandshakeTimeout time.Duration
	// ShutdownTimeout bounds the graceful-exit wait before stragglers are
	// force-killed.
	ShutdownTimeout time.Duration
	// BackoffBase and BackoffMax bound the respawn delay, which doubles per
	// consecutive failed attempt.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// SpawnFunc builds the command for one worker child. The default re-executes
// the supervisor's own binary with the worker identity in the environment;
// tests substitute a stub.
type SpawnFunc func(ordinal int, workerID string) *exec.Cmd

// SelfSpawn is the default SpawnFunc.
func SelfSpawn(ordinal int, workerID string) *exec.Cmd {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", EnvWorkerOrdinal, ordinal),
		fmt.Sprintf("%s=%s", EnvWorkerID, workerID),
	)
	return cmd
}

// Supervisor manages WorkerCount child processes for its whole lifetime:
// Start spawns them, crashes trigger respawns, Shutdown tears them down.
type Supervisor struct {
	cfg    Config
	spawn  SpawnFunc
	logger *slog.Logger
	procs  *processSet

	restarts atomic.Int64
	stopping atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Supervisor. A nil spawn uses SelfSpawn.
func New(cfg Config, spawn SpawnFunc, logger *slog.Logger) *Supervisor {
	cfg.applyDefaults()
	if spawn == nil {
		spawn = SelfSpawn
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:    cfg,
		spawn:  spawn,
		logger: logger,
		procs:  newProcessSet(),
		stopCh: make(chan struct{}),
	}
}

// Start launches one management goroutine per worker ordinal and returns
// once all of them are running their first spawn attempt. Individual startup
// failures are retried with backoff, never surfaced here.
func (s *Supervisor) Start(ctx context.Context) {
	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.manage(ctx, i)
	}
	s.logger.Info("supervisor started", "workers", s.cfg.WorkerCount)
}

// PIDs returns the process ids of the live, handshaken workers.
func (s *Supervisor) PIDs() []int {
	return s.procs.pids()
}

// LiveWorkers returns the number of live, handshaken workers.
func (s *Supervisor) LiveWorkers() int {
	return s.procs.len()
}

// Restarts returns how many times a worker has been respawned after an
// unexpected exit.
func (s *Supervisor) Restarts() int64 {
	return s.restarts.Load()
}

// Shutdown asks every child to exit, waits up to ShutdownTimeout, then
// force-kills stragglers. It returns once the live-process set is empty, or
// with ctx's error if even forced termination does not finish in time.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.stopping.Store(true)
	close(s.stopCh)

	for _, p := range s.procs.list() {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.logger.Warn("signal worker", "ordinal", p.ordinal, "pid", p.pid, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("supervisor shut down")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
	}

	for _, p := range s.procs.list() {
		s.logger.Warn("force-killing worker", "ordinal", p.ordinal, "pid", p.pid)
		_ = p.cmd.Process.Kill()
	}

	select {
	case <-done:
		s.logger.Info("supervisor shut down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// manage owns one worker ordinal: spawn, handshake, register, wait, respawn.
func (s *Supervisor) manage(ctx context.Context, ordinal int) {
	defer s.wg.Done()

	attempt := 0
	for {
		if s.stopping.Load() || ctx.Err() != nil {
			return
		}

		proc, err := s.spawnWorker(ordinal)
		if err != nil {
			attempt++
			s.logger.Error("worker startup failed",
				"ordinal", ordinal, "attempt", attempt, "error", err)
			if !s.sleep(s.backoff(attempt)) {
				return
			}
			continue
		}
		attempt = 0

		if s.stopping.Load() {
			// Shutdown began between the handshake and registration; this
			// child would miss the broadcast signal.
			_ = proc.cmd.Process.Signal(syscall.SIGTERM)
			_ = proc.cmd.Wait()
			return
		}

		s.procs.register(proc)
		s.logger.Info("worker started", "ordinal", ordinal, "pid", proc.pid, "worker_id", proc.workerID)

		waitErr := proc.cmd.Wait()
		s.procs.remove(ordinal)

		if s.stopping.Load() || ctx.Err() != nil {
			return
		}

		s.restarts.Add(1)
		attempt++
		s.logger.Warn("worker exited unexpectedly",
			"ordinal", ordinal, "pid", proc.pid, "error", waitErr)
		if !s.sleep(s.backoff(attempt)) {
			return
		}
	}
}

// spawnWorker starts one child and waits for its handshake within the
// configured bound. On timeout the child is killed and an error returned.
func (s *Supervisor) spawnWorker(ordinal int) (*workerProc, error) {
	workerID := uuid.NewString()
	cmd := s.spawn(ordinal, workerID)
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", ordinal, err)
	}

	// The child speaks JSON lines on stdout; the first valid message must
	// be the handshake. The goroutine keeps draining stdout afterwards so
	// the child never blocks on a full pipe.
	hsCh := make(chan Handshake, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		awaiting := true
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			if awaiting {
				var hs Handshake
				if err := json.Unmarshal(line, &hs); err == nil && hs.Type == HandshakeType {
					awaiting = false
					hsCh <- hs
					continue
				}
			}
			s.logger.Debug("worker stdout", "ordinal", ordinal, "line", string(line))
		}
	}()

	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case hs := <-hsCh:
		if hs.WorkerID != "" && hs.WorkerID != workerID {
			s.logger.Warn("handshake worker id mismatch",
				"ordinal", ordinal, "want", workerID, "got", hs.WorkerID)
		}
		return &workerProc{
			ordinal:  ordinal,
			workerID: workerID,
			pid:      cmd.Process.Pid,
			cmd:      cmd,
		}, nil
	case <-timer.C:
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("worker %d: no handshake within %s", ordinal, s.cfg.HandshakeTimeout)
	case <-s.stopCh:
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("worker %d: shutdown during startup", ordinal)
	}
}

// sleep waits for d unless shutdown begins first; it reports whether the
// caller should keep going.
func (s *Supervisor) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.stopCh:
		return false
	}
}

// backoff doubles per consecutive failed attempt, capped at BackoffMax.
func (s *Supervisor) backoff(attempt int) time.Duration {
	d := time.Duration(float64(s.cfg.BackoffBase) * math.Pow(2, float64(attempt-1)))
	if d > s.cfg.BackoffMax {
		return s.cfg.BackoffMax
	}
	return d
}
