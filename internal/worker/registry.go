package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/quickdapp/workq/internal/job"
)

// Handler executes a job of one type. The returned payload is stored as the
// job result on success; a returned error marks the job failed with the
// error message preserved.
type Handler func(ctx context.Context, j *job.Job) (json.RawMessage, error)

// Registry maps job-type strings to handlers. Registration is validated up
// front so a bad mapping fails at startup, not at dispatch time. Safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for jobType. Empty types, nil handlers and
// duplicate registrations are rejected.
func (r *Registry) Register(jobType string, h Handler) error {
	if jobType == "" {
		return fmt.Errorf("job type must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for job type %q must not be nil", jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("handler for job type %q already registered", jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// Get returns the handler for jobType, or false if none is registered.
func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns all registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
