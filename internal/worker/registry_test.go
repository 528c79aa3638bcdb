package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/quickdapp/workq/internal/job"
)

func noopHandler(context.Context, *job.Job) (json.RawMessage, error) {
	return nil, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("email", noopHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, ok := r.Get("email"); !ok {
		t.Error("registered handler not found")
	}
	if _, ok := r.Get("unknown"); ok {
		t.Error("Get returned a handler for an unregistered type")
	}
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("", noopHandler); err == nil {
		t.Error("empty job type should be rejected")
	}
	if err := r.Register("email", nil); err == nil {
		t.Error("nil handler should be rejected")
	}
	if err := r.Register("email", noopHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("email", noopHandler); err == nil {
		t.Error("duplicate registration should be rejected")
	}
}

func TestRegistryTypes(t *testing.T) {
	r := NewRegistry()
	for _, typ := range []string{"a", "b"} {
		if err := r.Register(typ, noopHandler); err != nil {
			t.Fatalf("Register %s: %v", typ, err)
		}
	}
	types := r.Types()
	if len(types) != 2 {
		t.Errorf("Types() = %v, want 2 entries", types)
	}
}
