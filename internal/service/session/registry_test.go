package session

import (
	"errors"
	"testing"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	s := &Session{ID: "abc"}

	if err := r.Register("abc", s); err != nil {
		t.Fatalf("Register err: %v", err)
	}

	got, err := r.Lookup("abc")
	if err != nil {
		t.Fatalf("Lookup err: %v", err)
	}
	if got != s {
		t.Fatalf("Lookup returned wrong session")
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Count())
	}
}

func TestRegistryDuplicateRejected(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("abc", &Session{ID: "abc"}); err != nil {
		t.Fatalf("first Register err: %v", err)
	}
	err := r.Register("abc", &Session{ID: "abc"})
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("abc", &Session{ID: "abc"}); err != nil {
		t.Fatalf("Register err: %v", err)
	}

	r.Unregister("abc")
	if _, err := r.Lookup("abc"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	// Unknown ids are a no-op.
	r.Unregister("missing")
}
