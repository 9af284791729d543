package buserr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := Validation("Invalid stream name %q", "")
	wrapped := fmt.Errorf("subscribe: %w", base)
	if got := KindOf(wrapped); got != KindValidation {
		t.Fatalf("KindOf = %v, want validation", got)
	}
	if got := Message(wrapped); got != `Invalid stream name ""` {
		t.Fatalf("Message = %q", got)
	}
}

func TestTransientUnwraps(t *testing.T) {
	io := errors.New("disk busy")
	err := Transient("store message", io)
	if !errors.Is(err, io) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
	if !IsTransient(err) {
		t.Fatalf("expected transient")
	}
	if Transient("x", nil) != nil {
		t.Fatalf("Transient(nil) should be nil")
	}
}

func TestUnclassified(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Fatalf("KindOf = %v", got)
	}
	if got := Message(nil); got != "" {
		t.Fatalf("Message(nil) = %q", got)
	}
}
