package fanout

import (
	"testing"

	"chatbus/internal/model"
)

func TestRegistryDeliverClearsOnlyThatUser(t *testing.T) {
	r := NewRegistry()
	var a, b int
	r.Register(1, func([]model.Message) { a++ })
	r.Register(1, func([]model.Message) { a++ })
	r.Register(2, func([]model.Message) { b++ })

	if n := r.Deliver(1, []model.Message{{ID: 5}}); n != 2 {
		t.Fatalf("fired %d callbacks, want 2", n)
	}
	if a != 2 || b != 0 {
		t.Fatalf("a=%d b=%d", a, b)
	}
	if r.Pending(1) != 0 || r.Pending(2) != 1 || r.Parked() != 1 {
		t.Fatalf("unexpected pending state: %d %d %d", r.Pending(1), r.Pending(2), r.Parked())
	}
	if n := r.Deliver(1, nil); n != 0 {
		t.Fatalf("second delivery fired %d", n)
	}
}

func TestRegistryCancelIsIdempotent(t *testing.T) {
	r := NewRegistry()
	cancel := r.Register(3, func([]model.Message) { t.Fatalf("cancelled callback fired") })
	cancel()
	cancel()
	if r.Deliver(3, []model.Message{{ID: 1}}) != 0 {
		t.Fatalf("cancelled callback still registered")
	}
}
