package eventbus

import "testing"

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	msgs, unsubMsgs := b.Subscribe(4, TypeMessagePublished)

	b.Publish(Event{Type: TypeMessagePublished, Data: int64(1)})
	b.Publish(Event{Type: TypeUpdatesParked})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	if got := len(msgs); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	e := <-msgs
	if e.Time.IsZero() || e.Data.(int64) != 1 {
		t.Fatalf("unexpected event %+v", e)
	}

	unsubMsgs()
	unsubMsgs()
	if _, ok := <-msgs; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Type: TypeMessagePublished})
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if got := Dropped(b); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}
