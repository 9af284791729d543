package zephyr

import (
	"context"
	"sync"
)

// Memory is an in-process transport. Inject feeds Receive; Send records.
type Memory struct {
	in   chan Notice
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	sent []Notice
	subs map[Sub]bool
	// SendErr, when set, is returned by Send.
	SendErr error
}

func NewMemory() *Memory {
	return &Memory{in: make(chan Notice, 64), done: make(chan struct{}), subs: map[Sub]bool{}}
}

// Inject queues n for Receive.
func (m *Memory) Inject(n Notice) { m.in <- n }

func (m *Memory) Receive(ctx context.Context) (Notice, error) {
	select {
	case <-ctx.Done():
		return Notice{}, ctx.Err()
	case <-m.done:
		return Notice{}, ErrClosed
	case n := <-m.in:
		return n, nil
	}
}

func (m *Memory) Send(_ context.Context, n Notice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, n)
	return nil
}

// Sent returns a copy of every notice sent so far.
func (m *Memory) Sent() []Notice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notice(nil), m.sent...)
}

func (m *Memory) Subscribe(_ context.Context, subs []Sub) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range subs {
		m.subs[s] = true
	}
	return nil
}

func (m *Memory) Unsubscribe(_ context.Context, subs []Sub) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range subs {
		delete(m.subs, s)
	}
	return nil
}

// Subscribed reports whether s is in the subscription set.
func (m *Memory) Subscribed(s Sub) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[s]
}

// SubCount returns the size of the subscription set.
func (m *Memory) SubCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}
