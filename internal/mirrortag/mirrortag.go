// Package mirrortag remembers which messages were injected from the legacy
// protocol, so delivery paths feeding the mirror can skip them and avoid
// echo loops.
//
// Two guards exist:
//   - Memory: a process-local set of message ids with a retention window.
//     Losing it only risks re-mirroring the messages of that window.
//   - Durable: trusts the mirrored flag stored on the message row, so it
//     holds across processes and restarts.
package mirrortag

import (
	"strings"
	"sync"
	"time"

	"chatbus/internal/model"
)

// Guard tags message ids and answers whether a message must not be mirrored.
type Guard interface {
	Tag(id int64)
	Tagged(m model.Message) bool
}

// New returns the guard for mode ("memory" or "durable"). Durable mode also
// keeps a memory set so ids tagged in this process are caught even if the
// row flag was not written.
func New(mode string, retention time.Duration) Guard {
	mem := NewMemory(retention)
	if strings.EqualFold(strings.TrimSpace(mode), "memory") {
		return mem
	}
	return durable{mem: mem}
}

type durable struct{ mem *Memory }

func (d durable) Tag(id int64) { d.mem.Tag(id) }

func (d durable) Tagged(m model.Message) bool { return m.Mirrored || d.mem.Has(m.ID) }

// Memory is a process-local tag set. Entries older than the retention window
// are pruned on write.
type Memory struct {
	mu        sync.Mutex
	ids       map[int64]time.Time
	retention time.Duration
	writes    int
	now       func() time.Time
}

func NewMemory(retention time.Duration) *Memory {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Memory{ids: map[int64]time.Time{}, retention: retention, now: time.Now}
}

func (m *Memory) Tag(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.ids[id] = now
	m.writes++
	if m.writes%256 == 0 {
		m.pruneLocked(now)
	}
}

func (m *Memory) Has(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.ids[id]
	if !ok {
		return false
	}
	return m.now().Sub(at) <= m.retention
}

func (m *Memory) Tagged(msg model.Message) bool { return m.Has(msg.ID) }

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}

func (m *Memory) pruneLocked(now time.Time) {
	for id, at := range m.ids {
		if now.Sub(at) > m.retention {
			delete(m.ids, id)
		}
	}
}
