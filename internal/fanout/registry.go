package fanout

import (
	"sync"

	"chatbus/internal/model"
)

// Callback receives newly committed messages for one user.
// It runs synchronously on the publisher's goroutine and must not block.
type Callback func(msgs []model.Message)

// Registry is the per-process table of pending long-poll callbacks, keyed by
// user id. Entries are added when a request parks and removed either on
// delivery (the whole set of the user is cleared) or when the request goes
// away.
type Registry struct {
	mu     sync.Mutex
	byUser map[int64]map[uint64]Callback
	seq    uint64
}

func NewRegistry() *Registry {
	return &Registry{byUser: map[int64]map[uint64]Callback{}}
}

// Register parks cb for userID. The returned cancel removes it if it has not
// fired yet; calling it more than once is safe.
func (r *Registry) Register(userID int64, cb Callback) (cancel func()) {
	r.mu.Lock()
	r.seq++
	id := r.seq
	m := r.byUser[userID]
	if m == nil {
		m = map[uint64]Callback{}
		r.byUser[userID] = m
	}
	m[id] = cb
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if m := r.byUser[userID]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(r.byUser, userID)
			}
		}
	}
}

// Deliver detaches every callback of userID and invokes them with msgs.
// It returns how many callbacks fired.
func (r *Registry) Deliver(userID int64, msgs []model.Message) int {
	r.mu.Lock()
	m := r.byUser[userID]
	delete(r.byUser, userID)
	r.mu.Unlock()

	for _, cb := range m {
		cb(msgs)
	}
	return len(m)
}

// Pending reports how many callbacks are parked for userID.
func (r *Registry) Pending(userID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID])
}

// Parked reports the total number of parked callbacks.
func (r *Registry) Parked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.byUser {
		n += len(m)
	}
	return n
}
