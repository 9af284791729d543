package bridge

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"chatbus/internal/zephyr"
)

// sentNotices remembers notices the outbound direction emitted so the
// inbound direction can drop them when the legacy server echoes them back.
// The bus-side guard (mirrored flag + mit_sync_bot) covers the other
// direction. Identical notices are counted, one echo consumes one send.
type sentNotices struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]*sentEntry
	now    func() time.Time
}

type sentEntry struct {
	pending int
	at      time.Time
}

func newSentNotices(window time.Duration) *sentNotices {
	if window <= 0 {
		window = time.Minute
	}
	return &sentNotices{window: window, seen: map[string]*sentEntry{}, now: time.Now}
}

func noticeKey(n zephyr.Notice) string {
	h := sha1.New()
	for _, part := range []string{
		strings.ToLower(n.Class),
		strings.ToLower(n.Instance),
		strings.ToLower(zephyr.StripRealm(n.Recipient)),
		strings.TrimRight(n.Body, "\n"),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *sentNotices) add(n zephyr.Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.seen {
		if now.Sub(e.at) > s.window {
			delete(s.seen, k)
		}
	}
	k := noticeKey(n)
	e := s.seen[k]
	if e == nil {
		e = &sentEntry{}
		s.seen[k] = e
	}
	e.pending++
	e.at = now
}

// take reports whether n matches a recently sent notice and consumes one
// pending send of it.
func (s *sentNotices) take(n zephyr.Notice) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := noticeKey(n)
	e, ok := s.seen[k]
	if !ok {
		return false
	}
	if s.now().Sub(e.at) > s.window {
		delete(s.seen, k)
		return false
	}
	e.pending--
	if e.pending <= 0 {
		delete(s.seen, k)
	}
	return true
}
