package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
	ErrConflict = errors.New("storage: already exists")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": private in-memory SQLite database (tests, throwaway runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// MessageQuery selects a window of a user's visible messages.
//
// AfterID/BeforeID are exclusive bounds; a zero BeforeID means unbounded.
// Descending scans from BeforeID downwards; results are always returned in
// ascending id order.
type MessageQuery struct {
	UserID     int64
	AfterID    int64
	BeforeID   int64
	Limit      int
	Descending bool
}
