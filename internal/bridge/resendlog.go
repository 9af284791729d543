package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"chatbus/internal/zephyr"
	logx "chatbus/pkg/logx"
)

// ResendLog holds inbound notices whose relay to the bus is not confirmed,
// one JSON line each, so a crash or a rejected send can be repaired by
// replaying the log. A confirmed notice is cut off the tail again.
type ResendLog struct {
	mu   sync.Mutex
	f    *os.File
	size int64
	tail int64
}

// OpenResendLog opens path for appending. An empty path disables logging.
func OpenResendLog(path string) (*ResendLog, error) {
	if path == "" {
		return &ResendLog{}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &ResendLog{f: f, size: st.Size(), tail: -1}, nil
}

// Append writes n and returns the offset of its line, for Done.
func (l *ResendLog) Append(n zephyr.Notice) (int64, error) {
	if l == nil || l.f == nil {
		return -1, nil
	}
	b, err := json.Marshal(n)
	if err != nil {
		return -1, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	mark := l.size
	w, err := l.f.Write(append(b, '\n'))
	l.size += int64(w)
	if err != nil {
		l.tail = -1
		return -1, err
	}
	l.tail = mark
	return mark, nil
}

// Done drops the line at mark once its notice reached the bus. Only the
// last appended line can be dropped; earlier lines stay for replay.
func (l *ResendLog) Done(mark int64) error {
	if l == nil || l.f == nil || mark < 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if mark != l.tail {
		return nil
	}
	if err := l.f.Truncate(mark); err != nil {
		return err
	}
	l.size, l.tail = mark, -1
	return nil
}

func (l *ResendLog) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	return l.f.Close()
}

// ReadResendLog calls fn for every notice in the log at path. Lines that do
// not decode are reported to fn's caller through the returned count.
func ReadResendLog(ctx context.Context, path string, log logx.Logger, fn func(zephyr.Notice) error) (sent, bad int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		if ctx.Err() != nil {
			return sent, bad, ctx.Err()
		}
		var n zephyr.Notice
		if err := json.Unmarshal(sc.Bytes(), &n); err != nil {
			bad++
			log.Warn("resend log: bad line", logx.Int("line", line), logx.Err(err))
			continue
		}
		if err := fn(n); err != nil {
			return sent, bad, fmt.Errorf("resend log line %d: %w", line, err)
		}
		sent++
	}
	return sent, bad, sc.Err()
}
