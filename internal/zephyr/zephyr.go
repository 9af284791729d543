// Package zephyr is the boundary to the legacy notice protocol: notices,
// subscription triples, the subs file format and transports that send and
// receive notices.
package zephyr

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("zephyr: transport closed")

// Notice is one legacy-protocol message.
type Notice struct {
	Class     string    `json:"class"`
	Instance  string    `json:"instance"`
	Recipient string    `json:"recipient"`
	Sender    string    `json:"sender"`
	Opcode    string    `json:"opcode,omitempty"`
	Signature string    `json:"signature,omitempty"`
	Body      string    `json:"body"`
	Time      time.Time `json:"time"`
	Auth      bool      `json:"auth,omitempty"`
}

// Personal reports whether n is addressed to a single principal.
func (n Notice) Personal() bool { return n.Recipient != "" && n.Recipient != "*" }

// Sub is one subscription triple. "*" is a wildcard; an empty recipient
// means all recipients of the class/instance.
type Sub struct {
	Class     string
	Instance  string
	Recipient string
}

func (s Sub) String() string {
	return s.Class + "," + s.Instance + "," + s.Recipient
}

// Transport sends and receives notices.
type Transport interface {
	Subscribe(ctx context.Context, subs []Sub) error
	Unsubscribe(ctx context.Context, subs []Sub) error
	// Receive blocks until a notice arrives or ctx is done.
	Receive(ctx context.Context) (Notice, error)
	Send(ctx context.Context, n Notice) error
	Close() error
}

// StripRealm removes a "@REALM" suffix from a principal.
func StripRealm(principal string) string {
	if i := strings.IndexByte(principal, '@'); i >= 0 {
		return principal[:i]
	}
	return principal
}
