// Package buserr classifies bus errors so transports can decide how to
// surface them: validation errors are rejected, transient errors are retried,
// protocol drift tells the client to reconnect and fatal errors abort only the
// current operation.
package buserr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindTransient
	KindProtocolDrift
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindProtocolDrift:
		return "protocol_drift"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a Kind and a client-facing message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg != "" {
		return e.Msg + ": " + e.Err.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a client error; the operation was not applied.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps err as retryable.
func Transient(msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Msg: msg, Err: err}
}

// Fatal wraps err as unrecoverable local state corruption.
func Fatal(msg string, err error) error {
	return &Error{Kind: KindFatal, Msg: msg, Err: err}
}

// ProtocolDrift signals a client/server or legacy-protocol mismatch.
func ProtocolDrift(format string, args ...any) error {
	return &Error{Kind: KindProtocolDrift, Msg: fmt.Sprintf(format, args...)}
}

// KindOf reports the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the client-facing message of a classified error,
// falling back to err.Error().
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsTransient(err error) bool  { return KindOf(err) == KindTransient }
