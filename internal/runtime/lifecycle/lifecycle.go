// Package lifecycle names why a daemon stopped and reports state to the
// service manager.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "chatbus/pkg/logx"
)

// StopReason is used for structured shutdown tracing.
type StopReason string

const (
	StopUnknown     StopReason = "unknown"
	StopSIGINT      StopReason = "sigint"
	StopSIGTERM     StopReason = "sigterm"
	StopFatalError  StopReason = "fatal_error"
	StopAppStop     StopReason = "app_stop"
	StopStaleBinary StopReason = "stale_binary"
)

// ExitStaleBinary is the exit status of a bridge that noticed its binary
// was replaced. Units restart it with RestartForceExitStatus=75.
const ExitStaleBinary = 75

// ErrStaleBinary reports that the running executable changed on disk.
var ErrStaleBinary = errors.New("executable changed on disk")

// ExitCode maps a stop reason to the process exit status.
func ExitCode(r StopReason) int {
	switch r {
	case StopStaleBinary:
		return ExitStaleBinary
	case StopFatalError:
		return 1
	default:
		return 0
	}
}

// ReasonFor classifies the error a supervisor stopped with.
func ReasonFor(err error) StopReason {
	switch {
	case err == nil:
		return StopAppStop
	case errors.Is(err, ErrStaleBinary):
		return StopStaleBinary
	default:
		return StopFatalError
	}
}

// Notifier sends sd_notify state. Outside systemd every call is a no-op.
type Notifier struct {
	log logx.Logger
}

func NewNotifier(log logx.Logger) Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return Notifier{log: log}
}

func (n Notifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Trace("sd_notify", logx.String("state", state))
	}
}

func (n Notifier) Ready() { n.send(daemon.SdNotifyReady) }
func (n Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }
func (n Notifier) Status(format string, args ...any) { n.send("STATUS=" + fmt.Sprintf(format, args...)) }
