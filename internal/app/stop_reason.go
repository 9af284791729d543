package app

import (
	"os"
	"syscall"

	"chatbus/internal/runtime/lifecycle"
)

type StopReason = lifecycle.StopReason

const (
	StopUnknown     = lifecycle.StopUnknown
	StopSIGINT      = lifecycle.StopSIGINT
	StopSIGTERM     = lifecycle.StopSIGTERM
	StopFatalError  = lifecycle.StopFatalError
	StopAppStop     = lifecycle.StopAppStop
	StopStaleBinary = lifecycle.StopStaleBinary
)

// ReasonForSignal maps a termination signal to a stop reason.
func ReasonForSignal(s os.Signal) StopReason {
	switch s {
	case os.Interrupt:
		return StopSIGINT
	case syscall.SIGTERM:
		return StopSIGTERM
	}
	return StopUnknown
}
