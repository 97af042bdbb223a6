package shellscript

import (
	"syscall"
	"time"
)

// SignalStep is one rung of the escalation used by Stop: send Signal, then wait up to Wait for exit.
type SignalStep struct {
	Signal syscall.Signal
	Wait   time.Duration
}

// DefaultLadder sends SIGINT three times, then SIGTERM three times, then SIGKILL.
var DefaultLadder = NewLadder(5*time.Second, time.Second)

// NewLadder builds the standard escalation with the given wait after each SIGINT/SIGTERM and after the final SIGKILL.
func NewLadder(wait time.Duration, finalWait time.Duration) []SignalStep {
	return []SignalStep{
		{Signal: syscall.SIGINT, Wait: wait},
		{Signal: syscall.SIGINT, Wait: wait},
		{Signal: syscall.SIGINT, Wait: wait},
		{Signal: syscall.SIGTERM, Wait: wait},
		{Signal: syscall.SIGTERM, Wait: wait},
		{Signal: syscall.SIGTERM, Wait: wait},
		{Signal: syscall.SIGKILL, Wait: finalWait},
	}
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	}
	return ""
}
