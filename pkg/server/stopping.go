package server

import (
	"time"
)

// Stopping describes a shutdown request. A nil *Stopping means the actor
// keeps running. The same value doubles as the stop sentinel traveling
// through the result FIFO from the manager to the responder.
type Stopping struct {
	// Reason is logged when the actor stops.
	Reason string

	// Severity is the level name the stop is logged at ("info", "error",
	// "critical"); normal shutdowns log at info, error-driven ones higher.
	Severity string

	// Force drops in-flight tasks instead of draining them.
	Force bool

	// Timeout bounds how long Stop waits for termination. Zero returns
	// immediately, a negative value waits indefinitely.
	Timeout time.Duration

	// fromManager marks a stop issued by the manager's own shutdown path;
	// the responder then skips waking the manager back up.
	fromManager bool
}

func (s *Stopping) withReason(reason string) *Stopping {
	out := *s
	out.Reason = reason
	return &out
}
