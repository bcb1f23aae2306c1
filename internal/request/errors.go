package request

import (
	"errors"
	"fmt"
)

// ErrUserPreemption is the sentinel a hook-raised cancellation always
// wraps. Servicer code checks errors.Is(err, ErrUserPreemption) to tell
// a deliberate abort apart from an ordinary transport or hook failure.
var ErrUserPreemption = errors.New("request: canceled by hook")

// PreemptionError is what Request.Cancel returns.
type PreemptionError struct {
	Reason string
}

func (e *PreemptionError) Error() string {
	return fmt.Sprintf("request: user preemption: %s", e.Reason)
}

func (e *PreemptionError) Unwrap() error { return ErrUserPreemption }

// ErrBlockedByRobots is returned by nothing directly — scheduler.Push
// reports robots rejection via a 0 return, per the dispatcher's
// "push returns the count accepted" convention — but it is
// exported so callers and tests can log a consistent reason.
var ErrBlockedByRobots = errors.New("request: blocked by robots.txt")
