// Package lifecycle defines the legal state transitions of an agent instance.
// It stores no state; the caller driving an agent owns it.
package lifecycle

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal state transition")

type State string

const (
	Registered State = "registered"
	Installed  State = "installed"
	Running    State = "running"
	Stopped    State = "stopped"
	Degraded   State = "degraded"
)

// States lists every state in declaration order.
var States = []State{Registered, Installed, Running, Stopped, Degraded}

var transitions = map[State][]State{
	Registered: {Installed},
	Installed:  {Running},
	Running:    {Stopped, Degraded},
	Degraded:   {Running},
	Stopped:    {Running},
}

// CanTransitionTo reports whether moving from s to next is legal.
// A state may always transition to itself.
func (s State) CanTransitionTo(next State) bool {
	if s == next {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Check returns ErrIllegalTransition wrapped with both states when the move
// is not allowed.
func Check(from, to State) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
