// Package callstate models the lifecycle of a call session.
//
// The state machine is deliberately free of storage and transport concerns;
// the signaling layer consults it before applying any status write so that
// enforcement happens at the store boundary, once.
package callstate

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a call session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAnswered   Status = "answered"
	StatusInProgress Status = "in-progress"
	StatusEnded      Status = "ended"
	StatusDeclined   Status = "declined"
	StatusFailed     Status = "failed"
)

// Role identifies which party may trigger a transition.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
	RoleEither Role = "either"
)

var (
	ErrUnknownStatus     = errors.New("callstate: unknown status")
	ErrIllegalTransition = errors.New("callstate: illegal transition")

	// ErrAlreadyTerminal reports a transition attempted out of a terminal
	// state. Callers that want end-call idempotence check for this
	// specifically: re-ending an ended session is a no-op, not a fault.
	ErrAlreadyTerminal = errors.New("callstate: session already terminal")
)

// Valid reports whether s is one of the defined statuses.
func Valid(s Status) bool {
	switch s {
	case StatusPending, StatusAnswered, StatusInProgress, StatusEnded, StatusDeclined, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is permitted out of s.
func Terminal(s Status) bool {
	switch s {
	case StatusEnded, StatusDeclined, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition validates the edge from -> to against the transition table.
//
// Transitions out of a terminal state return ErrAlreadyTerminal so callers
// can distinguish "nothing to do" from a genuinely illegal edge.
func CanTransition(from, to Status) error {
	if !Valid(from) {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, from)
	}
	if !Valid(to) {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}
	if Terminal(from) {
		return fmt.Errorf("%w: %s -> %s", ErrAlreadyTerminal, from, to)
	}

	switch to {
	case StatusAnswered, StatusDeclined:
		if from == StatusPending {
			return nil
		}
	case StatusInProgress:
		if from == StatusAnswered {
			return nil
		}
	case StatusEnded:
		// Any non-terminal state may be ended by either party.
		return nil
	case StatusFailed:
		// Any non-terminal state may fail on negotiation/transport error.
		return nil
	}

	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// RequiredRole returns which party is allowed to trigger the edge from -> to.
//
// It assumes the edge itself is valid; call CanTransition first.
func RequiredRole(from, to Status) Role {
	switch to {
	case StatusAnswered, StatusDeclined:
		return RoleCallee
	default:
		return RoleEither
	}
}
