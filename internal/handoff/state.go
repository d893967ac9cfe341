// Package handoff transfers exclusive control of a conversation thread to a
// specialised agent and takes it back when the agent returns.
package handoff

import (
	"errors"
	"fmt"
)

type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateReturning State = "returning"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateError     State = "error"
)

var (
	// ErrConflict means the thread already has a blocking session.
	ErrConflict = errors.New("thread already has a handoff in progress")
	// ErrNoActiveHandoff means the thread has no active session.
	ErrNoActiveHandoff = errors.New("no active handoff for thread")
	// ErrInvalidRequest wraps validation failures of an initiation.
	ErrInvalidRequest = errors.New("invalid handoff request")
	// ErrIllegalTransition is a state change the table does not allow.
	ErrIllegalTransition = errors.New("illegal handoff transition")
	// ErrStale is returned by a repository when the stored session no
	// longer has the state an update expected.
	ErrStale = errors.New("handoff session changed concurrently")
)

// transitions lists the legal next states of every non-terminal state.
var transitions = map[State][]State{
	StatePending:   {StateActive, StateError},
	StateActive:    {StateReturning, StateCancelled, StateError},
	StateReturning: {StateCompleted, StateError},
}

// Blocking states keep a thread from starting another handoff.
func (s State) Blocking() bool {
	return s == StatePending || s == StateActive || s == StateReturning
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateError
}

func (s State) Valid() bool {
	return s.Blocking() || s.Terminal()
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
