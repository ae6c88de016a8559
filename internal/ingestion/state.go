// Package ingestion provides the per-ticker run lifecycle: domain models, the
// ingestion state machine, the Store persistence contract, and the ingestion
// service that sits between the HTTP/bulk callers and the workers.
//
// The state machine is a forward DAG with a single escape to FAILED from any
// active state. DONE and FAILED are terminal and immutable.
//
// Architecture:
//   - Application layer (this package): validates every transition before the
//     store applies it (callers get ErrInvalidStateTransition).
//   - Database layer (partial unique index): enforces at-most-one-active-run
//     per stock even if two processes race past application checks.
package ingestion

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of an ingestion run.
type State string

// The eight ingestion run states. QueuedForFetch through TransformFinished
// are active; Done and Failed are terminal.
const (
	StateQueuedForFetch     State = "QUEUED_FOR_FETCH"
	StateFetching           State = "FETCHING"
	StateFetched            State = "FETCHED"
	StateQueuedForTransform State = "QUEUED_FOR_TRANSFORM"
	StateTransformRunning   State = "TRANSFORM_RUNNING"
	StateTransformFinished  State = "TRANSFORM_FINISHED"
	StateDone               State = "DONE"
	StateFailed             State = "FAILED"
)

// Sentinel errors for state parsing and transition validation.
var (
	// ErrUnknownState indicates a string that is not one of the eight states.
	ErrUnknownState = errors.New("unknown ingestion state")

	// ErrInvalidStateTransition indicates a transition not permitted by the
	// state machine, including any transition out of a terminal state and a
	// FAILED transition without error fields.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// AllStates lists every valid state in pipeline order.
var AllStates = []State{
	StateQueuedForFetch,
	StateFetching,
	StateFetched,
	StateQueuedForTransform,
	StateTransformRunning,
	StateTransformFinished,
	StateDone,
	StateFailed,
}

// ActiveStates lists the six non-terminal states. The partial unique index on
// ingestion_runs uses exactly this set.
var ActiveStates = []State{
	StateQueuedForFetch,
	StateFetching,
	StateFetched,
	StateQueuedForTransform,
	StateTransformRunning,
	StateTransformFinished,
}

// transitions is the legal forward edge set. FAILED is reachable from every
// active state and handled separately in ValidateTransition.
var transitions = map[State]State{
	StateQueuedForFetch:     StateFetching,
	StateFetching:           StateFetched,
	StateFetched:            StateQueuedForTransform,
	StateQueuedForTransform: StateTransformRunning,
	StateTransformRunning:   StateTransformFinished,
	StateTransformFinished:  StateDone,
}

// String returns the state as its wire representation.
func (s State) String() string {
	return string(s)
}

// Valid reports whether s is one of the eight defined states.
func (s State) Valid() bool {
	switch s {
	case StateQueuedForFetch, StateFetching, StateFetched,
		StateQueuedForTransform, StateTransformRunning, StateTransformFinished,
		StateDone, StateFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is DONE or FAILED.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Active reports whether s is a valid non-terminal state.
func (s State) Active() bool {
	return s.Valid() && !s.Terminal()
}

// ParseState converts a string into a State, returning ErrUnknownState for
// anything outside the eight-value set.
func ParseState(value string) (State, error) {
	s := State(value)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, value)
	}

	return s, nil
}

// ValidateTransition checks whether from → to is a legal edge of the state
// machine. Terminal states have no outgoing edges; every active state may
// escape to FAILED.
func ValidateTransition(from, to State) error {
	if !from.Valid() {
		return fmt.Errorf("%w: unknown source state %q", ErrInvalidStateTransition, from)
	}

	if !to.Valid() {
		return fmt.Errorf("%w: unknown target state %q", ErrInvalidStateTransition, to)
	}

	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidStateTransition, from)
	}

	if to == StateFailed {
		return nil
	}

	if next, ok := transitions[from]; ok && next == to {
		return nil
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
}
