//nolint:revive // types is a common Go package naming convention
package types

import (
	"fmt"
	"time"
)

// RequestState is a state of the per-request pipeline.
type RequestState string

// Request states. Completed and Failed are terminal.
const (
	StateReceived   RequestState = "received"
	StateStaged     RequestState = "staged"
	StateDispatched RequestState = "dispatched"
	StateCompleted  RequestState = "completed"
	StateFailed     RequestState = "failed"
)

// IsTerminal returns true for completed and failed.
func (s RequestState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// allowedTransitions lists the legal successor states.
var allowedTransitions = map[RequestState][]RequestState{
	StateReceived:   {StateStaged, StateFailed},
	StateStaged:     {StateDispatched, StateFailed},
	StateDispatched: {StateCompleted, StateFailed},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to RequestState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateTransition records one state change.
type StateTransition struct {
	State RequestState `json:"state" yaml:"state"`
	At    time.Time    `json:"at" yaml:"at"`
}

// StateMachine tracks a request through its states.
// Not safe for concurrent use; one request owns one machine.
type StateMachine struct {
	current RequestState
	history []StateTransition
}

// NewStateMachine starts a machine in the received state.
func NewStateMachine(now time.Time) *StateMachine {
	return &StateMachine{
		current: StateReceived,
		history: []StateTransition{{State: StateReceived, At: now}},
	}
}

// Current returns the current state.
func (m *StateMachine) Current() RequestState {
	return m.current
}

// Transition moves to the next state. Illegal transitions return an error
// and leave the machine unchanged.
func (m *StateMachine) Transition(to RequestState, now time.Time) error {
	if !CanTransition(m.current, to) {
		return fmt.Errorf("illegal state transition %s -> %s", m.current, to)
	}
	m.current = to
	m.history = append(m.history, StateTransition{State: to, At: now})
	return nil
}

// History returns a copy of the recorded transitions.
func (m *StateMachine) History() []StateTransition {
	out := make([]StateTransition, len(m.history))
	copy(out, m.history)
	return out
}
