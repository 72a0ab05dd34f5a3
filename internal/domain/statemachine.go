package domain

import "fmt"

// transitions is the complete table of legal (state, event) pairs.
// Terminal states have no entries.
var transitions = map[OperationState]map[EventType]OperationState{
	StateNone: {
		EventOperationCreated: StatePending,
	},
	StateCreated: {
		EventOperationCreated: StatePending,
	},
	StatePending: {
		EventProcessingStarted: StateProcessing,
	},
	StateProcessing: {
		EventProcessingCompleted: StateCompleted,
		EventProcessingRejected:  StateRejected,
	},
}

// TransitionValidator answers whether an event may be applied in a state.
type TransitionValidator struct{}

// CanTransition reports whether event is legal in state. It has no side effects.
func (TransitionValidator) CanTransition(state OperationState, event EventType) bool {
	_, ok := transitions[state][event]
	return ok
}

// StateMachine computes the destination state of legal transitions.
type StateMachine struct {
	validator TransitionValidator
}

// NewStateMachine creates a StateMachine backed by the transition table.
func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

// CanTransition reports whether event is legal in state.
func (m *StateMachine) CanTransition(state OperationState, event EventType) bool {
	return m.validator.CanTransition(state, event)
}

// ApplyTransition returns the state reached by applying event in state.
// Callers check CanTransition first; an error here means a logic bug upstream.
func (m *StateMachine) ApplyTransition(state OperationState, event EventType) (OperationState, error) {
	if !m.validator.CanTransition(state, event) {
		return StateNone, fmt.Errorf("%w: from %s with event %s", ErrIllegalTransition, state, event)
	}
	return transitions[state][event], nil
}
