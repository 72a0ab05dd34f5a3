package domain

import (
	"errors"
	"testing"
)

func TestStateMachine_TransitionTable(t *testing.T) {
	states := []OperationState{StateNone, StateCreated, StatePending, StateProcessing, StateCompleted, StateRejected}
	events := []EventType{EventOperationCreated, EventProcessingStarted, EventProcessingCompleted, EventProcessingRejected}

	legal := map[OperationState]map[EventType]OperationState{
		StateNone:       {EventOperationCreated: StatePending},
		StateCreated:    {EventOperationCreated: StatePending},
		StatePending:    {EventProcessingStarted: StateProcessing},
		StateProcessing: {EventProcessingCompleted: StateCompleted, EventProcessingRejected: StateRejected},
	}

	sm := NewStateMachine()
	for _, state := range states {
		for _, event := range events {
			want, ok := legal[state][event]

			t.Run(state.String()+"/"+string(event), func(t *testing.T) {
				if got := sm.CanTransition(state, event); got != ok {
					t.Fatalf("CanTransition(%s, %s) = %v, want %v", state, event, got, ok)
				}

				got, err := sm.ApplyTransition(state, event)
				if !ok {
					if !errors.Is(err, ErrIllegalTransition) {
						t.Fatalf("expected ErrIllegalTransition, got %v", err)
					}
					return
				}
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got != want {
					t.Errorf("ApplyTransition(%s, %s) = %s, want %s", state, event, got, want)
				}
			})
		}
	}
}

func TestStateMachine_TerminalStatesAcceptNothing(t *testing.T) {
	var v TransitionValidator
	for _, state := range []OperationState{StateCompleted, StateRejected} {
		if !state.IsTerminal() {
			t.Fatalf("%s should be terminal", state)
		}
		for _, event := range []EventType{EventOperationCreated, EventProcessingStarted, EventProcessingCompleted, EventProcessingRejected} {
			if v.CanTransition(state, event) {
				t.Errorf("terminal state %s accepted %s", state, event)
			}
		}
	}
}

func TestOperationState_String(t *testing.T) {
	if StateNone.String() != "NONE" {
		t.Errorf("expected NONE, got %q", StateNone.String())
	}
	if StatePending.String() != "PENDING" {
		t.Errorf("expected PENDING, got %q", StatePending.String())
	}
}
