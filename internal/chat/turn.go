package chat

import (
	"context"
	"log/slog"

	"github.com/qmuntal/stateless"
)

// Turn lifecycle states
type turnState string

const (
	stateIdle      turnState = "Idle"
	stateAwaiting  turnState = "Awaiting"  // request sent, nothing received yet
	stateStreaming turnState = "Streaming" // at least one event applied
)

// Turn lifecycle triggers
type turnTrigger string

const (
	triggerSend     turnTrigger = "Send"
	triggerReceive  turnTrigger = "Receive"
	triggerComplete turnTrigger = "Complete"
	triggerFail     turnTrigger = "Fail"
	triggerCancel   turnTrigger = "Cancel"
)

// newTurnMachine builds the per-session FSM. Only Idle accepts Send, which is
// what rejects a second send while a request is pending. Triggers arriving in
// Idle belong to an already finished turn and are ignored.
func newTurnMachine(log *slog.Logger) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(stateIdle)

	fsm.Configure(stateIdle).
		Permit(triggerSend, stateAwaiting).
		Ignore(triggerReceive).
		Ignore(triggerComplete).
		Ignore(triggerFail).
		Ignore(triggerCancel)

	fsm.Configure(stateAwaiting).
		Permit(triggerReceive, stateStreaming).
		Permit(triggerComplete, stateIdle).
		Permit(triggerFail, stateIdle).
		Permit(triggerCancel, stateIdle)

	fsm.Configure(stateStreaming).
		Ignore(triggerReceive).
		Permit(triggerComplete, stateIdle).
		Permit(triggerFail, stateIdle).
		Permit(triggerCancel, stateIdle)

	fsm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		log.Debug("turn transition", "from", t.Source, "to", t.Destination, "trigger", t.Trigger)
	})

	return fsm
}

func phaseOf(fsm *stateless.StateMachine) Phase {
	switch fsm.MustState() {
	case stateAwaiting:
		return PhaseAwaiting
	case stateStreaming:
		return PhaseStreaming
	default:
		return PhaseIdle
	}
}
