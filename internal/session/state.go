package session

import (
	"fmt"

	"github.com/ent0n29/voxnote/internal/apperr"
)

// State is the lifecycle position of a streaming session.
type State string

const (
	StateCreated    State = "created"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateClosed     State = "closed"
)

// Event drives a state transition.
type Event string

const (
	EventVoiceData    Event = "voice_data"
	EventEndStreaming Event = "end_streaming"
	EventFinalized    Event = "finalized"
	EventFailed       Event = "failed"
	EventDisconnect   Event = "disconnect"
)

// Action is the side effect the caller must perform after a transition.
type Action string

const (
	ActionNone     Action = "none"
	ActionAppend   Action = "append"
	ActionFinalize Action = "finalize"
	ActionPersist  Action = "persist"
	ActionDiscard  Action = "discard"
	ActionRemove   Action = "remove"
)

// Transition is the pure session state machine.
func Transition(from State, ev Event) (State, Action, error) {
	switch ev {
	case EventDisconnect:
		if from == StateClosed {
			return StateClosed, ActionNone, nil
		}
		return StateClosed, ActionDiscard, nil
	}

	switch from {
	case StateCreated, StateStreaming:
		switch ev {
		case EventVoiceData:
			return StateStreaming, ActionAppend, nil
		case EventEndStreaming:
			// A session with no audio still finalizes to an empty transcript.
			return StateFinalizing, ActionFinalize, nil
		}
	case StateFinalizing:
		switch ev {
		case EventFinalized:
			return StateClosed, ActionPersist, nil
		case EventFailed:
			return StateClosed, ActionRemove, nil
		case EventVoiceData, EventEndStreaming:
			return StateFinalizing, ActionNone, nil
		}
	case StateClosed:
		return StateClosed, ActionNone, nil
	}
	return from, ActionNone, apperr.New(apperr.KindValidation, fmt.Sprintf("invalid transition %s on %s", ev, from))
}
