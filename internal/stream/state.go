package stream

import "time"

// State is the lifecycle state of a [Session].
type State int32

const (
	// StateIdle: no audio flows. A session starts and ends here.
	StateIdle State = iota

	// StateCapturing: the microphone feeds the framer; nothing has been sent
	// or received yet.
	StateCapturing

	// StateStreaming: at least one frame has been sent or received.
	StateStreaming

	// StateDraining: capture has stopped or the peer finished; queued audio
	// is flushed out and played out before returning to idle.
	StateDraining
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// canTransition reports whether from → to is a legal lifecycle step. Every
// state may fall back to idle (finish or abort).
func canTransition(from, to State) bool {
	if to == StateIdle {
		return from != StateIdle
	}
	switch from {
	case StateIdle:
		return to == StateCapturing
	case StateCapturing:
		return to == StateStreaming || to == StateDraining
	case StateStreaming:
		return to == StateDraining
	}
	return false
}

// StateChange describes one lifecycle transition.
type StateChange struct {
	SessionID string
	From      State
	To        State
	At        time.Time
}
