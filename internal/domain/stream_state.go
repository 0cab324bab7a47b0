package domain

import "errors"

// StreamState is the lifecycle state of a media session. Only the readiness
// monitor moves a session between states.
type StreamState string

const (
	StateIdle        StreamState = "idle"
	StateDownloading StreamState = "downloading"
	StateStreamable  StreamState = "streamable"
	StateComplete    StreamState = "complete"
	StateError       StreamState = "error"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines the adjacency list of allowed state transitions.
// Error is terminal.
var validTransitions = map[StreamState][]StreamState{
	StateIdle:        {StateDownloading, StateError},
	StateDownloading: {StateStreamable, StateComplete, StateError},
	StateStreamable:  {StateComplete, StateError},
	StateComplete:    {StateError},
}

// CanTransition reports whether a transition from one state to another is valid.
func CanTransition(from, to StreamState) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CanStream reports whether enough of the source exists to start producing output.
func (s StreamState) CanStream() bool {
	return s == StateStreamable || s == StateComplete
}

func (s StreamState) Terminal() bool {
	return s == StateError
}

// rank orders the non-error states so callers can check forward progress.
func (s StreamState) rank() int {
	switch s {
	case StateIdle:
		return 0
	case StateDownloading:
		return 1
	case StateStreamable:
		return 2
	case StateComplete:
		return 3
	default:
		return -1
	}
}

// Before reports whether s precedes other in the normal lifecycle.
func (s StreamState) Before(other StreamState) bool {
	return s.rank() >= 0 && other.rank() >= 0 && s.rank() < other.rank()
}
