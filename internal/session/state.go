package session

import (
	"errors"
	"fmt"
)

// State is the per-session turn lifecycle.
type State string

const (
	StateIdle            State = "idle"
	StateTextRunning     State = "text_running"
	StateAudioRunning    State = "audio_running"
	StateVideoRunning    State = "video_running"
	StateStreamingOutput State = "streaming_output"
	StateTurnComplete    State = "turn_complete"
	StateInterrupted     State = "interrupted"
	StateTurnError       State = "turn_error"
)

var (
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrInterrupted is returned, alongside ErrInvalidTransition, when the turn
	// trying to advance has already been interrupted.
	ErrInterrupted = errors.New("turn interrupted")
)

// Running reports whether a turn is between its first stage and its terminal state.
func (s State) Running() bool {
	switch s {
	case StateTextRunning, StateAudioRunning, StateVideoRunning, StateStreamingOutput:
		return true
	default:
		return false
	}
}

func (s State) terminal() bool {
	return s == StateTurnComplete || s == StateInterrupted || s == StateTurnError
}

func canTransition(from, to State) bool {
	switch {
	case from == StateIdle:
		return to == StateTextRunning
	case from.Running():
		return to.Running() || to.terminal()
	case from == StateTurnComplete || from == StateTurnError:
		return to == StateIdle
	default:
		return false
	}
}

func transitionError(from, to State) error {
	if from == StateInterrupted {
		return fmt.Errorf("%w: %w: %s -> %s", ErrInvalidTransition, ErrInterrupted, from, to)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
