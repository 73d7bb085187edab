package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/tth/internal/control"
	"github.com/ent0n29/tth/internal/drift"
)

var ErrClosed = errors.New("session closed")

// Session is the live per-connection state. Lifecycle transitions come from the
// turn engine; pending control comes from the connection loop.
type Session struct {
	ID        string
	Persona   control.Persona
	StartedAt time.Time

	drift *drift.Tracker
	turn  TurnHandle
	done  chan struct{}

	mu                sync.Mutex
	status            Status
	state             State
	pending           *control.TurnControl
	activeTurnID      string
	turnCount         int
	interruptionCount int
	lastActivityAt    time.Time
}

func newSession(id string, persona control.Persona, driftWindow int) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             id,
		Persona:        persona,
		StartedAt:      now,
		drift:          drift.NewTracker(driftWindow),
		done:           make(chan struct{}),
		status:         StatusActive,
		state:          StateIdle,
		lastActivityAt: now,
	}
}

// PersonaDefaults is the control the session falls back to for unset groups.
func (s *Session) PersonaDefaults() control.TurnControl { return s.Persona.Defaults }

// Drift is owned by whichever turn is running.
func (s *Session) Drift() *drift.Tracker { return s.drift }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the lifecycle forward, rejecting moves the state machine does
// not allow.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		return transitionError(s.state, to)
	}
	s.state = to
	return nil
}

// SetPending stores a control update for the next turn, replacing any update
// still waiting.
func (s *Session) SetPending(c control.TurnControl) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &c
}

// TakePending merges the pending update under override and clears it.
func (s *Session) TakePending(override control.TurnControl) control.TurnControl {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := control.Default()
	if s.pending != nil {
		base = *s.pending
	}
	s.pending = nil
	return control.MergePending(base, override)
}

func (s *Session) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// StartTurn interrupts any unfinished turn, waits for it, then runs fn as the
// session's only turn.
func (s *Session) StartTurn(parent context.Context, turnID string, fn func(ctx context.Context)) error {
	s.CancelTurn()

	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return ErrClosed
	}
	s.activeTurnID = turnID
	s.turnCount++
	s.lastActivityAt = time.Now().UTC()
	s.mu.Unlock()

	s.turn.Start(parent, func(ctx context.Context) {
		defer s.clearTurn(turnID)
		fn(ctx)
	})
	return nil
}

// CancelTurn interrupts the active turn, waits for it to return and leaves the
// session Idle. It reports whether a running turn was interrupted.
func (s *Session) CancelTurn() bool {
	s.mu.Lock()
	if s.state.Running() {
		s.state = StateInterrupted
	}
	s.mu.Unlock()

	cancelled := s.turn.CancelCurrent()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
	s.activeTurnID = ""
	if cancelled {
		s.interruptionCount++
	}
	return cancelled
}

// Settle returns a finished turn's terminal state to Idle. Interrupted is left
// for CancelTurn, which only clears it after the turn has returned.
func (s *Session) Settle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTurnComplete || s.state == StateTurnError {
		s.state = StateIdle
	}
}

// WaitTurn blocks until the active turn finishes by itself.
func (s *Session) WaitTurn() { s.turn.Wait() }

func (s *Session) TurnActive() bool { return s.turn.Active() }

func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = time.Now().UTC()
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:         s.ID,
		PersonaID:         s.Persona.ID,
		PersonaName:       s.Persona.Name,
		Status:            s.status,
		State:             s.state,
		ActiveTurnID:      s.activeTurnID,
		TurnCount:         s.turnCount,
		InterruptionCount: s.interruptionCount,
		StartedAt:         s.StartedAt,
		LastActivityAt:    s.lastActivityAt,
	}
}

func (s *Session) clearTurn(turnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeTurnID == turnID {
		s.activeTurnID = ""
	}
}

// end marks the session closed and cancels its turn. Returns false when it was
// already closed.
func (s *Session) end() bool {
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return false
	}
	s.status = StatusEnded
	close(s.done)
	s.mu.Unlock()
	s.CancelTurn()
	return true
}

// Done is closed once the session has been closed or expired.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt, s.status == StatusActive && !s.state.Running()
}
