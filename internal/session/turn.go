package session

import (
	"context"
	"sync"
)

// TurnHandle owns at most one in-flight turn goroutine.
type TurnHandle struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start cancels and awaits any unfinished turn, then runs fn in a new goroutine
// with a context derived from parent.
func (h *TurnHandle) Start(parent context.Context, fn func(ctx context.Context)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelLocked()

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	h.cancel = cancel
	h.done = done
	go func() {
		defer close(done)
		defer cancel()
		fn(ctx)
	}()
}

// CancelCurrent requests cancellation, waits for the goroutine to return and
// clears the association. It reports whether an unfinished turn was cancelled.
// Safe to call repeatedly and with no turn installed.
func (h *TurnHandle) CancelCurrent() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelLocked()
}

func (h *TurnHandle) cancelLocked() bool {
	if h.done == nil {
		return false
	}
	wasRunning := true
	select {
	case <-h.done:
		wasRunning = false
	default:
	}
	h.cancel()
	<-h.done
	h.cancel = nil
	h.done = nil
	return wasRunning
}

// Active reports whether a started turn has not returned yet.
func (h *TurnHandle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the current turn, if any, returns on its own.
func (h *TurnHandle) Wait() {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done != nil {
		<-done
	}
}
