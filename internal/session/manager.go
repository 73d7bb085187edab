package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/tth/internal/control"
	"github.com/ent0n29/tth/internal/drift"
)

var ErrNotFound = errors.New("session not found")

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	catalog           *control.Catalog
	inactivityTimeout time.Duration
	driftWindow       int
	onExpire          func(*Session)
}

func NewManager(catalog *control.Catalog, inactivityTimeout time.Duration, driftWindow int) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 5 * time.Minute
	}
	if driftWindow <= 0 {
		driftWindow = drift.DefaultWindow
	}
	if catalog == nil {
		catalog = control.NewCatalog()
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		catalog:           catalog,
		inactivityTimeout: inactivityTimeout,
		driftWindow:       driftWindow,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

// Create opens a session for the persona (unknown ids get the default persona).
// Non-default groups in overrides replace the persona's defaults.
func (m *Manager) Create(personaID string, overrides control.TurnControl) (*Session, error) {
	overrides = overrides.Normalize()
	if err := overrides.Validate(); err != nil {
		return nil, err
	}
	persona := m.catalog.Lookup(personaID)
	persona.Defaults = control.Resolve(overrides, persona.Defaults)

	s := newSession(uuid.NewString(), persona, m.driftWindow)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return s, nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Manager) Touch(sessionID string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	s.Touch()
	return nil
}

// Close removes the session after cancelling and awaiting its active turn.
func (m *Manager) Close(sessionID string) (Info, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return Info{}, ErrNotFound
	}
	s.end()
	return s.Info(), nil
}

// CloseAll is used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.end()
	}
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		last, idle := s.idleSince()
		if !idle || now.Sub(last) < m.inactivityTimeout {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, s)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, s := range expired {
		s.end()
		if hook != nil {
			hook(s)
		}
	}
}
