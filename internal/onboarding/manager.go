package onboarding

import (
	"errors"
	"fmt"
	"sync"

	"github.com/atvirokodosprendimai/nodegate/internal/metrics"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// Manager keeps the open onboarding sessions. Sessions are independent of
// each other and never share node records.
type Manager struct {
	deps    Deps
	metrics *metrics.Recorder
	log     logr.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager whose sessions use deps.
func NewManager(deps Deps, m *metrics.Recorder, log logr.Logger) *Manager {
	return &Manager{
		deps:     deps,
		metrics:  m,
		log:      log.WithName("onboarding"),
		sessions: make(map[string]*Session),
	}
}

// Open starts a new session in stage 1.
func (m *Manager) Open() *Session {
	s := NewSession(uuid.NewString(), m.deps, m.log)
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	m.metrics.SessionOpened()
	m.log.Info("session opened", "session", s.ID())
	return s
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns snapshots of all open sessions.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Close cancels a session and forgets it.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.Cancel()
	m.metrics.SessionClosed()
	return nil
}
