package session

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager is the process-wide registry of active sessions. Sessions are
// fully independent of one another; the manager only tracks them for
// lookup, enumeration, and coordinated shutdown. All methods are safe for
// concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Supervisor
	closed   bool
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Supervisor)}
}

// Add registers a started session. Returns an error if the manager is shut
// down or a session with the same ID is already registered.
func (m *Manager) Add(sup *Supervisor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("session manager: shut down, not accepting session %s", sup.ID())
	}
	if _, dup := m.sessions[sup.ID()]; dup {
		return fmt.Errorf("session manager: session %s already registered", sup.ID())
	}
	m.sessions[sup.ID()] = sup
	return nil
}

// Get returns the session with the given ID, or false when none is
// registered.
func (m *Manager) Get(id string) (*Supervisor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sup, ok := m.sessions[id]
	return sup, ok
}

// Remove unregisters a session. It does not end it; callers end the session
// first and then remove it.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Sessions returns a snapshot of all registered sessions.
func (m *Manager) Sessions() []*Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Supervisor, 0, len(m.sessions))
	for _, sup := range m.sessions {
		out = append(out, sup)
	}
	return out
}

// ActiveCount returns how many sessions are registered and not terminated.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sup := range m.sessions {
		if sup.State() != StateTerminated {
			n++
		}
	}
	return n
}

// Shutdown ends every registered session concurrently with the given reason
// and stops accepting new ones. It returns the first end error encountered,
// after all sessions have finished tearing down. Respects ctx: sessions
// still tearing down when ctx expires are abandoned to their own timeouts.
func (m *Manager) Shutdown(ctx context.Context, reason string) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Supervisor, 0, len(m.sessions))
	for _, sup := range m.sessions {
		sessions = append(sessions, sup)
	}
	m.sessions = make(map[string]*Supervisor)
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, sup := range sessions {
		g.Go(func() error {
			if err := sup.End(reason); err != nil {
				return fmt.Errorf("end session %s: %w", sup.ID(), err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
