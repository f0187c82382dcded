package session

import (
	"sync"
	"time"

	"github.com/rapidaai/voicecore/internal/config"
	"github.com/rapidaai/voicecore/internal/corelog"
)

// ShutdownAllDeadline bounds Manager.ShutdownAll (spec §4.3: "return
// when all have terminated or a deadline elapses").
const ShutdownAllDeadline = 5 * time.Second

// Manager is the concurrency-safe session registry (spec §4.3).
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg      *config.Config
	log      corelog.Logger
	builders map[string]TransportBuilder
}

// NewManager constructs an empty Manager bound to one configuration and
// provider transport builder table.
func NewManager(cfg *config.Config, log corelog.Logger, builders map[string]TransportBuilder) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		log:      log,
		builders: builders,
	}
}

// Create mints a Session for conn, registers it, and returns it (spec
// §4.3: "mint a fresh session id, construct the Session object,
// register, and return it"). The caller is responsible for running
// Session.Run (typically in its own goroutine) and, when it returns,
// calling Manager.Remove.
func (m *Manager) Create(conn Conn) *Session {
	s := New(conn, m.cfg, m.log, m.builders)
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	m.log.Infow("session manager: session registered", "session_id", s.ID(), "active", m.Count())
	return s
}

// Remove unregisters id and runs its cleanup. Idempotent: removing an
// unknown or already-removed id is a no-op (spec §4.3).
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Cleanup()
	m.log.Infow("session manager: session removed", "session_id", id, "active", m.Count())
}

// ShutdownAll cleans up every active session, then waits for
// ShutdownAllDeadline for them to finish before returning (spec §4.3).
// Mutation of the registry happens under the lock; Session.Cleanup runs
// outside it so a slow session's cleanup cannot block Create/Remove for
// every other session.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, s := range sessions {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				s.Cleanup()
			}(s)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ShutdownAllDeadline):
		m.log.Warnw("session manager: shutdown_all deadline exceeded", "pending", len(sessions))
	}
}

// Count returns the number of currently registered sessions (spec §4.3:
// "active session count for observability").
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
