package coordinator

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/events/bus"
)

// Manager owns one Coordinator per session, created lazily on first use.
// Coordinators are never evicted while the process runs; DeleteSession is
// the explicit teardown path.
type Manager struct {
	cfg       config.QueueConfig
	store     Store
	transport Transport
	bus       bus.EventBus
	logger    *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Coordinator
}

// NewManager creates a manager with shared dependencies for all sessions.
func NewManager(cfg config.QueueConfig, st Store, tr Transport, eb bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     st,
		transport: tr,
		bus:       eb,
		logger:    log.WithFields(zap.String("component", "queue-manager")),
		sessions:  make(map[string]*Coordinator),
	}
}

// Coordinator returns the session's coordinator, creating it (and
// restoring its persisted queue) on first access.
func (m *Manager) Coordinator(sessionID string) *Coordinator {
	m.mu.RLock()
	c, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.sessions[sessionID]; ok {
		return c
	}
	c = New(sessionID, m.cfg, m.store, m.transport, m.bus, m.logger)
	m.sessions[sessionID] = c
	return c
}

// Get returns the coordinator only if the session already exists.
func (m *Manager) Get(sessionID string) (*Coordinator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[sessionID]
	return c, ok
}

// Sessions returns the known session ids in stable order.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeleteSession drops a session's coordinator and its persisted state.
// Waiting items are cancelled first so observers see the queue empty out.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) {
	m.mu.Lock()
	c, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if ok {
		c.CancelAll(ctx)
	}
	m.store.Delete(sessionID)
	m.logger.Info("session deleted", zap.String("session_id", sessionID))
}
