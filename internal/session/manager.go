package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectionInfo describes one live streaming connection.
type ConnectionInfo struct {
	ID             string    `json:"connection_id"`
	ActiveSessions int       `json:"active_sessions"`
	OpenedAt       time.Time `json:"opened_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Manager tracks live connections and how many sessions each holds. Session
// state itself stays inside each connection's Store; the manager only keeps
// counts for reporting.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*ConnectionInfo
	onChange    func(activeSessions int)
}

func NewManager() *Manager {
	return &Manager{
		connections: make(map[string]*ConnectionInfo),
	}
}

// SetChangeHook registers a callback fired with the new total session count.
func (m *Manager) SetChangeHook(hook func(activeSessions int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = hook
}

// Open registers a connection and returns its id.
func (m *Manager) Open() string {
	now := time.Now().UTC()
	c := &ConnectionInfo{
		ID:             uuid.NewString(),
		OpenedAt:       now,
		LastActivityAt: now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
	return c.ID
}

// SetActive records the session count of a connection.
func (m *Manager) SetActive(connID string, n int) {
	m.mu.Lock()
	c, ok := m.connections[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	changed := c.ActiveSessions != n
	c.ActiveSessions = n
	c.LastActivityAt = time.Now().UTC()
	total := m.activeLocked()
	hook := m.onChange
	m.mu.Unlock()

	if changed && hook != nil {
		hook(total)
	}
}

// Close forgets a connection.
func (m *Manager) Close(connID string) {
	m.mu.Lock()
	c, ok := m.connections[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	hadSessions := c.ActiveSessions > 0
	delete(m.connections, connID)
	total := m.activeLocked()
	hook := m.onChange
	m.mu.Unlock()

	if hadSessions && hook != nil {
		hook(total)
	}
}

// ActiveCount reports sessions across all connections.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked()
}

func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *Manager) Connections() []ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, *c)
	}
	return out
}

func (m *Manager) activeLocked() int {
	total := 0
	for _, c := range m.connections {
		total += c.ActiveSessions
	}
	return total
}
