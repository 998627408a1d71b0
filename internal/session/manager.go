package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("connection not found")

// Connection is one authenticated websocket attached to a principal.
type Connection struct {
	ID             string    `json:"connection_id"`
	PrincipalID    string    `json:"principal_id"`
	Status         Status    `json:"status"`
	TurnsHandled   int       `json:"turns_handled"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type entry struct {
	conn   Connection
	cancel context.CancelFunc
}

// Manager tracks live connections and closes the ones that stay idle.
type Manager struct {
	mu          sync.RWMutex
	conns       map[string]*entry
	byPrincipal map[string]map[string]struct{}
	idleTimeout time.Duration
	onExpire    func(Connection)
}

func NewManager(idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &Manager{
		conns:       make(map[string]*entry),
		byPrincipal: make(map[string]map[string]struct{}),
		idleTimeout: idleTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(Connection)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Register records a new connection. cancel is invoked when the connection
// is closed or expires; it may be nil.
func (m *Manager) Register(principalID string, cancel context.CancelFunc) Connection {
	now := time.Now().UTC()
	e := &entry{
		conn: Connection{
			ID:             uuid.NewString(),
			PrincipalID:    principalID,
			Status:         StatusActive,
			StartedAt:      now,
			LastActivityAt: now,
		},
		cancel: cancel,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[e.conn.ID] = e
	if principalID != "" {
		set, ok := m.byPrincipal[principalID]
		if !ok {
			set = make(map[string]struct{})
			m.byPrincipal[principalID] = set
		}
		set[e.conn.ID] = struct{}{}
	}
	return e.conn
}

func (m *Manager) Get(connectionID string) (Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conns[connectionID]
	if !ok {
		return Connection{}, ErrNotFound
	}
	return e.conn, nil
}

func (m *Manager) Touch(connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[connectionID]
	if !ok {
		return ErrNotFound
	}
	e.conn.LastActivityAt = time.Now().UTC()
	return nil
}

// RecordTurn counts a handled turn and refreshes activity.
func (m *Manager) RecordTurn(connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[connectionID]
	if !ok {
		return ErrNotFound
	}
	e.conn.TurnsHandled++
	e.conn.LastActivityAt = time.Now().UTC()
	return nil
}

// Close removes the connection and cancels its context.
func (m *Manager) Close(connectionID string) (Connection, error) {
	m.mu.Lock()
	e, ok := m.conns[connectionID]
	if !ok {
		m.mu.Unlock()
		return Connection{}, ErrNotFound
	}
	m.removeLocked(e)
	e.conn.Status = StatusEnded
	e.conn.LastActivityAt = time.Now().UTC()
	m.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	return e.conn, nil
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
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// ForPrincipal lists the open connections of one principal.
func (m *Manager) ForPrincipal(principalID string) []Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byPrincipal[principalID]
	out := make([]Connection, 0, len(set))
	for id := range set {
		out = append(out, m.conns[id].conn)
	}
	return out
}

func (m *Manager) expireIdle() {
	now := time.Now().UTC()
	var expired []*entry

	m.mu.Lock()
	for _, e := range m.conns {
		if now.Sub(e.conn.LastActivityAt) < m.idleTimeout {
			continue
		}
		e.conn.Status = StatusEnded
		e.conn.LastActivityAt = now
		expired = append(expired, e)
	}
	for _, e := range expired {
		m.removeLocked(e)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, e := range expired {
		if e.cancel != nil {
			e.cancel()
		}
		if hook != nil {
			hook(e.conn)
		}
	}
}

func (m *Manager) removeLocked(e *entry) {
	delete(m.conns, e.conn.ID)
	if set, ok := m.byPrincipal[e.conn.PrincipalID]; ok {
		delete(set, e.conn.ID)
		if len(set) == 0 {
			delete(m.byPrincipal, e.conn.PrincipalID)
		}
	}
}
