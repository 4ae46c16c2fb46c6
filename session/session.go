// Package session tracks the live sessions of a process and the private
// cache store each one owns.
//
// A session is started by the host application when a user connects and
// ended when they leave. Ending a session discards its store. The session id
// travels in the context returned by [Manager.Start] so that code deep in a
// request can find its session without it ever being passed as a cache key
// part.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentuity/plotcache/cache"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrClosed is returned by Start once the Manager has been closed.
var ErrClosed = errors.New("session: manager closed")

type contextKey struct{}

// NewContext returns a copy of ctx carrying the session id.
func NewContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the session id carried by ctx, if any.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// Session is one live session.
type Session struct {
	ID         string
	Started    time.Time
	LastAccess time.Time
	store      cache.Store
}

// Manager provisions a store when a session starts and discards it when the
// session ends. It is safe for concurrent use.
type Manager struct {
	sessions map[string]*Session
	newStore func() cache.Store
	closed   bool
	mu       sync.RWMutex
}

// NewManager returns a Manager whose sessions each get a store from newStore.
// A nil newStore gives every session a default memory store.
func NewManager(newStore func() cache.Store) *Manager {
	if newStore == nil {
		newStore = func() cache.Store { return cache.NewMemory() }
	}
	return &Manager{
		sessions: make(map[string]*Session),
		newStore: newStore,
	}
}

// Start begins a session and returns ctx carrying its id. An empty id
// generates a new one. Starting a session that is already live keeps its
// store.
func (m *Manager) Start(ctx context.Context, id string) (context.Context, error) {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ctx, ErrClosed
	}
	now := time.Now()
	if session, ok := m.sessions[id]; ok {
		session.LastAccess = now
	} else {
		m.sessions[id] = &Session{
			ID:         id,
			Started:    now,
			LastAccess: now,
			store:      m.newStore(),
		}
	}
	return NewContext(ctx, id), nil
}

// End ends the session and discards its store. It reports whether the
// session was live.
func (m *Manager) End(id string) bool {
	m.mu.Lock()
	session, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		session.store.Close()
	}
	return ok
}

// EndAll ends every live session.
func (m *Manager) EndAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, session := range sessions {
		session.store.Close()
	}
}

// Store returns the store of a live session.
func (m *Manager) Store(id string) (cache.Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	session.LastAccess = time.Now()
	return session.store, true
}

// Get returns a copy of the session's bookkeeping.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return Session{ID: session.ID, Started: session.Started, LastAccess: session.LastAccess}, true
}

// Sessions returns the ids of the live sessions, sorted.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// EndIdle ends sessions not accessed since before cutoff and returns how many
// were ended. Hosts that cannot observe disconnects call it periodically.
func (m *Manager) EndIdle(cutoff time.Time) int {
	m.mu.Lock()
	var idle []*Session
	for id, session := range m.sessions {
		if session.LastAccess.Before(cutoff) {
			idle = append(idle, session)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
	for _, session := range idle {
		session.store.Close()
	}
	return len(idle)
}

// Close ends every session. Start fails afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.EndAll()
	return nil
}
