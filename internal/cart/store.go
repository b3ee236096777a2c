package cart

import (
	"sync"
	"sync/atomic"
	"time"
)

// Session is one till's working cart. All access to Cart goes through the
// session mutex; the service takes it for every operation.
type Session struct {
	ID        string
	Cart      *Cart
	CreatedAt time.Time

	mu      sync.Mutex
	expires atomic.Int64
}

func newSession(id string, c *Cart, now time.Time, ttl time.Duration) *Session {
	s := &Session{ID: id, Cart: c, CreatedAt: now}
	s.touch(now, ttl)
	return s
}

func (s *Session) touch(now time.Time, ttl time.Duration) {
	s.expires.Store(now.Add(ttl).UnixNano())
}

// ExpiresAt returns when the session is evicted unless used again.
func (s *Session) ExpiresAt() time.Time {
	return time.Unix(0, s.expires.Load()).UTC()
}

func (s *Session) expired(now time.Time) bool {
	return now.UnixNano() >= s.expires.Load()
}

// MemoryStore keeps sessions in process memory. Carts are never persisted.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Put stores s under its id.
func (m *MemoryStore) Put(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
}

// Get returns the session with the given id.
func (m *MemoryStore) Get(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	return s, ok
}

// Delete removes a session and reports whether it existed.
func (m *MemoryStore) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// RemoveExpired evicts sessions whose TTL elapsed and returns their ids.
func (m *MemoryStore) RemoveExpired(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.sessions {
		if s.expired(now) {
			delete(m.sessions, id)
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of stored sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
