package transport

import (
	"crypto/tls"
	"sync"
)

// SessionCacheManager keeps one TLS client session cache per relay address,
// so tickets issued by one relay are never offered to another and a
// reconnect to the same relay can resume.
type SessionCacheManager struct {
	mu       sync.Mutex
	capacity int
	caches   map[string]tls.ClientSessionCache
}

// NewSessionCacheManager returns a manager whose caches hold up to capacity
// sessions each; zero uses the crypto/tls default.
func NewSessionCacheManager(capacity int) *SessionCacheManager {
	return &SessionCacheManager{
		capacity: capacity,
		caches:   make(map[string]tls.ClientSessionCache),
	}
}

// GetOrCreate returns the cache for addr, creating it on first use.
func (m *SessionCacheManager) GetOrCreate(addr string) tls.ClientSessionCache {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cache, ok := m.caches[addr]; ok {
		return cache
	}
	cache := tls.NewLRUClientSessionCache(m.capacity)
	m.caches[addr] = cache
	return cache
}

// Get returns the cache for addr or nil.
func (m *SessionCacheManager) Get(addr string) tls.ClientSessionCache {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caches[addr]
}

// Clear forgets the cache for addr, forcing a full handshake next time.
func (m *SessionCacheManager) Clear(addr string) {
	m.mu.Lock()
	delete(m.caches, addr)
	m.mu.Unlock()
}

func (m *SessionCacheManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.caches)
}
