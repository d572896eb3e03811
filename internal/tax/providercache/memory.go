package providercache

import (
	"context"
	"sync"
	"time"
)

var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend is an in-process Backend for deployments without redis.
// Expired entries are dropped lazily on read and swept opportunistically on
// write.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if m.now().After(e.ExpiresAt) {
		m.mu.Lock()
		// Re-check: another goroutine may have replaced the entry.
		if cur, ok := m.entries[key]; ok && m.now().After(cur.ExpiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Set implements Backend. The ttl parameter is redundant with e.ExpiresAt
// for this backend; it exists for stores with native expiry.
func (m *MemoryBackend) Set(_ context.Context, key string, e Entry, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = e

	// Cheap sweep: drop whatever is already expired while we hold the lock.
	now := m.now()
	for k, v := range m.entries {
		if now.After(v.ExpiresAt) {
			delete(m.entries, k)
		}
	}
	return nil
}
