package idempotency

import (
	"context"
	"sync"
	"time"
)

type marker struct {
	value     string
	expiresAt time.Time
}

// MemoryGuard is a single-process Guard used by tests and local development.
type MemoryGuard struct {
	mu      sync.Mutex
	markers map[string]marker
	ttl     TTLs
	now     func() time.Time
}

func NewMemoryGuard(ttl TTLs) *MemoryGuard {
	return &MemoryGuard{
		markers: make(map[string]marker),
		ttl:     ttl.withDefaults(),
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (m *MemoryGuard) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryGuard) TryAcquire(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Key(eventID)
	if _, ok := m.liveLocked(key); ok {
		return false, nil
	}
	m.markers[key] = marker{value: ValueProcessing, expiresAt: m.now().Add(m.ttl.Processing)}
	return true, nil
}

func (m *MemoryGuard) Finalize(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[Key(eventID)] = marker{value: ValueDone, expiresAt: m.now().Add(m.ttl.Done)}
	return nil
}

func (m *MemoryGuard) Release(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.markers, Key(eventID))
	return nil
}

func (m *MemoryGuard) Extend(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Key(eventID)
	mk, ok := m.liveLocked(key)
	if !ok {
		mk = marker{value: ValueProcessing}
	}
	mk.expiresAt = m.now().Add(m.ttl.Extended)
	m.markers[key] = mk
	return nil
}

func (m *MemoryGuard) Ping(context.Context) error { return nil }

// State returns the live marker value for eventID, if any.
func (m *MemoryGuard) State(eventID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.liveLocked(Key(eventID))
	return mk.value, ok
}

func (m *MemoryGuard) liveLocked(key string) (marker, bool) {
	mk, ok := m.markers[key]
	if !ok {
		return marker{}, false
	}
	if !m.now().Before(mk.expiresAt) {
		delete(m.markers, key)
		return marker{}, false
	}
	return mk, true
}
