package auditlog

import (
	"context"
	"maps"
	"sync"
)

// MemoryRepository keeps entries in process memory. Tests only.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) Append(_ context.Context, e *Entry) error {
	cp := *e
	cp.Metadata = maps.Clone(e.Metadata)
	m.mu.Lock()
	m.entries = append(m.entries, cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) Recent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, min(limit, len(m.entries)))
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[i]
		e.Metadata = maps.Clone(e.Metadata)
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

// Len returns the number of stored entries.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
