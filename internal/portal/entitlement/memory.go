package entitlement

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRepository is an in-process Repository. It does not survive restarts
// and is meant for tests and single-instance development.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*TenantAccessRecord
	writes  int
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*TenantAccessRecord)}
}

func (m *MemoryRepository) Get(_ context.Context, tenantID string) (*TenantAccessRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[tenantID].clone(), nil
}

func (m *MemoryRepository) GetByBillingCustomer(_ context.Context, customerID string) (*TenantAccessRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.records {
		if rec.BillingCustomerID == customerID {
			return rec.clone(), nil
		}
	}
	return nil, nil
}

func (m *MemoryRepository) Put(_ context.Context, rec *TenantAccessRecord) error {
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.BillingCustomerID != "" {
		for id, other := range m.records {
			if id != rec.TenantID && other.BillingCustomerID == rec.BillingCustomerID {
				return fmt.Errorf("%w: customer %s already bound to tenant %s", ErrBillingCustomerConflict, rec.BillingCustomerID, id)
			}
		}
	}
	m.records[rec.TenantID] = rec.clone()
	m.writes++
	return nil
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

// Len returns the number of stored records.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Writes returns the number of successful Put calls.
func (m *MemoryRepository) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}
