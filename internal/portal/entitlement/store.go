package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrBillingCustomerConflict is returned when a billing customer would be
	// bound to a second tenant, or a tenant would be rebound to a different
	// customer. Both indicate a data-integrity problem upstream.
	ErrBillingCustomerConflict = errors.New("billing customer binding conflict")

	// ErrTenantIDRequired is returned when a mutation is attempted without a tenant.
	ErrTenantIDRequired = errors.New("tenant id is required")
)

// Repository is the persistence backend for tenant access records.
// Get and GetByBillingCustomer return (nil, nil) when no record exists.
type Repository interface {
	Get(ctx context.Context, tenantID string) (*TenantAccessRecord, error)
	GetByBillingCustomer(ctx context.Context, customerID string) (*TenantAccessRecord, error)
	Put(ctx context.Context, rec *TenantAccessRecord) error
	Ping(ctx context.Context) error
}

// Activation describes a paid activation of a tenant after checkout.
type Activation struct {
	TenantID          string
	BillingCustomerID string
	ActiveUntil       *time.Time
	Seats             int
	PlanID            string
}

// StatusUpdate describes a billing-driven status change. Zero values leave the
// corresponding field untouched.
type StatusUpdate struct {
	Status      Status
	ActiveUntil *time.Time
	Seats       int
	PlanID      string
}

// Change is the outcome of a mutation: the record as written plus the status
// it held before the write (INACTIVE when the record was created).
type Change struct {
	Previous Status
	Record   *TenantAccessRecord
	Created  bool
}

// Store implements the entitlement operations as read-modify-write over a
// Repository. Concurrent writers to the same tenant are last-write-wins.
type Store struct {
	repo Repository
	now  func() time.Time
}

// NewStore wraps a repository.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo, now: time.Now}
}

// Ping checks backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Get returns the record for tenantID, or nil if none exists.
func (s *Store) Get(ctx context.Context, tenantID string) (*TenantAccessRecord, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, nil
	}
	return s.repo.Get(ctx, tenantID)
}

// GetByBillingCustomer returns the tenant bound to customerID, or nil.
func (s *Store) GetByBillingCustomer(ctx context.Context, customerID string) (*TenantAccessRecord, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, nil
	}
	return s.repo.GetByBillingCustomer(ctx, customerID)
}

// Activate binds the billing customer (first checkout only) and marks the
// tenant ACTIVE. The record is created when it does not exist yet.
func (s *Store) Activate(ctx context.Context, a Activation) (*Change, error) {
	tenantID := strings.TrimSpace(a.TenantID)
	customerID := strings.TrimSpace(a.BillingCustomerID)
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}
	if customerID == "" {
		return nil, fmt.Errorf("activate tenant %s: billing customer id is required", tenantID)
	}

	bound, err := s.repo.GetByBillingCustomer(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("lookup tenant by billing customer: %w", err)
	}
	if bound != nil && bound.TenantID != tenantID {
		return nil, fmt.Errorf("%w: customer %s belongs to tenant %s, not %s", ErrBillingCustomerConflict, customerID, bound.TenantID, tenantID)
	}

	rec, created, err := s.loadOrNew(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if rec.BillingCustomerID != "" && rec.BillingCustomerID != customerID {
		return nil, fmt.Errorf("%w: tenant %s is bound to customer %s, not %s", ErrBillingCustomerConflict, tenantID, rec.BillingCustomerID, customerID)
	}

	change := &Change{Previous: rec.Status, Created: created}
	rec.BillingCustomerID = customerID
	rec.Status = StatusActive
	if a.ActiveUntil != nil {
		rec.ActiveUntil = cloneTime(a.ActiveUntil)
	}
	if a.Seats > 0 {
		rec.SeatLimit = a.Seats
	}
	if rec.SeatLimit < 1 {
		rec.SeatLimit = 1
	}
	if plan := strings.TrimSpace(a.PlanID); plan != "" {
		rec.PlanID = plan
	}

	if err := s.put(ctx, rec); err != nil {
		return nil, err
	}
	change.Record = rec.clone()
	return change, nil
}

// UpdateStatus applies a billing-driven status change. An unknown tenant is
// a no-op and reported as a nil Change with a nil error.
func (s *Store) UpdateStatus(ctx context.Context, tenantID string, upd StatusUpdate) (*Change, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}
	if !upd.Status.Valid() {
		return nil, fmt.Errorf("update tenant %s: invalid status %q", tenantID, upd.Status)
	}

	rec, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", tenantID, err)
	}
	if rec == nil {
		return nil, nil
	}

	change := &Change{Previous: rec.Status}
	rec.Status = upd.Status
	if upd.ActiveUntil != nil {
		rec.ActiveUntil = cloneTime(upd.ActiveUntil)
	}
	if upd.Seats > 0 {
		rec.SeatLimit = upd.Seats
	}
	if plan := strings.TrimSpace(upd.PlanID); plan != "" {
		rec.PlanID = plan
	}

	if err := s.put(ctx, rec); err != nil {
		return nil, err
	}
	change.Record = rec.clone()
	return change, nil
}

// GrantTrial puts the tenant into TRIALING for the given number of days with
// the given seat limit, creating the record when needed. Bounds beyond the
// positivity check are enforced by callers.
func (s *Store) GrantTrial(ctx context.Context, tenantID string, days, seatLimit int) (*Change, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}
	if days < 1 || seatLimit < 1 {
		return nil, fmt.Errorf("grant trial for tenant %s: days and seat limit must be positive", tenantID)
	}

	rec, created, err := s.loadOrNew(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	change := &Change{Previous: rec.Status, Created: created}
	trialEnd := s.now().UTC().Add(time.Duration(days) * 24 * time.Hour).Truncate(time.Second)
	rec.Status = StatusTrialing
	rec.TrialEndsAt = &trialEnd
	rec.SeatLimit = seatLimit

	if err := s.put(ctx, rec); err != nil {
		return nil, err
	}
	change.Record = rec.clone()
	return change, nil
}

func (s *Store) loadOrNew(ctx context.Context, tenantID string) (*TenantAccessRecord, bool, error) {
	rec, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		return nil, false, fmt.Errorf("load tenant %s: %w", tenantID, err)
	}
	if rec != nil {
		return rec, false, nil
	}
	now := s.now().UTC().Truncate(time.Second)
	return &TenantAccessRecord{
		TenantID:  tenantID,
		Status:    StatusInactive,
		SeatLimit: 1,
		CreatedAt: now,
	}, true, nil
}

func (s *Store) put(ctx context.Context, rec *TenantAccessRecord) error {
	rec.UpdatedAt = s.now().UTC().Truncate(time.Second)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	if err := s.repo.Put(ctx, rec); err != nil {
		return fmt.Errorf("save tenant %s: %w", rec.TenantID, err)
	}
	return nil
}
