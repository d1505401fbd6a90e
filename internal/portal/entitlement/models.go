package entitlement

import "time"

// Status is the internal access status of a tenant.
type Status string

const (
	StatusInactive Status = "INACTIVE"
	StatusTrialing Status = "TRIALING"
	StatusActive   Status = "ACTIVE"
	StatusPastDue  Status = "PAST_DUE"
	StatusCanceled Status = "CANCELED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusInactive, StatusTrialing, StatusActive, StatusPastDue, StatusCanceled:
		return true
	default:
		return false
	}
}

// Entitled reports whether the status grants access to gated features.
// PAST_DUE keeps access while the billing provider retries the payment.
func (s Status) Entitled() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue:
		return true
	default:
		return false
	}
}

// TenantAccessRecord is the entitlement snapshot for one tenant (clinic).
type TenantAccessRecord struct {
	TenantID          string     `json:"tenantId"`
	BillingCustomerID string     `json:"billingCustomerId,omitempty"`
	Status            Status     `json:"status"`
	TrialEndsAt       *time.Time `json:"trialEndsAt,omitempty"`
	ActiveUntil       *time.Time `json:"activeUntil,omitempty"`
	SeatLimit         int        `json:"seatLimit"`
	SeatUsed          int        `json:"seatUsed"`
	PlanID            string     `json:"planId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

func (r *TenantAccessRecord) clone() *TenantAccessRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.TrialEndsAt = cloneTime(r.TrialEndsAt)
	cp.ActiveUntil = cloneTime(r.ActiveUntil)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
