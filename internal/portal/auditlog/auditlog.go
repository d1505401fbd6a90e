package auditlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcourtman/clinic-portal/internal/portal/entitlement"
)

// Action identifies the kind of access change recorded.
type Action string

const (
	ActionGrantTrial   Action = "GRANT_TRIAL"
	ActionActivate     Action = "ACTIVATE"
	ActionUpdateStatus Action = "UPDATE_STATUS"
	ActionCancel       Action = "CANCEL"
)

// Source identifies who drove the change.
type Source string

const (
	SourceManual Source = "MANUAL"
	SourceStripe Source = "STRIPE"
)

const (
	// DefaultRecentLimit is the size of the operator audit view.
	DefaultRecentLimit = 50
	maxRecentLimit     = 500
)

// Entry is one append-only access change.
type Entry struct {
	ID         string             `json:"id"`
	Timestamp  time.Time          `json:"timestamp"`
	TenantID   string             `json:"tenantId"`
	Action     Action             `json:"action"`
	OldStatus  entitlement.Status `json:"oldStatus"`
	NewStatus  entitlement.Status `json:"newStatus"`
	Source     Source             `json:"source"`
	ActorEmail string             `json:"actorEmail,omitempty"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
}

// Repository persists entries. Recent returns at most limit entries ordered
// newest first.
type Repository interface {
	Append(ctx context.Context, e *Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Ping(ctx context.Context) error
}

// Log stamps entries and writes them through a Repository.
type Log struct {
	repo Repository
	now  func() time.Time
}

func NewLog(repo Repository) *Log {
	return &Log{repo: repo, now: time.Now}
}

func (l *Log) Ping(ctx context.Context) error {
	return l.repo.Ping(ctx)
}

// Append assigns the entry id and timestamp and stores it. The actor email is
// only retained for manual changes.
func (l *Log) Append(ctx context.Context, e Entry) (*Entry, error) {
	if strings.TrimSpace(e.TenantID) == "" {
		return nil, fmt.Errorf("audit entry: tenant id is required")
	}
	switch e.Action {
	case ActionGrantTrial, ActionActivate, ActionUpdateStatus, ActionCancel:
	default:
		return nil, fmt.Errorf("audit entry: unknown action %q", e.Action)
	}

	ts := l.now().UTC()
	e.Timestamp = ts
	e.ID = ulid.MustNew(ulid.Timestamp(ts), ulid.DefaultEntropy()).String()
	if e.Source != SourceManual {
		e.ActorEmail = ""
	}
	if len(e.Metadata) == 0 {
		e.Metadata = nil
	}

	if err := l.repo.Append(ctx, &e); err != nil {
		return nil, fmt.Errorf("append audit entry for tenant %s: %w", e.TenantID, err)
	}
	return &e, nil
}

// Recent returns the newest entries. A non-positive limit means the default
// view size.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return l.repo.Recent(ctx, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	if limit > maxRecentLimit {
		return maxRecentLimit
	}
	return limit
}
