package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const recordColumns = `tenant_id, billing_customer_id, status, trial_ends_at, active_until,
		seat_limit, seat_used, plan_id, created_at, updated_at`

// SQLiteRepository stores tenant access records in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository prepares the schema on db and returns a repository.
func NewSQLiteRepository(db *sql.DB) (*SQLiteRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite db is nil")
	}
	r := &SQLiteRepository{db: db}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenant_access (
		tenant_id           TEXT PRIMARY KEY,
		billing_customer_id TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL DEFAULT 'INACTIVE',
		trial_ends_at       INTEGER,
		active_until        INTEGER,
		seat_limit          INTEGER NOT NULL DEFAULT 1,
		seat_used           INTEGER NOT NULL DEFAULT 0,
		plan_id             TEXT NOT NULL DEFAULT '',
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tenant_access_billing_customer
		ON tenant_access(billing_customer_id) WHERE billing_customer_id <> '';
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init tenant access schema: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Get(ctx context.Context, tenantID string) (*TenantAccessRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM tenant_access WHERE tenant_id = ?`, tenantID)
	return scanRecord(row)
}

func (r *SQLiteRepository) GetByBillingCustomer(ctx context.Context, customerID string) (*TenantAccessRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM tenant_access WHERE billing_customer_id = ?`, customerID)
	return scanRecord(row)
}

func (r *SQLiteRepository) Put(ctx context.Context, rec *TenantAccessRecord) error {
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenant_access (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			billing_customer_id = excluded.billing_customer_id,
			status = excluded.status,
			trial_ends_at = excluded.trial_ends_at,
			active_until = excluded.active_until,
			seat_limit = excluded.seat_limit,
			seat_used = excluded.seat_used,
			plan_id = excluded.plan_id,
			updated_at = excluded.updated_at`,
		rec.TenantID, rec.BillingCustomerID, string(rec.Status),
		nullableTimeUnix(rec.TrialEndsAt), nullableTimeUnix(rec.ActiveUntil),
		rec.SeatLimit, rec.SeatUsed, rec.PlanID,
		rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %v", ErrBillingCustomerConflict, err)
		}
		return fmt.Errorf("upsert tenant access: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*TenantAccessRecord, error) {
	var rec TenantAccessRecord
	var status string
	var trialEndsAt, activeUntil sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&rec.TenantID, &rec.BillingCustomerID, &status, &trialEndsAt, &activeUntil,
		&rec.SeatLimit, &rec.SeatUsed, &rec.PlanID, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan tenant access: %w", err)
	}

	rec.Status = Status(status)
	rec.TrialEndsAt = timeFromNullUnix(trialEndsAt)
	rec.ActiveUntil = timeFromNullUnix(activeUntil)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
