package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresRepository stores tenant access records in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository prepares the schema and returns a repository.
func NewPostgresRepository(ctx context.Context, pool *pgxpool.Pool) (*PostgresRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	r := &PostgresRepository{pool: pool}
	if err := r.initSchema(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PostgresRepository) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS tenant_access (
		tenant_id           TEXT PRIMARY KEY,
		billing_customer_id TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL DEFAULT 'INACTIVE',
		trial_ends_at       TIMESTAMPTZ,
		active_until        TIMESTAMPTZ,
		seat_limit          INTEGER NOT NULL DEFAULT 1,
		seat_used           INTEGER NOT NULL DEFAULT 0,
		plan_id             TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tenant_access_billing_customer
		ON tenant_access(billing_customer_id) WHERE billing_customer_id <> '';
	`
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init tenant access schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Get(ctx context.Context, tenantID string) (*TenantAccessRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM tenant_access WHERE tenant_id = $1`, tenantID)
	return scanPgRecord(row)
}

func (r *PostgresRepository) GetByBillingCustomer(ctx context.Context, customerID string) (*TenantAccessRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM tenant_access WHERE billing_customer_id = $1`, customerID)
	return scanPgRecord(row)
}

func (r *PostgresRepository) Put(ctx context.Context, rec *TenantAccessRecord) error {
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tenant_access (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id) DO UPDATE SET
			billing_customer_id = EXCLUDED.billing_customer_id,
			status = EXCLUDED.status,
			trial_ends_at = EXCLUDED.trial_ends_at,
			active_until = EXCLUDED.active_until,
			seat_limit = EXCLUDED.seat_limit,
			seat_used = EXCLUDED.seat_used,
			plan_id = EXCLUDED.plan_id,
			updated_at = EXCLUDED.updated_at`,
		rec.TenantID, rec.BillingCustomerID, string(rec.Status),
		rec.TrialEndsAt, rec.ActiveUntil,
		rec.SeatLimit, rec.SeatUsed, rec.PlanID,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrBillingCustomerConflict, pgErr.Message)
		}
		return fmt.Errorf("upsert tenant access: %w", err)
	}
	return nil
}

func scanPgRecord(row pgx.Row) (*TenantAccessRecord, error) {
	var rec TenantAccessRecord
	var status string
	var trialEndsAt, activeUntil *time.Time

	err := row.Scan(
		&rec.TenantID, &rec.BillingCustomerID, &status, &trialEndsAt, &activeUntil,
		&rec.SeatLimit, &rec.SeatUsed, &rec.PlanID, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan tenant access: %w", err)
	}

	rec.Status = Status(status)
	if trialEndsAt != nil {
		t := trialEndsAt.UTC()
		rec.TrialEndsAt = &t
	}
	if activeUntil != nil {
		t := activeUntil.UTC()
		rec.ActiveUntil = &t
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}
