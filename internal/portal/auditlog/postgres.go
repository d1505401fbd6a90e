package auditlog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rcourtman/clinic-portal/internal/portal/entitlement"
)

// PostgresRepository stores audit entries in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, pool *pgxpool.Pool) (*PostgresRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	r := &PostgresRepository{pool: pool}
	const schema = `
	CREATE TABLE IF NOT EXISTS access_audit (
		id          TEXT PRIMARY KEY,
		ts          TIMESTAMPTZ NOT NULL,
		tenant_id   TEXT NOT NULL,
		action      TEXT NOT NULL,
		old_status  TEXT NOT NULL,
		new_status  TEXT NOT NULL,
		source      TEXT NOT NULL,
		actor_email TEXT NOT NULL DEFAULT '',
		metadata    JSONB NOT NULL DEFAULT '{}'::jsonb
	);
	CREATE INDEX IF NOT EXISTS idx_access_audit_ts ON access_audit(ts DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_access_audit_tenant ON access_audit(tenant_id);
	`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return r, nil
}

func (r *PostgresRepository) Append(ctx context.Context, e *Entry) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO access_audit (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)`,
		e.ID, e.Timestamp, e.TenantID, string(e.Action),
		string(e.OldStatus), string(e.NewStatus), string(e.Source), e.ActorEmail, meta,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, ts, tenant_id, action, old_status, new_status, source, actor_email, metadata::text
		 FROM access_audit ORDER BY ts DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var action, oldStatus, newStatus, source, meta string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.TenantID, &action, &oldStatus, &newStatus, &source, &e.ActorEmail, &meta); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		e.Action = Action(action)
		e.OldStatus = entitlement.Status(oldStatus)
		e.NewStatus = entitlement.Status(newStatus)
		e.Source = Source(source)
		if e.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
