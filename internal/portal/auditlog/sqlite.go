package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rcourtman/clinic-portal/internal/portal/entitlement"
)

const entryColumns = `id, ts, tenant_id, action, old_status, new_status, source, actor_email, metadata`

// SQLiteRepository stores audit entries in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

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
	CREATE TABLE IF NOT EXISTS access_audit (
		id          TEXT PRIMARY KEY,
		ts          INTEGER NOT NULL,
		tenant_id   TEXT NOT NULL,
		action      TEXT NOT NULL,
		old_status  TEXT NOT NULL,
		new_status  TEXT NOT NULL,
		source      TEXT NOT NULL,
		actor_email TEXT NOT NULL DEFAULT '',
		metadata    TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_access_audit_ts ON access_audit(ts DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_access_audit_tenant ON access_audit(tenant_id);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init audit schema: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Append(ctx context.Context, e *Entry) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO access_audit (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixMilli(), e.TenantID, string(e.Action),
		string(e.OldStatus), string(e.NewStatus), string(e.Source), e.ActorEmail, meta,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM access_audit ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var tsMillis int64
		var action, oldStatus, newStatus, source, meta string
		if err := rows.Scan(&e.ID, &tsMillis, &e.TenantID, &action, &oldStatus, &newStatus, &source, &e.ActorEmail, &meta); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(tsMillis).UTC()
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

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode audit metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode audit metadata: %w", err)
	}
	return m, nil
}
