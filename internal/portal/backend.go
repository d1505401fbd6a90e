package portal

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/clinic-portal/internal/portal/auditlog"
	"github.com/rcourtman/clinic-portal/internal/portal/entitlement"
	"github.com/rcourtman/clinic-portal/internal/portal/idempotency"
	"github.com/rcourtman/clinic-portal/internal/portal/storage"
)

// Backend bundles the persistent components shared by the server and the CLI.
type Backend struct {
	Store *entitlement.Store
	Audit *auditlog.Log
	Guard idempotency.Guard
	Redis *redis.Client // nil without PORTAL_REDIS_URL

	closers []func()
}

// Close releases every connection opened by OpenBackend.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// OpenBackend connects the entitlement store and audit log (PostgreSQL when
// PORTAL_DATABASE_URL is set, SQLite otherwise) and the idempotency guard
// (Redis when PORTAL_REDIS_URL is set, process memory otherwise).
func OpenBackend(ctx context.Context, cfg *Config) (*Backend, error) {
	b := &Backend{}
	if err := b.openStorage(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.openGuard(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) openStorage(ctx context.Context, cfg *Config) error {
	if cfg.DatabaseURL != "" {
		pool, err := storage.OpenPostgres(ctx, storage.PoolConfig{ConnString: cfg.DatabaseURL})
		if err != nil {
			return err
		}
		b.closers = append(b.closers, pool.Close)

		repo, err := entitlement.NewPostgresRepository(ctx, pool)
		if err != nil {
			return fmt.Errorf("init entitlement store: %w", err)
		}
		entries, err := auditlog.NewPostgresRepository(ctx, pool)
		if err != nil {
			return fmt.Errorf("init audit log: %w", err)
		}
		b.Store = entitlement.NewStore(repo)
		b.Audit = auditlog.NewLog(entries)
		log.Info().Msg("Using PostgreSQL storage")
		return nil
	}

	if err := os.MkdirAll(cfg.DatabaseDir(), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	db, err := storage.OpenSQLite(cfg.DatabaseDir())
	if err != nil {
		return err
	}
	b.closers = append(b.closers, func() { _ = db.Close() })

	repo, err := entitlement.NewSQLiteRepository(db)
	if err != nil {
		return fmt.Errorf("init entitlement store: %w", err)
	}
	entries, err := auditlog.NewSQLiteRepository(db)
	if err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	b.Store = entitlement.NewStore(repo)
	b.Audit = auditlog.NewLog(entries)
	log.Info().Str("dir", cfg.DatabaseDir()).Msg("Using SQLite storage")
	return nil
}

func (b *Backend) openGuard(ctx context.Context, cfg *Config) error {
	if cfg.RedisURL == "" {
		if cfg.Production() {
			return fmt.Errorf("PORTAL_REDIS_URL is required in production")
		}
		log.Warn().Msg("PORTAL_REDIS_URL not set: idempotency markers are process-local")
		b.Guard = idempotency.NewMemoryGuard(cfg.IdempotencyTTLs)
		return nil
	}

	client, err := idempotency.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, func() { _ = client.Close() })
	b.Redis = client
	b.Guard = idempotency.NewRedisGuard(client, cfg.IdempotencyTTLs)
	return nil
}
