package auditlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rcourtman/clinic-portal/internal/portal/storage"
)

func TestLogPostgresIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("portal"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp").WithStartupTimeout(2*time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pgContainer.Terminate(context.Background())
	})

	connString, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	runLogContract(t, func(t *testing.T) Repository {
		pool, err := storage.OpenPostgres(ctx, storage.PoolConfig{ConnString: connString})
		require.NoError(t, err)
		t.Cleanup(pool.Close)

		_, err = pool.Exec(ctx, `DROP TABLE IF EXISTS access_audit`)
		require.NoError(t, err)

		repo, err := NewPostgresRepository(ctx, pool)
		require.NoError(t, err)
		return repo
	})
}
