// Package pgtest starts a disposable postgres for integration tests.
package pgtest

import (
	"context"
	"testing"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const image = "postgres:16-alpine"

// Database is a migrated postgres container and a pool connected to it.
type Database struct {
	Pool *pgxpool.Pool
	URL  string
}

// New starts a container, applies every migration and returns a pool.
// The test is skipped under -short or when no container runtime is reachable.
func New(t *testing.T) *Database {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, image,
		postgres.WithDatabase("escrow_test"),
		postgres.WithUsername("escrow"),
		postgres.WithPassword("escrow"),
		postgres.BasicWaitStrategies(),
		testcontainers.WithLabels(map[string]string{"test-name": t.Name()}),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, db.MigrateUp(url))

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	pool, err := db.Connect(connectCtx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return &Database{Pool: pool, URL: url}
}
