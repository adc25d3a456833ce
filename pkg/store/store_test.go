package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/craterd/craterd/pkg/database"
	"github.com/craterd/craterd/pkg/store"
)

// newTestStore spins up a throwaway Postgres container, applies the
// embedded migrations against it via database.NewPool, and returns a Store
// wired to it. Grounded on the teacher's pkg/database/client_test.go
// newTestClient helper, adapted for craterd's pgx-based store instead of
// an ent client.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("craterd_test"),
		postgres.WithUsername("craterd"),
		postgres.WithPassword("craterd"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := database.Config{
		Host:     host,
		Port:     port.Int(),
		User:     "craterd",
		Password: "craterd",
		Database: "craterd_test",
		SSLMode:  "disable",
	}

	pool, err := database.NewPool(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return store.New(pool)
}
