// Package dbtest provides a migrated Postgres pool for integration tests.
// It uses TEST_DB_DSN when set, otherwise a throwaway testcontainers
// Postgres, and skips the test when neither is reachable.
package dbtest

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"marketplace-checkout/internal/db"
	"marketplace-checkout/internal/migrate"
)

var (
	once   sync.Once
	dsn    string
	dsnErr error
)

// Pool returns a migrated pool with every table truncated.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	ctx := context.Background()

	target := os.Getenv("TEST_DB_DSN")
	if target == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
		once.Do(func() { dsn, dsnErr = startContainer(ctx) })
		if dsnErr != nil {
			t.Skipf("postgres container unavailable: %v", dsnErr)
		}
		target = dsn
	}

	pool, err := db.Connect(ctx, target)
	if err != nil {
		t.Skipf("connect db: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := migrate.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	Reset(t, pool)
	return pool
}

// Reset empties every table.
func Reset(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	const q = `TRUNCATE outbox, payment_transactions, order_audit, order_lines, orders, products RESTART IDENTITY CASCADE`
	if _, err := pool.Exec(context.Background(), q); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func startContainer(ctx context.Context) (string, error) {
	c, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("checkout_test"),
		postgres.WithUsername("checkout"),
		postgres.WithPassword("checkout"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return "", err
	}
	return c.ConnectionString(ctx, "sslmode=disable")
}
