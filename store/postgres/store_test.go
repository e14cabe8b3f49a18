//go:build integration

package postgres_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rcommerce/conveyor/store"
	"github.com/rcommerce/conveyor/store/postgres"
	"github.com/rcommerce/conveyor/store/storetest"
)

var (
	containerOnce sync.Once
	connString    string
	containerErr  error
)

// connect starts one Postgres container for the package and returns a
// migrated store with empty tables.
func connect(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()

	containerOnce.Do(func() {
		var container *pgmodule.PostgresContainer
		container, containerErr = pgmodule.Run(ctx,
			"postgres:16-alpine",
			pgmodule.WithDatabase("conveyor_test"),
			pgmodule.WithUsername("test"),
			pgmodule.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		if containerErr != nil {
			return
		}
		connString, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Fatalf("start postgres container: %v", containerErr)
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	s := postgres.NewFromPool(pool, postgres.WithLogger(slog.Default()))
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE conveyor_jobs, conveyor_schedules`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return connect(t) })
}

func TestMigrate_Idempotent(t *testing.T) {
	s := connect(t)
	ctx := context.Background()

	for range 2 {
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("migrate again: %v", err)
		}
	}

	var n int
	if err := s.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM conveyor_migrations`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 recorded migrations, got %d", n)
	}
}
