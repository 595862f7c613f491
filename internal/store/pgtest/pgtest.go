//go:build integration

// Package pgtest runs a disposable Postgres container for integration suites.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var pool *pgxpool.Pool

// Pool returns the pool opened by Run.
func Pool() *pgxpool.Pool {
	return pool
}

func dockerAvailable() bool {
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	_ = provider.Close()
	return true
}

// Run starts Postgres, opens the shared pool, calls setup, runs the tests and
// tears everything down. Without Docker the suite is skipped.
func Run(m *testing.M, setup func(ctx context.Context, pool *pgxpool.Pool) error) int {
	ctx := context.Background()
	if !dockerAvailable() {
		fmt.Println("docker not available, skipping postgres integration tests")
		return 0
	}

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("payouts"),
		tcpostgres.WithUsername("payouts"),
		tcpostgres.WithPassword("payouts"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		return 1
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to terminate postgres container: %v\n", err)
		}
	}()

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read postgres dsn: %v\n", err)
		return 1
	}
	pool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open postgres pool: %v\n", err)
		return 1
	}
	defer pool.Close()

	if setup != nil {
		if err := setup(ctx, pool); err != nil {
			fmt.Fprintf(os.Stderr, "integration setup failed: %v\n", err)
			return 1
		}
	}
	return m.Run()
}
