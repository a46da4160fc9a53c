package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"custhub/libs/db"
)

type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 starts a Postgres 16 container and returns a DSN. If
// TEST_PG_DSN is set, it reuses that database instead.
func StartPostgres16(ctx context.Context) (*PGContainer, string, error) {
	if dsn := os.Getenv("TEST_PG_DSN"); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}

// OpenMigrated connects a pool and applies every SQL file under migrations/
// in lexical order.
func OpenMigrated(ctx context.Context, dsn string) (*db.Pool, error) {
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}

	dir := migrationsDir()
	entries, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		pool.Close()
		return nil, err
	}
	if len(entries) == 0 {
		pool.Close()
		return nil, fmt.Errorf("no migrations found in %s", dir)
	}
	sort.Strings(entries)

	for _, path := range entries {
		sql, err := os.ReadFile(path)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply %s: %w", filepath.Base(path), err)
		}
	}
	return pool, nil
}

func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}
