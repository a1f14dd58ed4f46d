// Package sqltest provides helpers for tests that need a real PostgreSQL
// instance. Tests skip unless CLAIMS_PG_EMULATOR_HOST points at one, so the
// unit suite stays runnable without infrastructure.
package sqltest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/require"

	"go.sahl.health/claims/claims/go/sql/schema"
)

// hostEnv names the host:port of the test PostgreSQL instance, e.g.
// "localhost:5432". The instance must accept the postgres superuser without
// a password (the usual throwaway docker container).
const hostEnv = "CLAIMS_PG_EMULATOR_HOST"

// NewClaimsDBForTests returns a pool connected to a fresh database with the
// full schema applied. The database is dropped when the test finishes.
func NewClaimsDBForTests(ctx context.Context, t *testing.T) *pgxpool.Pool {
	host := os.Getenv(hostEnv)
	if host == "" {
		t.Skipf("Skipping DB test; set %s to run it.", hostEnv)
	}

	dbName := "claims_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	admin, err := pgx.Connect(ctx, fmt.Sprintf("postgresql://postgres@%s/postgres?sslmode=disable", host))
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE DATABASE "+dbName)
	require.NoError(t, err)
	require.NoError(t, admin.Close(ctx))

	pool, err := pgxpool.Connect(ctx, fmt.Sprintf("postgresql://postgres@%s/%s?sslmode=disable", host, dbName))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, schema.Schema)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		admin, err := pgx.Connect(context.Background(), fmt.Sprintf("postgresql://postgres@%s/postgres?sslmode=disable", host))
		if err != nil {
			return
		}
		_, _ = admin.Exec(context.Background(), "DROP DATABASE IF EXISTS "+dbName)
		_ = admin.Close(context.Background())
	})
	return pool
}

// CountRows is a shorthand for asserting table cardinality in tests.
func CountRows(ctx context.Context, t *testing.T, pool *pgxpool.Pool, table string) int {
	var n int
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}
