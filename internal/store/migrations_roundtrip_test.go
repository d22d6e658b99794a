package store

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDatabase connects to the scratch database named by
// INTERNFLOW_TEST_DATABASE_URL and wipes its public schema.
func openTestDatabase(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("INTERNFLOW_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("INTERNFLOW_TEST_DATABASE_URL is not set")
	}
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)
	require.NoError(t, db.PingContext(ctx))

	_, err = db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	require.NoError(t, err)
	return db, ctx
}

func tableExists(ctx context.Context, t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var exists bool
	require.NoError(t, db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public."+table).Scan(&exists))
	return exists
}

func TestMigrationsUpDownUpPostgres(t *testing.T) {
	db, ctx := openTestDatabase(t)
	pairs := loadMigrationPairs(t, migrationsDir())

	var tables []string
	for _, pair := range pairs {
		tables = append(tables, tableNames(createTable, pair.up)...)
	}

	applied, err := ApplyMigrations(ctx, db, migrationsDir())
	require.NoError(t, err)
	assert.Len(t, applied, len(pairs))

	again, err := ApplyMigrations(ctx, db, migrationsDir())
	require.NoError(t, err)
	assert.Empty(t, again, "a second run must not reapply anything")

	for i := len(pairs) - 1; i >= 0; i-- {
		_, err := db.ExecContext(ctx, pairs[i].down)
		require.NoError(t, err, "down %04d_%s", pairs[i].version, pairs[i].name)
	}
	for _, table := range tables {
		assert.False(t, tableExists(ctx, t, db, table), "%s survived the down migrations", table)
	}

	_, err = db.ExecContext(ctx, `DELETE FROM schema_migrations`)
	require.NoError(t, err)
	_, err = ApplyMigrations(ctx, db, migrationsDir())
	require.NoError(t, err)
	for _, table := range tables {
		assert.True(t, tableExists(ctx, t, db, table), "%s missing after reapplying", table)
	}
}
