package postgres

import (
	"context"
	"os"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMigrations_SkipsApplied(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	// The engine schema is already recorded
	applied, err := pool.ApplyMigrations(ctx, os.DirFS(migrationsDir(t)))
	require.NoError(t, err)
	assert.Empty(t, applied)

	extra := fstest.MapFS{
		"900_table.sql": {Data: []byte(`CREATE TABLE sample_rows (id BIGINT PRIMARY KEY);`)},
		"901_empty.sql": {Data: []byte("\n")},
	}
	applied, err = pool.ApplyMigrations(ctx, extra)
	require.NoError(t, err)
	assert.Equal(t, []string{"900_table.sql", "901_empty.sql"}, applied)

	applied, err = pool.ApplyMigrations(ctx, extra)
	require.NoError(t, err)
	assert.Empty(t, applied)

	var versions int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&versions))
	assert.Equal(t, 3, versions)
}

func TestApplyMigrations_FailedFileRollsBack(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	broken := fstest.MapFS{
		"950_broken.sql": {Data: []byte(`CREATE TABLE half (id BIGINT); SELECT missing_column FROM half;`)},
	}
	_, err := pool.ApplyMigrations(ctx, broken)
	require.Error(t, err)

	var exists bool
	require.NoError(t, pool.QueryRow(ctx, `SELECT to_regclass('half') IS NOT NULL`).Scan(&exists))
	assert.False(t, exists)
	require.NoError(t, pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = '950_broken.sql')`).Scan(&exists))
	assert.False(t, exists)
}
