package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"time"
)

// migrationLockID keys the advisory lock held while a migration applies.
const migrationLockID = 0x64636176

// ApplyMigrations runs the .sql files at the root of fsys in lexical order,
// skipping versions already recorded in schema_migrations. Each file applies
// in its own transaction. Returns the versions applied by this call.
func (p *Pool) ApplyMigrations(ctx context.Context, fsys fs.FS) (applied []string, err error) {
	start := time.Now()
	defer func() { observe("apply_migrations", start, err) }()

	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	_, err = p.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, file := range files {
		data, err := fs.ReadFile(fsys, file)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", file, err)
		}
		ok, err := p.applyMigration(ctx, file, string(data))
		if err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", file, err)
		}
		if ok {
			applied = append(applied, file)
		}
	}
	return applied, nil
}

func (p *Pool) applyMigration(ctx context.Context, version, script string) (bool, error) {
	tx, err := p.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Concurrent starts wait here and then see the version as done
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return false, fmt.Errorf("lock: %w", err)
	}

	var done bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&done)
	if err != nil {
		return false, fmt.Errorf("check version: %w", err)
	}
	if done {
		return false, nil
	}

	if strings.TrimSpace(script) != "" {
		if _, err := tx.Exec(ctx, script); err != nil {
			return false, err
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return false, fmt.Errorf("record version: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}
