package clickhouse

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"time"
)

// ApplyMigrations runs the .sql files at the root of fsys in lexical order,
// one statement per Exec, and records each file in schema_migrations.
// Files already recorded are skipped. Returns the versions applied by this call.
func (c *Conn) ApplyMigrations(ctx context.Context, fsys fs.FS) (applied []string, err error) {
	start := time.Now()
	defer func() { observe("apply_migrations", start, err) }()

	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	err = c.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    String,
			applied_at DateTime64(3, 'UTC')
		) ENGINE = MergeTree()
		ORDER BY version
	`)
	if err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, file := range files {
		var count uint64
		if err := c.QueryRow(ctx, `SELECT count(*) FROM schema_migrations WHERE version = ?`, file).Scan(&count); err != nil {
			return applied, fmt.Errorf("check migration %s: %w", file, err)
		}
		if count > 0 {
			continue
		}

		data, err := fs.ReadFile(fsys, file)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", file, err)
		}
		stmts, err := SplitStatements(string(data))
		if err != nil {
			return applied, fmt.Errorf("parse migration %s: %w", file, err)
		}
		// ClickHouse has no DDL transactions; statements must be idempotent
		for _, stmt := range stmts {
			if err := c.Exec(ctx, stmt); err != nil {
				return applied, fmt.Errorf("apply migration %s: %w", file, err)
			}
		}

		err = c.Exec(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, file, time.Now().UTC())
		if err != nil {
			return applied, fmt.Errorf("record migration %s: %w", file, err)
		}
		applied = append(applied, file)
	}
	return applied, nil
}

// SplitStatements breaks a SQL script into statements on semicolons outside
// single-quoted literals and drops -- comments. The native protocol runs
// one statement per Exec.
func SplitStatements(script string) ([]string, error) {
	var (
		stmts []string
		cur   strings.Builder
		inStr bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(script); i++ {
		ch := script[i]
		switch {
		case inStr:
			cur.WriteByte(ch)
			switch {
			case ch == '\\' && i+1 < len(script):
				i++
				cur.WriteByte(script[i])
			case ch == '\'' && i+1 < len(script) && script[i+1] == '\'':
				i++
				cur.WriteByte('\'')
			case ch == '\'':
				inStr = false
			}
		case ch == '\'':
			inStr = true
			cur.WriteByte(ch)
		case ch == '-' && i+1 < len(script) && script[i+1] == '-':
			for i < len(script) && script[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
		case ch == ';':
			flush()
		default:
			cur.WriteByte(ch)
		}
	}
	if inStr {
		return nil, fmt.Errorf("unterminated string literal")
	}
	flush()
	return stmts, nil
}
