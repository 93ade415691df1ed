// Package migrations embeds the schema of both stores and applies it on startup.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/url"
	"strings"

	chstore "dca-vault-engine/internal/storage/clickhouse"
	"dca-vault-engine/internal/storage/postgres"
)

//go:embed postgres/*.sql
var postgresFS embed.FS

//go:embed clickhouse/*.sql
var clickhouseFS embed.FS

// Postgres returns the engine state migrations rooted at their directory.
func Postgres() fs.FS {
	sub, _ := fs.Sub(postgresFS, "postgres")
	return sub
}

// Clickhouse returns the analytics migrations rooted at their directory.
func Clickhouse() fs.FS {
	sub, _ := fs.Sub(clickhouseFS, "clickhouse")
	return sub
}

// RunPostgresMigrations applies pending engine state migrations.
// Returns the versions applied.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) ([]string, error) {
	return pool.ApplyMigrations(ctx, Postgres())
}

// RunClickhouseMigrations creates the analytics database named in dsn if
// needed, applies pending migrations, and returns a connection to it.
func RunClickhouseMigrations(ctx context.Context, dsn string) (*chstore.Conn, []string, error) {
	dbName, err := databaseFromDSN(dsn)
	if err != nil {
		return nil, nil, err
	}

	admin, err := chstore.NewConnWithDatabase(ctx, dsn, "")
	if err != nil {
		return nil, nil, fmt.Errorf("connect clickhouse admin: %w", err)
	}
	err = admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbName))
	admin.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("create database %s: %w", dbName, err)
	}

	conn, err := chstore.NewConnWithDatabase(ctx, dsn, dbName)
	if err != nil {
		return nil, nil, fmt.Errorf("connect clickhouse db: %w", err)
	}
	applied, err := conn.ApplyMigrations(ctx, Clickhouse())
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, applied, nil
}

func databaseFromDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	db := strings.TrimPrefix(u.Path, "/")
	if db == "" {
		return "", fmt.Errorf("clickhouse dsn missing database")
	}
	if strings.ContainsAny(db, "`/") {
		return "", fmt.Errorf("clickhouse database %q: invalid name", db)
	}
	return db, nil
}
