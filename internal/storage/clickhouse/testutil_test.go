package clickhouse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB starts a ClickHouse container with the analytics schema applied.
// The container is terminated when the test ends; the returned cleanup closes
// the connection early for tests that need it.
func setupTestDB(t *testing.T) (*Conn, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "clickhouse/clickhouse-server:24.8-alpine",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"CLICKHOUSE_DB":       "analytics",
				"CLICKHOUSE_USER":     "engine",
				"CLICKHOUSE_PASSWORD": "engine",
			},
			WaitingFor: wait.ForAll(
				wait.ForLog("Ready for connections").WithStartupTimeout(90*time.Second),
				wait.ForListeningPort("9000/tcp"),
			),
		},
		Started: true,
	})
	require.NoError(t, err, "start clickhouse container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate clickhouse container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	conn, err := NewConn(ctx, fmt.Sprintf("clickhouse://engine:engine@%s:%s/analytics", host, port.Port()))
	require.NoError(t, err, "connect clickhouse")

	applied, err := conn.ApplyMigrations(ctx, os.DirFS(migrationsDir(t)))
	require.NoError(t, err, "apply migrations")
	require.NotEmpty(t, applied, "no migrations found")

	return conn, func() { conn.Close() }
}

// migrationsDir locates internal/storage/migrations/clickhouse next to this package.
func migrationsDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok, "locate test source")
	return filepath.Join(filepath.Dir(file), "..", "migrations", "clickhouse")
}
