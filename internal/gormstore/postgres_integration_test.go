//go:build integration

package gormstore_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/joshsymonds/sentinel/internal/gormstore"
	"github.com/joshsymonds/sentinel/pkg/logger"
)

// TestPostgresStore runs the store exercise against a real PostgreSQL.
// It requires Docker.
func TestPostgresStore(t *testing.T) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "sentinel",
				"POSTGRES_PASSWORD": "sentinel",
				"POSTGRES_DB":       "sentinel",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=sentinel password=sentinel dbname=sentinel sslmode=disable TimeZone=UTC",
		host, port.Port())
	store, err := gormstore.OpenPostgres(ctx, dsn,
		gormstore.WithLogger(logger.NewMockLogger()),
		gormstore.WithRetry(5, time.Second))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	exerciseStore(t, store)
}
