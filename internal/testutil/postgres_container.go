package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	pgUser     = "fluxrun"
	pgPassword = "fluxrun"
	pgDatabase = "fluxrun_test"
)

var postgres = &shared{name: "postgres"}

func postgresURL(hostPort string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, hostPort, pgDatabase)
}

// GetPostgresEndpoint returns the URL of the PostgreSQL database used by
// the PostgresRunStore suite. Suites truncate workflow_runs between tests
// since the database is shared.
func GetPostgresEndpoint(t *testing.T) string {
	t.Helper()

	ready := wait.ForAll(
		wait.ForListeningPort("5432/tcp"),
		wait.ForLog("ready to accept connections"),
		wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return postgresURL(host + ":" + port.Port())
		}).WithQuery("SELECT 1"),
	).WithDeadline(2 * time.Minute)

	opts := []testcontainers.ContainerCustomizer{
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(ready),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     pgUser,
			"POSTGRES_PASSWORD": pgPassword,
			"POSTGRES_DB":       pgDatabase,
		}),
	}
	return postgres.get(t, "postgres:16", opts, func(ctx context.Context, c testcontainers.Container) (string, error) {
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			return "", err
		}
		return postgresURL(endpoint), nil
	})
}
