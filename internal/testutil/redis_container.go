package testutil

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var redisServer = &shared{name: "redis"}

// GetRedisAddress returns host:port of the Redis server used by the
// RedisRunStore suite. Unit tests run against miniredis instead; this one
// covers WATCH/MULTI behavior against a real server. The suite deletes the
// keys under its prefix before each subtest.
func GetRedisAddress(t *testing.T) string {
	t.Helper()

	opts := []testcontainers.ContainerCustomizer{
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	}
	return redisServer.get(t, "redis:7", opts, func(ctx context.Context, c testcontainers.Container) (string, error) {
		return c.Endpoint(ctx, "")
	})
}
