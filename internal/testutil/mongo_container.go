package testutil

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var mongoDB = &shared{name: "mongo"}

// GetMongoURI returns a mongodb:// URI for the MongoRunStore suite, which
// drops its collection before each conformance subtest.
func GetMongoURI(t *testing.T) string {
	t.Helper()

	opts := []testcontainers.ContainerCustomizer{
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("mongod startup complete"),
		),
	}
	return mongoDB.get(t, "mongo:7", opts, func(ctx context.Context, c testcontainers.Container) (string, error) {
		return c.Endpoint(ctx, "mongodb")
	})
}
