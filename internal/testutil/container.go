// Package testutil starts the database containers behind fluxrun's
// persistence conformance suites. Each backend gets one container per test
// binary, shared by every suite that asks for it; the testcontainers reaper
// removes it when the binary exits.
//
// Suites are skipped when -short is set, when FLUXRUN_SKIP_CONTAINERS is
// non-empty, or when no container runtime answers.
package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

// SkipEnv disables every container-backed suite when set.
const SkipEnv = "FLUXRUN_SKIP_CONTAINERS"

const startTimeout = 3 * time.Minute

// shared starts a container once and hands every caller the same
// connection string.
type shared struct {
	name string
	once sync.Once
	addr string
	err  error
}

// get returns the connection string built by connect, starting the
// container on first use. t is skipped if the container cannot be had.
func (s *shared) get(t *testing.T, image string, opts []testcontainers.ContainerCustomizer,
	connect func(ctx context.Context, c testcontainers.Container) (string, error)) string {
	t.Helper()

	if testing.Short() {
		t.Skipf("%s: skipped in short mode", s.name)
	}
	if os.Getenv(SkipEnv) != "" {
		t.Skipf("%s: skipped by %s", s.name, SkipEnv)
	}

	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()

		c, err := testcontainers.Run(ctx, image, opts...)
		if err != nil {
			s.err = err
			return
		}
		s.addr, s.err = connect(ctx, c)
	})

	if s.err != nil {
		t.Skipf("%s container unavailable: %v", s.name, s.err)
	}
	return s.addr
}
