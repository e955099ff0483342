package persistence

import (
	"context"
	"errors"
	"sort"

	"github.com/petrijr/fluxrun/pkg/api"
)

var (
	// ErrRunNotFound is returned when no run has the given id.
	ErrRunNotFound = errors.New("run not found")

	// ErrDuplicateKey is returned when a write would give an idempotency key
	// (or run id) to a second run.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrConcurrentUpdate is returned by Update when the stored run no longer
	// has the expected event count.
	ErrConcurrentUpdate = errors.New("concurrent update")

	// ErrCorruptState is returned when a stored run cannot be decoded or
	// fails validation.
	ErrCorruptState = errors.New("corrupt run state")
)

// RunStore persists RunState snapshots keyed by run id.
//
// The serialized snapshot is the source of truth; the other stored fields
// exist for lookup and filtering. A run's session id and idempotency key
// are fixed when it is first stored: Save and Update of an existing run
// keep the stored values whatever the given run carries. List methods return runs ordered by
// creation time, then run id. Implementations must be safe for concurrent
// use and return copies: mutating a returned run never affects the store.
type RunStore interface {
	// Save inserts or overwrites the run. Inserting fails with
	// ErrDuplicateKey if the run's idempotency key belongs to another run.
	Save(ctx context.Context, run *api.RunState) error

	// CreateOrGet atomically inserts run unless a run with the same
	// idempotency key already exists, in which case the stored run is
	// returned with created=false. Runs without a key are always inserted.
	CreateOrGet(ctx context.Context, run *api.RunState) (stored *api.RunState, created bool, err error)

	// Update writes run only if the stored copy still has
	// expectedEventCount events. Otherwise it returns ErrConcurrentUpdate,
	// or ErrRunNotFound if the run does not exist.
	Update(ctx context.Context, run *api.RunState, expectedEventCount int) error

	Load(ctx context.Context, runID string) (*api.RunState, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*api.RunState, error)
	FindBySession(ctx context.Context, sessionID string) ([]*api.RunState, error)

	// ListActive returns runs that are not completed or failed.
	ListActive(ctx context.Context) ([]*api.RunState, error)
	ListByStatus(ctx context.Context, status api.RunStatus) ([]*api.RunState, error)
	ListAll(ctx context.Context) ([]*api.RunState, error)
}

// Pinger is implemented by stores that can verify their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

func activeStatusStrings() []string {
	active := api.ActiveStatuses()
	out := make([]string, len(active))
	for i, s := range active {
		out[i] = string(s)
	}
	return out
}

// sortRuns orders runs by creation time, then run id.
func sortRuns(runs []*api.RunState) {
	sort.SliceStable(runs, func(i, j int) bool {
		a, b := runs[i], runs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.RunID < b.RunID
	})
}

// keepIdentity returns run with the insert-only fields replaced by the
// stored ones. run itself is not modified.
func keepIdentity(run *api.RunState, sessionID, key string) *api.RunState {
	if run.SessionID == sessionID && run.IdempotencyKey == key {
		return run
	}
	c := *run
	c.SessionID = sessionID
	c.IdempotencyKey = key
	return &c
}
