package fluxrun

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/fluxrun/internal/executor"
	"github.com/petrijr/fluxrun/internal/lifecycle"
	"github.com/petrijr/fluxrun/internal/persistence"
	"github.com/petrijr/fluxrun/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Lifecycle            = api.Lifecycle
	RunState             = api.RunState
	RunStatus            = api.RunStatus
	WorkflowEvent        = api.WorkflowEvent
	EventType            = api.EventType
	StepResult           = api.StepResult
	StepStatus           = api.StepStatus
	StepFailure          = api.StepFailure
	LaunchRequest        = api.LaunchRequest
	LaunchResult         = api.LaunchResult
	ListOptions          = api.ListOptions
	ApprovalRequest      = api.ApprovalRequest
	ApprovalDecision     = api.ApprovalDecision
	Escalation           = api.Escalation
	Error                = api.Error
	ErrorKind            = api.ErrorKind
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	StepInput            = api.StepInput

	Provisioner    = executor.Provisioner
	ProvisionFunc  = executor.ProvisionFunc
	ExecutorOption = executor.Option
	Outcome        = executor.Outcome
	Runner         = executor.Runner
)

// Re-export common helpers and error sentinels.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewEvent             = api.NewEvent
	ParseStatus          = api.ParseStatus
	KindOf               = api.KindOf
	NewStepResult        = api.NewStepResult

	NewProvisioner      = executor.NewProvisioner
	DefaultProvisioners = executor.DefaultProvisioners
	WithProvisioners    = executor.WithProvisioners
	WithMaxStepRetries  = executor.WithMaxStepRetries
	WithConcurrency     = executor.WithConcurrency

	ErrNotFound         = api.ErrNotFound
	ErrConflictingState = api.ErrConflictingState
	ErrInvalidInput     = api.ErrInvalidInput
	ErrStoreUnavailable = api.ErrStoreUnavailable
)

// Re-export status values for convenience.

const (
	StatusRunning          = api.StatusRunning
	StatusPaused           = api.StatusPaused
	StatusAwaitingApproval = api.StatusAwaitingApproval
	StatusCompleted        = api.StatusCompleted
	StatusFailed           = api.StatusFailed

	StepSuccess = api.StepSuccess
	StepFail    = api.StepFail
	StepError   = api.StepError
)

// Lifecycle constructors
// These wrap the internal packages so external callers never need to
// import them.

// NewInMemory returns a Lifecycle backed by an in-memory store. Runs do not
// survive a restart.
func NewInMemory() Lifecycle {
	return lifecycle.NewInMemory()
}

// NewInMemoryWithObserver returns an in-memory Lifecycle with the given Observer.
func NewInMemoryWithObserver(obs Observer) Lifecycle {
	return lifecycle.NewWithConfig(lifecycle.Config{Store: persistence.NewInMemoryRunStore(), Observer: obs})
}

// NewSQLite returns a Lifecycle that persists runs in a SQLite database.
// The schema is created if missing.
func NewSQLite(ctx context.Context, db *sql.DB) (Lifecycle, error) {
	return NewSQLiteWithObserver(ctx, db, nil)
}

// NewSQLiteWithObserver returns a SQLite-backed Lifecycle with the given Observer.
func NewSQLiteWithObserver(ctx context.Context, db *sql.DB, obs Observer) (Lifecycle, error) {
	store, err := persistence.NewSQLiteRunStore(ctx, db)
	if err != nil {
		return nil, err
	}
	return lifecycle.NewWithConfig(lifecycle.Config{Store: store, Observer: obs}), nil
}

// NewPostgres returns a Lifecycle that persists runs in PostgreSQL.
func NewPostgres(ctx context.Context, db *sql.DB) (Lifecycle, error) {
	return NewPostgresWithObserver(ctx, db, nil)
}

// NewPostgresWithObserver returns a Postgres-backed Lifecycle with the given Observer.
func NewPostgresWithObserver(ctx context.Context, db *sql.DB, obs Observer) (Lifecycle, error) {
	store, err := persistence.NewPostgresRunStore(ctx, db)
	if err != nil {
		return nil, err
	}
	return lifecycle.NewWithConfig(lifecycle.Config{Store: store, Observer: obs}), nil
}

// NewRedis returns a Lifecycle that persists runs in Redis under the
// "fluxrun:" key prefix.
func NewRedis(client redis.UniversalClient) Lifecycle {
	return NewRedisWithObserver(client, nil)
}

// NewRedisWithObserver returns a Redis-backed Lifecycle with the given Observer.
func NewRedisWithObserver(client redis.UniversalClient, obs Observer) Lifecycle {
	store := persistence.NewRedisRunStore(client, "fluxrun:")
	return lifecycle.NewWithConfig(lifecycle.Config{Store: store, Observer: obs})
}

// NewMongo returns a Lifecycle that persists runs in the workflow_runs
// collection of database dbName.
func NewMongo(ctx context.Context, client *mongo.Client, dbName string) (Lifecycle, error) {
	return NewMongoWithObserver(ctx, client, dbName, nil)
}

// NewMongoWithObserver returns a Mongo-backed Lifecycle with the given Observer.
func NewMongoWithObserver(ctx context.Context, client *mongo.Client, dbName string, obs Observer) (Lifecycle, error) {
	store, err := persistence.NewMongoRunStore(ctx, client, dbName, "")
	if err != nil {
		return nil, err
	}
	return lifecycle.NewWithConfig(lifecycle.Config{Store: store, Observer: obs}), nil
}

// NewRunner returns the onboarding executor for lc. By default it
// provisions the slack, github, newsletter and grants systems.
func NewRunner(lc Lifecycle, opts ...ExecutorOption) *Runner {
	return executor.NewRunner(lc, opts...)
}
