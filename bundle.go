package fluxrun

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/petrijr/fluxrun/internal/executor"
	"github.com/petrijr/fluxrun/internal/lifecycle"
	"github.com/petrijr/fluxrun/internal/persistence"
	"github.com/petrijr/fluxrun/internal/worker"
)

// WorkerBundle wires together a durable Lifecycle and a Worker that
// provisions its runs.
//
// Runs are persisted; the queue is not. After a restart call Recover to
// re-queue every run that is still running.
type WorkerBundle struct {
	Lifecycle Lifecycle
	Worker    *worker.Worker

	queue worker.Queue
}

// NewSQLiteBundle constructs a SQLite-backed Lifecycle and a Worker sharing
// the given *sql.DB. Launches and resumes are queued for the Worker as they
// happen.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:fluxrun.db?_pragma=journal_mode(WAL)")
//	bundle, err := fluxrun.NewSQLiteBundle(ctx, db, nil)
//	_, _ = bundle.Recover(ctx)
//	go bundle.Worker.Start(ctx, 2)
func NewSQLiteBundle(ctx context.Context, db *sql.DB, logger *slog.Logger, opts ...ExecutorOption) (*WorkerBundle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := persistence.NewSQLiteRunStore(ctx, db)
	if err != nil {
		return nil, err
	}

	q := worker.NewInMemoryQueue(1024)
	lc := lifecycle.NewWithConfig(lifecycle.Config{
		Store:    store,
		Observer: NewCompositeObserver(NewLoggingObserver(logger), worker.NewTrigger(q, logger)),
	})
	opts = append([]executor.Option{executor.WithLogger(logger)}, opts...)
	w := worker.New(executor.NewRunner(lc, opts...), q, logger)

	return &WorkerBundle{
		Lifecycle: lc,
		Worker:    w,
		queue:     q,
	}, nil
}

// Recover queues every run left running by a previous process and returns
// how many were queued.
func (b *WorkerBundle) Recover(ctx context.Context) (int, error) {
	return b.Worker.Recover(ctx, b.Lifecycle)
}

// Pending reports how many runs are waiting for the Worker.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}
