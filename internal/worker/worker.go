// Package worker runs the onboarding executor in the background.
//
// A Worker pulls run ids from a Queue and hands each one to the executor.
// Tasks are enqueued by the Trigger observer whenever a run is launched or
// returns to running, and by Recover at startup for runs that were left
// running by a previous process. Because the executor derives everything
// from the run's event log, processing the same run twice is harmless: the
// second call either skips finished systems or stops on a non-running run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/fluxrun/internal/executor"
	"github.com/petrijr/fluxrun/pkg/api"
)

// Runner executes one run. *executor.Runner implements it.
type Runner interface {
	Run(ctx context.Context, runID string) (executor.Outcome, error)
}

// lockStripes bounds the number of per-run locks; runs hashing to the same
// stripe are processed one at a time.
const lockStripes = 64

// Worker pulls tasks from a Queue and executes them with a Runner. Tasks
// for the same run are never processed concurrently.
type Worker struct {
	runner Runner
	queue  Queue
	logger *slog.Logger

	locks [lockStripes]sync.Mutex
}

// New creates a new Worker. A nil logger selects slog.Default().
func New(runner Runner, queue Queue, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		runner: runner,
		queue:  queue,
		logger: logger,
	}
}

// Enqueue schedules runID for processing.
func (w *Worker) Enqueue(ctx context.Context, runID string) error {
	return w.queue.Enqueue(ctx, Task{RunID: runID, Reason: "manual"})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained, err is the dequeue error
//     (typically ctx cancellation).
//   - processed == true: a task was processed; err is the runner's error.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	mu := w.lockFor(task.RunID)
	mu.Lock()
	outcome, err := w.runner.Run(ctx, task.RunID)
	mu.Unlock()
	if err != nil {
		return true, fmt.Errorf("run %s: %w", task.RunID, err)
	}

	attrs := []any{"run_id", task.RunID, "reason", task.Reason}
	if outcome.Run != nil {
		attrs = append(attrs, "status", outcome.Run.Status)
	}
	w.logger.DebugContext(ctx, "worker_processed", attrs...)
	return true, nil
}

func (w *Worker) lockFor(runID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	return &w.locks[h.Sum32()%lockStripes]
}

// Start processes tasks on n goroutines until ctx is cancelled. Errors from
// individual runs are logged and do not stop the worker. Start returns nil
// on cancellation.
func (w *Worker) Start(ctx context.Context, n int) error {
	if n <= 0 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				processed, err := w.ProcessOne(ctx)
				if !processed {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return nil
					}
					if err != nil {
						return err
					}
					continue
				}
				if err != nil {
					w.logger.ErrorContext(ctx, "worker_run_failed", "error", err, "kind", api.KindOf(err).String())
				}
			}
		})
	}
	return g.Wait()
}

// Recover enqueues every run that is currently running, so work
// interrupted by a restart is picked up again. It returns the number of
// runs enqueued.
func (w *Worker) Recover(ctx context.Context, lc api.Lifecycle) (int, error) {
	runs, err := lc.List(ctx, api.ListOptions{Status: string(api.StatusRunning)})
	if err != nil {
		return 0, err
	}
	for i, run := range runs {
		if err := w.queue.Enqueue(ctx, Task{RunID: run.RunID, Reason: "recover"}); err != nil {
			return i, err
		}
	}
	if len(runs) > 0 {
		w.logger.InfoContext(ctx, "worker_recovered", "runs", len(runs))
	}
	return len(runs), nil
}
