package worker

import (
	"context"
	"log/slog"

	"github.com/petrijr/fluxrun/pkg/api"
)

// Trigger is an api.Observer that enqueues a run whenever it becomes
// runnable: on its first launch and whenever it transitions back to
// running (resume or approval). It never blocks the lifecycle call; when
// the queue is full the run is dropped and picked up by the next Recover.
type Trigger struct {
	api.NoopObserver

	queue  Queue
	logger *slog.Logger
}

var _ api.Observer = (*Trigger)(nil)

// NewTrigger returns a Trigger feeding queue.
func NewTrigger(queue Queue, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{queue: queue, logger: logger}
}

func (t *Trigger) OnRunLaunched(ctx context.Context, run *api.RunState, created bool) {
	if created {
		t.enqueue(ctx, run.RunID, "launched")
	}
}

func (t *Trigger) OnTransition(ctx context.Context, run *api.RunState, from, to api.RunStatus, ev api.WorkflowEvent) {
	if to == api.StatusRunning {
		t.enqueue(ctx, run.RunID, string(ev.Type))
	}
}

func (t *Trigger) enqueue(ctx context.Context, runID, reason string) {
	if err := t.queue.TryEnqueue(Task{RunID: runID, Reason: reason}); err != nil {
		t.logger.WarnContext(ctx, "worker_enqueue_dropped", "run_id", runID, "reason", reason, "error", err)
	}
}
