package fluxrun

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestLocalRunner_ProvisionsLaunchedRuns verifies that a run launched
// through the LocalRunner is provisioned by the background workers.
func TestLocalRunner_ProvisionsLaunchedRuns(t *testing.T) {
	runner := NewLocalRunner(WithRunnerLogger(quietLogger()))
	ctx := context.Background()

	if err := runner.StartWorkers(ctx, 2); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer runner.Stop()

	res, err := runner.Lifecycle.Launch(ctx, LaunchRequest{CompanyName: "Acme Corp"})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if !res.Created {
		t.Fatalf("expected a new run")
	}

	// Poll for the run to complete.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := runner.Lifecycle.Get(ctx, res.Run.RunID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if run.Status == StatusCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not complete before deadline", res.Run.RunID)
}

func TestLocalRunner_StartTwice(t *testing.T) {
	runner := NewLocalRunner(WithRunnerLogger(quietLogger()))
	ctx := context.Background()

	if err := runner.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	if err := runner.StartWorkers(ctx, 1); err == nil {
		t.Fatalf("expected error on second StartWorkers")
	}
	runner.Stop()
	// Stop is idempotent, and the runner can be started again.
	runner.Stop()
	if err := runner.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	runner.Stop()
}

func TestLocalRunner_ObserverSeesLaunch(t *testing.T) {
	metrics := &BasicMetrics{}
	runner := NewLocalRunner(WithRunnerLogger(quietLogger()), WithRunnerObserver(metrics))

	if _, err := runner.Lifecycle.Launch(context.Background(), LaunchRequest{CompanyName: "Acme"}); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if got := runner.Queue.Len(); got != 1 {
		t.Fatalf("expected 1 queued run, got %d", got)
	}
	if snap := metrics.Snapshot(); snap.RunsLaunched != 1 {
		t.Fatalf("expected RunsLaunched=1, got %d", snap.RunsLaunched)
	}
}
