package executor

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxrun/internal/lifecycle"
	"github.com/petrijr/fluxrun/pkg/api"
)

func launchRun(t *testing.T, lc api.Lifecycle, company string) string {
	t.Helper()
	res, err := lc.Launch(context.Background(), api.LaunchRequest{CompanyName: company})
	require.NoError(t, err)
	return res.Run.RunID
}

// countingProvisioner fails the first failures calls with the given
// retryable flag, then succeeds.
func countingProvisioner(system string, failures int32, retryable bool, calls *atomic.Int32) Provisioner {
	return NewProvisioner(system, func(ctx context.Context, in api.StepInput) api.StepResult {
		n := calls.Add(1)
		if n <= failures {
			res := api.NewStepResult(system, api.StepError, "upstream timeout")
			res.ErrorCode = "TIMEOUT"
			res.Retryable = retryable
			return res
		}
		return api.NewStepResult(system, api.StepSuccess, system+" ready")
	})
}

func eventTypes(run *api.RunState) []api.EventType {
	out := make([]api.EventType, len(run.Events))
	for i, ev := range run.Events {
		out[i] = ev.Type
	}
	return out
}

func countEvents(run *api.RunState, t api.EventType) int {
	n := 0
	for _, ev := range run.Events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func TestRunner_ProvisionsAllSystems(t *testing.T) {
	ctx := context.Background()
	lc := lifecycle.NewInMemory()
	id := launchRun(t, lc, "Acme Corp")

	out, err := NewRunner(lc).Run(ctx, id)
	require.NoError(t, err)
	assert.False(t, out.Stopped)
	assert.False(t, out.Escalated)
	require.NotNil(t, out.Run)
	assert.Equal(t, api.StatusCompleted, out.Run.Status)

	require.Len(t, out.Results, 4)
	for i, system := range []string{"slack", "github", "newsletter", "grants"} {
		assert.Equal(t, system, out.Results[i].System)
		assert.Equal(t, api.StepSuccess, out.Results[i].Status)
	}

	// user_input, 4 x step_selected, 4 x step_result, finalized
	assert.Equal(t, 10, out.Run.EventCount())
	assert.Equal(t, 4, countEvents(out.Run, api.EventStepSelected))
	assert.Len(t, out.Run.ExtractStepResults(), 4)

	last, _ := out.Run.LastEvent()
	assert.Equal(t, api.EventFinalized, last.Type)
	assert.Equal(t, out.Report, last.Data["report"])
	assert.Contains(t, out.Report, "[SUCCESS] Slack: Slack provisioned for Acme Corp: channel=#welcome-acme-corp")

	// Results are recorded in system order regardless of completion order.
	var recorded []string
	for _, ev := range out.Run.Events {
		if ev.Type == api.EventStepResult {
			recorded = append(recorded, ev.StepName)
		}
	}
	assert.Equal(t, []string{"provision_slack", "provision_github", "provision_newsletter", "provision_grants"}, recorded)
}

func TestRunner_RetriesRetryableFailures(t *testing.T) {
	ctx := context.Background()
	lc := lifecycle.NewInMemory()
	id := launchRun(t, lc, "Acme")

	var flakyCalls, stableCalls atomic.Int32
	runner := NewRunner(lc,
		WithProvisioners(
			countingProvisioner("stable", 0, true, &stableCalls),
			countingProvisioner("flaky", 2, true, &flakyCalls),
		),
		WithMaxStepRetries(3),
	)

	out, err := runner.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, out.Run.Status)
	assert.Equal(t, int32(3), flakyCalls.Load())
	assert.Equal(t, int32(1), stableCalls.Load())

	assert.Equal(t, 2, out.Run.RetryCount("provision_flaky"))
	assert.Equal(t, 0, out.Run.RetryCount("provision_stable"))
	assert.Equal(t, 2, countEvents(out.Run, api.EventStepError))
	assert.Equal(t, 3, out.Results[1].Attempt)
	assert.Contains(t, out.Report, "(attempts: 3)")
}

func TestRunner_EscalatesWhenRetriesAreExhausted(t *testing.T) {
	ctx := context.Background()
	lc := lifecycle.NewInMemory()
	id := launchRun(t, lc, "Acme")

	var calls, okCalls atomic.Int32
	runner := NewRunner(lc,
		WithProvisioners(
			countingProvisioner("slack", 0, true, &okCalls),
			countingProvisioner("github", 100, true, &calls),
		),
		WithMaxStepRetries(2),
	)

	out, err := runner.Run(ctx, id)
	require.NoError(t, err)
	assert.True(t, out.Escalated)
	assert.Equal(t, api.StatusAwaitingApproval, out.Run.Status)
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
	assert.Equal(t, 3, out.Run.RetryCount("provision_github"))

	types := eventTypes(out.Run)
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, api.EventErrorCompacted, types[len(types)-2])
	assert.Equal(t, api.EventHumanEscalation, types[len(types)-1])

	esc, _ := out.Run.LastEvent()
	assert.Equal(t, "Provisioning failed for GitHub", esc.Data["issue"])
	assert.Equal(t, "github", esc.Data["failed_systems"])
	assert.Equal(t, 3, esc.Data["attempts_made"])

	compacted := out.Run.Events[len(out.Run.Events)-2]
	assert.Contains(t, compacted.Data["summary"], "github: TIMEOUT: upstream timeout (attempt 3)")
}

func TestRunner_NonRetryableFailureEscalatesImmediately(t *testing.T) {
	ctx := context.Background()
	lc := lifecycle.NewInMemory()
	id := launchRun(t, lc, "Acme")

	var calls atomic.Int32
	runner := NewRunner(lc, WithProvisioners(countingProvisioner("grants", 100, false, &calls)))

	out, err := runner.Run(ctx, id)
	require.NoError(t, err)
	assert.True(t, out.Escalated)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, out.Report, "[FAIL] Grants (TIMEOUT)")
}

func TestRunner_PanickingProvisionerIsAnInternalError(t *testing.T) {
	ctx := context.Background()
	lc := lifecycle.NewInMemory()
	id := launchRun(t, lc, "Acme")

	boom := NewProvisioner("boom", func(ctx context.Context, in api.StepInput) api.StepResult {
		panic("kaboom")
	})
	out, err := NewRunner(lc, WithProvisioners(boom), WithMaxStepRetries(0)).Run(ctx, id)
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "INTERNAL_ERROR", out.Results[0].ErrorCode)
	assert.True(t, out.Results[0].Retryable)
	assert.Equal(t, "Unexpected error: kaboom", out.Results[0].Details)
	assert.True(t, out.Escalated)
}

func TestRunner_InvalidResultIsRecordedAsError(t *testing.T) {
	ctx := context.Background()
	lc := lifecycle.NewInMemory()
	id := launchRun(t, lc, "Acme")

	bad := NewProvisioner("bad", func(ctx context.Context, in api.StepInput) api.StepResult {
		return api.StepResult{Status: "maybe"}
	})
	out, err := NewRunner(lc, WithProvisioners(bad)).Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "INVALID_RESULT", out.Results[0].ErrorCode)
	assert.True(t, out.Escalated)
}

func TestRunner_SkipsRunThatIsNotRunning(t *testing.T) {
	ctx := context.Background()
	lc := lifecycle.NewInMemory()
	id := launchRun(t, lc, "Acme")
	_, err := lc.Pause(ctx, id, "hold")
	require.NoError(t, err)

	out, err := NewRunner(lc).Run(ctx, id)
	require.NoError(t, err)
	assert.True(t, out.Stopped)
	assert.Equal(t, api.StatusPaused, out.Run.Status)
	assert.Equal(t, 2, out.Run.EventCount())
}

func TestRunner_StopsWhenPausedMidway(t *testing.T) {
	ctx := context.Background()
	lc := lifecycle.NewInMemory()
	id := launchRun(t, lc, "Acme")

	pauser := NewProvisioner("slack", func(ctx context.Context, in api.StepInput) api.StepResult {
		_, err := lc.Pause(ctx, id, "operator")
		assert.NoError(t, err)
		return api.NewStepResult("slack", api.StepSuccess, "ok")
	})

	out, err := NewRunner(lc, WithProvisioners(pauser)).Run(ctx, id)
	require.NoError(t, err)
	assert.True(t, out.Stopped)
	require.NotNil(t, out.Run)
	assert.Equal(t, api.StatusPaused, out.Run.Status)
	assert.Equal(t, 0, countEvents(out.Run, api.EventStepResult), "nothing is recorded after the pause")
}

func TestRunner_ContinuesAfterEscalation(t *testing.T) {
	ctx := context.Background()
	lc := lifecycle.NewInMemory()
	id := launchRun(t, lc, "Acme")

	var slackCalls, githubCalls atomic.Int32
	runner := NewRunner(lc,
		WithProvisioners(
			countingProvisioner("slack", 0, true, &slackCalls),
			countingProvisioner("github", 1, false, &githubCalls),
		),
	)

	out, err := runner.Run(ctx, id)
	require.NoError(t, err)
	require.True(t, out.Escalated)

	_, err = lc.Resume(ctx, id, map[string]any{"note": "github fixed"})
	require.NoError(t, err)

	out, err = runner.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, out.Run.Status)
	assert.Equal(t, int32(1), slackCalls.Load(), "slack already succeeded")
	assert.Equal(t, int32(2), githubCalls.Load())
	assert.Equal(t, api.StepSuccess, out.Results[1].Status)
	assert.Equal(t, 2, out.Results[1].Attempt)
}

func TestRunner_UnknownRun(t *testing.T) {
	_, err := NewRunner(lifecycle.NewInMemory()).Run(context.Background(), "missing")
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestRunner_CancelledContext(t *testing.T) {
	lc := lifecycle.NewInMemory()
	id := launchRun(t, lc, "Acme")

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	stopper := NewProvisioner("slack", func(context.Context, api.StepInput) api.StepResult {
		calls.Add(1)
		cancel()
		return api.NewStepResult("slack", api.StepSuccess, "ok")
	})
	slow := NewProvisioner("github", func(context.Context, api.StepInput) api.StepResult {
		return api.NewStepResult("github", api.StepSuccess, "ok")
	})

	_, err := NewRunner(lc, WithProvisioners(stopper, slow), WithConcurrency(1)).Run(ctx, id)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}
