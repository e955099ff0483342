package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/fluxrun/pkg/api"
)

// DefaultMaxStepRetries is how many times a retryable failure of one step
// is re-attempted before the run is escalated to a human.
const DefaultMaxStepRetries = 3

// Runner drives a run through onboarding: every system is provisioned in
// parallel and each outcome is appended to the run's log.
//
// The runner holds no state of its own between calls. Everything it needs
// to continue (finished systems, retry counts) is read back from the run,
// so Run can be called again after a pause or an escalation.
type Runner struct {
	lc           api.Lifecycle
	provisioners []Provisioner
	maxRetries   int
	concurrency  int
	logger       *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithProvisioners replaces the default onboarding systems.
func WithProvisioners(ps ...Provisioner) Option {
	return func(r *Runner) { r.provisioners = ps }
}

// WithMaxStepRetries sets how often a retryable failure is re-attempted.
func WithMaxStepRetries(n int) Option {
	return func(r *Runner) {
		if n < 0 {
			n = 0
		}
		r.maxRetries = n
	}
}

// WithConcurrency bounds the number of provisioners running at once.
// Zero or less means no bound.
func WithConcurrency(n int) Option {
	return func(r *Runner) { r.concurrency = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner returns a Runner that talks to runs through lc.
func NewRunner(lc api.Lifecycle, opts ...Option) *Runner {
	r := &Runner{
		lc:           lc,
		provisioners: DefaultProvisioners(),
		maxRetries:   DefaultMaxStepRetries,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Outcome is what a call to Run achieved.
type Outcome struct {
	// Run is the latest state the runner observed.
	Run *api.RunState
	// Results holds the final result per system in provisioner order.
	Results []api.StepResult
	Report  string
	// Escalated is set when failures were handed to a human.
	Escalated bool
	// Stopped is set when the run was not (or no longer) running, for
	// example because it was paused from outside.
	Stopped bool
}

// Run executes the onboarding steps for runID.
//
// A run that is not running, or that leaves running while the runner works,
// stops the runner without an error. Other lifecycle errors are returned.
func (r *Runner) Run(ctx context.Context, runID string) (Outcome, error) {
	run, err := r.lc.Get(ctx, runID)
	if err != nil {
		return Outcome{}, err
	}
	if run.Status != api.StatusRunning {
		r.logger.InfoContext(ctx, "executor_skipped", "run_id", runID, "status", run.Status)
		return Outcome{Run: run, Stopped: true}, nil
	}

	in := api.StepInputFromRun(run)
	final := make(map[string]api.StepResult, len(r.provisioners))
	for _, res := range run.ExtractStepResults() {
		if !res.Failed() {
			final[res.System] = res
		}
	}

	var pending []Provisioner
	for _, p := range r.provisioners {
		if _, done := final[p.System()]; !done {
			pending = append(pending, p)
		}
	}

	var exhausted []string
	for len(pending) > 0 {
		for _, p := range pending {
			ev := api.NewEvent(api.EventStepSelected, map[string]any{"system": p.System()}).WithStep(StepName(p.System()))
			if run, err = r.lc.Record(ctx, runID, ev); err != nil {
				return r.stop(ctx, runID, err)
			}
		}

		results, err := r.provisionAll(ctx, run, pending, in)
		if err != nil {
			return Outcome{Run: run}, err
		}

		var retry []Provisioner
		for i, p := range pending {
			res := results[i]
			step := StepName(p.System())
			if run, err = r.lc.Record(ctx, runID, api.NewStepResultEvent(step, res)); err != nil {
				return r.stop(ctx, runID, err)
			}
			final[p.System()] = res
			if !res.Failed() {
				continue
			}

			failure := api.StepFailure{Code: res.ErrorCode, Message: res.Details, Retryable: res.Retryable, Attempt: res.Attempt}
			if run, err = r.lc.Record(ctx, runID, api.NewStepErrorEvent(step, failure)); err != nil {
				return r.stop(ctx, runID, err)
			}
			if res.Retryable && run.RetryCount(step) <= r.maxRetries {
				retry = append(retry, p)
				continue
			}
			exhausted = append(exhausted, p.System())
		}

		if len(retry) > 0 {
			r.logger.InfoContext(ctx, "executor_retry", "run_id", runID, "systems", systemsOf(retry))
		}
		pending = retry
	}

	ordered := make([]api.StepResult, 0, len(r.provisioners))
	for _, p := range r.provisioners {
		ordered = append(ordered, final[p.System()])
	}
	report := Report(ordered)

	if len(exhausted) > 0 {
		return r.escalate(ctx, run, ordered, exhausted, report)
	}

	run, err = r.lc.Finalize(ctx, runID, map[string]any{
		"report":  report,
		"systems": len(ordered),
	})
	if err != nil {
		out, serr := r.stop(ctx, runID, err)
		out.Results, out.Report = ordered, report
		return out, serr
	}
	r.logger.InfoContext(ctx, "executor_completed", "run_id", runID, "systems", len(ordered))
	return Outcome{Run: run, Results: ordered, Report: report}, nil
}

// escalate compacts the exhausted failures into one event and hands the run
// to a human.
func (r *Runner) escalate(ctx context.Context, run *api.RunState, results []api.StepResult, exhausted []string, report string) (Outcome, error) {
	runID := run.RunID
	failed := make(map[string]bool, len(exhausted))
	for _, s := range exhausted {
		failed[s] = true
	}

	var (
		lines    []string
		attempts int
	)
	for _, res := range results {
		if !failed[res.System] {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s: %s (attempt %d)", res.System, res.ErrorCode, res.Details, res.Attempt))
		if res.Attempt > attempts {
			attempts = res.Attempt
		}
	}
	summary := strings.Join(lines, "; ")

	compacted := api.NewEvent(api.EventErrorCompacted, map[string]any{
		"failed_systems": strings.Join(exhausted, ","),
		"summary":        summary,
	})
	run, err := r.lc.Record(ctx, runID, compacted)
	if err != nil {
		return r.stop(ctx, runID, err)
	}

	names := make([]string, len(exhausted))
	for i, s := range exhausted {
		names[i] = DisplayName(s)
	}
	run, err = r.lc.Escalate(ctx, runID, api.Escalation{
		Issue:         "Provisioning failed for " + strings.Join(names, ", "),
		Context:       summary,
		FailedSystems: exhausted,
		AttemptsMade:  attempts,
	})
	if err != nil {
		return r.stop(ctx, runID, err)
	}

	r.logger.WarnContext(ctx, "executor_escalated", "run_id", runID, "failed_systems", exhausted)
	return Outcome{Run: run, Results: results, Report: report, Escalated: true}, nil
}

// provisionAll runs ps in parallel. results[i] belongs to ps[i].
func (r *Runner) provisionAll(ctx context.Context, run *api.RunState, ps []Provisioner, in api.StepInput) ([]api.StepResult, error) {
	results := make([]api.StepResult, len(ps))

	g, gctx := errgroup.WithContext(ctx)
	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}
	for i, p := range ps {
		attempt := run.RetryCount(StepName(p.System())) + 1
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := safeProvision(gctx, p, in)
			res.System = p.System()
			res.Attempt = attempt
			if err := res.Validate(); err != nil {
				res = errorResult(p.System(), "INVALID_RESULT", err.Error(), false)
				res.Attempt = attempt
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// stop turns a ConflictingState into a quiet stop.
func (r *Runner) stop(ctx context.Context, runID string, err error) (Outcome, error) {
	if api.KindOf(err) != api.KindConflictingState {
		return Outcome{}, err
	}
	r.logger.InfoContext(ctx, "executor_stopped", "run_id", runID, "reason", err.Error())

	run, gerr := r.lc.Get(ctx, runID)
	if gerr != nil {
		return Outcome{Stopped: true}, nil
	}
	return Outcome{Run: run, Stopped: true}, nil
}

func safeProvision(ctx context.Context, p Provisioner, in api.StepInput) (res api.StepResult) {
	defer func() {
		if rec := recover(); rec != nil {
			res = errorResult(p.System(), "INTERNAL_ERROR", fmt.Sprintf("Unexpected error: %v", rec), true)
		}
	}()
	return p.Provision(ctx, in)
}

func errorResult(system, code, details string, retryable bool) api.StepResult {
	res := api.NewStepResult(system, api.StepError, details)
	res.ErrorCode = code
	res.Retryable = retryable
	return res
}

func systemsOf(ps []Provisioner) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.System()
	}
	return out
}
