package api

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Observer receives callbacks from the lifecycle controller for logging and
// metrics. Callbacks fire only after the corresponding write has been
// persisted.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay lifecycle calls.
type Observer interface {
	// OnRunLaunched is called after Launch. created is false when an
	// existing run was returned for a repeated idempotency key.
	OnRunLaunched(ctx context.Context, run *RunState, created bool)

	// OnTransition is called when an operation changed the run's status.
	// ev is the event recorded with the transition.
	OnTransition(ctx context.Context, run *RunState, from, to RunStatus, ev WorkflowEvent)

	// OnEventRecorded is called for every event appended by a mutating
	// operation other than Launch, including those that caused a transition.
	OnEventRecorded(ctx context.Context, run *RunState, ev WorkflowEvent)

	// OnOperationFailed is called when a lifecycle operation returns an
	// error. runID may be empty.
	OnOperationFailed(ctx context.Context, op string, runID string, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunLaunched(ctx context.Context, run *RunState, created bool) {}
func (NoopObserver) OnTransition(ctx context.Context, run *RunState, from, to RunStatus, ev WorkflowEvent) {
}
func (NoopObserver) OnEventRecorded(ctx context.Context, run *RunState, ev WorkflowEvent)      {}
func (NoopObserver) OnOperationFailed(ctx context.Context, op string, runID string, err error) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunLaunched(ctx context.Context, run *RunState, created bool) {
	for _, o := range c.observers {
		o.OnRunLaunched(ctx, run, created)
	}
}

func (c *CompositeObserver) OnTransition(ctx context.Context, run *RunState, from, to RunStatus, ev WorkflowEvent) {
	for _, o := range c.observers {
		o.OnTransition(ctx, run, from, to, ev)
	}
}

func (c *CompositeObserver) OnEventRecorded(ctx context.Context, run *RunState, ev WorkflowEvent) {
	for _, o := range c.observers {
		o.OnEventRecorded(ctx, run, ev)
	}
}

func (c *CompositeObserver) OnOperationFailed(ctx context.Context, op string, runID string, err error) {
	for _, o := range c.observers {
		o.OnOperationFailed(ctx, op, runID, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunLaunched(ctx context.Context, run *RunState, created bool) {
	o.Logger.InfoContext(ctx, "run_launched",
		slog.String("run_id", run.RunID),
		slog.String("session_id", run.SessionID),
		slog.String("company", run.CompanyName),
		slog.Bool("created", created),
	)
}

func (o *LoggingObserver) OnTransition(ctx context.Context, run *RunState, from, to RunStatus, ev WorkflowEvent) {
	level := slog.LevelInfo
	if to == StatusFailed {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "run_transition",
		slog.String("run_id", run.RunID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("event_type", string(ev.Type)),
	)
}

func (o *LoggingObserver) OnEventRecorded(ctx context.Context, run *RunState, ev WorkflowEvent) {
	attrs := []any{
		slog.String("run_id", run.RunID),
		slog.String("event_type", string(ev.Type)),
		slog.Int("event_count", run.EventCount()),
	}
	if ev.StepName != "" {
		attrs = append(attrs, slog.String("step", ev.StepName))
	}
	o.Logger.DebugContext(ctx, "event_recorded", attrs...)
}

func (o *LoggingObserver) OnOperationFailed(ctx context.Context, op string, runID string, err error) {
	level := slog.LevelWarn
	if KindOf(err) == KindStoreUnavailable || KindOf(err) == KindUnknown {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "operation_failed",
		slog.String("op", op),
		slog.String("run_id", runID),
		slog.String("kind", KindOf(err).String()),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsLaunched  atomic.Int64
	runsReplayed  atomic.Int64
	runsCompleted atomic.Int64
	runsFailed    atomic.Int64
	transitions   atomic.Int64
	events        atomic.Int64
	failures      atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsLaunched  int64
	RunsReplayed  int64
	RunsCompleted int64
	RunsFailed    int64
	ActiveRuns    int64

	Transitions       int64
	EventsRecorded    int64
	OperationFailures int64
}

func (m *BasicMetrics) OnRunLaunched(ctx context.Context, run *RunState, created bool) {
	if created {
		m.runsLaunched.Add(1)
	} else {
		m.runsReplayed.Add(1)
	}
}

func (m *BasicMetrics) OnTransition(ctx context.Context, run *RunState, from, to RunStatus, ev WorkflowEvent) {
	m.transitions.Add(1)
	switch to {
	case StatusCompleted:
		m.runsCompleted.Add(1)
	case StatusFailed:
		m.runsFailed.Add(1)
	}
}

func (m *BasicMetrics) OnEventRecorded(ctx context.Context, run *RunState, ev WorkflowEvent) {
	m.events.Add(1)
}

func (m *BasicMetrics) OnOperationFailed(ctx context.Context, op string, runID string, err error) {
	m.failures.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	launched := m.runsLaunched.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()

	return BasicMetricsSnapshot{
		RunsLaunched:      launched,
		RunsReplayed:      m.runsReplayed.Load(),
		RunsCompleted:     completed,
		RunsFailed:        failed,
		ActiveRuns:        launched - completed - failed,
		Transitions:       m.transitions.Load(),
		EventsRecorded:    m.events.Load(),
		OperationFailures: m.failures.Load(),
	}
}
