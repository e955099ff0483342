// Package metrics exports lifecycle activity as Prometheus metrics.
package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/petrijr/fluxrun/pkg/api"
)

const namespace = "fluxrun"

// PrometheusObserver is an api.Observer that counts lifecycle activity.
type PrometheusObserver struct {
	runsLaunched   *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	eventsRecorded *prometheus.CounterVec
	failures       *prometheus.CounterVec
	activeRuns     prometheus.Gauge
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates the collectors and registers them with reg.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		runsLaunched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_launched_total",
				Help:      "Total number of launch calls",
			},
			[]string{"created"}, // created: true, false (idempotent replay)
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of run status transitions",
			},
			[]string{"from", "to"},
		),
		eventsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_recorded_total",
				Help:      "Total number of events appended to run logs",
			},
			[]string{"event_type"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_failures_total",
				Help:      "Total number of failed lifecycle operations",
			},
			[]string{"operation", "kind"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_active",
				Help:      "Runs launched by this process that have not reached a terminal status",
			},
		),
	}

	for _, c := range []prometheus.Collector{o.runsLaunched, o.transitions, o.eventsRecorded, o.failures, o.activeRuns} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// NewRegistry returns a registry with the Go runtime and process collectors
// already registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func (o *PrometheusObserver) OnRunLaunched(ctx context.Context, run *api.RunState, created bool) {
	o.runsLaunched.WithLabelValues(strconv.FormatBool(created)).Inc()
	if created {
		o.activeRuns.Inc()
		// The launch appended the user_input event.
		o.eventsRecorded.WithLabelValues(string(api.EventUserInput)).Inc()
	}
}

func (o *PrometheusObserver) OnTransition(ctx context.Context, run *api.RunState, from, to api.RunStatus, ev api.WorkflowEvent) {
	o.transitions.WithLabelValues(string(from), string(to)).Inc()
	if to.IsTerminal() && !from.IsTerminal() {
		o.activeRuns.Dec()
	}
}

func (o *PrometheusObserver) OnEventRecorded(ctx context.Context, run *api.RunState, ev api.WorkflowEvent) {
	o.eventsRecorded.WithLabelValues(string(ev.Type)).Inc()
}

func (o *PrometheusObserver) OnOperationFailed(ctx context.Context, op string, runID string, err error) {
	o.failures.WithLabelValues(op, api.KindOf(err).String()).Inc()
}
