package fluxrun

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/petrijr/fluxrun/internal/executor"
	"github.com/petrijr/fluxrun/internal/lifecycle"
	"github.com/petrijr/fluxrun/internal/persistence"
	"github.com/petrijr/fluxrun/internal/worker"
)

// LocalRunner bundles an in-memory Lifecycle, an in-memory queue, and a
// Worker that provisions every launched or resumed run in the background.
//
// Typical usage:
//
//	runner := fluxrun.NewLocalRunner()
//	_ = runner.StartWorkers(ctx, 2)
//	res, _ := runner.Lifecycle.Launch(ctx, fluxrun.LaunchRequest{CompanyName: "Acme"})
//	...
//	runner.Stop()
type LocalRunner struct {
	// Lifecycle is the run controller. Launches and resumes through it are
	// queued for the Worker.
	Lifecycle Lifecycle

	// Queue holds runs waiting to be provisioned.
	Queue worker.Queue

	// Worker provisions queued runs.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// LocalRunnerOption customizes a LocalRunner.
type LocalRunnerOption func(*localRunnerConfig)

type localRunnerConfig struct {
	logger    *slog.Logger
	observer  Observer
	execOpts  []ExecutorOption
	queueSize int
}

// WithRunnerLogger sets the logger used by the worker and the executor.
func WithRunnerLogger(l *slog.Logger) LocalRunnerOption {
	return func(c *localRunnerConfig) { c.logger = l }
}

// WithRunnerObserver adds an Observer alongside the queue trigger.
func WithRunnerObserver(obs Observer) LocalRunnerOption {
	return func(c *localRunnerConfig) { c.observer = obs }
}

// WithExecutorOptions passes options through to the onboarding executor,
// for example a custom provisioner set.
func WithExecutorOptions(opts ...ExecutorOption) LocalRunnerOption {
	return func(c *localRunnerConfig) { c.execOpts = append(c.execOpts, opts...) }
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory store.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner(opts ...LocalRunnerOption) *LocalRunner {
	cfg := localRunnerConfig{logger: slog.Default(), queueSize: 1024}
	for _, o := range opts {
		o(&cfg)
	}

	q := worker.NewInMemoryQueue(cfg.queueSize)
	var obs Observer = worker.NewTrigger(q, cfg.logger)
	if cfg.observer != nil {
		obs = NewCompositeObserver(cfg.observer, obs)
	}
	lc := lifecycle.NewWithConfig(lifecycle.Config{
		Store:    persistence.NewInMemoryRunStore(),
		Observer: obs,
	})

	execOpts := append([]executor.Option{executor.WithLogger(cfg.logger)}, cfg.execOpts...)
	w := worker.New(executor.NewRunner(lc, execOpts...), q, cfg.logger)

	return &LocalRunner{
		Lifecycle: lc,
		Queue:     q,
		Worker:    w,
	}
}

// StartWorkers starts 'concurrency' worker goroutines that provision queued
// runs until Stop is called or ctx is cancelled.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("fluxrun: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go func(done chan struct{}) {
		defer close(done)
		_ = r.Worker.Start(ctx, concurrency)
	}(r.done)
	return nil
}

// Stop cancels the worker goroutines and waits for them to exit. Calling
// Stop on a runner that is not started is a no-op.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	<-done
}
