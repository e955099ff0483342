package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/fluxrun/internal/httpapi"
	"github.com/petrijr/fluxrun/internal/metrics"
	"github.com/petrijr/fluxrun/internal/worker"
	"github.com/petrijr/fluxrun/pkg/api"
)

func (a *app) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run lifecycle HTTP API",
		Long: `Start the HTTP API on server.addr. The server stops gracefully on
SIGINT or SIGTERM.

With --auto-provision (executor.auto_provision) launched and resumed runs
are provisioned by background workers, and runs left running by a previous
process are picked up at startup.`,
		Args: cobra.NoArgs,
		RunE: a.runServe,
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().Bool("auto-provision", false, "provision runs in the background (overrides executor.auto_provision)")
	return cmd
}

func (a *app) runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := a.cfg.Server.Addr
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		addr = v
	}

	reg := metrics.NewRegistry()
	prom, err := metrics.NewPrometheusObserver(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	autoProvision := a.cfg.Executor.AutoProvision
	if cmd.Flags().Changed("auto-provision") {
		autoProvision, _ = cmd.Flags().GetBool("auto-provision")
	}

	observers := []api.Observer{prom}
	var queue worker.Queue
	if autoProvision {
		queue = worker.NewInMemoryQueue(a.cfg.Executor.QueueSize)
		observers = append(observers, worker.NewTrigger(queue, a.logger))
	}

	lc, backend, err := a.openLifecycle(ctx, observers...)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			a.logger.Error("close store", "error", err)
		}
	}()

	handler := httpapi.NewHandler(lc, httpapi.Options{
		Logger:   a.logger,
		Checks:   []httpapi.ReadinessCheck{{Name: backend.Name, Check: backend.Ping}},
		Gatherer: reg,
	})

	a.logger.Info("starting fluxrun", "addr", addr, "backend", backend.Name, "auto_provision", autoProvision)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpapi.Run(gctx, a.logger, httpapi.ServerConfig{
			Addr:              addr,
			ShutdownTimeout:   a.cfg.Server.ShutdownTimeout,
			ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
		}, handler)
	})
	if queue != nil {
		w := worker.New(a.newRunner(lc), queue, a.logger)
		g.Go(func() error { return w.Start(gctx, a.cfg.Executor.Workers) })
		g.Go(func() error {
			if _, err := w.Recover(gctx, lc); err != nil && gctx.Err() == nil {
				a.logger.Error("recover running runs", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
