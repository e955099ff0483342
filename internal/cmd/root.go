// Package cmd implements the fluxrun command line.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/petrijr/fluxrun/internal/config"
	"github.com/petrijr/fluxrun/internal/lifecycle"
	"github.com/petrijr/fluxrun/internal/storage"
	"github.com/petrijr/fluxrun/pkg/api"
)

// app carries the state shared by all commands of one invocation.
type app struct {
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
}

// NewRootCmd builds the fluxrun command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "fluxrun",
		Short: "Durable, resumable workflow runs with human approval",
		Long: `fluxrun coordinates long-running workflow runs that can be paused,
resumed and parked for human approval. Every change is recorded as an
event in the run's log and persisted to the configured store.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.initConfig,
	}

	// Global flags
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./fluxrun.yaml)")
	root.PersistentFlags().String("database-url", "", "run store URL (postgres://, redis://, mongodb://, sqlite://, memory://)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(a.newServeCmd(), a.newRunsCmd())
	return root
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func (a *app) initConfig(cmd *cobra.Command, args []string) error {
	v, err := config.New(a.cfgFile)
	if err != nil {
		return err
	}

	flags := cmd.Root().PersistentFlags()
	if f := flags.Lookup("database-url"); f != nil && f.Changed {
		_ = v.BindPFlag("database.url", f)
	}
	if f := flags.Lookup("log-level"); f != nil && f.Changed {
		_ = v.BindPFlag("log.level", f)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a.cfg = cfg
	a.logger = cfg.Log.NewLogger(cmd.ErrOrStderr())
	return nil
}

// openLifecycle opens the configured store and builds a controller over it
// that logs through the process logger and reports to extra.
func (a *app) openLifecycle(ctx context.Context, extra ...api.Observer) (api.Lifecycle, *storage.Backend, error) {
	backend, err := storage.Open(ctx, a.cfg)
	if err != nil {
		return nil, nil, err
	}
	a.logger.Debug("store opened", "backend", backend.Name)

	observers := append([]api.Observer{api.NewLoggingObserver(a.logger)}, extra...)
	lc := lifecycle.NewWithConfig(lifecycle.Config{
		Store:             backend.Store,
		Observer:          api.NewCompositeObserver(observers...),
		MaxUpdateAttempts: a.cfg.Lifecycle.MaxUpdateAttempts,
	})
	return lc, backend, nil
}
