// Package httpapi exposes the run lifecycle over HTTP/JSON.
//
// Routes live under /api/v1; /healthz, /readyz and /metrics sit at the
// root. Every error response has the shape
//
//	{"error": "<kind>", "detail": "<message>"}
//
// where kind is one of the api.ErrorKind names.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/fluxrun/pkg/api"
)

// Options configures the handler returned by NewHandler.
type Options struct {
	// Service names the process in health responses. Defaults to "fluxrun".
	Service string
	Logger  *slog.Logger
	// Checks are probed by /readyz.
	Checks []ReadinessCheck
	// Gatherer, if set, is served on /metrics.
	Gatherer prometheus.Gatherer
}

type server struct {
	lc     api.Lifecycle
	logger *slog.Logger
}

// NewHandler returns the complete HTTP surface for lc, middleware included.
func NewHandler(lc api.Lifecycle, opts Options) http.Handler {
	if opts.Service == "" {
		opts.Service = "fluxrun"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &server{lc: lc, logger: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/runs", s.handleLaunch)
	mux.HandleFunc("GET /api/v1/runs", s.handleList)
	mux.HandleFunc("GET /api/v1/runs/{run_id}", s.handleGet)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/context", s.handleContext)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/events", s.handleEvents)
	mux.HandleFunc("POST /api/v1/runs/{run_id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/v1/runs/{run_id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/v1/webhooks/approval", s.handleApproval)

	mux.HandleFunc("GET /healthz", healthz(opts.Service))
	mux.HandleFunc("GET /readyz", readyz(opts.Service, opts.Checks...))
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	}

	return Wrap(opts.Logger, mux)
}

// ServerConfig controls Run.
type ServerConfig struct {
	Addr              string
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
}

// Run serves handler on cfg.Addr until ctx is cancelled, then shuts down
// gracefully within cfg.ShutdownTimeout.
func Run(ctx context.Context, logger *slog.Logger, cfg ServerConfig, handler http.Handler) error {
	if cfg.Addr == "" {
		return errors.New("addr is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody(err)
	body.RequestID, _ = RequestIDFromContext(r.Context())

	status := statusFor(api.KindOf(err))
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("request_id", body.RequestID),
			slog.String("kind", body.Error),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, body)
}
