// Package server exposes the pipeline as an HTTP service: documents are
// uploaded as runs, processed in the background and followed over a
// websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MeKo-Tech/folio/internal/folio"
	"github.com/MeKo-Tech/folio/internal/pipeline"
)

// RunFunc processes one uploaded document. progress receives the stage
// events of that run; ctx carries the run id.
type RunFunc func(ctx context.Context, documentPath, outputDir string,
	progress pipeline.ProgressCallback) (folio.ResultSet, pipeline.Report, error)

// Config holds server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigin  string
	MaxUploadMB int64
	// WorkDir receives one directory per run.
	WorkDir string
	// SubmissionsPerMinute limits new runs per client. Zero disables it.
	SubmissionsPerMinute int
	// MaxConcurrentRuns bounds runs in flight; further runs queue.
	MaxConcurrentRuns int
	// Gatherer is served on /metrics next to the server's own metrics.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server holds the HTTP server state and dependencies.
type Server struct {
	run      RunFunc
	cfg      Config
	logger   *slog.Logger
	limiter  *RateLimiter
	metrics  *serverMetrics
	gatherer prometheus.Gatherer
	slots    chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*runState
}

// NewServer creates a server. Runs execute on a context that Shutdown
// cancels.
func NewServer(run RunFunc, cfg Config) (*Server, error) {
	if run == nil {
		return nil, errors.New("server: run function is required")
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 50
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	metrics := newServerMetrics()
	gatherers := prometheus.Gatherers{metrics.registry}
	if cfg.Gatherer != nil {
		gatherers = append(gatherers, cfg.Gatherer)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		run:      run,
		cfg:      cfg,
		logger:   logger,
		limiter:  NewRateLimiter(cfg.SubmissionsPerMinute),
		metrics:  metrics,
		gatherer: gatherers,
		slots:    make(chan struct{}, cfg.MaxConcurrentRuns),
		baseCtx:  ctx,
		cancel:   cancel,
		runs:     make(map[string]*runState),
	}, nil
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.instrument("/health", s.healthHandler))
	mux.HandleFunc("POST /runs", s.instrument("/runs", s.rateLimitMiddleware(s.submitHandler)))
	mux.HandleFunc("GET /runs", s.instrument("/runs", s.listHandler))
	mux.HandleFunc("GET /runs/{id}", s.instrument("/runs/{id}", s.statusHandler))
	mux.HandleFunc("GET /runs/{id}/result", s.instrument("/runs/{id}/result", s.resultHandler))
	mux.HandleFunc("GET /runs/{id}/events", s.instrument("/runs/{id}/events", s.eventsHandler))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("OPTIONS /", s.corsPreflight)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	s.logger.Info("server listening", "addr", addr)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	<-errCh
	return s.Shutdown(shutdownCtx)
}

// Shutdown cancels runs in flight and waits for them to stop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
