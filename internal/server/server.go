package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"cap2cal/internal/capture"
	"cap2cal/internal/config"
	"cap2cal/internal/enrichment"
	"cap2cal/internal/event"
	"cap2cal/internal/logging"
	"cap2cal/internal/metrics"
	"cap2cal/internal/quota"
	"cap2cal/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Scanner is the scan stage.
type Scanner interface {
	Scan(ctx context.Context, img capture.RawImage) (capture.ScanResult, error)
}

// Enricher is the enrich stage with its failure reason exposed.
type Enricher interface {
	Attempt(ctx context.Context, sk event.Skeleton, locale string) (*event.Patch, error)
}

// Deps are the collaborators a Server routes to. Store and Orchestrator are
// optional; without them the capture and event routes are not mounted.
type Deps struct {
	Scanner      Scanner
	Enricher     Enricher
	Gate         *quota.Gate
	Store        *store.Store
	Orchestrator *enrichment.Orchestrator
	Metrics      *metrics.Metrics
}

// Server is the cap2cal HTTP API.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	handler  http.Handler
	server   *http.Server
	listener net.Listener
	lock     *flock.Flock

	// background holds fire-and-forget enrichment runs.
	background sync.WaitGroup
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New wires routes. It does not listen; call Start.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server requires config")
	}
	if deps.Scanner == nil || deps.Enricher == nil || deps.Gate == nil {
		return nil, errors.New("server requires scanner, enricher, and gate")
	}
	if (deps.Store == nil) != (deps.Orchestrator == nil) {
		return nil, errors.New("server requires store and orchestrator together")
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		deps:       deps,
		logger:     logging.NewComponentLogger(logger, "api-server"),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.cfg.Server.MetricsEnabled && s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	mux.Handle("POST /scan", s.requireAuth(http.HandlerFunc(s.handleScan)))
	mux.Handle("POST /enrich", s.requireAuth(http.HandlerFunc(s.handleEnrich)))
	if s.deps.Store != nil {
		mux.Handle("POST /captures", s.requireAuth(http.HandlerFunc(s.handleCapture)))
		mux.Handle("GET /events", s.requireAuth(http.HandlerFunc(s.handleListEvents)))
		mux.Handle("GET /events/changes", s.requireAuth(http.HandlerFunc(s.handleChanges)))
		mux.Handle("GET /events/{id}", s.requireAuth(http.HandlerFunc(s.handleGetEvent)))
		mux.Handle("POST /events/{id}/reenrich", s.requireAuth(http.HandlerFunc(s.handleReenrich)))
	}
	return s.withCorrelation(s.withMetrics(mux))
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start takes the single-instance lock, listens on the configured bind
// address, and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if err := s.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}
	s.lock = flock.New(s.cfg.LockPath())
	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another cap2cal server is already running (lock %s)", s.cfg.LockPath())
	}

	listener, err := net.Listen("tcp", strings.TrimSpace(s.cfg.Server.Bind))
	if err != nil {
		_ = s.lock.Unlock()
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(s.cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "api_serve_failed"),
				logging.String(logging.FieldErrorHint, "check the bind address and port availability"),
			)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the listener down, cancels background enrichment, waits for it
// to record its terminal states, and releases the lock.
func (s *Server) Stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	s.cancelBase()
	s.background.Wait()
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
}

// Wait blocks until background enrichment started by /captures has finished.
func (s *Server) Wait() {
	s.background.Wait()
}
