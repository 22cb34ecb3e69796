package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cap2cal/internal/capture"
	"cap2cal/internal/config"
	"cap2cal/internal/logging"
	"cap2cal/internal/metrics"
	"cap2cal/internal/quota"
	"cap2cal/internal/server"
	"cap2cal/internal/services/llm"
	"cap2cal/internal/store"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cap2cal HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "Override server.bind")
	return cmd
}

func runServer(cmdCtx context.Context, cfg *config.Config) error {
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	app, err := buildApp(signalCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.server.Start(signalCtx); err != nil {
		return err
	}
	<-signalCtx.Done()
	app.server.Stop()
	logger.Info("cap2cal server shutting down")
	return nil
}

// app is the fully wired server plus the resources it owns.
type app struct {
	server *server.Server
	store  *store.Store
	quota  quota.Service
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.quota != nil {
		_ = a.quota.Close()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.RequireLLM(); err != nil {
		return nil, err
	}
	model := newModelClient(cfg, logger)

	m := metrics.New()
	scanner, err := capture.NewScanner(model, capture.ScanConfigFrom(cfg), logger, m)
	if err != nil {
		return nil, fmt.Errorf("build scanner: %w", err)
	}
	enricher, err := capture.NewEnricher(model, capture.EnrichConfigFrom(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("build enricher: %w", err)
	}

	a := &app{}
	a.quota, err = quota.NewService(cfg.Quota)
	if err != nil {
		return nil, fmt.Errorf("build quota service: %w", err)
	}
	gate := quota.NewGate(cfg.Auth.Tokens, a.quota, quota.PolicyFrom(cfg.Quota), logger)
	if err := gate.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("quota backend unreachable: %w", err)
	}

	a.store, err = store.Open(cfg.StorePath())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open event store: %w", err)
	}
	if purged, err := a.store.PurgeExpiredCache(ctx); err != nil {
		logging.WarnWithContext(logger, "enrichment cache purge failed", "cache_purge_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the data directory is writable"),
			logging.String(logging.FieldImpact, "expired cache rows stay on disk"),
		)
	} else if purged > 0 {
		logger.Info("purged expired enrichment cache entries", logging.Int64("rows", purged))
	}

	orch := newOrchestrator(cfg, enricher, a.store, logger, m)
	a.server, err = server.New(cfg, server.Deps{
		Scanner:      scanner,
		Enricher:     enricher,
		Gate:         gate,
		Store:        a.store,
		Orchestrator: orch,
		Metrics:      m,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newModelClient(cfg *config.Config, logger *slog.Logger) *llm.Client {
	return llm.NewClient(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		Referer:        cfg.LLM.Referer,
		Title:          cfg.LLM.Title,
		TimeoutSeconds: cfg.ModelHTTPTimeoutSeconds(),
	}, llm.WithRetryMaxAttempts(cfg.LLM.RetryAttempts), llm.WithLogger(logger))
}
