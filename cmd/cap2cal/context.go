package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"cap2cal/internal/apiclient"
	"cap2cal/internal/config"
	"cap2cal/internal/enrichment"
	"cap2cal/internal/logging"
	"cap2cal/internal/store"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(c.configPath())
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// cliLogger logs to stderr so command output on stdout stays parseable.
func (c *commandContext) cliLogger(cfg *config.Config) (*slog.Logger, error) {
	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Writer: os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

// withLocal opens the local event store and a server client, and builds an
// orchestrator that enriches through the server.
func (c *commandContext) withLocal(fn func(cfg *config.Config, st *store.Store, client *apiclient.Client, orch *enrichment.Orchestrator, logger *slog.Logger) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := c.cliLogger(cfg)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer st.Close()

	client, err := apiclient.New(cfg, apiclient.WithLogger(logger))
	if err != nil {
		return err
	}
	orch := newOrchestrator(cfg, client, st, logger, nil)
	return fn(cfg, st, client, orch, logger)
}

// newOrchestrator applies the [enrich] retry policy and cache settings.
func newOrchestrator(cfg *config.Config, enricher enrichment.Enricher, st *store.Store, logger *slog.Logger, observer enrichment.Observer) *enrichment.Orchestrator {
	opts := []enrichment.Option{
		enrichment.WithMaxAttempts(cfg.Enrich.MaxAttempts),
		enrichment.WithBaseBackoff(cfg.EnrichBaseBackoff()),
		enrichment.WithCache(st, cfg.EnrichCacheTTL()),
		enrichment.WithLogger(logger),
	}
	if observer != nil {
		opts = append(opts, enrichment.WithObserver(observer))
	}
	return enrichment.NewOrchestrator(enricher, st, opts...)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
