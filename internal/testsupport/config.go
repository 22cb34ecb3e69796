package testsupport

import (
	"path/filepath"
	"testing"

	"cap2cal/internal/config"
)

// TestToken and TestUser are the bearer token and user every generated config
// accepts.
const (
	TestToken = "test-token"
	TestUser  = "user-1"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Server.Bind = "127.0.0.1:0"
	cfgVal.Auth.Tokens = map[string]string{TestToken: TestUser}
	cfgVal.LLM.APIKey = "test"
	cfgVal.LLM.RetryAttempts = 1
	cfgVal.Quota.Backend = "memory"
	cfgVal.Client.Token = TestToken
	cfgVal.Client.RequestsPerSecond = 0

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithModelURL points the LLM client at a fake model endpoint.
func WithModelURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.LLM.BaseURL = url
	}
}

// WithToken registers an additional bearer token for user.
func WithToken(token, user string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Auth.Tokens[token] = user
	}
}

// WithFreeLimit enables paid-only mode with the given free capture limit.
func WithFreeLimit(limit int, proUsers ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Quota.PaidOnly = true
		b.cfg.Quota.FreeCaptureLimit = limit
		b.cfg.Quota.ProUsers = proUsers
	}
}

// WithServerURL points the CLI client at a running server.
func WithServerURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Client.ServerURL = url
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
