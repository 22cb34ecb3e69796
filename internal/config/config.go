package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Server contains HTTP API settings.
type Server struct {
	Bind                string `toml:"bind"`
	ReadTimeoutSeconds  int    `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
	MetricsEnabled      bool   `toml:"metrics_enabled"`
}

// Auth maps bearer tokens to user identifiers. Token issuance happens outside
// cap2cal; the server only verifies what it is handed.
type Auth struct {
	Tokens map[string]string `toml:"tokens"`
}

// LLM contains the model connection settings shared by both pipeline stages.
type LLM struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	RetryAttempts  int    `toml:"retry_attempts"`
}

// Scan contains settings for the hedged skeleton extraction stage.
type Scan struct {
	Model          string    `toml:"model"`
	Temperatures   []float64 `toml:"temperatures"`
	TimeoutSeconds int       `toml:"timeout_seconds"`
	MaxImageBytes  int       `toml:"max_image_bytes"`
	CancelLosers   bool      `toml:"cancel_losers"`
}

// Enrich contains settings for the enrichment stage and its retry orchestrator.
type Enrich struct {
	Model              string  `toml:"model"`
	Temperature        float64 `toml:"temperature"`
	TimeoutSeconds     int     `toml:"timeout_seconds"`
	MaxAttempts        int     `toml:"max_attempts"`
	BaseBackoffSeconds int     `toml:"base_backoff_seconds"`
	CacheTTLHours      int     `toml:"cache_ttl_hours"`
}

// Quota contains capture quota settings for the access gate.
type Quota struct {
	Backend          string   `toml:"backend"`
	RedisAddr        string   `toml:"redis_addr"`
	RedisPassword    string   `toml:"redis_password"`
	RedisDB          int      `toml:"redis_db"`
	KeyPrefix        string   `toml:"key_prefix"`
	PaidOnly         bool     `toml:"paid_only"`
	FreeCaptureLimit int      `toml:"free_capture_limit"`
	ProUsers         []string `toml:"pro_users"`
}

// Client contains settings the CLI uses to reach a cap2cal server.
type Client struct {
	ServerURL         string  `toml:"server_url"`
	Token             string  `toml:"token"`
	Locale            string  `toml:"locale"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for cap2cal.
//
// Configuration sections by subsystem:
//   - Paths: data directory (event store, lock) and log directory
//   - Server: API bind address and timeouts
//   - Auth: bearer token to user mapping
//   - LLM: model provider connection
//   - Scan: hedged race temperatures and call budget
//   - Enrich: enrichment call budget, retry policy, and cache TTL
//   - Quota: capture limits and counter backend
//   - Client: CLI connection to a running server
//   - Logging: log format and level
type Config struct {
	Paths   Paths   `toml:"paths"`
	Server  Server  `toml:"server"`
	Auth    Auth    `toml:"auth"`
	LLM     LLM     `toml:"llm"`
	Scan    Scan    `toml:"scan"`
	Enrich  Enrich  `toml:"enrich"`
	Quota   Quota   `toml:"quota"`
	Client  Client  `toml:"client"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/cap2cal/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("cap2cal.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the data and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// StorePath returns the SQLite event store location.
func (c *Config) StorePath() string {
	return filepath.Join(c.Paths.DataDir, "events.db")
}

// LockPath returns the server single-instance lock location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "cap2cal-server.lock")
}

// ScanTimeout returns the per-candidate call budget for the scan race.
func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.Scan.TimeoutSeconds) * time.Second
}

// EnrichTimeout returns the per-attempt call budget for enrichment.
func (c *Config) EnrichTimeout() time.Duration {
	return time.Duration(c.Enrich.TimeoutSeconds) * time.Second
}

// EnrichBaseBackoff returns the first retry delay of the enrichment orchestrator.
func (c *Config) EnrichBaseBackoff() time.Duration {
	return time.Duration(c.Enrich.BaseBackoffSeconds) * time.Second
}

// EnrichCacheTTL returns how long cached enrichment patches stay valid.
func (c *Config) EnrichCacheTTL() time.Duration {
	return time.Duration(c.Enrich.CacheTTLHours) * time.Hour
}

// ModelHTTPTimeoutSeconds returns the transport timeout for model calls. It
// never undercuts the scan or enrichment call budgets, which govern through
// their own contexts.
func (c *Config) ModelHTTPTimeoutSeconds() int {
	return max(c.LLM.TimeoutSeconds, c.Scan.TimeoutSeconds, c.Enrich.TimeoutSeconds)
}

// RequireLLM reports whether the model connection is usable for serving.
func (c *Config) RequireLLM() error {
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/cap2cal/config.toml"
		}
		return fmt.Errorf("llm.api_key is required. Set %s env var or edit %s (create with 'cap2cal config init')", llmAPIKeyEnv, defaultPath)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
