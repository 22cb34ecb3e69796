package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateScan(); err != nil {
		return err
	}
	if err := c.validateEnrich(); err != nil {
		return err
	}
	if err := c.validateQuota(); err != nil {
		return err
	}
	if err := c.validateClient(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	return ensurePositiveMap(map[string]int{
		"server.read_timeout_seconds":  c.Server.ReadTimeoutSeconds,
		"server.write_timeout_seconds": c.Server.WriteTimeoutSeconds,
		"llm.timeout_seconds":          c.LLM.TimeoutSeconds,
	})
}

func (c *Config) validateScan() error {
	if len(c.Scan.Temperatures) < 1 {
		return errors.New("scan.temperatures must contain at least one value")
	}
	for _, temp := range c.Scan.Temperatures {
		if temp < 0 || temp > 2 {
			return fmt.Errorf("scan.temperatures: %v is outside 0..2", temp)
		}
	}
	if c.Scan.TimeoutSeconds <= 0 {
		return errors.New("scan.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateEnrich() error {
	if err := ensurePositiveMap(map[string]int{
		"enrich.timeout_seconds": c.Enrich.TimeoutSeconds,
		"enrich.max_attempts":    c.Enrich.MaxAttempts,
	}); err != nil {
		return err
	}
	if c.Enrich.BaseBackoffSeconds < 0 {
		return errors.New("enrich.base_backoff_seconds must not be negative")
	}
	if c.Enrich.CacheTTLHours < 0 {
		return errors.New("enrich.cache_ttl_hours must not be negative")
	}
	if c.Enrich.Temperature < 0 || c.Enrich.Temperature > 2 {
		return errors.New("enrich.temperature must be between 0 and 2")
	}
	return nil
}

func (c *Config) validateQuota() error {
	switch c.Quota.Backend {
	case quotaBackendMem:
	case quotaBackendRedis:
		if c.Quota.RedisAddr == "" {
			return errors.New("quota.redis_addr must be set when quota.backend is redis")
		}
	default:
		return fmt.Errorf("quota.backend: unsupported value %q (use memory or redis)", c.Quota.Backend)
	}
	if c.Quota.PaidOnly && c.Quota.FreeCaptureLimit < 0 {
		return errors.New("quota.free_capture_limit must not be negative")
	}
	return nil
}

func (c *Config) validateClient() error {
	if !strings.HasPrefix(c.Client.ServerURL, "http://") && !strings.HasPrefix(c.Client.ServerURL, "https://") {
		return fmt.Errorf("client.server_url must be an http(s) URL, got %q", c.Client.ServerURL)
	}
	if c.Client.RequestsPerSecond < 0 {
		return errors.New("client.requests_per_second must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
