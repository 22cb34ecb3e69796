package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeServer()
	c.normalizeAuth()
	c.normalizeLLM()
	c.normalizeScan()
	c.normalizeEnrich()
	c.normalizeQuota()
	c.normalizeClient()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeServer() {
	c.Server.Bind = strings.TrimSpace(c.Server.Bind)
	if c.Server.Bind == "" {
		c.Server.Bind = defaultServerBind
	}
}

func (c *Config) normalizeAuth() {
	if len(c.Auth.Tokens) == 0 {
		return
	}
	cleaned := make(map[string]string, len(c.Auth.Tokens))
	for token, user := range c.Auth.Tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		cleaned[token] = strings.TrimSpace(user)
	}
	c.Auth.Tokens = cleaned
}

func (c *Config) normalizeLLM() {
	c.LLM.APIKey = strings.TrimSpace(c.LLM.APIKey)
	if c.LLM.APIKey == "" {
		if value, ok := os.LookupEnv(llmAPIKeyEnv); ok {
			c.LLM.APIKey = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv(openRouterKeyEnv); ok {
			c.LLM.APIKey = strings.TrimSpace(value)
		}
	}
	c.LLM.BaseURL = strings.TrimSpace(c.LLM.BaseURL)
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaultLLMBaseURL
	}
	c.LLM.Model = strings.TrimSpace(c.LLM.Model)
	if c.LLM.Model == "" {
		c.LLM.Model = defaultLLMModel
	}
	c.LLM.Referer = strings.TrimSpace(c.LLM.Referer)
	c.LLM.Title = strings.TrimSpace(c.LLM.Title)
	if c.LLM.RetryAttempts <= 0 {
		c.LLM.RetryAttempts = defaultLLMRetryAttempts
	}
}

func (c *Config) normalizeScan() {
	c.Scan.Model = strings.TrimSpace(c.Scan.Model)
	if len(c.Scan.Temperatures) == 0 {
		c.Scan.Temperatures = DefaultScanTemperatures()
	}
	if c.Scan.MaxImageBytes <= 0 {
		c.Scan.MaxImageBytes = defaultScanMaxImageBytes
	}
}

func (c *Config) normalizeEnrich() {
	c.Enrich.Model = strings.TrimSpace(c.Enrich.Model)
}

func (c *Config) normalizeQuota() {
	c.Quota.Backend = strings.ToLower(strings.TrimSpace(c.Quota.Backend))
	if c.Quota.Backend == "" {
		c.Quota.Backend = defaultQuotaBackend
	}
	c.Quota.RedisAddr = strings.TrimSpace(c.Quota.RedisAddr)
	if c.Quota.RedisPassword == "" {
		if value, ok := os.LookupEnv(redisPasswordEnv); ok {
			c.Quota.RedisPassword = strings.TrimSpace(value)
		}
	}
	c.Quota.KeyPrefix = strings.TrimSpace(c.Quota.KeyPrefix)
	if c.Quota.KeyPrefix == "" {
		c.Quota.KeyPrefix = defaultQuotaKeyPrefix
	}
	users := c.Quota.ProUsers[:0]
	for _, user := range c.Quota.ProUsers {
		if trimmed := strings.TrimSpace(user); trimmed != "" {
			users = append(users, trimmed)
		}
	}
	c.Quota.ProUsers = users
}

func (c *Config) normalizeClient() {
	c.Client.ServerURL = strings.TrimRight(strings.TrimSpace(c.Client.ServerURL), "/")
	if c.Client.ServerURL == "" {
		c.Client.ServerURL = defaultClientServerURL
	}
	c.Client.Token = strings.TrimSpace(c.Client.Token)
	if c.Client.Token == "" {
		if value, ok := os.LookupEnv(clientTokenEnv); ok {
			c.Client.Token = strings.TrimSpace(value)
		}
	}
	c.Client.Locale = strings.TrimSpace(c.Client.Locale)
	if c.Client.Locale == "" {
		c.Client.Locale = defaultClientLocale
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
