package config

const (
	defaultDataDir             = "~/.local/share/cap2cal"
	defaultLogDir              = "~/.local/share/cap2cal/logs"
	defaultServerBind          = "127.0.0.1:7490"
	defaultReadTimeoutSeconds  = 30
	defaultWriteTimeoutSeconds = 200
	defaultLLMBaseURL          = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel            = "google/gemini-2.5-flash"
	defaultLLMReferer          = "https://github.com/cap2cal/cap2cal"
	defaultLLMTitle            = "cap2cal"
	defaultLLMTimeoutSeconds   = 120
	defaultLLMRetryAttempts    = 1
	defaultScanTimeoutSeconds  = 150
	defaultScanMaxImageBytes   = 12 << 20
	defaultEnrichTemperature   = 0.7
	defaultEnrichTimeout       = 60
	defaultEnrichMaxAttempts   = 3
	defaultEnrichBaseBackoff   = 1
	defaultEnrichCacheTTLHours = 7 * 24
	defaultQuotaBackend        = "memory"
	defaultQuotaKeyPrefix      = "cap2cal"
	defaultFreeCaptureLimit    = 5
	defaultClientServerURL     = "http://127.0.0.1:7490"
	defaultClientLocale        = "en"
	defaultClientRPS           = 4
	defaultClientBurst         = 8
	defaultClientTimeout       = 200
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"

	llmAPIKeyEnv      = "CAP2CAL_LLM_API_KEY"
	clientTokenEnv    = "CAP2CAL_TOKEN"
	redisPasswordEnv  = "CAP2CAL_REDIS_PASSWORD"
	openRouterKeyEnv  = "OPENROUTER_API_KEY"
	quotaBackendRedis = "redis"
	quotaBackendMem   = "memory"
)

// DefaultScanTemperatures are the sampling temperatures raced against each other
// for a single scan. They are spread only slightly; the goal is to decorrelate
// failure modes, not to search for quality.
func DefaultScanTemperatures() []float64 {
	return []float64{0.05, 0.10, 0.15}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Server: Server{
			Bind:                defaultServerBind,
			ReadTimeoutSeconds:  defaultReadTimeoutSeconds,
			WriteTimeoutSeconds: defaultWriteTimeoutSeconds,
			MetricsEnabled:      true,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			Referer:        defaultLLMReferer,
			Title:          defaultLLMTitle,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
			RetryAttempts:  defaultLLMRetryAttempts,
		},
		Scan: Scan{
			Temperatures:   DefaultScanTemperatures(),
			TimeoutSeconds: defaultScanTimeoutSeconds,
			MaxImageBytes:  defaultScanMaxImageBytes,
		},
		Enrich: Enrich{
			Temperature:        defaultEnrichTemperature,
			TimeoutSeconds:     defaultEnrichTimeout,
			MaxAttempts:        defaultEnrichMaxAttempts,
			BaseBackoffSeconds: defaultEnrichBaseBackoff,
			CacheTTLHours:      defaultEnrichCacheTTLHours,
		},
		Quota: Quota{
			Backend:          defaultQuotaBackend,
			KeyPrefix:        defaultQuotaKeyPrefix,
			FreeCaptureLimit: defaultFreeCaptureLimit,
		},
		Client: Client{
			ServerURL:         defaultClientServerURL,
			Locale:            defaultClientLocale,
			RequestsPerSecond: defaultClientRPS,
			Burst:             defaultClientBurst,
			TimeoutSeconds:    defaultClientTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
