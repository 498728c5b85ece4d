// Package config loads and validates all runtime configuration for the
// orchestrator.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one LLM provider key is strictly required for the orchestrator to
// start. Redis is optional — set CACHE_MODE=memory to use the in-process
// semantic cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider credentials — at least one must be configured.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// Local is an OpenAI-compatible endpoint (Ollama, vLLM, LM Studio).
	// Enabled when BaseURL is set; APIKey is optional.
	Local ProviderConfig

	// Redis holds the connection URL for the Redis-backed cache and the rate
	// limiter. Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls the semantic response cache.
	Cache CacheConfig

	// Routing selects the default provider-selection strategy.
	Routing RoutingConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Retry controls per-provider retry behaviour for transient failures.
	Retry RetryConfig

	// Budgets are the spend ceilings enforced by the cost tracker.
	// Zero disables the corresponding period.
	Budgets BudgetConfig

	// Queue controls the async job queue.
	Queue QueueConfig

	// Metrics controls the rolling-window collector.
	Metrics MetricsConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// RequestTimeout bounds a single synchronous completion end to end,
	// including retries and fallbacks. Default: 60s.
	RequestTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the semantic response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Shared across replicas.
	//   "memory" — In-process cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// SimilarityThreshold is the minimum cosine similarity for a cache hit,
	// in (0, 1]. Default: 0.92.
	SimilarityThreshold float64

	// Capacity is the maximum number of cached entries. Default: 1000.
	Capacity int

	// Embedder selects how query vectors are produced:
	//   "hash"   — deterministic local hashing; hits require identical queries.
	//   "openai" — OpenAI embeddings API (requires OPENAI_API_KEY).
	// Default: "hash".
	Embedder string

	// EmbeddingModel is the model used when Embedder is "openai".
	// Default: "text-embedding-3-small".
	EmbeddingModel string

	// KeySalt is mixed into the hash that keys Redis-backed entries, keeping
	// deployments that share one Redis isolated. Default: "".
	KeySalt string
}

// RoutingConfig controls default request routing.
type RoutingConfig struct {
	// Strategy is one of: cost, latency, quality, balanced. Default: balanced.
	Strategy string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trip the
	// breaker. Default: 5.
	FailureThreshold int

	// RecoveryTime is how long the breaker stays open before allowing probe
	// requests. Default: 30s.
	RecoveryTime time.Duration

	// HalfOpenRequests is the number of probe calls allowed in half-open.
	// Default: 2.
	HalfOpenRequests int
}

// RetryConfig controls retries of transient provider failures.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first. Default: 3.
	Attempts int

	// BaseDelay seeds the exponential backoff. Default: 200ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay. Default: 10s.
	MaxDelay time.Duration
}

// BudgetConfig holds USD spend ceilings per rolling period.
type BudgetConfig struct {
	DailyUSD   float64
	WeeklyUSD  float64
	MonthlyUSD float64
}

// QueueConfig controls the async job queue.
type QueueConfig struct {
	// Concurrency is the number of jobs processed in parallel. Default: 4.
	Concurrency int

	// JobRetention is how long finished jobs stay queryable. Default: 1h.
	JobRetention time.Duration
}

// MetricsConfig controls the rolling-window metrics collector.
type MetricsConfig struct {
	// Interval is the aggregation tick. Default: 10s.
	Interval time.Duration

	// Retention is the rolling sample window. Default: 1h.
	Retention time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Requires REDIS_URL. Default: 0.
	RPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider must be configured.
// REDIS_URL is only required when CACHE_MODE=redis or RPM_LIMIT > 0.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("REQUEST_TIMEOUT", "60s")

	// Cache defaults.
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_SIMILARITY_THRESHOLD", 0.92)
	v.SetDefault("CACHE_CAPACITY", 1000)
	v.SetDefault("CACHE_EMBEDDER", "hash")
	v.SetDefault("CACHE_EMBEDDING_MODEL", "text-embedding-3-small")
	v.SetDefault("CACHE_KEY_SALT", "")

	// Routing defaults.
	v.SetDefault("ROUTING_STRATEGY", "balanced")

	// Circuit breaker defaults.
	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_RECOVERY_TIME", "30s")
	v.SetDefault("CB_HALF_OPEN_REQUESTS", 2)

	// Retry defaults.
	v.SetDefault("RETRY_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", "200ms")
	v.SetDefault("RETRY_MAX_DELAY", "10s")

	// Budgets: 0 = unlimited.
	v.SetDefault("BUDGET_DAILY_USD", 0.0)
	v.SetDefault("BUDGET_WEEKLY_USD", 0.0)
	v.SetDefault("BUDGET_MONTHLY_USD", 0.0)

	// Queue defaults.
	v.SetDefault("QUEUE_CONCURRENCY", 4)
	v.SetDefault("QUEUE_JOB_RETENTION", "1h")

	// Metrics defaults.
	v.SetDefault("METRICS_INTERVAL", "10s")
	v.SetDefault("METRICS_RETENTION", "1h")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
		Local:     ProviderConfig{APIKey: v.GetString("LOCAL_API_KEY"), BaseURL: v.GetString("LOCAL_BASE_URL")},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:                strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:                 v.GetDuration("CACHE_TTL"),
			SimilarityThreshold: v.GetFloat64("CACHE_SIMILARITY_THRESHOLD"),
			Capacity:            v.GetInt("CACHE_CAPACITY"),
			Embedder:            strings.ToLower(v.GetString("CACHE_EMBEDDER")),
			EmbeddingModel:      v.GetString("CACHE_EMBEDDING_MODEL"),
			KeySalt:             v.GetString("CACHE_KEY_SALT"),
		},

		Routing: RoutingConfig{
			Strategy: strings.ToLower(v.GetString("ROUTING_STRATEGY")),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			RecoveryTime:     v.GetDuration("CB_RECOVERY_TIME"),
			HalfOpenRequests: v.GetInt("CB_HALF_OPEN_REQUESTS"),
		},

		Retry: RetryConfig{
			Attempts:  v.GetInt("RETRY_ATTEMPTS"),
			BaseDelay: v.GetDuration("RETRY_BASE_DELAY"),
			MaxDelay:  v.GetDuration("RETRY_MAX_DELAY"),
		},

		Budgets: BudgetConfig{
			DailyUSD:   v.GetFloat64("BUDGET_DAILY_USD"),
			WeeklyUSD:  v.GetFloat64("BUDGET_WEEKLY_USD"),
			MonthlyUSD: v.GetFloat64("BUDGET_MONTHLY_USD"),
		},

		Queue: QueueConfig{
			Concurrency:  v.GetInt("QUEUE_CONCURRENCY"),
			JobRetention: v.GetDuration("QUEUE_JOB_RETENTION"),
		},

		Metrics: MetricsConfig{
			Interval:  v.GetDuration("METRICS_INTERVAL"),
			Retention: v.GetDuration("METRICS_RETENTION"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),
		CORSOrigins:    v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProvider() {
		return fmt.Errorf(
			"config: at least one provider must be configured " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, or LOCAL_BASE_URL)",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the in-process cache",
		)
	}
	if c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf(
			"config: CACHE_SIMILARITY_THRESHOLD must be in (0, 1], got %g",
			c.Cache.SimilarityThreshold,
		)
	}

	switch c.Cache.Embedder {
	case "hash":
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("config: CACHE_EMBEDDER=openai requires OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf(
			"config: invalid CACHE_EMBEDDER %q; must be one of: hash, openai",
			c.Cache.Embedder,
		)
	}

	switch c.Routing.Strategy {
	case "cost", "latency", "quality", "balanced":
	default:
		return fmt.Errorf(
			"config: invalid ROUTING_STRATEGY %q; must be one of: cost, latency, quality, balanced",
			c.Routing.Strategy,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.RecoveryTime <= 0 {
		return fmt.Errorf("config: CB_RECOVERY_TIME must be a positive duration")
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("config: RETRY_ATTEMPTS must be ≥ 1, got %d", c.Retry.Attempts)
	}
	if c.Budgets.DailyUSD < 0 || c.Budgets.WeeklyUSD < 0 || c.Budgets.MonthlyUSD < 0 {
		return fmt.Errorf("config: budgets must be ≥ 0")
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("config: QUEUE_CONCURRENCY must be ≥ 1, got %d", c.Queue.Concurrency)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	return nil
}

// AtLeastOneProvider reports whether any upstream provider is configured.
func (c *Config) AtLeastOneProvider() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.Local.BaseURL != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
