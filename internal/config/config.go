// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a .env file in the working directory. Environment variables take
// precedence over the .env file.
//
// Only PROXYAPI_API_KEY is strictly required for the gateway to start.
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies.
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
	// Host is the interface the HTTP server binds to. Default: "0.0.0.0".
	Host string

	// Port is the TCP port the HTTP server listens on. Default: 8001.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Upstream holds the chat-completion provider connection settings.
	Upstream UpstreamConfig

	// Redis holds the connection URL for the Redis-backed response cache.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls response caching behaviour.
	Cache CacheConfig

	// RateLimit controls admission of outbound upstream calls.
	RateLimit RateLimitConfig

	// CircuitBreaker controls upstream failure isolation.
	CircuitBreaker CircuitBreakerConfig

	// Streaming controls SSE pass-through behaviour.
	Streaming StreamingConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// UpstreamConfig holds the connection settings for the upstream provider.
type UpstreamConfig struct {
	// APIKey authenticates against the upstream. Required.
	APIKey string

	// BaseURL is the OpenAI-compatible upstream endpoint.
	// Default: "https://api.proxyapi.ru/openrouter/v1".
	BaseURL string

	// Model is used when a request omits the model field.
	// Default: "deepseek/deepseek-v3.2".
	Model string

	// ModelStrong is the alias clients may name for heavier prompts.
	// The gateway forwards it verbatim; no automatic fallback.
	ModelStrong string

	// Timeout is the per-attempt deadline for one upstream call. Default: 60s.
	Timeout time.Duration

	// MaxRetries is the maximum number of attempts per call (including the
	// first). Must be ≥ 1. Default: 3.
	MaxRetries int

	// BackoffFactor is the exponential backoff multiplier between retries.
	// Default: 2.0.
	BackoffFactor float64
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://redis:6379/1
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Enabled turns response caching on or off. Default: true.
	Enabled bool

	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Caching disabled, equivalent to CACHE_ENABLED=false.
	// Default: "redis".
	Mode string

	// TTL is the time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against model
	// names. Requests whose model matches any pattern are not cached.
	ExcludePatterns []string
}

// RateLimitConfig controls the outbound token bucket.
type RateLimitConfig struct {
	// Enabled turns the limiter on or off. Default: true.
	Enabled bool

	// RequestsPerMinute is the bucket capacity refilled over a 60s window.
	// Default: 100.
	RequestsPerMinute int

	// MaxWait bounds how long one caller may block waiting for a token.
	// 0 means wait indefinitely (the request context still applies).
	MaxWait time.Duration
}

// CircuitBreakerConfig controls the upstream circuit breaker.
type CircuitBreakerConfig struct {
	// Enabled turns the breaker on or off. Default: true.
	Enabled bool

	// FailureThreshold is the number of consecutive counted failures that
	// trips the breaker. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 60s.
	ResetTimeout time.Duration
}

// StreamingConfig controls SSE streaming.
type StreamingConfig struct {
	// Enabled turns streaming support on or off. When off, requests with
	// stream=true are rejected with a validation error. Default: true.
	Enabled bool

	// ChunkSize is a flush-granularity hint surfaced in metrics. The upstream
	// dictates actual chunk boundaries. Default: 50.
	ChunkSize int
}

// Load reads configuration from environment variables and (optionally) from a
// .env file in the current working directory.
//
// PROXYAPI_API_KEY must be set. REDIS_URL is only required when
// CACHE_MODE=redis (the default) and caching is enabled.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8001)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Upstream defaults. Durations configured in whole seconds.
	v.SetDefault("OPENROUTER_BASE_URL", "https://api.proxyapi.ru/openrouter/v1")
	v.SetDefault("VITTE_LLM_MODEL", "deepseek/deepseek-v3.2")
	v.SetDefault("VITTE_LLM_MODEL_STRONG", "deepseek/deepseek-v3.2")
	v.SetDefault("LLM_TIMEOUT", 60)
	v.SetDefault("LLM_MAX_RETRIES", 3)
	v.SetDefault("LLM_BACKOFF_FACTOR", 2.0)

	// Cache defaults.
	v.SetDefault("REDIS_URL", "redis://redis:6379/1")
	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_MODE", "redis")
	v.SetDefault("CACHE_TTL", 3600)

	// Rate limiter defaults.
	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_REQUESTS_PER_MINUTE", 100)
	v.SetDefault("RATE_LIMIT_MAX_WAIT", 0)

	// Circuit breaker defaults.
	v.SetDefault("CIRCUIT_BREAKER_ENABLED", true)
	v.SetDefault("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5)
	v.SetDefault("CIRCUIT_BREAKER_TIMEOUT", 60)

	// Streaming defaults.
	v.SetDefault("STREAMING_ENABLED", true)
	v.SetDefault("STREAMING_CHUNK_SIZE", 50)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Host:     v.GetString("HOST"),
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Upstream: UpstreamConfig{
			APIKey:        v.GetString("PROXYAPI_API_KEY"),
			BaseURL:       v.GetString("OPENROUTER_BASE_URL"),
			Model:         v.GetString("VITTE_LLM_MODEL"),
			ModelStrong:   v.GetString("VITTE_LLM_MODEL_STRONG"),
			Timeout:       time.Duration(v.GetInt("LLM_TIMEOUT")) * time.Second,
			MaxRetries:    v.GetInt("LLM_MAX_RETRIES"),
			BackoffFactor: v.GetFloat64("LLM_BACKOFF_FACTOR"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Enabled:         v.GetBool("CACHE_ENABLED"),
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             time.Duration(v.GetInt("CACHE_TTL")) * time.Second,
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		RateLimit: RateLimitConfig{
			Enabled:           v.GetBool("RATE_LIMIT_ENABLED"),
			RequestsPerMinute: v.GetInt("RATE_LIMIT_REQUESTS_PER_MINUTE"),
			MaxWait:           time.Duration(v.GetInt("RATE_LIMIT_MAX_WAIT")) * time.Second,
		},

		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          v.GetBool("CIRCUIT_BREAKER_ENABLED"),
			FailureThreshold: v.GetInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD"),
			ResetTimeout:     time.Duration(v.GetInt("CIRCUIT_BREAKER_TIMEOUT")) * time.Second,
		},

		Streaming: StreamingConfig{
			Enabled:   v.GetBool("STREAMING_ENABLED"),
			ChunkSize: v.GetInt("STREAMING_CHUNK_SIZE"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if cfg.Cache.Mode == "none" {
		cfg.Cache.Enabled = false
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Upstream.APIKey == "" {
		return fmt.Errorf("config: PROXYAPI_API_KEY is required")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("config: OPENROUTER_BASE_URL must not be empty")
	}
	if c.Upstream.Model == "" {
		return fmt.Errorf("config: VITTE_LLM_MODEL must not be empty")
	}
	if c.Upstream.MaxRetries < 1 {
		return fmt.Errorf("config: LLM_MAX_RETRIES must be ≥ 1, got %d", c.Upstream.MaxRetries)
	}
	if c.Upstream.BackoffFactor < 1 {
		return fmt.Errorf("config: LLM_BACKOFF_FACTOR must be ≥ 1.0, got %g", c.Upstream.BackoffFactor)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("config: LLM_TIMEOUT must be a positive number of seconds")
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Enabled && c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be a positive number of seconds")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("config: RATE_LIMIT_REQUESTS_PER_MINUTE must be ≥ 1, got %d",
			c.RateLimit.RequestsPerMinute)
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("config: CIRCUIT_BREAKER_FAILURE_THRESHOLD must be ≥ 1, got %d",
				c.CircuitBreaker.FailureThreshold)
		}
		if c.CircuitBreaker.ResetTimeout <= 0 {
			return fmt.Errorf("config: CIRCUIT_BREAKER_TIMEOUT must be a positive number of seconds")
		}
	}
	if c.Streaming.Enabled && c.Streaming.ChunkSize < 1 {
		return fmt.Errorf("config: STREAMING_CHUNK_SIZE must be ≥ 1, got %d", c.Streaming.ChunkSize)
	}

	return nil
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
