package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gwCache "github.com/vitte-ai/llm-gateway/internal/cache"
	"github.com/vitte-ai/llm-gateway/internal/logger"
	"github.com/vitte-ai/llm-gateway/internal/metrics"
	"github.com/vitte-ai/llm-gateway/internal/proxy"
	"github.com/vitte-ai/llm-gateway/internal/ratelimit"
	"github.com/vitte-ai/llm-gateway/internal/upstream"
)

// initInfra establishes optional external connections.
// Redis is only needed when caching runs in redis mode; an unreachable Redis
// degrades to the in-process cache instead of failing startup.
func (a *App) initInfra(ctx context.Context) error {
	if !a.cfg.Cache.Enabled || a.cfg.Cache.Mode != "redis" {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		a.log.Warn("redis unavailable, falling back to in-process cache",
			slog.String("error", err.Error()),
		)
		return nil
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initServices creates the upstream client, cache backend, Prometheus metrics
// registry, and the async request logger.
func (a *App) initServices(ctx context.Context) error {
	a.client = upstream.NewClient(upstream.Config{
		APIKey:        a.cfg.Upstream.APIKey,
		BaseURL:       a.cfg.Upstream.BaseURL,
		Timeout:       a.cfg.Upstream.Timeout,
		MaxRetries:    a.cfg.Upstream.MaxRetries,
		BackoffFactor: a.cfg.Upstream.BackoffFactor,
	}, a.log)

	if a.cfg.Cache.Enabled && a.rdb == nil {
		// Either memory mode was configured or the Redis connection degraded.
		a.memCache = gwCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")
	} else if a.rdb != nil {
		a.log.Info("cache backend: redis")
	} else {
		a.log.Info("cache backend: disabled")
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl gwCache.Cache
	var cacheReady func() bool

	switch {
	case a.rdb != nil:
		cacheImpl = gwCache.NewRedisCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case a.memCache != nil:
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	default:
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:           a.log,
		DefaultModel:     a.cfg.Upstream.Model,
		StrongModel:      a.cfg.Upstream.ModelStrong,
		CacheTTL:         a.cfg.Cache.TTL,
		DisableBreaker:   !a.cfg.CircuitBreaker.Enabled,
		StreamingEnabled: a.cfg.Streaming.Enabled,
		Metrics:          a.prom,
		CBConfig: proxy.CBConfig{
			FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
			ResetTimeout:     a.cfg.CircuitBreaker.ResetTimeout,
		},
	}

	gw := proxy.NewGateway(a.baseCtx, a.client, cacheImpl, cacheReady, a.client.HealthCheck, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	if a.cfg.RateLimit.Enabled {
		gw.SetRateLimiter(ratelimit.New(
			a.cfg.RateLimit.RequestsPerMinute,
			time.Minute,
			a.cfg.RateLimit.MaxWait,
		))
		a.log.Info("rate limiting enabled",
			slog.Int("requests_per_minute", a.cfg.RateLimit.RequestsPerMinute),
		)
	}

	gw.SetLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := gwCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Prometheus: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}
