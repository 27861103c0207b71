package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/vitte-ai/llm-gateway/internal/ratelimit"
	"github.com/vitte-ai/llm-gateway/pkg/apierr"
)

const (
	serviceName    = "llm-gateway"
	serviceVersion = "1.0.0"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the gateway routes.
type ManagementRoutes struct {
	// Prometheus is mounted at GET /metrics (scrape endpoint). The JSON
	// snapshot at GET /v1/metrics is always registered.
	Prometheus RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8001").
// Pass nil for routes to start without the Prometheus scrape endpoint.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

// Handler builds the routed and middleware-wrapped request handler.
// Exposed separately so tests can serve it over an in-memory listener.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.dispatchChat)
	r.GET("/v1/health", g.handleHealth)
	r.GET("/v1/health/ready", g.handleReadiness)
	r.GET("/v1/metrics", g.handleMetrics)
	r.POST("/v1/admin/cache/invalidate", g.handleCacheInvalidate)

	if mgmt != nil && mgmt.Prometheus != nil {
		r.GET("/metrics", mgmt.Prometheus)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// handleHealth is the liveness endpoint: a fixed envelope, no dependencies
// touched, so it answers even when the cache or upstream is down.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{
		"status":  "healthy",
		"service": serviceName,
		"version": serviceVersion,
	})
}

// handleReadiness reports the probed component states plus the breaker.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	type readiness struct {
		Status  string         `json:"status"`
		Health  HealthSnapshot `json:"health"`
		Breaker *CBSnapshot    `json:"circuit_breaker,omitempty"`
	}

	out := readiness{Status: "ok"}
	if g.health != nil {
		out.Health = g.health.Snapshot()
	}
	if g.cb != nil {
		snap := g.cb.Snapshot()
		out.Breaker = &snap
	}

	if g.health != nil && !g.health.ReadinessOK() {
		out.Status = "unavailable"
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	writeJSON(ctx, out)
}

// MetricsSnapshot is the JSON body of GET /v1/metrics: request outcomes,
// limiter fill level, and breaker state in one scrape-friendly object.
type MetricsSnapshot struct {
	Requests struct {
		Hits   int64 `json:"hits"`
		Misses int64 `json:"misses"`
		Errors int64 `json:"errors"`
		Total  int64 `json:"total"`
	} `json:"requests"`
	RateLimiter    *ratelimit.Snapshot `json:"rate_limiter,omitempty"`
	CircuitBreaker *CBSnapshot         `json:"circuit_breaker,omitempty"`
	CacheEnabled   bool                `json:"cache_enabled"`
	Streaming      bool                `json:"streaming_enabled"`
	UptimeSeconds  int64               `json:"uptime_seconds"`
}

func (g *Gateway) handleMetrics(ctx *fasthttp.RequestCtx) {
	var snap MetricsSnapshot

	snap.Requests.Hits = g.outcomes.hits.Load()
	snap.Requests.Misses = g.outcomes.misses.Load()
	snap.Requests.Errors = g.outcomes.errors.Load()
	snap.Requests.Total = snap.Requests.Hits + snap.Requests.Misses + snap.Requests.Errors

	if g.limiter != nil {
		s := g.limiter.State()
		snap.RateLimiter = &s
	}
	if g.cb != nil {
		s := g.cb.Snapshot()
		snap.CircuitBreaker = &s
	}
	snap.CacheEnabled = g.store != nil
	snap.Streaming = g.streamingEnabled
	snap.UptimeSeconds = int64(time.Since(g.startTime).Seconds())

	writeJSON(ctx, snap)
}

// handleCacheInvalidate removes cached responses matching a glob pattern and
// reports how many entries were dropped.
func (g *Gateway) handleCacheInvalidate(ctx *fasthttp.RequestCtx) {
	var req struct {
		Pattern string `json:"pattern"`
	}
	if body := ctx.PostBody(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
			return
		}
	}

	if g.store == nil {
		writeJSON(ctx, map[string]int{"invalidated": 0})
		return
	}

	count, err := g.store.Invalidate(ctx, req.Pattern)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	if g.metrics != nil {
		g.metrics.CacheInvalidated(count)
	}
	writeJSON(ctx, map[string]int{"invalidated": count})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
