// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible chat request, validates
// it, checks the response cache, takes a token from the rate limiter, guards
// the upstream call with a circuit breaker, and returns either a buffered
// response or a streamed SSE body.
//
// Key design constraints:
//   - Cache, limiter, breaker, and request logger are optional and nil-safe.
//   - All I/O uses context.Context so timeouts and client disconnects
//     propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached.
//   - One gateway request is one breaker outcome: the retry loop inside the
//     upstream client never reports per-attempt failures here.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/vitte-ai/llm-gateway/internal/cache"
	"github.com/vitte-ai/llm-gateway/internal/logger"
	"github.com/vitte-ai/llm-gateway/internal/metrics"
	"github.com/vitte-ai/llm-gateway/internal/ratelimit"
	"github.com/vitte-ai/llm-gateway/internal/upstream"
	"github.com/vitte-ai/llm-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	defaultTemperature = 0.7
	maxTemperature     = 2.0
)

// Completer is the outbound client surface the gateway depends on. The real
// implementation is *upstream.Client; tests substitute doubles.
type Completer interface {
	Complete(ctx context.Context, req upstream.Request) (*upstream.Completion, error)
	Stream(ctx context.Context, req upstream.Request) (*upstream.Stream, error)
}

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// DefaultModel is used when the client omits the model field.
	DefaultModel string

	// StrongModel is the alias substituted when a client asks for "strong".
	StrongModel string

	// CacheTTL controls the TTL for cached responses. Default: 1h.
	CacheTTL time.Duration

	// CBConfig configures the circuit breaker thresholds. Zero values use
	// the package defaults. Ignored when DisableBreaker is set.
	CBConfig CBConfig

	// DisableBreaker turns the circuit breaker off entirely.
	DisableBreaker bool

	// StreamingEnabled gates stream=true requests. Disabled streaming
	// rejects such requests with a validation error.
	StreamingEnabled bool

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry
}

// outcomeCounters feed the JSON metrics snapshot. Kept separate from
// Prometheus so GET /v1/metrics works with metrics disabled.
type outcomeCounters struct {
	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// Gateway is the request-facing façade — all dependencies are injected via
// the constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	client  Completer
	store   *ResponseStore
	cb      *CircuitBreaker
	health  *HealthChecker
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	defaultModel     string
	strongModel      string
	streamingEnabled bool
	startTime        time.Time

	outcomes outcomeCounters

	// Optional dependencies — nil-safe when not configured.
	limiter         *ratelimit.TokenBucket
	reqLogger       *logger.Logger
	cacheExclusions *cache.ExclusionList

	// CORS allowed origins. Empty slice means allow all.
	corsOrigins []string
}

// NewGateway creates a fully configured Gateway. c may be nil (cache
// disabled); upstreamCheck may be nil (no upstream health probe).
func NewGateway(
	baseCtx context.Context,
	client Completer,
	c cache.Cache,
	cacheReady func() bool,
	upstreamCheck func(context.Context) error,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if client == nil {
		panic("gateway: upstream client must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	gw := &Gateway{
		client:           client,
		store:            NewResponseStore(c, opts.CacheTTL, log),
		baseCtx:          baseCtx,
		log:              log,
		metrics:          opts.Metrics,
		defaultModel:     opts.DefaultModel,
		strongModel:      opts.StrongModel,
		streamingEnabled: opts.StreamingEnabled,
		startTime:        time.Now(),
	}
	if c == nil {
		gw.store = nil
	}

	if !opts.DisableBreaker {
		gw.cb = NewCircuitBreaker(opts.CBConfig)
		if gw.metrics != nil {
			gw.metrics.SetCircuitBreaker(int64(gw.cb.State()))
		}
	}

	gw.health = NewHealthChecker(baseCtx, cacheReady, upstreamCheck, gw.metrics)

	return gw
}

// SetRateLimiter injects the outbound admission limiter.
func (g *Gateway) SetRateLimiter(b *ratelimit.TokenBucket) {
	g.limiter = b
}

// SetLogger injects the async request logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCacheExclusions injects the cache exclusion list.
// Requests whose model name matches any rule skip both cache GET and SET.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// Close stops the gateway's background workers (the health prober). Safe to
// call more than once.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// ── Inbound / outbound wire types ─────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// inboundRequest mirrors the POST /v1/chat/completions body. Temperature
	// and MaxTokens are pointers so "absent" and "zero" stay distinct.
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature *float64         `json:"temperature"`
		MaxTokens   *int             `json:"max_tokens"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

var allowedRoles = map[string]struct{}{
	"system":    {},
	"user":      {},
	"assistant": {},
}

// normalize validates the inbound body and produces the outbound request.
// Returns a human-readable problem string when validation fails.
func (g *Gateway) normalize(req *inboundRequest) (upstream.Request, string) {
	var out upstream.Request

	if len(req.Messages) == 0 {
		return out, "field 'messages' must contain at least one message"
	}
	for i, m := range req.Messages {
		if _, ok := allowedRoles[m.Role]; !ok {
			return out, fmt.Sprintf("messages[%d]: role %q is not one of system, user, assistant", i, m.Role)
		}
		if m.Content == "" {
			return out, fmt.Sprintf("messages[%d]: content must not be empty", i)
		}
	}

	temp := defaultTemperature
	if req.Temperature != nil {
		temp = *req.Temperature
		if temp < 0 || temp > maxTemperature {
			return out, fmt.Sprintf("temperature must be in [0, %g], got %g", maxTemperature, temp)
		}
	}

	maxTokens := 0
	if req.MaxTokens != nil {
		if *req.MaxTokens < 1 {
			return out, fmt.Sprintf("max_tokens must be >= 1, got %d", *req.MaxTokens)
		}
		maxTokens = *req.MaxTokens
	}

	if req.Stream && !g.streamingEnabled {
		return out, "streaming is disabled on this gateway"
	}

	out.Model = g.resolveModel(req.Model)
	out.Temperature = temp
	out.MaxTokens = maxTokens
	out.Messages = make([]upstream.Message, len(req.Messages))
	for i, m := range req.Messages {
		out.Messages[i] = upstream.Message{Role: m.Role, Content: m.Content}
	}
	return out, ""
}

// resolveModel fills in the configured default when the client omits the
// model and expands the "strong" alias.
func (g *Gateway) resolveModel(model string) string {
	switch model {
	case "":
		return g.defaultModel
	case "strong":
		if g.strongModel != "" {
			return g.strongModel
		}
		return g.defaultModel
	default:
		return model
	}
}

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	cacheLabel := "bypass" // hit|miss|bypass
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), dur)
		g.metrics.ObserveGatewayRequest(route, cacheLabel, dur)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse and validate.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}

	upReq, problem := g.normalize(&req)
	if problem != "" {
		apierr.WriteBadRequest(ctx, problem)
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", upReq.Model),
		slog.Bool("stream", req.Stream),
	)

	// 2. Cache lookup — non-streaming only; skip excluded models.
	cacheEligible := !req.Stream && g.store != nil &&
		(g.cacheExclusions == nil || !g.cacheExclusions.Matches(upReq.Model))
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	if cacheEligible {
		if body, ok := g.store.Lookup(ctx, upReq); ok {
			cacheLabel = "hit"
			g.outcomes.hits.Add(1)
			if g.metrics != nil {
				g.metrics.CacheGetHit()
				g.metrics.RecordOutcome("hit")
			}
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", upReq.Model),
			)
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(body)

			pt, ct := usageFromBody(body)
			if g.metrics != nil {
				g.metrics.AddTokens(pt, ct, true)
			}
			g.logRequest(reqID, upReq.Model, "hit", req.Stream, true,
				pt, ct, time.Since(start), fasthttp.StatusOK)
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 3. Admission — one token per gateway request, never per retry.
	if !g.acquireToken(ctx, reqID) {
		g.outcomes.errors.Add(1)
		if g.metrics != nil {
			g.metrics.RecordOutcome("error")
		}
		return
	}

	// 4. Breaker guard — reject fast while the upstream is degraded.
	if g.cb != nil && !g.cb.Allow() {
		if g.metrics != nil {
			g.metrics.RecordCircuitBreakerRejection()
			g.metrics.RecordOutcome("error")
			g.metrics.SetCircuitBreaker(int64(g.cb.State()))
		}
		g.outcomes.errors.Add(1)
		g.log.WarnContext(ctx, "breaker_open",
			slog.String("request_id", reqID),
			slog.String("model", upReq.Model),
		)
		apierr.WriteUnavailable(ctx, g.cb.RetryAfter())
		g.logRequest(reqID, upReq.Model, "error", req.Stream, false,
			0, 0, time.Since(start), fasthttp.StatusServiceUnavailable)
		return
	}

	if req.Stream {
		streaming = true
		g.serveStream(ctx, upReq, reqID, route, start)
		return
	}
	g.serveBuffered(ctx, upReq, reqID, cacheEligible, start)
}

// acquireToken blocks on the rate limiter. Returns false after writing the
// error response when admission fails.
func (g *Gateway) acquireToken(ctx *fasthttp.RequestCtx, reqID string) bool {
	if g.limiter == nil {
		return true
	}

	err := g.limiter.Acquire(ctx)
	if g.metrics != nil {
		g.metrics.SetRateLimitTokens(g.limiter.State().Tokens)
	}
	switch {
	case err == nil:
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
		return true

	case errors.Is(err, ratelimit.ErrWaitExceeded):
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", reqID),
		)
		apierr.WriteRateLimit(ctx)
		return false

	default:
		// The client went away while queued; the token was not consumed.
		if g.metrics != nil {
			g.metrics.RecordRateLimit("cancelled")
		}
		apierr.WriteInternal(ctx)
		return false
	}
}

// serveBuffered performs the non-streaming upstream call and replies with a
// single JSON envelope.
func (g *Gateway) serveBuffered(ctx *fasthttp.RequestCtx, upReq upstream.Request, reqID string, cacheEligible bool, start time.Time) {
	upStart := time.Now()
	comp, err := g.client.Complete(ctx, upReq)
	upDur := time.Since(upStart)

	if err != nil {
		g.recordCallFailure(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamCall("chat_completions", "error", upDur)
			g.metrics.RecordOutcome("error")
		}
		g.outcomes.errors.Add(1)
		g.log.ErrorContext(ctx, "upstream_error",
			slog.String("request_id", reqID),
			slog.String("model", upReq.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		g.handleUpstreamError(ctx, err)
		g.logRequest(reqID, upReq.Model, "error", false, false,
			0, 0, time.Since(start), ctx.Response.StatusCode())
		return
	}
	g.recordCallSuccess()
	if g.metrics != nil {
		g.metrics.ObserveUpstreamCall("chat_completions", "success", upDur)
		g.metrics.RecordOutcome("miss")
		g.metrics.AddTokens(comp.Usage.PromptTokens, comp.Usage.CompletionTokens, false)
	}
	g.outcomes.misses.Add(1)

	out := outboundResponse{
		ID:      comp.ID,
		Object:  "chat.completion",
		Created: comp.Created,
		Model:   comp.Model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: comp.Content},
				FinishReason: comp.FinishReason,
			},
		},
		Usage: outboundUsage{
			PromptTokens:     comp.Usage.PromptTokens,
			CompletionTokens: comp.Usage.CompletionTokens,
			TotalTokens:      comp.Usage.TotalTokens,
		},
	}
	if out.ID == "" {
		out.ID = newCompletionID()
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	if out.Model == "" {
		out.Model = upReq.Model
	}
	if out.Choices[0].FinishReason == "" {
		out.Choices[0].FinishReason = "stop"
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}

	// Populate cache for future identical requests. Best-effort.
	if cacheEligible {
		g.store.Store(ctx, upReq, body)
		if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	g.logRequest(reqID, upReq.Model, "miss", false, false,
		comp.Usage.PromptTokens, comp.Usage.CompletionTokens,
		time.Since(start), fasthttp.StatusOK)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("model", out.Model),
		slog.Int("prompt_tokens", comp.Usage.PromptTokens),
		slog.Int("completion_tokens", comp.Usage.CompletionTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// serveStream opens the upstream stream and forwards chunks as SSE. A broken
// stream after the first byte is terminated with an inline error frame
// followed by the [DONE] sentinel — the HTTP status is already committed.
func (g *Gateway) serveStream(ctx *fasthttp.RequestCtx, upReq upstream.Request, reqID, route string, start time.Time) {
	upStart := time.Now()
	stream, err := g.client.Stream(ctx, upReq)
	if err != nil {
		g.recordCallFailure(err)
		g.outcomes.errors.Add(1)
		g.log.ErrorContext(ctx, "upstream_stream_error",
			slog.String("request_id", reqID),
			slog.String("model", upReq.Model),
			slog.String("error", err.Error()),
		)
		g.handleUpstreamError(ctx, err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamCall(route, "error", time.Since(upStart))
			g.metrics.RecordOutcome("error")
			g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
			g.metrics.ObserveGatewayRequest(route, "bypass", time.Since(start))
			g.metrics.DecInFlight()
		}
		g.logRequest(reqID, upReq.Model, "error", true, false,
			0, 0, time.Since(start), ctx.Response.StatusCode())
		return
	}

	id := stream.ID
	if id == "" {
		id = newCompletionID()
	}
	model := stream.Model
	if model == "" {
		model = upReq.Model
	}

	g.writeSSE(ctx, id, model, stream.Chunks, func(streamErr error, completionTokens int) {
		outcome, callOutcome := "miss", "success"
		if streamErr != nil {
			outcome, callOutcome = "error", "error"
			g.recordCallFailure(streamErr)
			g.outcomes.errors.Add(1)
		} else {
			g.recordCallSuccess()
			g.outcomes.misses.Add(1)
		}

		dur := time.Since(start)
		g.logRequest(reqID, model, outcome, true, false, 0, completionTokens, dur, fasthttp.StatusOK)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamCall(route, callOutcome, time.Since(upStart))
			g.metrics.RecordOutcome(outcome)
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur)
			g.metrics.ObserveGatewayRequest(route, "bypass", dur)
			g.metrics.AddTokens(0, completionTokens, false)
			g.metrics.DecInFlight()
		}
	})
}

// recordCallSuccess reports one whole successful call to the breaker.
func (g *Gateway) recordCallSuccess() {
	if g.cb == nil {
		return
	}
	g.cb.RecordSuccess()
	if g.metrics != nil {
		g.metrics.SetCircuitBreaker(int64(g.cb.State()))
	}
}

// recordCallFailure reports one whole failed call to the breaker — but only
// for upstream-side faults. Client errors and request cancellation never
// trip it; those still release the half-open probe slot so an uncounted
// probe outcome cannot wedge the breaker.
func (g *Gateway) recordCallFailure(err error) {
	if g.cb == nil {
		return
	}
	var uerr *upstream.Error
	if !errors.As(err, &uerr) || !uerr.ServerFault() {
		g.cb.Release()
		return
	}
	g.cb.RecordFailure()
	if g.metrics != nil {
		g.metrics.RecordUpstreamError(uerr.Kind)
		g.metrics.SetCircuitBreaker(int64(g.cb.State()))
	}
}

// handleUpstreamError maps an upstream failure to the HTTP response.
func (g *Gateway) handleUpstreamError(ctx *fasthttp.RequestCtx, err error) {
	var uerr *upstream.Error
	if errors.As(err, &uerr) {
		code := apierr.CodeUpstreamTransient
		errType := apierr.TypeUpstreamError
		switch uerr.Kind {
		case upstream.KindTimeout:
			apierr.WriteTimeout(ctx)
			return
		case upstream.KindClient:
			code = apierr.CodeUpstreamClientError
		case upstream.KindProtocol:
			code = apierr.CodeUpstreamProtocol
		}
		apierr.Write(ctx, uerr.HTTPStatus(), uerr.Message, errType, code)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	if errors.Is(err, context.Canceled) {
		// Client went away; nothing useful to write.
		return
	}

	apierr.WriteInternal(ctx)
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, model, outcome string,
	stream, cached bool,
	promptTokens, completionTokens int,
	latency time.Duration,
	status int,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	g.reqLogger.Log(logger.RequestLog{
		ID:               reqUUID,
		Model:            model,
		Outcome:          outcome,
		Stream:           stream,
		Cached:           cached,
		PromptTokens:     uint32(promptTokens),
		CompletionTokens: uint32(completionTokens),
		LatencyMs:        uint32(latency.Milliseconds()),
		Status:           uint16(status),
		CreatedAt:        time.Now(),
	})
}

// usageFromBody extracts token counts from a cached response body.
func usageFromBody(body []byte) (promptTokens, completionTokens int) {
	var cu struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &cu); err != nil {
		return 0, 0
	}
	return cu.Usage.PromptTokens, cu.Usage.CompletionTokens
}

// newCompletionID fabricates an OpenAI-shaped completion identifier for
// upstreams that omit one.
func newCompletionID() string {
	id := uuid.New()
	return "chatcmpl-" + strings.ReplaceAll(id.String(), "-", "")[:8]
}

// sseChunk is the wire shape of one streamed frame.
type sseChunk struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []sseChunkChoice `json:"choices"`
}

type sseChunkChoice struct {
	Index        int      `json:"index"`
	Delta        sseDelta `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

type sseDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// writeSSE streams chunks as Server-Sent Events. The first frame carries the
// assistant role; a mid-stream failure emits one error frame before the
// [DONE] sentinel. onComplete receives the terminal error (nil on clean end)
// and an estimated completion token count (≈ chars/4).
func (g *Gateway) writeSSE(ctx *fasthttp.RequestCtx, id, model string, chunks <-chan upstream.Chunk, onComplete func(err error, completionTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(g.streamWriter(id, model, time.Now().Unix(), chunks, onComplete))
}

// streamWriter builds the body-stream function behind writeSSE. All cleanup
// runs from the deferred block: a panicking write (client gone mid-stream)
// must still drain the chunk channel so the producer goroutine can exit, and
// must still invoke onComplete so the breaker outcome, metrics, and the
// in-flight gauge are settled exactly once.
func (g *Gateway) streamWriter(id, model string, created int64, chunks <-chan upstream.Chunk, onComplete func(err error, completionTokens int)) func(w *bufio.Writer) {
	return func(w *bufio.Writer) {
		var (
			streamErr error
			chars     int
			first     = true
		)

		defer func() {
			if r := recover(); r != nil && streamErr == nil {
				streamErr = fmt.Errorf("stream aborted: %v", r)
			}

			// Unblock the producer; it owns the channel and closes it.
			go func() {
				for range chunks {
				}
			}()

			// Estimate output tokens: ~4 characters per token.
			estimated := chars / 4
			if estimated == 0 && chars > 0 {
				estimated = 1
			}
			if onComplete != nil {
				onComplete(streamErr, estimated)
			}
		}()

		for chunk := range chunks {
			if chunk.Err != nil {
				streamErr = chunk.Err
				break
			}
			chars += len(chunk.Content)

			frame := sseChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []sseChunkChoice{{Index: 0}},
			}
			frame.Choices[0].Delta.Content = chunk.Content
			if first {
				frame.Choices[0].Delta.Role = "assistant"
				first = false
			}
			if chunk.FinishReason != "" {
				fr := chunk.FinishReason
				frame.Choices[0].FinishReason = &fr
			}

			data, _ := json.Marshal(frame)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		if streamErr != nil {
			// The 200 status is committed; signal the failure in-band.
			frame := map[string]any{
				"error": map[string]string{
					"message": streamErr.Error(),
					"type":    apierr.TypeUpstreamError,
					"code":    apierr.CodeUpstreamTransient,
				},
			}
			data, _ := json.Marshal(frame)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck
	}
}
