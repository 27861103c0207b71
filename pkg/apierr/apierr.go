// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeUpstreamError  = "upstream_error"
	TypeRateLimitError = "rate_limit_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeServerError    = "server_error"
)

// Code constants — one per taxonomy kind, stable for client dispatch.
const (
	CodeBadRequest          = "bad_request"
	CodeRateLimited         = "rate_limited"
	CodeUpstreamTimeout     = "upstream_timeout"
	CodeUpstreamTransient   = "upstream_transient"
	CodeUpstreamClientError = "upstream_client_error"
	CodeUpstreamProtocol    = "upstream_protocol_error"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeInternalError       = "internal_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteBadRequest writes a 400 validation error.
func WriteBadRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeBadRequest)
}

// WriteRateLimit writes a 429 admission error from the gateway's own limiter.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests,
		"rate limit exceeded", TypeRateLimitError, CodeRateLimited)
}

// WriteUnavailable writes a 503 with a Retry-After hint, used when the
// circuit breaker is open. retryAfter is rounded up to whole seconds.
func WriteUnavailable(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	Write(ctx, fasthttp.StatusServiceUnavailable,
		"upstream temporarily unavailable", TypeUpstreamError, CodeUpstreamUnavailable)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout,
		"upstream request timed out", TypeUpstreamError, CodeUpstreamTimeout)
}

// WriteInternal writes a 500 for unexpected gateway bugs.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError,
		"internal server error", TypeServerError, CodeInternalError)
}
