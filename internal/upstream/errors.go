package upstream

import (
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// Error kinds classify upstream failures. The kind decides three things:
// whether the attempt may be retried, which HTTP status the gateway answers
// with, and whether the failure counts against the circuit breaker.
const (
	// KindTimeout — the per-attempt deadline fired before the upstream
	// answered. Retryable. Mapped to 504.
	KindTimeout = "upstream_timeout"

	// KindTransient — 408/429/5xx from the upstream or a network-level
	// failure. Retryable. Mapped to 502 once retries are exhausted.
	KindTransient = "upstream_transient"

	// KindClient — a definitive 4xx from the upstream (bad API key, unknown
	// model, policy refusal). Never retried, never trips the breaker.
	// Mapped to 502: the upstream rejected us, the caller did nothing wrong
	// that our own validation would have caught.
	KindClient = "upstream_client_error"

	// KindProtocol — the upstream answered 200 with a body we cannot use
	// (no choices, undecodable frame). Never retried. Mapped to 502.
	KindProtocol = "upstream_protocol_error"
)

// Error is a classified upstream failure.
type Error struct {
	Kind       string
	StatusCode int           // upstream HTTP status, 0 when none was received
	Message    string
	RetryAfter time.Duration // from a 429 Retry-After header, 0 otherwise
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream: %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream: %s: %s", e.Kind, e.Message)
}

// Retryable reports whether another attempt against the upstream may help.
func (e *Error) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindTransient
}

// ServerFault reports whether the failure indicates upstream trouble rather
// than a problem with the request. Only server faults feed the circuit
// breaker; a flood of bad API keys must not open it.
func (e *Error) ServerFault() bool {
	return e.Kind != KindClient
}

// HTTPStatus maps the failure to the status the gateway responds with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindTimeout:
		return fasthttp.StatusGatewayTimeout
	default:
		return fasthttp.StatusBadGateway
	}
}
