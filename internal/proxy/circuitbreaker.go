package proxy

import (
	"sync"
	"time"
)

// cbState represents the operational state of the upstream circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — upstream is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; a single request is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// Circuit breaker defaults; CBConfig zero values fall back to these.
const (
	cbDefaultFailureThreshold = 5
	cbDefaultResetTimeout     = 60 * time.Second
)

// CBConfig holds circuit breaker tuning parameters.
type CBConfig struct {
	// FailureThreshold is the number of consecutive counted failures that
	// trips the breaker. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 60s.
	ResetTimeout time.Duration
}

func (c *CBConfig) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return cbDefaultFailureThreshold
}

func (c *CBConfig) resetTimeout() time.Duration {
	if c.ResetTimeout > 0 {
		return c.ResetTimeout
	}
	return cbDefaultResetTimeout
}

// CircuitBreaker guards the single upstream provider. Failures are counted
// consecutively: any success snaps the counter back to zero, so only an
// unbroken run of failures can open the breaker. A slow trickle of errors
// mixed with successes never trips it.
//
// One whole gateway call is one outcome — the retry loop inside the upstream
// client reports a single success or failure here, not one per attempt.
//
// Safe for concurrent use.
type CircuitBreaker struct {
	cfg CBConfig

	mu            sync.Mutex
	state         cbState
	failures      int       // consecutive counted failures
	openedAt      time.Time // when the breaker was tripped (for the reset timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CBSnapshot is a point-in-time view of the breaker for observability.
type CBSnapshot struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
}

// NewCircuitBreaker creates a closed CircuitBreaker with the given tuning.
func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: cbClosed}
}

// Allow reports whether the upstream should receive the next request.
//
//   - Closed  → always true.
//   - Open    → false, unless the reset timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(cb.openedAt) >= cb.cfg.resetTimeout() {
			// Transition to half-open: allow exactly one probe request.
			cb.state = cbHalfOpen
			cb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if cb.probeInflight {
			// A probe is already in flight — reject other requests.
			return false
		}
		cb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful upstream call. The breaker closes and the
// consecutive failure counter resets to zero regardless of previous state.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = cbClosed
	cb.failures = 0
	cb.probeInflight = false
}

// RecordFailure counts one failed upstream call. When the consecutive count
// reaches FailureThreshold the breaker opens. A failed half-open probe
// reopens the breaker immediately and restarts the reset timer.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++

	if cb.state == cbHalfOpen {
		cb.state = cbOpen
		cb.openedAt = time.Now()
		cb.probeInflight = false
		return
	}

	if cb.failures >= cb.cfg.failureThreshold() {
		cb.state = cbOpen
		cb.openedAt = time.Now()
	}
}

// Release frees the half-open probe slot without recording an outcome. The
// gateway calls it when an admitted call ends in a result the breaker does
// not count — a client-side upstream error or caller cancellation. The
// breaker stays half-open so the next request runs a fresh probe; without
// this the slot would stay occupied forever.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == cbHalfOpen {
		cb.probeInflight = false
	}
}

// RetryAfter returns how long callers should wait before trying again, based
// on the remaining reset timeout. Zero when the breaker is not open.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != cbOpen {
		return 0
	}
	remaining := cb.cfg.resetTimeout() - time.Since(cb.openedAt)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

// State returns the current cbState (useful for metrics export).
func (cb *CircuitBreaker) State() cbState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel() string {
	switch cb.State() {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Snapshot returns the breaker state for the metrics endpoint.
func (cb *CircuitBreaker) Snapshot() CBSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := CBSnapshot{ConsecutiveFailures: cb.failures}
	switch cb.state {
	case cbOpen:
		snap.State = "open"
		snap.OpenedAt = cb.openedAt
	case cbHalfOpen:
		snap.State = "half_open"
	default:
		snap.State = "closed"
	}
	return snap
}
