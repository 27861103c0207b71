// Package ratelimit bounds the rate of outbound upstream calls.
//
// The limiter is a continuous-refill token bucket local to the process.
// Multi-replica deployments get one bucket per replica; upstream quota is
// sized per process, so no cross-process coordination is needed.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaitExceeded is returned by Acquire when the computed wait for the next
// token is longer than the configured ceiling. Callers map it to HTTP 429.
var ErrWaitExceeded = errors.New("ratelimit: wait ceiling exceeded")

// TokenBucket admits callers at a sustained rate of capacity tokens per
// window, with bursts of up to capacity.
//
// Tokens are a real-valued quantity because refill is continuous: a bucket of
// 100 tokens per minute gains 1.67 tokens per second, not 100 at the top of
// the minute. The state mutex is held only for the refill arithmetic; the
// wait itself happens outside it. An admission queue keeps waiting callers
// ordered so none is starved by late arrivals.
type TokenBucket struct {
	capacity float64
	window   time.Duration
	maxWait  time.Duration

	// admit serializes callers that reached the token check, queueing
	// waiters roughly in arrival order.
	admit chan struct{}

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// Snapshot is a point-in-time view of the bucket for observability.
type Snapshot struct {
	Tokens        float64   `json:"tokens"`
	Capacity      float64   `json:"capacity"`
	WindowSeconds float64   `json:"window_seconds"`
	LastRefill    time.Time `json:"last_refill"`
}

// New creates a full TokenBucket admitting requests tokens per window.
// maxWait bounds how long one caller may block for a token; 0 means wait
// indefinitely (the caller's context still applies).
func New(requests int, window, maxWait time.Duration) *TokenBucket {
	if requests < 1 {
		requests = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &TokenBucket{
		capacity:   float64(requests),
		window:     window,
		maxWait:    maxWait,
		admit:      make(chan struct{}, 1),
		tokens:     float64(requests),
		lastRefill: time.Now(),
	}
}

// Acquire blocks until a token is available, then consumes it.
//
// If the bucket is empty the caller sleeps for the exact time until one token
// has refilled, then proceeds with the bucket drained to zero. Cancelling ctx
// while waiting releases the caller's place without consuming a token.
// Returns ErrWaitExceeded when the required wait is above the ceiling.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	select {
	case b.admit <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-b.admit }()

	b.mu.Lock()
	b.refillLocked(time.Now())

	if b.tokens >= 1 {
		b.tokens--
		b.mu.Unlock()
		return nil
	}

	// Time until exactly one token is available.
	wait := time.Duration((1 - b.tokens) * float64(b.window) / b.capacity)
	if b.maxWait > 0 && wait > b.maxWait {
		b.mu.Unlock()
		return ErrWaitExceeded
	}
	b.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		b.mu.Lock()
		// The refill accumulated during the sleep is the token being
		// consumed; the bucket leaves this path empty.
		b.tokens = 0
		b.lastRefill = time.Now()
		b.mu.Unlock()
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current bucket contents after applying pending refill.
func (b *TokenBucket) State() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())
	return Snapshot{
		Tokens:        b.tokens,
		Capacity:      b.capacity,
		WindowSeconds: b.window.Seconds(),
		LastRefill:    b.lastRefill,
	}
}

// refillLocked advances tokens by the elapsed time since the last refill,
// clamped to capacity. Caller must hold b.mu.
func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Seconds() * b.capacity / b.window.Seconds()
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}
