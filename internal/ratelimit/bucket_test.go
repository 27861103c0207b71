package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquireBurstUpToCapacity(t *testing.T) {
	b := New(5, time.Minute, 0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := b.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("burst within capacity should not block, took %v", elapsed)
	}
}

func TestAcquireWaitsForRefill(t *testing.T) {
	// 4 tokens per 400ms → one token per 100ms.
	b := New(4, 400*time.Millisecond, 0)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := b.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}

	start := time.Now()
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("Acquire after drain: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 80*time.Millisecond {
		t.Fatalf("expected ~100ms wait for refill, got %v", elapsed)
	}
}

func TestAcquireDrainsBucketAfterWait(t *testing.T) {
	b := New(2, 200*time.Millisecond, 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("Acquire after drain: %v", err)
	}

	// The waited acquisition consumes the whole refill.
	if got := b.State().Tokens; got >= 1 {
		t.Fatalf("bucket should be near empty after a waited acquire, tokens = %g", got)
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	b := New(1, time.Minute, 0)

	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := b.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancelled Acquire should return promptly, took %v", elapsed)
	}

	// The abandoned wait must not have consumed the refilling token.
	snap := b.State()
	if snap.Tokens < 0 {
		t.Fatalf("tokens went negative: %g", snap.Tokens)
	}
}

func TestAcquireWaitCeiling(t *testing.T) {
	b := New(1, time.Minute, 10*time.Millisecond)
	ctx := context.Background()

	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	start := time.Now()
	err := b.Acquire(ctx)
	if !errors.Is(err, ErrWaitExceeded) {
		t.Fatalf("Acquire = %v, want ErrWaitExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("ceiling rejection should be immediate, took %v", elapsed)
	}
}

func TestRefillNeverExceedsCapacity(t *testing.T) {
	b := New(3, 50*time.Millisecond, 0)

	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Sleep far beyond the window; tokens must clamp at capacity.
	time.Sleep(150 * time.Millisecond)

	snap := b.State()
	if snap.Tokens > snap.Capacity {
		t.Fatalf("tokens %g exceed capacity %g", snap.Tokens, snap.Capacity)
	}
	if snap.Tokens < snap.Capacity-0.1 {
		t.Fatalf("bucket should be full after idling, tokens = %g", snap.Tokens)
	}
}

func TestConcurrentAcquiresRespectRate(t *testing.T) {
	// 5 tokens per 250ms; 10 concurrent callers need one extra half window.
	const (
		capacity = 5
		window   = 250 * time.Millisecond
		callers  = 10
	)
	b := New(capacity, window, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, callers)

	start := time.Now()
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- b.Acquire(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}

	// 5 immediate + 5 waited at one token per 50ms ≥ ~200ms total.
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("10 acquires at 5 per 250ms finished too fast: %v", elapsed)
	}
}

func TestStateSnapshot(t *testing.T) {
	b := New(100, time.Minute, 0)

	snap := b.State()
	if snap.Capacity != 100 {
		t.Errorf("Capacity = %g, want 100", snap.Capacity)
	}
	if snap.WindowSeconds != 60 {
		t.Errorf("WindowSeconds = %g, want 60", snap.WindowSeconds)
	}
	if snap.Tokens != 100 {
		t.Errorf("a fresh bucket starts full, Tokens = %g", snap.Tokens)
	}
	if snap.LastRefill.IsZero() {
		t.Error("LastRefill must be set")
	}
}
