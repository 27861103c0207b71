package proxy

import (
	"context"
	"errors"
	"testing"
)

func TestHealthChecker_AllOK(t *testing.T) {
	hc := NewHealthChecker(context.Background(),
		func() bool { return true },
		func(context.Context) error { return nil },
		nil,
	)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", snap.Status)
	}
	if snap.Cache != "ok" || snap.Upstream != "ok" {
		t.Errorf("unexpected component states: %+v", snap)
	}
	if !hc.ReadinessOK() {
		t.Error("ReadinessOK should be true when cache probe passes")
	}
}

func TestHealthChecker_NilProbesReadAsOK(t *testing.T) {
	hc := NewHealthChecker(context.Background(), nil, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "ok" {
		t.Errorf("unconfigured probes should read ok, got %q", snap.Status)
	}
	if !hc.ReadinessOK() {
		t.Error("ReadinessOK should default to true")
	}
}

func TestHealthChecker_CacheDownFailsReadiness(t *testing.T) {
	hc := NewHealthChecker(context.Background(),
		func() bool { return false },
		func(context.Context) error { return nil },
		nil,
	)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "degraded" {
		t.Errorf("expected 'degraded', got %q", snap.Status)
	}
	if snap.Cache != "degraded" {
		t.Errorf("cache should be degraded, got %q", snap.Cache)
	}
	if hc.ReadinessOK() {
		t.Error("ReadinessOK must be false when the cache probe fails")
	}
}

func TestHealthChecker_UpstreamDegradedKeepsReadiness(t *testing.T) {
	hc := NewHealthChecker(context.Background(),
		func() bool { return true },
		func(context.Context) error { return errors.New("upstream down") },
		nil,
	)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "degraded" {
		t.Errorf("expected 'degraded', got %q", snap.Status)
	}
	if snap.Upstream != "degraded" {
		t.Errorf("upstream should be degraded, got %q", snap.Upstream)
	}
	// Per-request handling (breaker) owns upstream outages; readiness holds.
	if !hc.ReadinessOK() {
		t.Error("a degraded upstream must not fail readiness")
	}
}

func TestHealthChecker_CloseIdempotent(t *testing.T) {
	hc := NewHealthChecker(context.Background(), nil, nil, nil)

	hc.Close()
	hc.Close() // second close must not panic or hang
}

func TestHealthChecker_UptimeAdvances(t *testing.T) {
	hc := NewHealthChecker(context.Background(), nil, nil, nil)
	defer hc.Close()

	if hc.Snapshot().UptimeSeconds < 0 {
		t.Error("uptime must not be negative")
	}
}
