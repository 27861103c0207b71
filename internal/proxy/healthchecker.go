package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/vitte-ai/llm-gateway/internal/metrics"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
// Two components are watched: the cache backend and the upstream provider.
type HealthChecker struct {
	cacheReady    func() bool
	upstreamCheck func(context.Context) error
	baseCtx       context.Context
	metrics       *metrics.Registry

	cacheStatus    componentStatus
	upstreamStatus componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. Either probe may be nil, which reads as "not configured" → ok.
func NewHealthChecker(
	ctx context.Context,
	cacheReady func() bool,
	upstreamCheck func(context.Context) error,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		cacheReady:    cacheReady,
		upstreamCheck: upstreamCheck,
		startTime:     time.Now(),
		done:          make(chan struct{}),
		baseCtx:       ctx,
		metrics:       met,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Cache         string `json:"cache"`
	Upstream      string `json:"upstream"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	cache := hc.cacheStatus.get()
	up := hc.upstreamStatus.get()
	if cache != "ok" || up != "ok" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Cache:         cache,
		Upstream:      up,
	}
}

// ReadinessOK returns true when the cache backend is reachable. A degraded
// upstream does not fail readiness — the breaker handles it per request.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.cacheStatus.get() == "ok"
}

// Close stops the background probe goroutine. Safe to call more than once.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	// Cache probe — nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()

	// Upstream probe.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.upstreamCheck == nil {
			hc.upstreamStatus.set("ok")
			return
		}
		if err := hc.upstreamCheck(ctx); err != nil {
			hc.upstreamStatus.set("degraded")
			if hc.metrics != nil {
				hc.metrics.SetUpstreamHealth(false)
			}
		} else {
			hc.upstreamStatus.set("ok")
			if hc.metrics != nil {
				hc.metrics.SetUpstreamHealth(true)
			}
		}
	}()

	wg.Wait()
}
