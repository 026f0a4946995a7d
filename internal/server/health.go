package server

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/product-cache/internal/metrics"
)

const (
	healthCheckInterval = 30 * time.Second
	healthCheckTimeout  = 5 * time.Second
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "down"
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

// HealthChecker pings the cache store in the background and exposes the
// latest result. Upstream state comes from the circuit breaker, which is
// read on demand.
type HealthChecker struct {
	storePing func(context.Context) error
	upstream  func() map[string]string
	baseCtx   context.Context
	metrics   *metrics.Registry

	storeStatus componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker pings the store once synchronously and then every
// 30s until Close. upstream may be nil.
func NewHealthChecker(ctx context.Context, storePing func(context.Context) error, upstream func() map[string]string, met *metrics.Registry) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		storePing: storePing,
		upstream:  upstream,
		baseCtx:   ctx,
		metrics:   met,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	hc.checkStore()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Store         string            `json:"store"`
	Upstream      map[string]string `json:"upstream,omitempty"`
}

func (hc *HealthChecker) Snapshot() HealthSnapshot {
	snap := HealthSnapshot{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Store:         hc.storeStatus.get(),
	}
	if snap.Store != "ok" {
		snap.Status = "degraded"
	}
	if hc.upstream != nil {
		snap.Upstream = hc.upstream()
		for _, st := range snap.Upstream {
			if st != "closed" {
				snap.Status = "degraded"
			}
		}
	}
	return snap
}

// ReadinessOK reports whether the store answered the last ping.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.storeStatus.get() == "ok"
}

func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.checkStore()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) checkStore() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthCheckTimeout)
	defer cancel()

	// A nil ping means nothing to check.
	if hc.storePing == nil || hc.storePing(ctx) == nil {
		hc.storeStatus.set("ok")
		hc.metrics.SetStoreHealth(true)
		return
	}
	hc.storeStatus.set("down")
	hc.metrics.SetStoreHealth(false)
}
