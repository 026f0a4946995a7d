package upstream

import (
	"sync"
	"time"
)

// Circuit breaker defaults.
const (
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
)

// cbState represents the operational state of a per-endpoint circuit breaker.
//
//	cbClosed:   normal operation; all calls pass through.
//	cbOpen:     the endpoint is failing; calls are rejected immediately.
//	cbHalfOpen: recovery trial; one call is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package defaults.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: CBErrorThreshold (5).
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	// Default: CBTimeWindow (60s).
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single trial call. Default: CBHalfOpenTimeout (30s).
	HalfOpenTimeout time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return CBErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return CBTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return CBHalfOpenTimeout
}

type endpointCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	trialInflight bool
}

// CircuitBreaker keeps an independent breaker per upstream endpoint. Breakers
// are created on first use. It is safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[string]*endpointCB
	cfg      CBConfig
	now      func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker with cfg; zero fields use the
// package defaults.
func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*endpointCB),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Allow reports whether endpoint should receive the next call.
//
//   - Closed: always true.
//   - Open: false until the half-open timeout has elapsed, then the breaker
//     moves to HalfOpen and lets one trial through.
//   - HalfOpen: true only if no trial is currently in flight.
func (cb *CircuitBreaker) Allow(endpoint string) bool {
	ecb := cb.get(endpoint)

	ecb.mu.Lock()
	defer ecb.mu.Unlock()

	switch ecb.state {
	case cbOpen:
		if cb.now().Sub(ecb.openedAt) >= cb.cfg.halfOpenTimeout() {
			ecb.state = cbHalfOpen
			ecb.trialInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if ecb.trialInflight {
			return false
		}
		ecb.trialInflight = true
		return true
	}

	return true
}

// RecordSuccess resets the breaker for endpoint to Closed.
func (cb *CircuitBreaker) RecordSuccess(endpoint string) {
	ecb := cb.get(endpoint)

	ecb.mu.Lock()
	defer ecb.mu.Unlock()

	ecb.state = cbClosed
	ecb.errorCount = 0
	ecb.trialInflight = false
	ecb.windowStart = cb.now()
}

// RecordFailure counts a failed call. Reaching ErrorThreshold failures within
// TimeWindow opens the breaker; a failed half-open trial reopens it.
func (cb *CircuitBreaker) RecordFailure(endpoint string) {
	ecb := cb.get(endpoint)

	ecb.mu.Lock()
	defer ecb.mu.Unlock()

	now := cb.now()

	if now.Sub(ecb.windowStart) > cb.cfg.timeWindow() {
		ecb.errorCount = 0
		ecb.windowStart = now
	}

	ecb.errorCount++
	ecb.trialInflight = false

	if ecb.state == cbHalfOpen || ecb.errorCount >= cb.cfg.errorThreshold() {
		ecb.state = cbOpen
		ecb.openedAt = now
	}
}

// Release hands back a half-open trial slot granted by Allow when the call
// was abandoned before it produced an outcome. The state is unchanged.
func (cb *CircuitBreaker) Release(endpoint string) {
	ecb := cb.get(endpoint)

	ecb.mu.Lock()
	defer ecb.mu.Unlock()

	if ecb.state == cbHalfOpen {
		ecb.trialInflight = false
	}
}

// State returns the numeric state for endpoint (useful for metrics export).
func (cb *CircuitBreaker) State(endpoint string) int64 {
	ecb := cb.get(endpoint)
	ecb.mu.Lock()
	defer ecb.mu.Unlock()
	return int64(ecb.state)
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(endpoint string) string {
	switch cbState(cb.State(endpoint)) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Labels returns the state label of every endpoint seen so far.
func (cb *CircuitBreaker) Labels() map[string]string {
	cb.mu.Lock()
	names := make([]string, 0, len(cb.breakers))
	for name := range cb.breakers {
		names = append(names, name)
	}
	cb.mu.Unlock()

	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = cb.StateLabel(name)
	}
	return out
}

func (cb *CircuitBreaker) get(endpoint string) *endpointCB {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	ecb, ok := cb.breakers[endpoint]
	if !ok {
		ecb = &endpointCB{state: cbClosed, windowStart: cb.now()}
		cb.breakers[endpoint] = ecb
	}
	return ecb
}
