// Package metrics provides a Prometheus metrics registry for the warmer.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// Every method is safe to call on a nil *Registry, which turns it into a
// no-op. Components accept an optional registry and never check for nil.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// warmer_inflight_requests
	inFlight prometheus.Gauge

	// warmer_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// warmer_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// warmer_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// warmer_upstream_attempts_total{endpoint,outcome}
	upstreamAttempts *prometheus.CounterVec

	// warmer_upstream_attempt_duration_seconds{endpoint,outcome}
	upstreamDuration *prometheus.HistogramVec

	// warmer_warm_runs_total{type,result}
	warmRuns *prometheus.CounterVec

	// warmer_warm_run_duration_seconds{type}
	warmDuration *prometheus.HistogramVec

	// warmer_warm_items_total{type,outcome}
	warmItems *prometheus.CounterVec

	// warmer_warm_locations_total{type}
	warmLocations *prometheus.CounterVec

	// warmer_sweep_deleted_total{collection}
	sweepDeleted *prometheus.CounterVec

	// warmer_sweep_batches_total{collection}
	sweepBatches *prometheus.CounterVec

	// warmer_sweep_duration_seconds{collection,result}
	sweepDuration *prometheus.HistogramVec

	// warmer_store_operations_total{op,result}
	storeOps *prometheus.CounterVec

	// warmer_store_health: 1=ok, 0=degraded
	storeHealth prometheus.Gauge

	// circuit_breaker_state{endpoint}: 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// warmer_circuit_breaker_transitions_total{endpoint,to_state}
	cbTransitions *prometheus.CounterVec

	// warmer_circuit_breaker_rejections_total{endpoint,state}
	cbRejections *prometheus.CounterVec

	// warmer_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// warmer_runlog_dropped_total
	runlogDropped prometheus.Counter

	// warmer_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warmer_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warmer_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warmer_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (synchronous warms and sweeps included)",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warmer_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 2, 10), // 64B .. ~32KB
			},
			[]string{"route", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warmer_upstream_attempts_total",
				Help: "Upstream API calls by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warmer_upstream_attempt_duration_seconds",
				Help:    "Upstream API call duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"endpoint", "outcome"},
		),

		warmRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warmer_warm_runs_total",
				Help: "Warming runs by type and result (ok, skipped, error)",
			},
			[]string{"type", "result"},
		),

		warmDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warmer_warm_run_duration_seconds",
				Help:    "Warming run duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"type"},
		),

		warmItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warmer_warm_items_total",
				Help: "Warmed search terms by type and outcome (cached, error)",
			},
			[]string{"type", "outcome"},
		),

		warmLocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warmer_warm_locations_total",
				Help: "Locations warmed",
			},
			[]string{"type"},
		),

		sweepDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warmer_sweep_deleted_total",
				Help: "Documents deleted by the eviction sweeper",
			},
			[]string{"collection"},
		),

		sweepBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warmer_sweep_batches_total",
				Help: "Batched delete operations issued by the eviction sweeper",
			},
			[]string{"collection"},
		),

		sweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warmer_sweep_duration_seconds",
				Help:    "Sweep duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"collection", "result"},
		),

		storeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warmer_store_operations_total",
				Help: "Cache store operations by type and result",
			},
			[]string{"op", "result"},
		),

		storeHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warmer_store_health",
			Help: "Cache store health (1=ok, 0=degraded)",
		}),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"endpoint"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warmer_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"endpoint", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warmer_circuit_breaker_rejections_total",
				Help: "Upstream calls rejected due to circuit breaker state",
			},
			[]string{"endpoint", "state"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warmer_ratelimit_total",
				Help: "Upstream call budget decisions",
			},
			[]string{"result"},
		),

		runlogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warmer_runlog_dropped_total",
			Help: "Run audit records dropped because the buffer was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warmer_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpRespSize,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.warmRuns,
		r.warmDuration,
		r.warmItems,
		r.warmLocations,
		r.sweepDeleted,
		r.sweepBatches,
		r.sweepDuration,
		r.storeOps,
		r.storeHealth,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.rateLimitTotal,
		r.runlogDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, respBytes int) {
	if r == nil {
		return
	}
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveUpstreamAttempt records one upstream API call.
func (r *Registry) ObserveUpstreamAttempt(endpoint, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamAttempts.WithLabelValues(endpoint, outcome).Inc()
	r.upstreamDuration.WithLabelValues(endpoint, outcome).Observe(dur.Seconds())
}

// ObserveWarmRun records the outcome of one warming run.
func (r *Registry) ObserveWarmRun(warmType, result string, dur time.Duration) {
	if r == nil {
		return
	}
	r.warmRuns.WithLabelValues(warmType, result).Inc()
	r.warmDuration.WithLabelValues(warmType).Observe(dur.Seconds())
}

// AddWarmedLocation counts one finished location and its per-term outcomes.
func (r *Registry) AddWarmedLocation(warmType string, cached, errors int) {
	if r == nil {
		return
	}
	r.warmLocations.WithLabelValues(warmType).Inc()
	if cached > 0 {
		r.warmItems.WithLabelValues(warmType, "cached").Add(float64(cached))
	}
	if errors > 0 {
		r.warmItems.WithLabelValues(warmType, "error").Add(float64(errors))
	}
}

// ObserveSweep records one sweep of collection.
func (r *Registry) ObserveSweep(collection string, deleted, batches int, dur time.Duration, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	if deleted > 0 {
		r.sweepDeleted.WithLabelValues(collection).Add(float64(deleted))
	}
	if batches > 0 {
		r.sweepBatches.WithLabelValues(collection).Add(float64(batches))
	}
	r.sweepDuration.WithLabelValues(collection, result).Observe(dur.Seconds())
}

func (r *Registry) StoreWriteOK(op string) {
	if r != nil {
		r.storeOps.WithLabelValues(op, "ok").Inc()
	}
}

func (r *Registry) StoreWriteError(op string) {
	if r != nil {
		r.storeOps.WithLabelValues(op, "error").Inc()
	}
}

func (r *Registry) SetStoreHealth(ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.storeHealth.Set(1)
		return
	}
	r.storeHealth.Set(0)
}

func (r *Registry) RecordRateLimit(result string) {
	if r != nil {
		r.rateLimitTotal.WithLabelValues(result).Inc()
	}
}

func (r *Registry) AddRunlogDropped(n int64) {
	if r != nil && n > 0 {
		r.runlogDropped.Add(float64(n))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	if r == nil {
		return
	}
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(endpoint string, state int64) {
	if r == nil {
		return
	}
	r.circuitBreakerState.WithLabelValues(endpoint).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[endpoint]
	if !ok || prev != float64(state) {
		r.lastCBState[endpoint] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(endpoint, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(endpoint, state string) {
	if r != nil {
		r.cbRejections.WithLabelValues(endpoint, state).Inc()
	}
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
