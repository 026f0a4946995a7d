// Package upstream talks to the grocery product API: the client-credentials
// token exchange and the product search that fills the cache.
//
// Upstream calls are slow, rate-limited and billed per call. A failed search
// is a soft failure reported as (false, nil); only credential and store
// failures surface as errors.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/product-cache/internal/metrics"
)

const (
	DefaultBaseURL     = "https://api.kroger.com"
	DefaultScope       = "product.compact"
	DefaultTimeout     = 10 * time.Second
	DefaultResultLimit = 10

	// fulfillmentInAisle restricts results to products stocked in the store.
	fulfillmentInAisle = "ais"

	tokenPath    = "/v1/connect/oauth2/token"
	productsPath = "/v1/products"

	// maxErrorBody bounds how much of a failed response is kept for logs.
	maxErrorBody = 512
)

// Endpoint names used for circuit breakers, metrics and logs.
const (
	EndpointToken    = "token"
	EndpointProducts = "products"
)

var (
	// ErrMissingCredentials is returned when no client id/secret is configured.
	ErrMissingCredentials = errors.New("upstream: client credentials are not configured")

	// ErrCircuitOpen is returned when the breaker rejects a call.
	ErrCircuitOpen = errors.New("upstream: circuit open")
)

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream: %s: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("upstream: %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// Limiter budgets upstream calls, typically across every replica sharing the
// same API credentials. ratelimit.RPMLimiter implements it.
type Limiter interface {
	Allow(ctx context.Context) (bool, error)
}

type options struct {
	baseURL     string
	scope       string
	resultLimit int
	client      *http.Client
	breaker     *CircuitBreaker
	limiter     Limiter
	metrics     *metrics.Registry
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a TokenProvider or a SearchClient.
type Option func(*options)

func WithBaseURL(u string) Option {
	return func(o *options) {
		if u != "" {
			o.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.client = c
		}
	}
}

// WithScope overrides the OAuth scope requested by the token exchange.
func WithScope(scope string) Option {
	return func(o *options) {
		if scope != "" {
			o.scope = scope
		}
	}
}

// WithResultLimit sets filter.limit on product searches.
func WithResultLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.resultLimit = n
		}
	}
}

func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(o *options) { o.breaker = cb }
}

// WithLimiter installs a shared call budget for product searches. A denied
// call is a soft failure.
func WithLimiter(l Limiter) Option {
	return func(o *options) { o.limiter = l }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(o *options) { o.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		baseURL:     DefaultBaseURL,
		scope:       DefaultScope,
		resultLimit: DefaultResultLimit,
		client:      &http.Client{Timeout: DefaultTimeout},
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// allow consults the breaker for endpoint and records a rejection.
func (o *options) allow(endpoint string) bool {
	if o.breaker == nil || o.breaker.Allow(endpoint) {
		return true
	}
	o.metrics.RecordCircuitBreakerRejection(endpoint, o.breaker.StateLabel(endpoint))
	o.metrics.SetCircuitBreaker(endpoint, o.breaker.State(endpoint))
	return false
}

// release returns an unused trial slot after allow granted a call that was
// never sent.
func (o *options) release(endpoint string) {
	if o.breaker != nil {
		o.breaker.Release(endpoint)
	}
}

// record feeds the breaker and metrics with the outcome of one call.
// Cancellations are not held against the endpoint.
func (o *options) record(ctx context.Context, endpoint, outcome string, dur time.Duration, failed bool) {
	o.metrics.ObserveUpstreamAttempt(endpoint, outcome, dur)
	if o.breaker == nil {
		return
	}
	if ctx.Err() != nil {
		o.breaker.Release(endpoint)
		return
	}
	if failed {
		o.breaker.RecordFailure(endpoint)
	} else {
		o.breaker.RecordSuccess(endpoint)
	}
	o.metrics.SetCircuitBreaker(endpoint, o.breaker.State(endpoint))
}

// countsAgainstBreaker reports whether a status means the endpoint itself is
// unhealthy, as opposed to a bad request.
func countsAgainstBreaker(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}
