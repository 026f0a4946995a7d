// Package server exposes the warmer over HTTP: the authenticated on-demand
// warm endpoint, the shared-secret manual triggers, health checks and
// Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/product-cache/internal/metrics"
	"github.com/nulpointcorp/product-cache/internal/upstream"
	"github.com/nulpointcorp/product-cache/internal/warming"
	"github.com/nulpointcorp/product-cache/pkg/apierr"
)

const (
	// DefaultRunTimeout bounds one synchronous warm or sweep. A full
	// on-demand catalog at the default pacing takes well under a minute.
	DefaultRunTimeout = 4 * time.Minute

	// adminRequester is recorded as warmedBy for manual triggers.
	adminRequester = "admin-trigger"
)

// Warmer runs a single-location warm.
type Warmer interface {
	RunOnDemand(ctx context.Context, locationID, requesterID string) (warming.OnDemandResult, error)
}

// Sweeper runs both eviction sweeps.
type Sweeper interface {
	SweepAll(ctx context.Context) (map[string]int, error)
}

// Options configures a Server. Nil or empty fields disable the matching
// feature: no Auth means no /v1/warm, no TriggerSecret means no /admin/*.
type Options struct {
	Logger        *slog.Logger
	Metrics       *metrics.Registry
	Health        *HealthChecker
	Auth          Authenticator
	TriggerSecret string
	CORSOrigins   []string
	RunTimeout    time.Duration
}

type Server struct {
	baseCtx context.Context
	warmer  Warmer
	sweeper Sweeper
	opts    Options
	log     *slog.Logger
	srv     *fasthttp.Server
}

func New(ctx context.Context, warmer Warmer, sweeper Sweeper, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	s := &Server{
		baseCtx: ctx,
		warmer:  warmer,
		sweeper: sweeper,
		opts:    opts,
		log:     opts.Logger,
	}
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: opts.RunTimeout + 30*time.Second,
	}
	return s
}

// Handler returns the routed handler with the full middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	if s.opts.Auth != nil {
		r.POST("/v1/warm", instrument("warm", s.opts.Metrics, s.handleWarm))
	}
	if s.opts.TriggerSecret != "" {
		r.POST("/admin/warm", instrument("admin_warm", s.opts.Metrics,
			requireSecret(s.opts.TriggerSecret, s.handleAdminWarm)))
		r.POST("/admin/sweep", instrument("admin_sweep", s.opts.Metrics,
			requireSecret(s.opts.TriggerSecret, s.handleAdminSweep)))
	}
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.opts.Metrics != nil {
		r.GET("/metrics", s.opts.Metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery(s.log),
		requestID,
		timing,
		corsHandler(s.opts.CORSOrigins),
		securityHeaders,
	)
}

// ListenAndServe blocks until the server stops. It returns nil after
// Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

type warmRequest struct {
	LocationID string `json:"locationId"`
}

type warmResponse struct {
	Success    bool   `json:"success"`
	Skipped    bool   `json:"skipped"`
	LocationID string `json:"locationId"`
	Cached     *int   `json:"cached,omitempty"`
	Errors     *int   `json:"errors,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RunID      string `json:"runId,omitempty"`
}

type sweepResponse struct {
	Success bool           `json:"success"`
	Deleted map[string]int `json:"deleted"`
}

func (s *Server) handleWarm(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)

	subject, err := s.opts.Auth.Authenticate(string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		s.log.Info("warm_unauthenticated",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.WriteUnauthorized(ctx, "authentication required")
		return
	}

	var req warmRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	s.runWarm(ctx, reqID, strings.TrimSpace(req.LocationID), subject)
}

func (s *Server) handleAdminWarm(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)
	loc := strings.TrimSpace(string(ctx.QueryArgs().Peek("locationId")))
	s.runWarm(ctx, reqID, loc, adminRequester)
}

func (s *Server) runWarm(ctx *fasthttp.RequestCtx, reqID, locationID, requester string) {
	if !warming.ValidLocationID(locationID) {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"locationId is missing or invalid",
			apierr.TypeInvalidRequest, apierr.CodeInvalidLocation)
		return
	}

	s.log.Info("warm_requested",
		slog.String("request_id", reqID),
		slog.String("location_id", locationID),
		slog.String("requested_by", requester),
	)

	runCtx, cancel := context.WithTimeout(s.baseCtx, s.opts.RunTimeout)
	defer cancel()

	res, err := s.warmer.RunOnDemand(runCtx, locationID, requester)
	if err != nil {
		s.log.Error("warm_failed",
			slog.String("request_id", reqID),
			slog.String("location_id", locationID),
			slog.String("error", err.Error()),
		)
		writeWarmError(ctx, err)
		return
	}

	resp := warmResponse{
		Success:    true,
		Skipped:    res.Skipped,
		LocationID: res.LocationID,
		Reason:     res.Reason,
		RunID:      res.RunID.String(),
	}
	if !res.Skipped {
		cached, errs := res.Cached, res.Errors
		resp.Cached, resp.Errors = &cached, &errs
	}
	writeJSON(ctx, resp)
}

func writeWarmError(ctx *fasthttp.RequestCtx, err error) {
	var se *upstream.StatusError
	switch {
	case errors.Is(err, warming.ErrInvalidLocation):
		apierr.Write(ctx, fasthttp.StatusBadRequest, "locationId is missing or invalid",
			apierr.TypeInvalidRequest, apierr.CodeInvalidLocation)
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
	case errors.As(err, &se):
		apierr.WriteUpstreamError(ctx, se.StatusCode, "upstream token exchange failed")
	case errors.Is(err, warming.ErrToken):
		apierr.WriteUpstreamError(ctx, 0, "upstream token exchange failed")
	default:
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "cache store unavailable",
			apierr.TypeServerError, apierr.CodeStoreError)
	}
}

func (s *Server) handleAdminSweep(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)

	runCtx, cancel := context.WithTimeout(s.baseCtx, s.opts.RunTimeout)
	defer cancel()

	deleted, err := s.sweeper.SweepAll(runCtx)
	if err != nil {
		s.log.Error("sweep_trigger_failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, context.DeadlineExceeded) {
			apierr.Write(ctx, fasthttp.StatusGatewayTimeout, "sweep timed out",
				apierr.TypeServerError, apierr.CodeRequestTimeout)
			return
		}
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "sweep failed",
			apierr.TypeServerError, apierr.CodeStoreError)
		return
	}
	writeJSON(ctx, sweepResponse{Success: true, Deleted: deleted})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.opts.Health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, s.opts.Health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.opts.Health == nil || s.opts.Health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
