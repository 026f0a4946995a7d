package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nulpointcorp/product-cache/internal/cache"
	"github.com/nulpointcorp/product-cache/internal/cache/sqlite"
	"github.com/nulpointcorp/product-cache/internal/eviction"
	"github.com/nulpointcorp/product-cache/internal/metrics"
	"github.com/nulpointcorp/product-cache/internal/ratelimit"
	"github.com/nulpointcorp/product-cache/internal/runlog"
	"github.com/nulpointcorp/product-cache/internal/schedule"
	"github.com/nulpointcorp/product-cache/internal/server"
	"github.com/nulpointcorp/product-cache/internal/upstream"
	"github.com/nulpointcorp/product-cache/internal/warming"
)

// initInfra establishes optional external connections.
// Redis is required when STORE_MODE=redis or when the shared upstream call
// budget is enabled.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Store.Mode != "redis" && a.cfg.Upstream.RPMLimit <= 0 {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initServices creates the metrics registry, the cache store and the run
// audit log.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	switch a.cfg.Store.Mode {
	case "redis":
		a.store = cache.NewRedisStoreFromClient(a.rdb)
		a.log.Info("cache store: redis")

	case "sqlite":
		st, err := sqlite.Open(ctx, a.cfg.Store.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite store: %w", err)
		}
		a.store = st
		a.log.Info("cache store: sqlite", slog.String("path", a.cfg.Store.SQLitePath))

	case "memory":
		// Zero external dependencies, not shared across replicas.
		a.store = cache.NewMemoryStore()
		a.log.Info("cache store: memory (in-process)")

	default:
		return fmt.Errorf("unknown store mode: %s", a.cfg.Store.Mode)
	}

	// A nil sink falls back to structured process logs.
	var sink runlog.Sink
	if a.cfg.ClickHouseDSN != "" {
		ch, err := runlog.NewClickHouseSink(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse run log: %w", err)
		}
		sink = ch
		a.log.Info("run log: clickhouse")
	}
	runs, err := runlog.New(a.baseCtx, sink, a.log, a.prom)
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		return fmt.Errorf("run log: %w", err)
	}
	a.runs = runs

	return nil
}

// initPipeline builds the upstream client, the warming scheduler and the
// eviction sweeper.
func (a *App) initPipeline(_ context.Context) error {
	a.breaker = upstream.NewCircuitBreaker(upstream.CBConfig{
		ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
		TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
		HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
	})

	upOpts := []upstream.Option{
		upstream.WithBaseURL(a.cfg.Upstream.BaseURL),
		upstream.WithHTTPClient(&http.Client{Timeout: a.cfg.Upstream.Timeout}),
		upstream.WithScope(a.cfg.Upstream.Scope),
		upstream.WithResultLimit(a.cfg.Upstream.ResultLimit),
		upstream.WithCircuitBreaker(a.breaker),
		upstream.WithMetrics(a.prom),
		upstream.WithLogger(a.log),
	}

	// Call budget, shared by every replica using the same client id.
	if a.rdb != nil && a.cfg.Upstream.RPMLimit > 0 {
		upOpts = append(upOpts, upstream.WithLimiter(
			ratelimit.NewRPMLimiter(a.rdb, a.cfg.Upstream.RPMLimit, a.cfg.Upstream.ClientID),
		))
		a.log.Info("upstream call budget enabled", slog.Int("rpm_limit", a.cfg.Upstream.RPMLimit))
	}

	if !a.cfg.HasUpstreamCredentials() {
		a.log.Warn("upstream credentials missing; every warm will fail at the token step")
	}

	tokens := upstream.NewTokenProvider(a.cfg.Upstream.ClientID, a.cfg.Upstream.ClientSecret, upOpts...)
	search := upstream.NewSearchClient(a.store, upOpts...)

	excl, err := cache.NewExclusionList(a.cfg.Warm.ExcludeTerms, a.cfg.Warm.ExcludePatterns)
	if err != nil {
		return fmt.Errorf("warm exclusions: %w", err)
	}
	if excl.Len() > 0 {
		a.log.Info("warm exclusions loaded", slog.Int("rules", excl.Len()))
	}

	dir := warming.FallbackDirectory{
		Primary:  a.store,
		Fallback: warming.StaticDirectory(a.cfg.Warm.Locations),
	}

	a.warmer = warming.New(tokens, search, a.store, dir, warming.Config{
		Cooldown:            a.cfg.Warm.Cooldown,
		OnDemandCooldown:    a.cfg.Warm.OnDemandCooldown,
		MaxLocationsPerRun:  a.cfg.Warm.MaxLocations,
		MaxItemsPerLocation: a.cfg.Warm.MaxItems,
		ScanLimit:           a.cfg.Warm.ScanLimit,
		Delay:               a.cfg.Warm.Delay,
		EssentialDelay:      a.cfg.Warm.EssentialDelay,
		Exclusions:          excl,
	},
		warming.WithLogger(a.log),
		warming.WithMetrics(a.prom),
		warming.WithRunLog(a.runs),
	)

	a.sweeper = eviction.New(a.store,
		eviction.WithBatchSize(a.cfg.Sweep.BatchSize),
		eviction.WithRetention(a.cfg.Sweep.ImageRetention),
		eviction.WithLogger(a.log),
		eviction.WithMetrics(a.prom),
		eviction.WithRunLog(a.runs),
	)

	return nil
}

// initServer builds the health checker and the HTTP server.
func (a *App) initServer(_ context.Context) error {
	a.health = server.NewHealthChecker(a.baseCtx, a.store.Ping, a.breaker.Labels, a.prom)

	opts := server.Options{
		Logger:        a.log,
		Metrics:       a.prom,
		Health:        a.health,
		TriggerSecret: a.cfg.Auth.TriggerSecret,
		CORSOrigins:   a.cfg.CORSOrigins,
	}

	if a.cfg.Auth.JWTSecret != "" {
		auth, err := server.NewJWTAuthenticator(a.cfg.Auth.JWTSecret)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		opts.Auth = auth
	} else {
		a.log.Warn("AUTH_JWT_SECRET not set; /v1/warm is disabled")
	}
	if a.cfg.Auth.TriggerSecret == "" {
		a.log.Warn("TRIGGER_SECRET not set; /admin routes are disabled")
	}

	a.srv = server.New(a.baseCtx, a.warmer, a.sweeper, opts)

	return nil
}

// initSchedule builds the periodic runners. Config validation has already
// parsed both schedules, so errors here are unexpected.
func (a *App) initSchedule(_ context.Context) error {
	warmSched, err := schedule.Parse(a.cfg.Warm.Schedule, a.cfg.Warm.Timezone)
	if err != nil {
		return fmt.Errorf("warm schedule: %w", err)
	}
	sweepSched, err := schedule.Parse(a.cfg.Sweep.Schedule, a.cfg.Sweep.Timezone)
	if err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}

	a.runners = []*schedule.Runner{
		schedule.NewRunner("scheduled_warm", warmSched, func(ctx context.Context) error {
			_, err := a.warmer.RunScheduled(ctx)
			return err
		}, a.log),
		schedule.NewRunner("sweep", sweepSched, func(ctx context.Context) error {
			_, err := a.sweeper.SweepAll(ctx)
			return err
		}, a.log),
	}

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" becomes "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
