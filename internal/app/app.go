// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    - external connections (Redis when needed)
//  2. initServices - metrics registry, cache store, run log
//  3. initPipeline - upstream client, warming scheduler, eviction sweeper
//  4. initServer   - health checker, auth, HTTP routes
//  5. initSchedule - periodic warm and sweep runners
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/product-cache/internal/cache"
	"github.com/nulpointcorp/product-cache/internal/config"
	"github.com/nulpointcorp/product-cache/internal/eviction"
	"github.com/nulpointcorp/product-cache/internal/metrics"
	"github.com/nulpointcorp/product-cache/internal/runlog"
	"github.com/nulpointcorp/product-cache/internal/schedule"
	"github.com/nulpointcorp/product-cache/internal/server"
	"github.com/nulpointcorp/product-cache/internal/upstream"
	"github.com/nulpointcorp/product-cache/internal/warming"
)

// shutdownTimeout bounds how long in-flight HTTP requests may run after the
// process is asked to stop.
const shutdownTimeout = 15 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections; nil when not configured.
	rdb *redis.Client

	store cache.Store
	prom  *metrics.Registry
	runs  *runlog.Logger

	breaker *upstream.CircuitBreaker
	warmer  *warming.Scheduler
	sweeper *eviction.Sweeper

	health *server.HealthChecker
	srv    *server.Server

	runners []*schedule.Runner

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"pipeline", a.initPipeline},
		{"server", a.initServer},
		{"schedule", a.initSchedule},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the schedule runners and blocks until ctx
// is cancelled or the server fails. It closes the app before returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting warmer",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("store_mode", a.cfg.Store.Mode),
		slog.Int("schedules", len(a.runners)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.ListenAndServe(addr); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	for _, r := range a.runners {
		g.Go(func() error { return r.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.health != nil {
		a.health.Close()
	}
	if a.runs != nil {
		if err := a.runs.Close(); err != nil {
			a.log.Error("run log close error", slog.String("error", err.Error()))
		}
	}
	// A Redis-backed store shares a.rdb and is released with it below.
	if a.store != nil && a.cfg.Store.Mode != "redis" {
		if err := a.store.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error; callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
