// Command upstream runs a lightweight HTTP mock of the product search API.
// It is used for E2E/load testing of the warmer without real credentials.
//
// Listens on :19010 unless PORT is set. Point the warmer at it with
// UPSTREAM_BASE_URL=http://localhost:19010.
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS  - artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE  - fraction [0,1] of searches that return HTTP 500 (default 0)
//	MOCK_EMPTY_RATE  - fraction [0,1] of searches that return no products (default 0)
//	MOCK_CLIENT_ID   - accepted client id (default "mock-client")
//	MOCK_CLIENT_SECRET - accepted client secret (default "mock-secret")
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Config holds runtime configuration for the mock server.
type Config struct {
	LatencyMS    int
	ErrorRate    float64
	EmptyRate    float64
	ClientID     string
	ClientSecret string
}

func loadConfig() Config {
	c := Config{
		ClientID:     envOr("MOCK_CLIENT_ID", "mock-client"),
		ClientSecret: envOr("MOCK_CLIENT_SECRET", "mock-secret"),
	}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	c.ErrorRate = rateFromEnv("MOCK_ERROR_RATE")
	c.EmptyRate = rateFromEnv("MOCK_EMPTY_RATE")
	return c
}

func rateFromEnv(key string) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			return f
		}
	}
	return 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	addr := ":" + envOr("PORT", "19010")
	log.Info("starting mock upstream",
		slog.String("addr", addr),
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Float64("empty_rate", cfg.EmptyRate),
	)

	srv := &http.Server{
		Addr:         addr,
		Handler:      newHandler(cfg, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock upstream")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("mock upstream stopped")
}
