// Package config loads and validates all runtime configuration for the warmer.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example WARM_SCHEDULE becomes
// warm_schedule in YAML.
//
// Redis is optional. STORE_MODE=memory runs everything in-process and
// STORE_MODE=sqlite keeps the cache in a local database file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/product-cache/internal/schedule"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Store selects and configures the cache store backend.
	Store StoreConfig

	// Redis holds the connection URL for the Redis store and the shared
	// upstream call budget.
	Redis RedisConfig

	// Upstream configures the product API client.
	Upstream UpstreamConfig

	// CircuitBreaker controls per-endpoint circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Warm controls the warming scheduler.
	Warm WarmConfig

	// Sweep controls the eviction sweeper.
	Sweep SweepConfig

	// Auth holds the credentials for the HTTP endpoints.
	Auth AuthConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// ClickHouseDSN, when set, sends the run audit log to ClickHouse instead
	// of the process log.
	ClickHouseDSN string
}

// StoreConfig selects the cache store backend.
type StoreConfig struct {
	// Mode is one of:
	//   "redis"  - shared Redis store (requires REDIS_URL). Recommended for production.
	//   "sqlite" - embedded database file at SQLitePath.
	//   "memory" - in-process store. Not shared across replicas.
	// Default: "memory".
	Mode string

	// SQLitePath is the database file used when Mode is "sqlite".
	// Default: "product-cache.db".
	SQLitePath string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// UpstreamConfig configures the product search API.
type UpstreamConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Scope        string
	// Timeout bounds every upstream HTTP call. Default: 10s.
	Timeout time.Duration
	// ResultLimit is filter.limit on every search. Default: 10.
	ResultLimit int
	// RPMLimit caps upstream calls per minute across all replicas. Requires
	// Redis. 0 disables the budget. Default: 0.
	RPMLimit int
}

// CircuitBreakerConfig controls per-endpoint circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of consecutive errors that trip the breaker.
	// Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single trial request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// WarmConfig controls the warming scheduler.
type WarmConfig struct {
	// Schedule is the periodic warm cadence. Default: "every 12 hours".
	Schedule string
	// Timezone anchors Schedule. Default: "UTC".
	Timezone string

	// Cooldown skips locations warmed more recently than this. Default: 6h.
	Cooldown time.Duration
	// OnDemandCooldown applies to user-triggered warms. Default: Cooldown.
	OnDemandCooldown time.Duration

	MaxLocations int           // Default: 10.
	MaxItems     int           // Default: 25.
	ScanLimit    int           // Default: 1000.
	Delay        time.Duration // Default: 500ms.
	// EssentialDelay paces the essential phase of an on-demand warm.
	// Default: 200ms.
	EssentialDelay time.Duration

	// ExcludeTerms is a list of catalog terms that must never be warmed.
	ExcludeTerms []string
	// ExcludePatterns is a list of Go regular expressions matched against
	// normalized terms. Matching terms are not warmed.
	// Example: ["^frozen_", "ice_cream"]
	ExcludePatterns []string

	// Locations is a static directory used when the store has no active
	// accounts.
	Locations []string
}

// SweepConfig controls the eviction sweeper.
type SweepConfig struct {
	// Schedule is the periodic sweep cadence. Default: "every 24 hours".
	Schedule string
	// Timezone anchors Schedule. Default: "UTC".
	Timezone string
	// BatchSize bounds every delete page. Default: 500.
	BatchSize int
	// ImageRetention is how long generated images are kept. Default: 720h.
	ImageRetention time.Duration
}

// AuthConfig holds the credentials for the HTTP endpoints.
type AuthConfig struct {
	// TriggerSecret guards /admin/*. Empty disables those routes.
	TriggerSecret string
	// JWTSecret verifies bearer tokens on /v1/warm. Empty disables the route.
	JWTSecret string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_MODE", "memory")
	v.SetDefault("SQLITE_PATH", "product-cache.db")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Upstream defaults.
	v.SetDefault("UPSTREAM_BASE_URL", "https://api.kroger.com")
	v.SetDefault("UPSTREAM_SCOPE", "product.compact")
	v.SetDefault("UPSTREAM_TIMEOUT", "10s")
	v.SetDefault("UPSTREAM_RESULT_LIMIT", 10)
	v.SetDefault("UPSTREAM_RPM_LIMIT", 0)

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// Warming defaults.
	v.SetDefault("WARM_SCHEDULE", "every 12 hours")
	v.SetDefault("WARM_TIMEZONE", "UTC")
	v.SetDefault("WARM_COOLDOWN", "6h")
	v.SetDefault("WARM_MAX_LOCATIONS", 10)
	v.SetDefault("WARM_MAX_ITEMS", 25)
	v.SetDefault("WARM_SCAN_LIMIT", 1000)
	v.SetDefault("WARM_DELAY", "500ms")
	v.SetDefault("WARM_ESSENTIAL_DELAY", "200ms")

	// Sweep defaults.
	v.SetDefault("SWEEP_SCHEDULE", "every 24 hours")
	v.SetDefault("SWEEP_TIMEZONE", "UTC")
	v.SetDefault("SWEEP_BATCH_SIZE", 500)
	v.SetDefault("IMAGE_RETENTION", "720h")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Store: StoreConfig{
			Mode:       strings.ToLower(v.GetString("STORE_MODE")),
			SQLitePath: v.GetString("SQLITE_PATH"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Upstream: UpstreamConfig{
			BaseURL:      strings.TrimRight(v.GetString("UPSTREAM_BASE_URL"), "/"),
			ClientID:     v.GetString("UPSTREAM_CLIENT_ID"),
			ClientSecret: v.GetString("UPSTREAM_CLIENT_SECRET"),
			Scope:        v.GetString("UPSTREAM_SCOPE"),
			Timeout:      v.GetDuration("UPSTREAM_TIMEOUT"),
			ResultLimit:  v.GetInt("UPSTREAM_RESULT_LIMIT"),
			RPMLimit:     v.GetInt("UPSTREAM_RPM_LIMIT"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		Warm: WarmConfig{
			Schedule:         v.GetString("WARM_SCHEDULE"),
			Timezone:         v.GetString("WARM_TIMEZONE"),
			Cooldown:         v.GetDuration("WARM_COOLDOWN"),
			OnDemandCooldown: v.GetDuration("WARM_ONDEMAND_COOLDOWN"),
			MaxLocations:     v.GetInt("WARM_MAX_LOCATIONS"),
			MaxItems:         v.GetInt("WARM_MAX_ITEMS"),
			ScanLimit:        v.GetInt("WARM_SCAN_LIMIT"),
			Delay:            v.GetDuration("WARM_DELAY"),
			EssentialDelay:   v.GetDuration("WARM_ESSENTIAL_DELAY"),
			ExcludeTerms:     getList(v, "WARM_EXCLUDE_TERMS"),
			ExcludePatterns:  getList(v, "WARM_EXCLUDE_PATTERNS"),
			Locations:        getList(v, "WARM_LOCATIONS"),
		},

		Sweep: SweepConfig{
			Schedule:       v.GetString("SWEEP_SCHEDULE"),
			Timezone:       v.GetString("SWEEP_TIMEZONE"),
			BatchSize:      v.GetInt("SWEEP_BATCH_SIZE"),
			ImageRetention: v.GetDuration("IMAGE_RETENTION"),
		},

		Auth: AuthConfig{
			TriggerSecret: v.GetString("TRIGGER_SECRET"),
			JWTSecret:     v.GetString("AUTH_JWT_SECRET"),
		},

		CORSOrigins:   getList(v, "CORS_ORIGINS"),
		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
	}

	if cfg.Warm.OnDemandCooldown <= 0 {
		cfg.Warm.OnDemandCooldown = cfg.Warm.Cooldown
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// Validate store mode value.
	switch c.Store.Mode {
	case "redis", "memory", "sqlite":
	default:
		return fmt.Errorf(
			"config: invalid STORE_MODE %q; must be one of: redis, sqlite, memory",
			c.Store.Mode,
		)
	}

	// Redis URL is required when the store or the call budget lives in Redis.
	if c.Store.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when STORE_MODE=redis; " +
				"set STORE_MODE=memory to use the built-in in-process store",
		)
	}
	if c.Upstream.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when UPSTREAM_RPM_LIMIT > 0")
	}
	if c.Store.Mode == "sqlite" && c.Store.SQLitePath == "" {
		return fmt.Errorf("config: SQLITE_PATH is required when STORE_MODE=sqlite")
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}
	if c.Upstream.ResultLimit < 1 || c.Upstream.ResultLimit > 50 {
		return fmt.Errorf("config: UPSTREAM_RESULT_LIMIT must be in 1..50, got %d", c.Upstream.ResultLimit)
	}

	// Schedules must parse now rather than at the first tick.
	if _, err := schedule.Parse(c.Warm.Schedule, c.Warm.Timezone); err != nil {
		return fmt.Errorf("config: WARM_SCHEDULE: %w", err)
	}
	if _, err := schedule.Parse(c.Sweep.Schedule, c.Sweep.Timezone); err != nil {
		return fmt.Errorf("config: SWEEP_SCHEDULE: %w", err)
	}

	if c.Warm.Cooldown <= 0 {
		return fmt.Errorf("config: WARM_COOLDOWN must be a positive duration")
	}
	if c.Warm.OnDemandCooldown > c.Warm.Cooldown {
		return fmt.Errorf("config: WARM_ONDEMAND_COOLDOWN must not exceed WARM_COOLDOWN")
	}
	if c.Warm.MaxLocations < 1 || c.Warm.MaxItems < 1 || c.Warm.ScanLimit < 1 {
		return fmt.Errorf("config: WARM_MAX_LOCATIONS, WARM_MAX_ITEMS and WARM_SCAN_LIMIT must be ≥ 1")
	}
	// The upstream is rate limited; a zero pause would also read as "use the
	// default" further down.
	if c.Warm.Delay <= 0 || c.Warm.EssentialDelay <= 0 {
		return fmt.Errorf("config: WARM_DELAY and WARM_ESSENTIAL_DELAY must be positive durations")
	}

	if c.Sweep.BatchSize < 1 {
		return fmt.Errorf("config: SWEEP_BATCH_SIZE must be ≥ 1, got %d", c.Sweep.BatchSize)
	}
	if c.Sweep.ImageRetention <= 0 {
		return fmt.Errorf("config: IMAGE_RETENTION must be a positive duration")
	}

	return nil
}

// HasUpstreamCredentials reports whether warming can obtain tokens.
func (c *Config) HasUpstreamCredentials() bool {
	return c.Upstream.ClientID != "" && c.Upstream.ClientSecret != ""
}

// getList accepts both YAML lists and comma-separated env values. Items keep
// their inner spaces, so "ice cream" stays one term.
func getList(v *viper.Viper, key string) []string {
	var raw []string
	switch t := v.Get(key).(type) {
	case string:
		raw = strings.Split(t, ",")
	case []string:
		raw = t
	case []any:
		for _, item := range t {
			raw = append(raw, fmt.Sprint(item))
		}
	}
	var out []string
	for _, item := range raw {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
