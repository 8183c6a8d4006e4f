// Package config loads and validates all runtime configuration for the
// wayfinder daemon.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example TRUSTED_GATEWAYS becomes
// trusted_gateways in YAML.
//
// The daemon runs with zero mandatory settings — the built-in gateway set
// and defaults produce a working localhost proxy. Redis is optional: set
// CACHE_MODE=memory (the default) to run with no external dependencies.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8320.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// Gateways is the static candidate list. Default: the public fallback
	// set (arweave.net, permagate.io, ar-io.dev).
	Gateways []string

	// TrustedGateways are consulted for expected digests during
	// verification. Default: ["https://arweave.net"].
	TrustedGateways []string

	// Routing selects and tunes the gateway-selection strategy.
	Routing RoutingConfig

	// Verification selects and tunes the verification strategy.
	Verification VerificationConfig

	// Redis holds the connection URL for the Redis-backed caches.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls the gateway-list / root-tx / DNS answer caches.
	Cache CacheConfig

	// CircuitBreaker controls per-gateway circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// CDB64ManifestURL points at a partitioned root-transaction index.
	// Empty disables CDB64 lookups.
	CDB64ManifestURL string

	// Telemetry controls tracing headers and metrics exposure.
	Telemetry TelemetryConfig

	// CORSOrigins is the list of allowed CORS origins for the daemon.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// RoutingConfig selects the gateway-selection strategy.
type RoutingConfig struct {
	// Strategy is one of: random, round-robin, fastest-ping, static,
	// preferred. Default: random.
	Strategy string

	// StaticGateway is the pinned origin for the static strategy and the
	// preferred origin for the preferred strategy.
	StaticGateway string

	// PingTimeout bounds each fastest-ping probe round. Default: 2s.
	PingTimeout time.Duration

	// PingConcurrency is how many candidates fastest-ping probes at once.
	// Default: 5.
	PingConcurrency int

	// MaxRetries bounds the routing retry loop. Default: 3.
	MaxRetries int
}

// VerificationConfig selects the verification strategy.
type VerificationConfig struct {
	// Strategy is one of: hash, data-root, signature, none. Default: hash.
	Strategy string

	// Strict withholds client end-of-stream until verification succeeds.
	// Default: false.
	Strict bool

	// StrictSources propagates root-lookup failures instead of degrading to
	// skipped. Default: false.
	StrictSources bool

	// MaxConcurrency bounds parallel trusted fetches. Default: 5.
	MaxConcurrency int

	// Timeout bounds each expected-value fetch. Default: 60s.
	Timeout time.Duration

	// Quorum is how many agreeing trusted answers settle the expected
	// value. Default: 1.
	Quorum int
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the metadata caches.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed (requires REDIS_URL); shared across replicas.
	//   "memory" — In-process TTL cache. No external deps.
	// Default: "memory".
	Mode string

	// GatewaysTTL is how long the provider's gateway list is cached.
	// Default: 1h.
	GatewaysTTL time.Duration
}

// CircuitBreakerConfig controls per-gateway circuit breaker settings.
type CircuitBreakerConfig struct {
	// Enabled turns the breaker on. Default: true.
	Enabled bool

	// ErrorThreshold is the number of errors within TimeWindow that trip
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// TelemetryConfig controls observability.
type TelemetryConfig struct {
	// Enabled turns on trace-id propagation and the /metrics endpoint.
	// Default: true.
	Enabled bool

	// SampleRate is the fraction [0,1] of requests that carry a trace ID.
	// Default: 1.0.
	SampleRate float64
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
	v.SetDefault("PORT", 8320)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("GATEWAYS", []string{})
	v.SetDefault("TRUSTED_GATEWAYS", []string{"https://arweave.net"})
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("ROUTING_STRATEGY", "random")
	v.SetDefault("PING_TIMEOUT", "2s")
	v.SetDefault("PING_CONCURRENCY", 5)
	v.SetDefault("MAX_RETRIES", 3)

	v.SetDefault("VERIFICATION_STRATEGY", "hash")
	v.SetDefault("VERIFICATION_STRICT", false)
	v.SetDefault("VERIFICATION_STRICT_SOURCES", false)
	v.SetDefault("VERIFICATION_MAX_CONCURRENCY", 5)
	v.SetDefault("VERIFICATION_TIMEOUT", "60s")
	v.SetDefault("VERIFICATION_QUORUM", 1)

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("GATEWAYS_CACHE_TTL", "1h")

	v.SetDefault("CB_ENABLED", true)
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("TELEMETRY_ENABLED", true)
	v.SetDefault("TELEMETRY_SAMPLE_RATE", 1.0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Gateways:        v.GetStringSlice("GATEWAYS"),
		TrustedGateways: v.GetStringSlice("TRUSTED_GATEWAYS"),

		Routing: RoutingConfig{
			Strategy:        strings.ToLower(v.GetString("ROUTING_STRATEGY")),
			StaticGateway:   v.GetString("STATIC_GATEWAY"),
			PingTimeout:     v.GetDuration("PING_TIMEOUT"),
			PingConcurrency: v.GetInt("PING_CONCURRENCY"),
			MaxRetries:      v.GetInt("MAX_RETRIES"),
		},

		Verification: VerificationConfig{
			Strategy:       strings.ToLower(v.GetString("VERIFICATION_STRATEGY")),
			Strict:         v.GetBool("VERIFICATION_STRICT"),
			StrictSources:  v.GetBool("VERIFICATION_STRICT_SOURCES"),
			MaxConcurrency: v.GetInt("VERIFICATION_MAX_CONCURRENCY"),
			Timeout:        v.GetDuration("VERIFICATION_TIMEOUT"),
			Quorum:         v.GetInt("VERIFICATION_QUORUM"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:        strings.ToLower(v.GetString("CACHE_MODE")),
			GatewaysTTL: v.GetDuration("GATEWAYS_CACHE_TTL"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			Enabled:         v.GetBool("CB_ENABLED"),
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		CDB64ManifestURL: v.GetString("CDB64_MANIFEST_URL"),

		Telemetry: TelemetryConfig{
			Enabled:    v.GetBool("TELEMETRY_ENABLED"),
			SampleRate: v.GetFloat64("TELEMETRY_SAMPLE_RATE"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	switch c.Routing.Strategy {
	case "random", "round-robin", "fastest-ping", "static", "preferred":
	default:
		return fmt.Errorf(
			"config: invalid ROUTING_STRATEGY %q; must be one of: random, round-robin, fastest-ping, static, preferred",
			c.Routing.Strategy,
		)
	}

	if (c.Routing.Strategy == "static" || c.Routing.Strategy == "preferred") && c.Routing.StaticGateway == "" {
		return fmt.Errorf("config: STATIC_GATEWAY is required when ROUTING_STRATEGY=%s", c.Routing.Strategy)
	}

	switch c.Verification.Strategy {
	case "hash", "data-root", "signature", "none":
	default:
		return fmt.Errorf(
			"config: invalid VERIFICATION_STRATEGY %q; must be one of: hash, data-root, signature, none",
			c.Verification.Strategy,
		)
	}

	if c.Verification.Strategy != "none" && len(c.TrustedGateways) == 0 {
		return fmt.Errorf("config: TRUSTED_GATEWAYS must not be empty when verification is enabled")
	}

	if c.Verification.Quorum < 1 {
		return fmt.Errorf("config: VERIFICATION_QUORUM must be ≥ 1, got %d", c.Verification.Quorum)
	}
	if c.Verification.Quorum > len(c.TrustedGateways) && c.Verification.Strategy != "none" {
		return fmt.Errorf(
			"config: VERIFICATION_QUORUM (%d) exceeds the number of trusted gateways (%d)",
			c.Verification.Quorum, len(c.TrustedGateways),
		)
	}

	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	switch c.Cache.Mode {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory", c.Cache.Mode)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Routing.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Routing.MaxRetries)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("config: TELEMETRY_SAMPLE_RATE must be in [0,1], got %v", c.Telemetry.SampleRate)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}
