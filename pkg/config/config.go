package config

import (
	"time"
)

// Config is the root configuration structure for Gatewarden.
type Config struct {
	// Server contains the HTTP server configuration: listen address,
	// timeouts, and the identity header requests are keyed by.
	Server ServerConfig `yaml:"server"`

	// Store selects and configures the shared state backend.
	Store StoreConfig `yaml:"store"`

	// Engine configures the admission controller: scopes, tiers, circuit
	// breaker, whitelist seeds and failure policies.
	Engine EngineConfig `yaml:"engine"`

	// Telemetry configures logging and metrics exposure.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains configuration for the HTTP server.
type ServerConfig struct {
	// ListenAddress is the address and port to listen on.
	// Default: "127.0.0.1:8080".
	ListenAddress string `yaml:"listen_address"`

	// IdentityHeader is the request header carrying the caller identity.
	// Default: "X-Api-Key".
	IdentityHeader string `yaml:"identity_header"`

	// ReadTimeout is the maximum duration for reading a request.
	// Default: 30s.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration for writing a response.
	// Default: 30s.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the keep-alive idle timeout. Default: 120s.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Default: 30s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// StoreConfig selects the state backend.
type StoreConfig struct {
	// Backend is "memory", "sqlite" or "redis". Default: "memory".
	Backend string `yaml:"backend"`

	// SQLite configures the sqlite backend.
	SQLite SQLiteConfig `yaml:"sqlite"`

	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis"`
}

// SQLiteConfig contains SQLite backend settings.
type SQLiteConfig struct {
	// Path is the database file path. Default: "data/gatewarden.db".
	Path string `yaml:"path"`

	// BusyTimeout is the lock wait budget. Default: 5s.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// RedisConfig contains Redis backend settings.
type RedisConfig struct {
	// Addr is "host:port". Default: "127.0.0.1:6379".
	Addr string `yaml:"addr"`

	// Password is the optional AUTH password.
	Password string `yaml:"password"`

	// DB is the logical database number.
	DB int `yaml:"db"`

	// MaxTxRetries bounds the optimistic transaction retry loop.
	// Default: 16.
	MaxTxRetries int `yaml:"max_tx_retries"`
}

// EngineConfig configures the admission controller.
type EngineConfig struct {
	// Scopes configures the aggregate quota scopes.
	Scopes ScopesConfig `yaml:"scopes"`

	// Tiers configures the identity quota tiers.
	Tiers TiersConfig `yaml:"tiers"`

	// IdentityFailPolicy is "open" or "closed" for the identity scope
	// when the store is unreachable. Default: "closed".
	IdentityFailPolicy string `yaml:"identity_fail_policy"`

	// Breaker configures circuit breaker gating.
	Breaker BreakerConfig `yaml:"breaker"`

	// Whitelist seeds bypass entries at startup.
	Whitelist []WhitelistEntryConfig `yaml:"whitelist"`

	// WhitelistRefreshInterval is how often the parsed whitelist snapshot
	// is reloaded from the store, so multi-instance deployments converge.
	// Default: 30s.
	WhitelistRefreshInterval time.Duration `yaml:"whitelist_refresh_interval"`

	// Adjustment configures cadence-driven tier adjustment.
	Adjustment AdjustmentConfig `yaml:"adjustment"`
}

// ScopesConfig holds per-scope quota settings.
type ScopesConfig struct {
	Global   ScopeConfig `yaml:"global"`
	Origin   ScopeConfig `yaml:"origin"`
	Resource ScopeConfig `yaml:"resource"`
}

// ScopeConfig configures one aggregate scope.
type ScopeConfig struct {
	// Enabled turns the scope on. Default: true for global, origin and
	// resource.
	Enabled *bool `yaml:"enabled"`

	// Strategy is "token_bucket" or "sliding_window".
	// Default: "token_bucket".
	Strategy string `yaml:"strategy"`

	// Capacity is the bucket or window capacity.
	Capacity float64 `yaml:"capacity"`

	// RefillRate is tokens per second (token bucket).
	RefillRate float64 `yaml:"refill_rate"`

	// Window is the window length (sliding window). Default: 1m.
	Window time.Duration `yaml:"window"`

	// FailPolicy is "open" or "closed" when the store is unreachable.
	// Defaults: global closed, origin open, resource closed.
	FailPolicy string `yaml:"fail_policy"`
}

// TiersConfig holds the tier table.
type TiersConfig struct {
	// Default is the tier for identities without a binding.
	// Default: "free".
	Default string `yaml:"default"`

	// Definitions maps tier name to parameters.
	Definitions map[string]TierConfig `yaml:"definitions"`
}

// TierConfig is one tier's parameters.
type TierConfig struct {
	Capacity       float64 `yaml:"capacity"`
	RefillRate     float64 `yaml:"refill_rate"`
	CostMultiplier float64 `yaml:"cost_multiplier"`
}

// BreakerConfig configures circuit breaker gating.
type BreakerConfig struct {
	// Enabled turns breaker gating on. Default: true.
	Enabled *bool `yaml:"enabled"`

	// ErrorThreshold is the failure rate that opens a circuit.
	// Default: 0.5.
	ErrorThreshold float64 `yaml:"error_threshold"`

	// MinSamples is the minimum observations before the threshold
	// applies. Default: 10.
	MinSamples int `yaml:"min_samples"`

	// Window is the trailing observation window. Default: 1m.
	Window time.Duration `yaml:"window"`

	// Cooldown is the open-state wait before probing. Default: 30s.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WhitelistEntryConfig seeds one bypass entry.
type WhitelistEntryConfig struct {
	// Identifier is the exact identity or CIDR range text.
	Identifier string `yaml:"identifier"`

	// Kind is "exact" or "cidr".
	Kind string `yaml:"kind"`

	// Reason records why the entry exists.
	Reason string `yaml:"reason"`

	// TTL optionally expires the entry. Zero means permanent.
	TTL time.Duration `yaml:"ttl"`
}

// AdjustmentConfig configures cadence-driven tier adjustment.
type AdjustmentConfig struct {
	// Enabled turns adjustment on. Default: false.
	Enabled bool `yaml:"enabled"`

	// Schedule is standard cron syntax. Default: "*/1 * * * *".
	Schedule string `yaml:"schedule"`

	// CPUHigh, ErrorRateHigh, ShrinkFactor and FloorFraction tune the
	// adjustment function; see the policy package for semantics.
	CPUHigh       float64 `yaml:"cpu_high"`
	ErrorRateHigh float64 `yaml:"error_rate_high"`
	ShrinkFactor  float64 `yaml:"shrink_factor"`
	FloorFraction float64 `yaml:"floor_fraction"`
}

// TelemetryConfig configures observability.
type TelemetryConfig struct {
	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`

	// MetricsEnabled exposes Prometheus metrics at /metrics.
	// Default: true.
	MetricsEnabled *bool `yaml:"metrics_enabled"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error". Default: "info".
	Level string `yaml:"level"`

	// Format is "json" or "text". Default: "json".
	Format string `yaml:"format"`

	// AddSource includes file:line in log entries.
	AddSource bool `yaml:"add_source"`
}
