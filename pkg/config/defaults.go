package config

import "time"

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultIdentityHeader  = "X-Api-Key"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	// Store defaults
	DefaultStoreBackend      = "memory"
	DefaultSQLitePath        = "data/gatewarden.db"
	DefaultSQLiteBusyTimeout = 5 * time.Second
	DefaultRedisAddr         = "127.0.0.1:6379"
	DefaultRedisMaxTxRetries = 16

	// Scope defaults
	DefaultScopeStrategy = "token_bucket"
	DefaultScopeWindow   = time.Minute

	// Global scope: generous aggregate ceiling.
	DefaultGlobalCapacity   = 10000
	DefaultGlobalRefillRate = 1000

	// Origin scope: coarse per-address abuse prevention.
	DefaultOriginCapacity   = 600
	DefaultOriginRefillRate = 100

	// Resource scope: protects expensive endpoints.
	DefaultResourceCapacity   = 2000
	DefaultResourceRefillRate = 200

	// Tier defaults
	DefaultTierName = "free"

	// Breaker defaults
	DefaultBreakerErrorThreshold = 0.5
	DefaultBreakerMinSamples     = 10
	DefaultBreakerWindow         = time.Minute
	DefaultBreakerCooldown       = 30 * time.Second

	// Engine defaults
	DefaultWhitelistRefreshInterval = 30 * time.Second
	DefaultAdjustmentSchedule       = "*/1 * * * *"

	// Logging defaults
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// defaultTiers is the tier table used when none is configured.
var defaultTiers = map[string]TierConfig{
	"free":       {Capacity: 100, RefillRate: 1, CostMultiplier: 1.0},
	"basic":      {Capacity: 500, RefillRate: 10, CostMultiplier: 1.0},
	"pro":        {Capacity: 2000, RefillRate: 50, CostMultiplier: 0.8},
	"enterprise": {Capacity: 10000, RefillRate: 250, CostMultiplier: 0.5},
}

// ApplyDefaults fills zero-valued fields with defaults. Called by
// LoadConfig before validation; exported so tests can build configurations
// from partial literals.
func ApplyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(&cfg.Store)
	applyEngineDefaults(&cfg.Engine)
	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyServerDefaults(s *ServerConfig) {
	if s.ListenAddress == "" {
		s.ListenAddress = DefaultListenAddress
	}
	if s.IdentityHeader == "" {
		s.IdentityHeader = DefaultIdentityHeader
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func applyStoreDefaults(s *StoreConfig) {
	if s.Backend == "" {
		s.Backend = DefaultStoreBackend
	}
	if s.SQLite.Path == "" {
		s.SQLite.Path = DefaultSQLitePath
	}
	if s.SQLite.BusyTimeout == 0 {
		s.SQLite.BusyTimeout = DefaultSQLiteBusyTimeout
	}
	if s.Redis.Addr == "" {
		s.Redis.Addr = DefaultRedisAddr
	}
	if s.Redis.MaxTxRetries == 0 {
		s.Redis.MaxTxRetries = DefaultRedisMaxTxRetries
	}
}

func applyEngineDefaults(e *EngineConfig) {
	applyScopeDefaults(&e.Scopes.Global, DefaultGlobalCapacity, DefaultGlobalRefillRate, "closed")
	applyScopeDefaults(&e.Scopes.Origin, DefaultOriginCapacity, DefaultOriginRefillRate, "open")
	applyScopeDefaults(&e.Scopes.Resource, DefaultResourceCapacity, DefaultResourceRefillRate, "closed")

	if e.Tiers.Default == "" {
		e.Tiers.Default = DefaultTierName
	}
	if len(e.Tiers.Definitions) == 0 {
		e.Tiers.Definitions = make(map[string]TierConfig, len(defaultTiers))
		for name, tc := range defaultTiers {
			e.Tiers.Definitions[name] = tc
		}
	}
	for name, tc := range e.Tiers.Definitions {
		if tc.CostMultiplier == 0 {
			tc.CostMultiplier = 1.0
			e.Tiers.Definitions[name] = tc
		}
	}

	if e.IdentityFailPolicy == "" {
		e.IdentityFailPolicy = "closed"
	}

	if e.Breaker.Enabled == nil {
		e.Breaker.Enabled = boolPtr(true)
	}
	if e.Breaker.ErrorThreshold == 0 {
		e.Breaker.ErrorThreshold = DefaultBreakerErrorThreshold
	}
	if e.Breaker.MinSamples == 0 {
		e.Breaker.MinSamples = DefaultBreakerMinSamples
	}
	if e.Breaker.Window == 0 {
		e.Breaker.Window = DefaultBreakerWindow
	}
	if e.Breaker.Cooldown == 0 {
		e.Breaker.Cooldown = DefaultBreakerCooldown
	}

	if e.WhitelistRefreshInterval == 0 {
		e.WhitelistRefreshInterval = DefaultWhitelistRefreshInterval
	}
	if e.Adjustment.Schedule == "" {
		e.Adjustment.Schedule = DefaultAdjustmentSchedule
	}
}

func applyScopeDefaults(s *ScopeConfig, capacity, refillRate float64, failPolicy string) {
	if s.Enabled == nil {
		s.Enabled = boolPtr(true)
	}
	if s.Strategy == "" {
		s.Strategy = DefaultScopeStrategy
	}
	if s.Capacity == 0 {
		s.Capacity = capacity
	}
	if s.RefillRate == 0 {
		s.RefillRate = refillRate
	}
	if s.Window == 0 {
		s.Window = DefaultScopeWindow
	}
	if s.FailPolicy == "" {
		s.FailPolicy = failPolicy
	}
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLogLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLogFormat
	}
	if t.MetricsEnabled == nil {
		t.MetricsEnabled = boolPtr(true)
	}
}

func boolPtr(b bool) *bool { return &b }
