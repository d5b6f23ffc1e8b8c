package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError is a validation error for one configuration field.
type FieldError struct {
	// Field is the dotted path to the field (e.g. "engine.scopes.global.capacity").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every field error found in a configuration, so
// an operator fixes one startup failure, not one failure per restart.
type ValidationError struct {
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:", len(e.Errors)))
	for _, fe := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(fe.Error())
	}
	return sb.String()
}

// Validate checks the full configuration. Invalid configuration prevents
// the engine from serving any traffic; nothing here is deferred to
// request time.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateEngine(&cfg.Engine)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateStore(s *StoreConfig) []FieldError {
	var errs []FieldError
	switch s.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		errs = append(errs, FieldError{"store.backend",
			fmt.Sprintf("must be memory, sqlite or redis, got %q", s.Backend)})
	}
	if s.Backend == BackendSQLite && s.SQLite.Path == "" {
		errs = append(errs, FieldError{"store.sqlite.path", "cannot be empty"})
	}
	if s.Backend == BackendRedis && s.Redis.Addr == "" {
		errs = append(errs, FieldError{"store.redis.addr", "cannot be empty"})
	}
	return errs
}

func validateEngine(e *EngineConfig) []FieldError {
	var errs []FieldError

	errs = append(errs, validateScope("engine.scopes.global", &e.Scopes.Global)...)
	errs = append(errs, validateScope("engine.scopes.origin", &e.Scopes.Origin)...)
	errs = append(errs, validateScope("engine.scopes.resource", &e.Scopes.Resource)...)

	if len(e.Tiers.Definitions) == 0 {
		errs = append(errs, FieldError{"engine.tiers.definitions", "at least one tier is required"})
	}
	for name, tc := range e.Tiers.Definitions {
		field := "engine.tiers.definitions." + name
		if tc.Capacity <= 0 {
			errs = append(errs, FieldError{field + ".capacity", "must be > 0"})
		}
		if tc.RefillRate <= 0 {
			errs = append(errs, FieldError{field + ".refill_rate", "must be > 0"})
		}
		if tc.CostMultiplier <= 0 {
			errs = append(errs, FieldError{field + ".cost_multiplier", "must be > 0"})
		}
	}
	if _, ok := e.Tiers.Definitions[e.Tiers.Default]; !ok {
		errs = append(errs, FieldError{"engine.tiers.default",
			fmt.Sprintf("tier %q is not defined", e.Tiers.Default)})
	}

	if e.IdentityFailPolicy != "open" && e.IdentityFailPolicy != "closed" {
		errs = append(errs, FieldError{"engine.identity_fail_policy",
			fmt.Sprintf("must be open or closed, got %q", e.IdentityFailPolicy)})
	}

	if e.Breaker.ErrorThreshold <= 0 || e.Breaker.ErrorThreshold > 1 {
		errs = append(errs, FieldError{"engine.breaker.error_threshold", "must be in (0, 1]"})
	}
	if e.Breaker.MinSamples < 1 {
		errs = append(errs, FieldError{"engine.breaker.min_samples", "must be >= 1"})
	}
	if e.Breaker.Window <= 0 {
		errs = append(errs, FieldError{"engine.breaker.window", "must be > 0"})
	}
	if e.Breaker.Cooldown <= 0 {
		errs = append(errs, FieldError{"engine.breaker.cooldown", "must be > 0"})
	}

	for i, w := range e.Whitelist {
		field := fmt.Sprintf("engine.whitelist[%d]", i)
		if w.Identifier == "" {
			errs = append(errs, FieldError{field + ".identifier", "cannot be empty"})
		}
		switch w.Kind {
		case "exact":
		case "cidr":
			if _, err := netip.ParsePrefix(w.Identifier); err != nil {
				errs = append(errs, FieldError{field + ".identifier",
					fmt.Sprintf("malformed CIDR range %q", w.Identifier)})
			}
		default:
			errs = append(errs, FieldError{field + ".kind",
				fmt.Sprintf("must be exact or cidr, got %q", w.Kind)})
		}
	}

	if e.Adjustment.Enabled {
		if _, err := cron.ParseStandard(e.Adjustment.Schedule); err != nil {
			errs = append(errs, FieldError{"engine.adjustment.schedule",
				fmt.Sprintf("invalid cron expression %q", e.Adjustment.Schedule)})
		}
	}

	return errs
}

func validateScope(field string, s *ScopeConfig) []FieldError {
	if s.Enabled != nil && !*s.Enabled {
		return nil
	}
	var errs []FieldError
	switch s.Strategy {
	case "token_bucket":
		if s.Capacity <= 0 {
			errs = append(errs, FieldError{field + ".capacity", "must be > 0"})
		}
		if s.RefillRate <= 0 {
			errs = append(errs, FieldError{field + ".refill_rate", "must be > 0"})
		}
	case "sliding_window":
		if s.Capacity <= 0 {
			errs = append(errs, FieldError{field + ".capacity", "must be > 0"})
		}
		if s.Window <= 0 {
			errs = append(errs, FieldError{field + ".window", "must be > 0"})
		}
	default:
		errs = append(errs, FieldError{field + ".strategy",
			fmt.Sprintf("must be token_bucket or sliding_window, got %q", s.Strategy)})
	}
	if s.FailPolicy != "open" && s.FailPolicy != "closed" {
		errs = append(errs, FieldError{field + ".fail_policy",
			fmt.Sprintf("must be open or closed, got %q", s.FailPolicy)})
	}
	return errs
}

func validateTelemetry(t *TelemetryConfig) []FieldError {
	var errs []FieldError
	switch t.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, FieldError{"telemetry.logging.level",
			fmt.Sprintf("must be debug, info, warn or error, got %q", t.Logging.Level)})
	}
	switch t.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, FieldError{"telemetry.logging.format",
			fmt.Sprintf("must be json or text, got %q", t.Logging.Format)})
	}
	return errs
}
