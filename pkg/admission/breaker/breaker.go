// Package breaker implements the per-scope circuit breaker that gates the
// admission engine.
//
// Each scope key carries a three-state machine persisted in the shared
// store:
//
//	closed ──(error rate ≥ threshold over the trailing window,
//	          with at least MinSamples observations)──> open
//	open ──(cool-down elapsed)──> half-open
//	half-open ──(success)──> closed
//	half-open ──(failure)──> open
//
// While open, every request for the scope is rejected before any quota
// accounting, so a failing downstream is shielded without charging the
// caller's budget. The minimum sample guard keeps a single early failure
// on a quiet scope from opening the circuit.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gatewarden-hq/gatewarden/pkg/admission/clock"
	"gatewarden-hq/gatewarden/pkg/admission/store"
	"gatewarden-hq/gatewarden/pkg/telemetry/logging"
)

// State names a breaker position.
type State string

const (
	// StateClosed passes traffic and counts outcomes.
	StateClosed State = "closed"

	// StateOpen rejects all traffic until the cool-down elapses.
	StateOpen State = "open"

	// StateHalfOpen admits a single probe request; its recorded outcome
	// decides whether the circuit closes again or re-opens. Further
	// traffic is rejected while the probe is in flight.
	StateHalfOpen State = "half_open"
)

// Config tunes the breaker state machine.
type Config struct {
	// ErrorThreshold is the failure rate (0..1] that opens the circuit.
	// Default: 0.5.
	ErrorThreshold float64 `yaml:"error_threshold"`

	// MinSamples is the minimum observations in the trailing window before
	// the threshold applies. Default: 10.
	MinSamples int `yaml:"min_samples"`

	// Window is the trailing observation window. Counts reset when it
	// elapses. Default: 1 minute.
	Window time.Duration `yaml:"window"`

	// Cooldown is how long an open circuit waits before probing.
	// Default: 30 seconds.
	Cooldown time.Duration `yaml:"cooldown"`
}

// Validate rejects thresholds the state machine cannot honor.
func (c Config) Validate() error {
	if c.ErrorThreshold <= 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("error threshold must be in (0, 1], got %v", c.ErrorThreshold)
	}
	if c.MinSamples < 1 {
		return fmt.Errorf("min samples must be >= 1, got %d", c.MinSamples)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be > 0, got %v", c.Window)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be > 0, got %v", c.Cooldown)
	}
	return nil
}

// Defaults fills zero fields with production defaults.
func (c Config) Defaults() Config {
	if c.ErrorThreshold == 0 {
		c.ErrorThreshold = 0.5
	}
	if c.MinSamples == 0 {
		c.MinSamples = 10
	}
	if c.Window == 0 {
		c.Window = time.Minute
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// breakerState is the persisted per-key state.
type breakerState struct {
	State       State   `json:"state"`
	WindowStart float64 `json:"window_start"`
	Total       int     `json:"total"`
	Errors      int     `json:"errors"`
	OpenedAt    float64 `json:"opened_at,omitempty"`

	// ProbeStartedAt is set while a half-open probe is in flight. Zero
	// means no probe is out. A probe whose outcome never arrives goes
	// stale after one cool-down and a new one may be admitted.
	ProbeStartedAt float64 `json:"probe_started_at,omitempty"`
}

const keyPrefix = "breaker:"

// Breaker is the circuit breaker over the shared store. It holds no state
// in-process; like the accountants, each call is one store transaction.
type Breaker struct {
	store  store.Store
	clock  clock.Clock
	logger *logging.Logger
	config Config
}

// New creates a Breaker. Zero config fields take defaults.
func New(st store.Store, clk clock.Clock, logger *logging.Logger, cfg Config) (*Breaker, error) {
	cfg = cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("breaker config: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Breaker{store: st, clock: clk, logger: logger, config: cfg}, nil
}

// Allow reports whether traffic may pass for the scope key. An open
// circuit whose cool-down has elapsed transitions to half-open and admits
// one probe in the same transaction; everything else is rejected until
// the probe's outcome arrives.
func (b *Breaker) Allow(ctx context.Context, scopeKey string) (bool, error) {
	key := keyPrefix + scopeKey
	now := b.nowSeconds()

	allowed := true
	err := b.store.Update(ctx, []string{key}, func(tx store.Tx) error {
		st, ok := b.load(tx, key)
		if !ok {
			return nil // no history, closed by definition
		}

		switch st.State {
		case StateOpen:
			if now-st.OpenedAt >= b.config.Cooldown.Seconds() {
				st.State = StateHalfOpen
				st.ProbeStartedAt = now
				b.logger.Info("circuit half-open, probing", "scope_key", scopeKey)
				return b.save(tx, key, st)
			}
			allowed = false
		case StateHalfOpen:
			if now-st.ProbeStartedAt < b.config.Cooldown.Seconds() {
				allowed = false // one probe at a time
				return nil
			}
			st.ProbeStartedAt = now
			b.logger.Info("circuit probe outcome lost, reprobing", "scope_key", scopeKey)
			return b.save(tx, key, st)
		case StateClosed:
			// pass
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// RecordOutcome feeds one observed success or failure into the trailing
// window and drives the state transitions.
func (b *Breaker) RecordOutcome(ctx context.Context, scopeKey string, success bool) error {
	key := keyPrefix + scopeKey
	now := b.nowSeconds()

	return b.store.Update(ctx, []string{key}, func(tx store.Tx) error {
		st, ok := b.load(tx, key)
		if !ok {
			st = breakerState{State: StateClosed, WindowStart: now}
		}

		switch st.State {
		case StateHalfOpen:
			if success {
				st = breakerState{State: StateClosed, WindowStart: now}
				b.logger.Info("circuit closed", "scope_key", scopeKey)
			} else {
				st.State = StateOpen
				st.OpenedAt = now
				st.ProbeStartedAt = 0
				b.logger.Warn("circuit re-opened after failed probe", "scope_key", scopeKey)
			}

		case StateClosed:
			if now-st.WindowStart >= b.config.Window.Seconds() {
				st.WindowStart = now
				st.Total = 0
				st.Errors = 0
			}
			st.Total++
			if !success {
				st.Errors++
			}
			if st.Total >= b.config.MinSamples &&
				float64(st.Errors)/float64(st.Total) >= b.config.ErrorThreshold {
				st.State = StateOpen
				st.OpenedAt = now
				b.logger.Warn("circuit opened",
					"scope_key", scopeKey,
					"errors", st.Errors,
					"total", st.Total)
			}

		case StateOpen:
			// Outcomes recorded while open carry no signal; the cool-down
			// alone decides when to probe.
		}

		return b.save(tx, key, st)
	})
}

// CurrentState returns the persisted state for a scope key, for the
// administrative surface. Absent state reads as closed.
func (b *Breaker) CurrentState(ctx context.Context, scopeKey string) (State, error) {
	value, ok, err := b.store.Get(ctx, keyPrefix+scopeKey)
	if err != nil {
		return "", err
	}
	if !ok {
		return StateClosed, nil
	}
	var st breakerState
	if err := json.Unmarshal(value, &st); err != nil {
		return StateClosed, nil
	}
	return st.State, nil
}

func (b *Breaker) load(tx store.Tx, key string) (breakerState, bool) {
	value, ok := tx.Get(key)
	if !ok {
		return breakerState{}, false
	}
	var st breakerState
	if err := json.Unmarshal(value, &st); err != nil {
		b.logger.Warn("discarding unreadable breaker state", "key", key, "error", err)
		return breakerState{}, false
	}
	return st, true
}

func (b *Breaker) save(tx store.Tx, key string, st breakerState) error {
	value, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tx.Set(key, value, 2*(b.config.Window+b.config.Cooldown))
	return nil
}

func (b *Breaker) nowSeconds() float64 {
	return float64(b.clock.Now().UnixNano()) / float64(time.Second)
}
