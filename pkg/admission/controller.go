package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gatewarden-hq/gatewarden/pkg/admission/breaker"
	"gatewarden-hq/gatewarden/pkg/admission/bucket"
	"gatewarden-hq/gatewarden/pkg/admission/clock"
	"gatewarden-hq/gatewarden/pkg/admission/store"
	"gatewarden-hq/gatewarden/pkg/admission/tier"
	"gatewarden-hq/gatewarden/pkg/admission/whitelist"
	"gatewarden-hq/gatewarden/pkg/telemetry/logging"
)

// ScopeConfig configures one quota scope.
type ScopeConfig struct {
	// Enabled turns the scope on. Disabled scopes are skipped entirely.
	Enabled bool

	// Strategy selects token bucket or sliding window accounting.
	Strategy Strategy

	// Capacity is the bucket capacity or window capacity.
	Capacity float64

	// RefillRate is tokens per second (token bucket strategy).
	RefillRate float64

	// Window is the window length (sliding window strategy).
	Window time.Duration

	// FailPolicy applies when the store is unreachable for this scope.
	FailPolicy FailPolicy
}

func (c ScopeConfig) validate(name Scope) error {
	if !c.Enabled {
		return nil
	}
	switch c.Strategy {
	case StrategyTokenBucket:
		if err := (bucket.Params{Capacity: c.Capacity, RefillRate: c.RefillRate}).Validate(); err != nil {
			return fmt.Errorf("%w: scope %s: %v", ErrConfiguration, name, err)
		}
	case StrategySlidingWindow:
		if c.Capacity <= 0 {
			return fmt.Errorf("%w: scope %s: capacity must be > 0", ErrConfiguration, name)
		}
		if c.Window <= 0 {
			return fmt.Errorf("%w: scope %s: window must be > 0", ErrConfiguration, name)
		}
	default:
		return fmt.Errorf("%w: scope %s: unknown strategy %q", ErrConfiguration, name, c.Strategy)
	}
	switch c.FailPolicy {
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("%w: scope %s: unknown fail policy %q", ErrConfiguration, name, c.FailPolicy)
	}
	return nil
}

// Config configures the Controller.
type Config struct {
	// Global, Origin and Resource configure the aggregate scopes.
	Global   ScopeConfig
	Origin   ScopeConfig
	Resource ScopeConfig

	// IdentityFailPolicy applies to the identity-tier scope, whose bucket
	// parameters come from the resolved tier rather than static config.
	IdentityFailPolicy FailPolicy

	// BreakerEnabled turns circuit breaker gating on.
	BreakerEnabled bool

	// Breaker tunes the circuit breaker state machine.
	Breaker breaker.Config
}

// failClosedReason is the caller-visible reason for fail-closed denials.
const failClosedReason = "service protecting itself"

// Controller is the multi-level admission controller. It is stateless over
// the shared store and safe for concurrent use.
type Controller struct {
	cfg     Config
	store   store.Store
	clock   clock.Clock
	logger  *logging.Logger
	metrics *Metrics
	stats   *StatsRecorder

	tokenBucket   *bucket.TokenBucket
	slidingWindow *bucket.SlidingWindow
	tiers         *tier.Registry
	whitelist     *whitelist.Registry
	breaker       *breaker.Breaker
}

// ControllerDeps carries the collaborators a Controller is assembled from.
type ControllerDeps struct {
	Store     store.Store
	Clock     clock.Clock // nil = real clock
	Logger    *logging.Logger
	Metrics   *Metrics // nil disables instrumentation
	Tiers     *tier.Registry
	Whitelist *whitelist.Registry
}

// NewController validates the configuration and assembles the engine.
// Configuration errors are fatal here; they are never discovered at
// request time.
func NewController(cfg Config, deps ControllerDeps) (*Controller, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrConfiguration)
	}
	if deps.Tiers == nil {
		return nil, fmt.Errorf("%w: tier registry is required", ErrConfiguration)
	}
	if deps.Whitelist == nil {
		return nil, fmt.Errorf("%w: whitelist registry is required", ErrConfiguration)
	}

	if err := cfg.Global.validate(ScopeGlobal); err != nil {
		return nil, err
	}
	if err := cfg.Origin.validate(ScopeOrigin); err != nil {
		return nil, err
	}
	if err := cfg.Resource.validate(ScopeResource); err != nil {
		return nil, err
	}
	switch cfg.IdentityFailPolicy {
	case FailOpen, FailClosed:
	default:
		return nil, fmt.Errorf("%w: unknown identity fail policy %q", ErrConfiguration, cfg.IdentityFailPolicy)
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	c := &Controller{
		cfg:           cfg,
		store:         deps.Store,
		clock:         clk,
		logger:        logger,
		metrics:       deps.Metrics,
		stats:         NewStatsRecorder(),
		tokenBucket:   bucket.NewTokenBucket(deps.Store, clk, logger),
		slidingWindow: bucket.NewSlidingWindow(deps.Store, clk, logger),
		tiers:         deps.Tiers,
		whitelist:     deps.Whitelist,
	}

	if cfg.BreakerEnabled {
		br, err := breaker.New(deps.Store, clk, logger, cfg.Breaker)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		c.breaker = br
	}

	return c, nil
}

// Stats exposes the in-process outcome counters.
func (c *Controller) Stats() *StatsRecorder { return c.stats }

// Tiers exposes the tier registry for the administrative surface.
func (c *Controller) Tiers() *tier.Registry { return c.tiers }

// Whitelist exposes the whitelist registry for the administrative surface.
func (c *Controller) Whitelist() *whitelist.Registry { return c.whitelist }

// CheckAdmission decides whether one unit of work may proceed.
//
// The caller always receives a well-formed Result. Store outages are
// absorbed by each scope's failure policy and never surface as errors;
// the returned error is reserved for internal faults (corrupt state the
// backend could not round-trip) and is nil in normal operation.
func (c *Controller) CheckAdmission(ctx context.Context, req Request) (Result, error) {
	start := c.clock.Now()
	res, err := c.check(ctx, req)
	c.metrics.observeCheckDuration(c.clock.Now().Sub(start).Seconds())
	if err != nil {
		return res, err
	}

	c.metrics.recordCheck(res.Allowed)
	switch {
	case res.Bypassed:
		c.stats.RecordBypassed()
		c.metrics.recordBypass()
	case res.Allowed:
		c.stats.RecordAdmitted(res.Tier)
	default:
		c.stats.RecordRejected(res.LimitingScope, res.Tier)
		c.metrics.recordRejection(res.LimitingScope)
	}
	return res, nil
}

func (c *Controller) check(ctx context.Context, req Request) (Result, error) {
	// 1. Whitelist bypass: no quota is consulted, no state is mutated.
	if c.whitelist.IsBypassed(req.Identity, req.OriginAddress) {
		return Result{Allowed: true, Bypassed: true}, nil
	}

	// 2. Circuit breakers for the scopes that shield downstream resources.
	if c.breaker != nil {
		for _, gate := range []struct {
			scope Scope
			key   string
		}{
			{ScopeGlobal, c.scopeKey(ScopeGlobal, req)},
			{ScopeResource, c.scopeKey(ScopeResource, req)},
		} {
			allowed, err := c.breaker.Allow(ctx, gate.key)
			if err != nil {
				if res, handled := c.applyFailPolicy(gate.scope, err); handled {
					return res, nil
				}
				return Result{}, err
			}
			if !allowed {
				c.metrics.recordBreakerRejection(gate.scope)
				return Result{
					Allowed:       false,
					Reason:        fmt.Sprintf("%s circuit open", gate.scope),
					LimitingScope: gate.scope,
					RetryAfter:    c.cfg.Breaker.Defaults().Cooldown,
				}, nil
			}
		}
	}

	// 3. Ordered scope checks, short-circuiting on first rejection.
	for _, scope := range []Scope{ScopeGlobal, ScopeOrigin, ScopeResource} {
		sc := c.scopeConfig(scope)
		if !sc.Enabled {
			continue
		}

		d, err := c.checkScope(ctx, scope, sc, req, float64(req.Cost))
		if err != nil {
			if res, handled := c.applyFailPolicy(scope, err); handled {
				if !res.Allowed {
					return res, nil
				}
				continue
			}
			return Result{}, err
		}
		if !d.Admitted {
			return rejection(scope, d), nil
		}
	}

	// 4. Identity-tier scope: most specific, evaluated last.
	tierName, tierCfg, err := c.tiers.Resolve(ctx, req.Identity)
	if err != nil {
		if res, handled := c.applyFailPolicy(ScopeIdentity, err); handled {
			return res, nil
		}
		return Result{}, err
	}

	cost := float64(req.Cost) * tierCfg.CostMultiplier
	d, err := c.tokenBucket.TryConsume(ctx, c.scopeKey(ScopeIdentity, req),
		bucket.Params{Capacity: tierCfg.Capacity, RefillRate: tierCfg.RefillRate}, cost)
	if err != nil {
		if res, handled := c.applyFailPolicy(ScopeIdentity, err); handled {
			res.Tier = tierName
			return res, nil
		}
		return Result{}, err
	}
	if !d.Admitted {
		res := rejection(ScopeIdentity, d)
		res.Tier = tierName
		return res, nil
	}

	// Canonical result metadata comes from the identity-tier bucket.
	return Result{
		Allowed:   true,
		Limit:     uint64(d.Limit),
		Remaining: uint64(d.Remaining),
		ResetAt:   d.ResetAt,
		Tier:      tierName,
	}, nil
}

// RecordOutcome reports the downstream outcome of an admitted request to
// the circuit breakers guarding the global and resource scopes. Callers
// invoke it after the protected work completes.
func (c *Controller) RecordOutcome(ctx context.Context, req Request, success bool) error {
	c.stats.RecordDownstream(success)
	if c.breaker == nil {
		return nil
	}
	var firstErr error
	for _, key := range []string{
		c.scopeKey(ScopeGlobal, req),
		c.scopeKey(ScopeResource, req),
	} {
		if err := c.breaker.RecordOutcome(ctx, key, success); err != nil {
			c.logger.Warn("failed to record breaker outcome", "key", key, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// BreakerState reports the breaker position for a scope key, for the
// administrative surface.
func (c *Controller) BreakerState(ctx context.Context, scope Scope, identifier string) (breaker.State, error) {
	if c.breaker == nil {
		return breaker.StateClosed, nil
	}
	return c.breaker.CurrentState(ctx, string(scope)+":"+identifier)
}

func (c *Controller) checkScope(ctx context.Context, scope Scope, sc ScopeConfig, req Request, cost float64) (bucket.Decision, error) {
	key := c.scopeKey(scope, req)
	switch sc.Strategy {
	case StrategySlidingWindow:
		return c.slidingWindow.Allow(ctx, key, sc.Capacity, sc.Window, uint32(cost))
	default:
		return c.tokenBucket.TryConsume(ctx, key,
			bucket.Params{Capacity: sc.Capacity, RefillRate: sc.RefillRate}, cost)
	}
}

// scopeKey builds the store key for a scope. Keys are scope-prefixed so
// no two scopes can collide on the same identifier.
func (c *Controller) scopeKey(scope Scope, req Request) string {
	switch scope {
	case ScopeGlobal:
		return "global:all"
	case ScopeOrigin:
		return "origin:" + req.OriginAddress
	case ScopeResource:
		return "resource:" + req.ResourcePath
	case ScopeIdentity:
		return "identity:" + req.Identity
	default:
		return string(scope) + ":" + req.Identity
	}
}

func (c *Controller) scopeConfig(scope Scope) ScopeConfig {
	switch scope {
	case ScopeGlobal:
		return c.cfg.Global
	case ScopeOrigin:
		return c.cfg.Origin
	case ScopeResource:
		return c.cfg.Resource
	default:
		return ScopeConfig{}
	}
}

// applyFailPolicy resolves a store outage for one scope. The bool reports
// whether the error was absorbed; non-store errors are never absorbed.
func (c *Controller) applyFailPolicy(scope Scope, err error) (Result, bool) {
	if !errors.Is(err, store.ErrUnavailable) && !errors.Is(err, store.ErrTxnConflict) {
		return Result{}, false
	}

	policy := c.failPolicy(scope)
	c.metrics.recordStoreFailure(scope, policy)

	if policy == FailOpen {
		c.logger.Warn("store unavailable, admitting per fail-open policy",
			"scope", scope, "error", err)
		return Result{Allowed: true, Reason: "quota store unavailable"}, true
	}

	c.logger.Error("store unavailable, denying per fail-closed policy",
		"scope", scope, "error", err)
	return Result{
		Allowed:       false,
		Reason:        failClosedReason,
		LimitingScope: scope,
		RetryAfter:    time.Second,
	}, true
}

func (c *Controller) failPolicy(scope Scope) FailPolicy {
	switch scope {
	case ScopeGlobal:
		return c.cfg.Global.FailPolicy
	case ScopeOrigin:
		return c.cfg.Origin.FailPolicy
	case ScopeResource:
		return c.cfg.Resource.FailPolicy
	default:
		return c.cfg.IdentityFailPolicy
	}
}

func rejection(scope Scope, d bucket.Decision) Result {
	return Result{
		Allowed:       false,
		Reason:        fmt.Sprintf("%s limit exceeded", scope),
		Limit:         uint64(d.Limit),
		Remaining:     uint64(d.Remaining),
		ResetAt:       d.ResetAt,
		RetryAfter:    d.RetryAfter,
		LimitingScope: scope,
	}
}
