// Package policy adjusts tier quotas from observed system load at a
// controlled cadence.
//
// Adjust is a pure function from a base tier table and a metrics sample to
// an adjusted table; the Adjuster runs it on a cron schedule and swaps the
// result into the tier registry as configuration. Nothing here executes on
// the request path, and nothing recomputes limits inline.
package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"gatewarden-hq/gatewarden/pkg/admission/tier"
	"gatewarden-hq/gatewarden/pkg/telemetry/logging"
)

// SystemMetrics is one sample of the signals adjustment reacts to.
type SystemMetrics struct {
	// CPUUtilization is 0..1 across the protected backend.
	CPUUtilization float64

	// ErrorRate is the fraction of recent downstream calls that failed.
	ErrorRate float64

	// P99LatencyMillis is the recent 99th percentile downstream latency.
	P99LatencyMillis float64
}

// Thresholds configures when and how hard adjustment bites.
type Thresholds struct {
	// CPUHigh shrinks quotas when CPU utilization exceeds it. Default 0.8.
	CPUHigh float64 `yaml:"cpu_high"`

	// ErrorRateHigh shrinks quotas when the error rate exceeds it.
	// Default 0.05.
	ErrorRateHigh float64 `yaml:"error_rate_high"`

	// ShrinkFactor scales refill rates down under pressure. Default 0.5.
	ShrinkFactor float64 `yaml:"shrink_factor"`

	// FloorFraction bounds how far a tier's refill rate can shrink
	// relative to its base, so adjustment can squeeze but never strangle.
	// Default 0.1.
	FloorFraction float64 `yaml:"floor_fraction"`
}

// Defaults fills zero fields.
func (t Thresholds) Defaults() Thresholds {
	if t.CPUHigh == 0 {
		t.CPUHigh = 0.8
	}
	if t.ErrorRateHigh == 0 {
		t.ErrorRateHigh = 0.05
	}
	if t.ShrinkFactor == 0 {
		t.ShrinkFactor = 0.5
	}
	if t.FloorFraction == 0 {
		t.FloorFraction = 0.1
	}
	return t
}

// Adjust derives an adjusted tier table from the base table and a metrics
// sample. Pure: same inputs, same output, no side effects. Capacities are
// untouched (burst headroom stays); sustained refill rates shrink under
// pressure and return to base when the pressure clears.
func Adjust(base tier.Table, m SystemMetrics, th Thresholds) tier.Table {
	th = th.Defaults()

	factor := 1.0
	if m.CPUUtilization > th.CPUHigh {
		factor *= th.ShrinkFactor
	}
	if m.ErrorRate > th.ErrorRateHigh {
		factor *= th.ShrinkFactor
	}
	if factor >= 1.0 {
		return base
	}
	if factor < th.FloorFraction {
		factor = th.FloorFraction
	}

	adjusted := tier.Table{
		Default:     base.Default,
		Definitions: make(map[string]tier.Config, len(base.Definitions)),
	}
	for name, cfg := range base.Definitions {
		cfg.RefillRate = cfg.RefillRate * factor
		adjusted.Definitions[name] = cfg
	}
	return adjusted
}

// MetricsSource supplies the current system metrics sample. Implemented by
// whatever watches the protected backend; the sampler in the server wires
// one from its own observations.
type MetricsSource interface {
	Sample(ctx context.Context) (SystemMetrics, error)
}

// SourceFunc adapts a function to MetricsSource.
type SourceFunc func(ctx context.Context) (SystemMetrics, error)

// Sample calls f.
func (f SourceFunc) Sample(ctx context.Context) (SystemMetrics, error) { return f(ctx) }

// Adjuster runs Adjust on a cron cadence and publishes the result to the
// tier registry. The base table it adjusts from is held separately from
// the registry's live table, which carries the adjusted values between
// ticks; SetBase keeps it current across config reloads.
type Adjuster struct {
	base       atomic.Pointer[tier.Table]
	registry   *tier.Registry
	source     MetricsSource
	thresholds Thresholds
	schedule   string
	cron       *cron.Cron
	logger     *logging.Logger

	mu      sync.Mutex
	running bool
}

// NewAdjuster creates an Adjuster. schedule is standard cron syntax, e.g.
// "*/1 * * * *" for every minute.
func NewAdjuster(registry *tier.Registry, source MetricsSource, thresholds Thresholds, schedule string, logger *logging.Logger) (*Adjuster, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid adjustment schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	a := &Adjuster{
		registry:   registry,
		source:     source,
		thresholds: thresholds.Defaults(),
		schedule:   schedule,
		cron:       cron.New(),
		logger:     logger,
	}
	base := registry.Table()
	a.base.Store(&base)
	return a, nil
}

// SetBase replaces the table adjustment derives from. Callers that swap a
// new table into the registry (config hot reload) must call this too, or
// the next tick would publish values derived from the old table.
func (a *Adjuster) SetBase(table tier.Table) error {
	if err := table.Validate(); err != nil {
		return err
	}
	a.base.Store(&table)
	return nil
}

// Start begins the scheduled adjustment. Stops when ctx is cancelled.
func (a *Adjuster) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}
	if _, err := a.cron.AddFunc(a.schedule, func() { a.runOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule adjustment: %w", err)
	}
	a.cron.Start()
	a.running = true
	a.logger.Info("policy adjuster started", "schedule", a.schedule)

	go func() {
		<-ctx.Done()
		a.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running adjustment to finish.
func (a *Adjuster) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	<-a.cron.Stop().Done()
	a.running = false
	a.logger.Info("policy adjuster stopped")
}

// runOnce samples metrics, computes the adjusted table and publishes it.
func (a *Adjuster) runOnce(ctx context.Context) {
	sampleCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	m, err := a.source.Sample(sampleCtx)
	if err != nil {
		a.logger.Warn("metrics sample failed, keeping current tier table", "error", err)
		return
	}

	adjusted := Adjust(*a.base.Load(), m, a.thresholds)
	if err := a.registry.SwapTable(adjusted); err != nil {
		a.logger.Error("rejected adjusted tier table", "error", err)
		return
	}
	a.logger.Debug("tier table adjusted",
		"cpu", m.CPUUtilization,
		"error_rate", m.ErrorRate)
}
