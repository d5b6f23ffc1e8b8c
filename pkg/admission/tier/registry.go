// Package tier maps identities to named quota tiers.
//
// Tier definitions are a closed set validated at startup and held
// immutably; per-identity bindings live in the shared store so every
// engine instance resolves the same assignment. Resolution is a pure
// lookup on the request path; assignments change only through the
// administrative SetTier operation or a PolicyAdjuster snapshot swap.
package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"gatewarden-hq/gatewarden/pkg/admission/store"
)

// Config is one tier's quota parameters. Values are immutable after
// validation.
type Config struct {
	// Capacity is the identity bucket's maximum tokens.
	Capacity float64 `yaml:"capacity" json:"capacity"`

	// RefillRate is tokens added per second. Must be > 0.
	RefillRate float64 `yaml:"refill_rate" json:"refill_rate"`

	// CostMultiplier scales request cost for identities on this tier.
	// 1.0 is neutral; must be > 0.
	CostMultiplier float64 `yaml:"cost_multiplier" json:"cost_multiplier"`
}

// Validate rejects tier parameters the engine cannot serve.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be > 0, got %v", c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("refill rate must be > 0, got %v", c.RefillRate)
	}
	if c.CostMultiplier <= 0 {
		return fmt.Errorf("cost multiplier must be > 0, got %v", c.CostMultiplier)
	}
	return nil
}

// Table is the closed set of tier definitions plus the default tier name.
type Table struct {
	// Definitions maps tier name to parameters.
	Definitions map[string]Config

	// Default is the tier used for identities without a binding.
	Default string
}

// Validate checks every definition and that the default tier exists.
func (t Table) Validate() error {
	if len(t.Definitions) == 0 {
		return fmt.Errorf("no tiers defined")
	}
	for name, cfg := range t.Definitions {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("tier %q: %w", name, err)
		}
	}
	if _, ok := t.Definitions[t.Default]; !ok {
		return fmt.Errorf("default tier %q is not defined", t.Default)
	}
	return nil
}

// binding is the persisted identity→tier assignment.
type binding struct {
	Tier string `json:"tier"`
}

// keyPrefix namespaces bindings in the store.
const keyPrefix = "tier:"

// Registry resolves identities to tier configurations.
type Registry struct {
	store store.Store

	// table holds the current tier definitions. Swapped atomically by the
	// policy adjuster; readers never see a partially updated table.
	table atomic.Pointer[Table]
}

// NewRegistry creates a registry with a validated tier table.
func NewRegistry(st store.Store, table Table) (*Registry, error) {
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("tier table: %w", err)
	}
	r := &Registry{store: st}
	r.table.Store(&table)
	return r, nil
}

// Resolve returns the tier name and parameters for an identity. Unbound or
// unknown-tier identities fall back to the default tier.
//
// A store failure surfaces as store.ErrUnavailable so the controller can
// apply its failure policy for the identity scope.
func (r *Registry) Resolve(ctx context.Context, identity string) (string, Config, error) {
	table := r.table.Load()

	value, ok, err := r.store.Get(ctx, keyPrefix+identity)
	if err != nil {
		return "", Config{}, err
	}
	if !ok {
		return table.Default, table.Definitions[table.Default], nil
	}

	var b binding
	if err := json.Unmarshal(value, &b); err != nil {
		return table.Default, table.Definitions[table.Default], nil
	}

	cfg, ok := table.Definitions[b.Tier]
	if !ok {
		// A binding to a tier removed from configuration resolves to the
		// default rather than failing the request.
		return table.Default, table.Definitions[table.Default], nil
	}
	return b.Tier, cfg, nil
}

// SetTier binds an identity to a tier. A zero ttl means the binding does
// not expire. The tier must exist in the current table.
func (r *Registry) SetTier(ctx context.Context, identity, tierName string, ttl time.Duration) error {
	table := r.table.Load()
	if _, ok := table.Definitions[tierName]; !ok {
		return fmt.Errorf("unknown tier %q", tierName)
	}

	value, err := json.Marshal(binding{Tier: tierName})
	if err != nil {
		return err
	}
	return r.store.Set(ctx, keyPrefix+identity, value, ttl)
}

// RemoveTier drops an identity's binding, returning it to the default tier.
func (r *Registry) RemoveTier(ctx context.Context, identity string) error {
	return r.store.Delete(ctx, keyPrefix+identity)
}

// Table returns the current tier table snapshot.
func (r *Registry) Table() Table {
	return *r.table.Load()
}

// SwapTable atomically replaces the tier table. Used by the policy
// adjuster at its configured cadence, never on the request path.
func (r *Registry) SwapTable(table Table) error {
	if err := table.Validate(); err != nil {
		return fmt.Errorf("tier table: %w", err)
	}
	r.table.Store(&table)
	return nil
}
