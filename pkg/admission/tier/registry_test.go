package tier

import (
	"context"
	"testing"
	"time"

	"gatewarden-hq/gatewarden/pkg/admission/store"
)

func testTable() Table {
	return Table{
		Default: "free",
		Definitions: map[string]Config{
			"free": {Capacity: 100, RefillRate: 1, CostMultiplier: 1.0},
			"pro":  {Capacity: 5000, RefillRate: 100, CostMultiplier: 0.5},
		},
	}
}

func newRegistryFixture(t *testing.T) (*Registry, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	r, err := NewRegistry(st, testTable())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return r, st
}

// ============================================================================
// Resolution
// ============================================================================

func TestRegistry_ResolveDefault(t *testing.T) {
	r, _ := newRegistryFixture(t)

	name, cfg, err := r.Resolve(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if name != "free" {
		t.Errorf("Expected default tier free, got %s", name)
	}
	if cfg.Capacity != 100 {
		t.Errorf("Expected free capacity 100, got %v", cfg.Capacity)
	}
}

func TestRegistry_SetAndResolve(t *testing.T) {
	r, _ := newRegistryFixture(t)
	ctx := context.Background()

	if err := r.SetTier(ctx, "alice", "pro", 0); err != nil {
		t.Fatalf("SetTier failed: %v", err)
	}

	name, cfg, err := r.Resolve(ctx, "alice")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if name != "pro" {
		t.Errorf("Expected pro, got %s", name)
	}
	if cfg.CostMultiplier != 0.5 {
		t.Errorf("Expected pro multiplier 0.5, got %v", cfg.CostMultiplier)
	}
}

func TestRegistry_SetUnknownTier(t *testing.T) {
	r, _ := newRegistryFixture(t)

	if err := r.SetTier(context.Background(), "alice", "platinum", 0); err == nil {
		t.Error("Expected binding to an undefined tier to be rejected")
	}
}

func TestRegistry_RemoveReturnsToDefault(t *testing.T) {
	r, _ := newRegistryFixture(t)
	ctx := context.Background()

	r.SetTier(ctx, "alice", "pro", 0)
	if err := r.RemoveTier(ctx, "alice"); err != nil {
		t.Fatalf("RemoveTier failed: %v", err)
	}

	name, _, _ := r.Resolve(ctx, "alice")
	if name != "free" {
		t.Errorf("Expected removal to restore the default tier, got %s", name)
	}
}

func TestRegistry_BindingExpiry(t *testing.T) {
	r, st := newRegistryFixture(t)
	ctx := context.Background()

	r.SetTier(ctx, "alice", "pro", time.Minute)

	// Expired bindings resolve to the default
	if err := st.Delete(ctx, "tier:alice"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	name, _, _ := r.Resolve(ctx, "alice")
	if name != "free" {
		t.Errorf("Expected expired binding to fall back to default, got %s", name)
	}
}

func TestRegistry_StaleBindingFallsBack(t *testing.T) {
	r, st := newRegistryFixture(t)
	ctx := context.Background()

	// A binding to a tier no longer in the table resolves to the default
	st.Set(ctx, "tier:alice", []byte(`{"tier":"legacy"}`), 0)

	name, cfg, err := r.Resolve(ctx, "alice")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if name != "free" || cfg.Capacity != 100 {
		t.Errorf("Expected fallback to free, got %s %+v", name, cfg)
	}
}

// ============================================================================
// Table Management
// ============================================================================

func TestRegistry_TableValidation(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	cases := []Table{
		{Default: "free"}, // no definitions
		{Default: "gone", Definitions: map[string]Config{
			"free": {Capacity: 100, RefillRate: 1, CostMultiplier: 1},
		}},
		{Default: "bad", Definitions: map[string]Config{
			"bad": {Capacity: 0, RefillRate: 1, CostMultiplier: 1},
		}},
		{Default: "bad", Definitions: map[string]Config{
			"bad": {Capacity: 100, RefillRate: 1, CostMultiplier: 0},
		}},
	}
	for i, table := range cases {
		if _, err := NewRegistry(st, table); err == nil {
			t.Errorf("Expected table %d to be rejected", i)
		}
	}
}

func TestRegistry_SwapTable(t *testing.T) {
	r, _ := newRegistryFixture(t)
	ctx := context.Background()

	next := testTable()
	next.Definitions["free"] = Config{Capacity: 100, RefillRate: 0.5, CostMultiplier: 1}
	if err := r.SwapTable(next); err != nil {
		t.Fatalf("SwapTable failed: %v", err)
	}

	_, cfg, _ := r.Resolve(ctx, "nobody")
	if cfg.RefillRate != 0.5 {
		t.Errorf("Expected swapped refill rate 0.5, got %v", cfg.RefillRate)
	}
}

func TestRegistry_SwapTableRejectsInvalid(t *testing.T) {
	r, _ := newRegistryFixture(t)

	if err := r.SwapTable(Table{Default: "free"}); err == nil {
		t.Error("Expected invalid table swap to be rejected")
	}

	// The previous table must survive a rejected swap
	name, _, _ := r.Resolve(context.Background(), "nobody")
	if name != "free" {
		t.Errorf("Expected previous table to remain, got %s", name)
	}
}
