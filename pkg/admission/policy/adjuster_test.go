package policy

import (
	"context"
	"testing"

	"gatewarden-hq/gatewarden/pkg/admission/store"
	"gatewarden-hq/gatewarden/pkg/admission/tier"
)

func baseTable() tier.Table {
	return tier.Table{
		Default: "free",
		Definitions: map[string]tier.Config{
			"free": {Capacity: 100, RefillRate: 10, CostMultiplier: 1.0},
			"pro":  {Capacity: 1000, RefillRate: 100, CostMultiplier: 0.5},
		},
	}
}

// ============================================================================
// Adjust
// ============================================================================

func TestAdjust_NoPressureReturnsBase(t *testing.T) {
	base := baseTable()
	got := Adjust(base, SystemMetrics{CPUUtilization: 0.3, ErrorRate: 0.01}, Thresholds{})

	if got.Definitions["free"].RefillRate != 10 {
		t.Errorf("Expected unchanged refill rate, got %v", got.Definitions["free"].RefillRate)
	}
}

func TestAdjust_CPUPressureShrinksRefill(t *testing.T) {
	got := Adjust(baseTable(), SystemMetrics{CPUUtilization: 0.95}, Thresholds{})

	if got.Definitions["free"].RefillRate != 5 {
		t.Errorf("Expected refill halved under CPU pressure, got %v", got.Definitions["free"].RefillRate)
	}
	if got.Definitions["pro"].RefillRate != 50 {
		t.Errorf("Expected pro refill halved too, got %v", got.Definitions["pro"].RefillRate)
	}
}

func TestAdjust_CapacityUntouched(t *testing.T) {
	got := Adjust(baseTable(), SystemMetrics{CPUUtilization: 0.95, ErrorRate: 0.5}, Thresholds{})

	if got.Definitions["free"].Capacity != 100 {
		t.Errorf("Expected burst capacity untouched, got %v", got.Definitions["free"].Capacity)
	}
	if got.Definitions["free"].CostMultiplier != 1.0 {
		t.Errorf("Expected cost multiplier untouched, got %v", got.Definitions["free"].CostMultiplier)
	}
}

func TestAdjust_CombinedPressureCompounds(t *testing.T) {
	got := Adjust(baseTable(), SystemMetrics{CPUUtilization: 0.95, ErrorRate: 0.2}, Thresholds{})

	// Both signals at default shrink 0.5 stack to 0.25
	if got.Definitions["free"].RefillRate != 2.5 {
		t.Errorf("Expected compounded shrink to 2.5, got %v", got.Definitions["free"].RefillRate)
	}
}

func TestAdjust_FloorBoundsShrink(t *testing.T) {
	th := Thresholds{ShrinkFactor: 0.05, FloorFraction: 0.1}
	got := Adjust(baseTable(), SystemMetrics{CPUUtilization: 0.95}, th)

	// 0.05 would undercut the floor; the floor wins
	if got.Definitions["free"].RefillRate != 1 {
		t.Errorf("Expected floor at 10%% of base, got %v", got.Definitions["free"].RefillRate)
	}
}

func TestAdjust_Pure(t *testing.T) {
	base := baseTable()
	Adjust(base, SystemMetrics{CPUUtilization: 0.95}, Thresholds{})

	if base.Definitions["free"].RefillRate != 10 {
		t.Error("Expected Adjust to leave the base table unmodified")
	}
}

func TestAdjust_RecoveryRestoresBase(t *testing.T) {
	base := baseTable()
	shrunk := Adjust(base, SystemMetrics{CPUUtilization: 0.95}, Thresholds{})
	recovered := Adjust(base, SystemMetrics{CPUUtilization: 0.2}, Thresholds{})

	if shrunk.Definitions["free"].RefillRate != 5 {
		t.Fatalf("Expected shrink to 5, got %v", shrunk.Definitions["free"].RefillRate)
	}
	// Adjustment always derives from the base, never from the previous
	// adjusted table, so clearing the pressure fully restores it
	if recovered.Definitions["free"].RefillRate != 10 {
		t.Errorf("Expected full recovery to 10, got %v", recovered.Definitions["free"].RefillRate)
	}
}

// ============================================================================
// Adjuster
// ============================================================================

func TestAdjuster_RejectsBadSchedule(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	registry, err := tier.NewRegistry(st, baseTable())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	src := SourceFunc(func(ctx context.Context) (SystemMetrics, error) {
		return SystemMetrics{}, nil
	})
	if _, err := NewAdjuster(registry, src, Thresholds{}, "not a schedule", nil); err == nil {
		t.Error("Expected invalid cron schedule to be rejected")
	}
	if _, err := NewAdjuster(registry, src, Thresholds{}, "*/1 * * * *", nil); err != nil {
		t.Errorf("Expected valid schedule to be accepted, got %v", err)
	}
}

func TestAdjuster_PublishesAdjustedTable(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	registry, err := tier.NewRegistry(st, baseTable())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	src := SourceFunc(func(ctx context.Context) (SystemMetrics, error) {
		return SystemMetrics{CPUUtilization: 0.95}, nil
	})
	a, err := NewAdjuster(registry, src, Thresholds{}, "*/1 * * * *", nil)
	if err != nil {
		t.Fatalf("NewAdjuster failed: %v", err)
	}

	a.runOnce(context.Background())

	if got := registry.Table().Definitions["free"].RefillRate; got != 5 {
		t.Errorf("Expected adjusted table in registry, refill %v", got)
	}
}

func TestAdjuster_SetBaseSurvivesNextTick(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	registry, err := tier.NewRegistry(st, baseTable())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	src := SourceFunc(func(ctx context.Context) (SystemMetrics, error) {
		return SystemMetrics{}, nil
	})
	a, err := NewAdjuster(registry, src, Thresholds{}, "*/1 * * * *", nil)
	if err != nil {
		t.Fatalf("NewAdjuster failed: %v", err)
	}

	// Config hot reload: a new table goes into the registry and the
	// adjuster's base together
	reloaded := tier.Table{
		Default: "free",
		Definitions: map[string]tier.Config{
			"free": {Capacity: 100, RefillRate: 99, CostMultiplier: 1.0},
		},
	}
	if err := registry.SwapTable(reloaded); err != nil {
		t.Fatalf("SwapTable failed: %v", err)
	}
	if err := a.SetBase(reloaded); err != nil {
		t.Fatalf("SetBase failed: %v", err)
	}

	a.runOnce(context.Background())

	if got := registry.Table().Definitions["free"].RefillRate; got != 99 {
		t.Errorf("Expected reloaded refill rate 99 to survive a zero-pressure tick, got %v", got)
	}

	// Under pressure the shrink applies to the reloaded base, not the
	// original one
	a.source = SourceFunc(func(ctx context.Context) (SystemMetrics, error) {
		return SystemMetrics{CPUUtilization: 0.95}, nil
	})
	a.runOnce(context.Background())

	if got := registry.Table().Definitions["free"].RefillRate; got != 49.5 {
		t.Errorf("Expected shrink from reloaded base (49.5), got %v", got)
	}
}

func TestAdjuster_SetBaseRejectsInvalidTable(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	registry, err := tier.NewRegistry(st, baseTable())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	src := SourceFunc(func(ctx context.Context) (SystemMetrics, error) {
		return SystemMetrics{}, nil
	})
	a, err := NewAdjuster(registry, src, Thresholds{}, "*/1 * * * *", nil)
	if err != nil {
		t.Fatalf("NewAdjuster failed: %v", err)
	}

	bad := tier.Table{Default: "missing", Definitions: map[string]tier.Config{}}
	if err := a.SetBase(bad); err == nil {
		t.Fatal("Expected invalid base table to be rejected")
	}

	a.runOnce(context.Background())
	if got := registry.Table().Definitions["free"].RefillRate; got != 10 {
		t.Errorf("Expected original base to survive rejected SetBase, got %v", got)
	}
}
