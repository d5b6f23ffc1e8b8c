package bucket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gatewarden-hq/gatewarden/pkg/admission/clock"
	"gatewarden-hq/gatewarden/pkg/admission/store"
)

func newBucketFixture(t *testing.T) (*TokenBucket, *clock.Fake, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	return NewTokenBucket(st, clk, nil), clk, st
}

// ============================================================================
// Basic Accounting
// ============================================================================

func TestTokenBucket_StartsFull(t *testing.T) {
	tb, _, _ := newBucketFixture(t)
	p := Params{Capacity: 10, RefillRate: 1}

	d, err := tb.TryConsume(context.Background(), "b", p, 5)
	if err != nil {
		t.Fatalf("TryConsume failed: %v", err)
	}
	if !d.Admitted {
		t.Error("Expected a fresh bucket to admit")
	}
	if d.Remaining != 5 {
		t.Errorf("Expected 5 remaining, got %v", d.Remaining)
	}
	if d.Limit != 10 {
		t.Errorf("Expected limit 10, got %v", d.Limit)
	}
}

func TestTokenBucket_Drain(t *testing.T) {
	tb, _, _ := newBucketFixture(t)
	ctx := context.Background()
	p := Params{Capacity: 5, RefillRate: 1}

	for i := 0; i < 5; i++ {
		d, err := tb.TryConsume(ctx, "b", p, 1)
		if err != nil {
			t.Fatalf("TryConsume %d failed: %v", i, err)
		}
		if !d.Admitted {
			t.Fatalf("Expected call %d to be admitted", i)
		}
	}

	d, err := tb.TryConsume(ctx, "b", p, 1)
	if err != nil {
		t.Fatalf("TryConsume failed: %v", err)
	}
	if d.Admitted {
		t.Error("Expected drained bucket to reject")
	}
	if d.RetryAfter != time.Second {
		t.Errorf("Expected retry after 1s at rate 1, got %v", d.RetryAfter)
	}
}

func TestTokenBucket_RejectionDoesNotCharge(t *testing.T) {
	tb, _, _ := newBucketFixture(t)
	ctx := context.Background()
	p := Params{Capacity: 10, RefillRate: 1}

	tb.TryConsume(ctx, "b", p, 8)

	// Too expensive; tokens must stay at 2
	d, _ := tb.TryConsume(ctx, "b", p, 5)
	if d.Admitted {
		t.Fatal("Expected rejection")
	}
	if d.Remaining != 2 {
		t.Errorf("Expected rejection to leave 2 tokens, got %v", d.Remaining)
	}

	// A cheaper request still fits
	d, _ = tb.TryConsume(ctx, "b", p, 2)
	if !d.Admitted {
		t.Error("Expected 2-token request to be admitted after failed 5-token request")
	}
}

// ============================================================================
// Refill
// ============================================================================

func TestTokenBucket_Refill(t *testing.T) {
	tb, clk, _ := newBucketFixture(t)
	ctx := context.Background()
	p := Params{Capacity: 20, RefillRate: 10}

	tb.TryConsume(ctx, "b", p, 20)

	clk.Advance(2 * time.Second)

	// 2 seconds at 10/sec refills 20; consuming 1 leaves 19
	d, err := tb.TryConsume(ctx, "b", p, 1)
	if err != nil {
		t.Fatalf("TryConsume failed: %v", err)
	}
	if !d.Admitted {
		t.Fatal("Expected refilled bucket to admit")
	}
	if d.Remaining < 18.9 || d.Remaining > 19.1 {
		t.Errorf("Expected ~19 remaining after refill, got %v", d.Remaining)
	}
}

func TestTokenBucket_RefillClampedAtCapacity(t *testing.T) {
	tb, clk, _ := newBucketFixture(t)
	ctx := context.Background()
	p := Params{Capacity: 10, RefillRate: 10}

	tb.TryConsume(ctx, "b", p, 1)

	// Idle far longer than a full refill
	clk.Advance(time.Hour)

	d, _ := tb.TryConsume(ctx, "b", p, 0)
	if d.Remaining != 10 {
		t.Errorf("Expected refill clamped at capacity 10, got %v", d.Remaining)
	}
}

func TestTokenBucket_FractionalRefill(t *testing.T) {
	tb, clk, _ := newBucketFixture(t)
	ctx := context.Background()
	p := Params{Capacity: 10, RefillRate: 2}

	tb.TryConsume(ctx, "b", p, 10)

	clk.Advance(250 * time.Millisecond)

	// 0.25s at 2/sec = 0.5 tokens: not enough for a whole unit
	d, _ := tb.TryConsume(ctx, "b", p, 1)
	if d.Admitted {
		t.Errorf("Expected 0.5 tokens to reject a unit cost, remaining %v", d.Remaining)
	}
}

func TestTokenBucket_ClockSkew(t *testing.T) {
	tb, clk, _ := newBucketFixture(t)
	ctx := context.Background()
	p := Params{Capacity: 10, RefillRate: 1}

	tb.TryConsume(ctx, "b", p, 4)

	// Clock steps backward; tokens must not be subtracted
	clk.Advance(-time.Minute)

	d, err := tb.TryConsume(ctx, "b", p, 1)
	if err != nil {
		t.Fatalf("TryConsume failed: %v", err)
	}
	if !d.Admitted {
		t.Error("Expected admission despite backward clock step")
	}
	if d.Remaining != 5 {
		t.Errorf("Expected 5 remaining (no skew refill, no penalty), got %v", d.Remaining)
	}
}

// ============================================================================
// Zero Cost
// ============================================================================

func TestTokenBucket_ZeroCostPeeks(t *testing.T) {
	tb, _, st := newBucketFixture(t)
	ctx := context.Background()
	p := Params{Capacity: 10, RefillRate: 1}

	tb.TryConsume(ctx, "b", p, 3)
	before := st.Size()

	d, err := tb.TryConsume(ctx, "b", p, 0)
	if err != nil {
		t.Fatalf("TryConsume failed: %v", err)
	}
	if !d.Admitted {
		t.Error("Expected zero cost to always admit")
	}
	if d.Remaining != 7 {
		t.Errorf("Expected peek to report 7 remaining, got %v", d.Remaining)
	}
	if st.Size() != before {
		t.Error("Expected zero-cost call to write no state")
	}

	// A second peek sees the same standing
	d, _ = tb.TryConsume(ctx, "b", p, 0)
	if d.Remaining != 7 {
		t.Errorf("Expected peek to be non-consuming, got %v remaining", d.Remaining)
	}
}

func TestTokenBucket_ZeroCostOnEmptyBucket(t *testing.T) {
	tb, _, _ := newBucketFixture(t)
	ctx := context.Background()
	p := Params{Capacity: 3, RefillRate: 1}

	tb.TryConsume(ctx, "b", p, 3)

	d, _ := tb.TryConsume(ctx, "b", p, 0)
	if !d.Admitted {
		t.Error("Expected zero cost to admit even with an empty bucket")
	}
	if d.Remaining != 0 {
		t.Errorf("Expected 0 remaining, got %v", d.Remaining)
	}
}

// ============================================================================
// Validation
// ============================================================================

func TestTokenBucket_InvalidParams(t *testing.T) {
	tb, _, _ := newBucketFixture(t)
	ctx := context.Background()

	cases := []Params{
		{Capacity: 0, RefillRate: 1},
		{Capacity: -1, RefillRate: 1},
		{Capacity: 10, RefillRate: 0},
		{Capacity: 10, RefillRate: -5},
	}
	for _, p := range cases {
		if _, err := tb.TryConsume(ctx, "b", p, 1); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("Expected ErrInvalidParams for %+v, got %v", p, err)
		}
	}
}

// ============================================================================
// Concurrency
// ============================================================================

func TestTokenBucket_NoDoubleSpend(t *testing.T) {
	tb, _, _ := newBucketFixture(t)
	ctx := context.Background()
	p := Params{Capacity: 1, RefillRate: 0.001}

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := tb.TryConsume(ctx, "b", p, 1)
			if err != nil {
				t.Errorf("TryConsume failed: %v", err)
				return
			}
			if d.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Errorf("Expected exactly 1 admission from a 1-token bucket, got %d", admitted)
	}
}

func TestTokenBucket_IndependentKeys(t *testing.T) {
	tb, _, _ := newBucketFixture(t)
	ctx := context.Background()
	p := Params{Capacity: 1, RefillRate: 0.001}

	tb.TryConsume(ctx, "identity:alice", p, 1)

	d, _ := tb.TryConsume(ctx, "identity:bob", p, 1)
	if !d.Admitted {
		t.Error("Expected draining alice's bucket to leave bob's untouched")
	}
}
