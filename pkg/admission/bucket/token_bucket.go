package bucket

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"gatewarden-hq/gatewarden/pkg/admission/clock"
	"gatewarden-hq/gatewarden/pkg/admission/store"
	"gatewarden-hq/gatewarden/pkg/telemetry/logging"
)

// tokenBucketState is the persisted form of one bucket.
// Timestamps are fractional Unix seconds so refill accounting stays
// continuous across processes with different monotonic clocks.
type tokenBucketState struct {
	Tokens     float64 `json:"tokens"`
	LastRefill float64 `json:"last_refill"`
}

// TokenBucket is the token bucket accountant. It holds no bucket state
// itself; every call is one atomic read-modify-write against the store,
// which is what serializes concurrent consumers of the same key.
type TokenBucket struct {
	store  store.Store
	clock  clock.Clock
	logger *logging.Logger
}

// NewTokenBucket creates a token bucket accountant over the given store.
// A nil clock defaults to the real clock; a nil logger discards.
func NewTokenBucket(st store.Store, clk clock.Clock, logger *logging.Logger) *TokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &TokenBucket{store: st, clock: clk, logger: logger}
}

// TryConsume attempts to spend cost tokens from the bucket at key.
//
// The refill-then-consume cycle runs inside a single store transaction:
//
//  1. Load (tokens, lastRefill); absent keys initialize to a full bucket.
//  2. Refill: tokens += elapsed * refillRate, clamped to capacity. A clock
//     that appears to run backward clamps elapsed to zero; tokens are never
//     subtracted by skew.
//  3. If tokens >= cost, consume; otherwise leave the bucket untouched.
//  4. Persist with a TTL of twice the full-drain-to-full-refill time, so
//     idle buckets expire from the store instead of accumulating.
//
// A zero cost always admits and performs no mutation.
// Returns store.ErrUnavailable unwrapped so callers can apply their
// fail-open/fail-closed policy.
func (tb *TokenBucket) TryConsume(ctx context.Context, key string, p Params, cost float64) (Decision, error) {
	if err := p.Validate(); err != nil {
		return Decision{}, err
	}

	now := tb.clock.Now()

	if cost == 0 {
		return tb.peek(ctx, key, p, now)
	}

	var d Decision
	err := tb.store.Update(ctx, []string{key}, func(tx store.Tx) error {
		st := tb.load(tx, key, p, now)

		elapsed := nowSeconds(now) - st.LastRefill
		if elapsed < 0 {
			tb.logger.Warn("clock skew detected, clamping negative elapsed time",
				"key", key, "elapsed_seconds", elapsed)
			elapsed = 0
		}

		st.Tokens = math.Min(p.Capacity, st.Tokens+elapsed*p.RefillRate)
		st.LastRefill = nowSeconds(now)

		if st.Tokens >= cost {
			st.Tokens -= cost
			d = Decision{
				Admitted:  true,
				Limit:     p.Capacity,
				Remaining: st.Tokens,
				ResetAt:   resetAt(now, st.Tokens, p),
			}
		} else {
			deficit := cost - st.Tokens
			d = Decision{
				Admitted:   false,
				Limit:      p.Capacity,
				Remaining:  st.Tokens,
				RetryAfter: time.Duration(math.Ceil(deficit/p.RefillRate)) * time.Second,
				ResetAt:    resetAt(now, st.Tokens, p),
			}
		}

		value, err := json.Marshal(st)
		if err != nil {
			return err
		}
		tx.Set(key, value, stateTTL(p))
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

// peek reports the bucket's current standing without mutating it.
func (tb *TokenBucket) peek(ctx context.Context, key string, p Params, now time.Time) (Decision, error) {
	value, ok, err := tb.store.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}

	st := tokenBucketState{Tokens: p.Capacity, LastRefill: nowSeconds(now)}
	if ok {
		if err := json.Unmarshal(value, &st); err != nil {
			// Unreadable state is treated as absent; it will be rewritten
			// on the next consuming call.
			st = tokenBucketState{Tokens: p.Capacity, LastRefill: nowSeconds(now)}
		}
	}

	elapsed := math.Max(0, nowSeconds(now)-st.LastRefill)
	tokens := math.Min(p.Capacity, st.Tokens+elapsed*p.RefillRate)

	return Decision{
		Admitted:  true,
		Limit:     p.Capacity,
		Remaining: tokens,
		ResetAt:   resetAt(now, tokens, p),
	}, nil
}

func (tb *TokenBucket) load(tx store.Tx, key string, p Params, now time.Time) tokenBucketState {
	value, ok := tx.Get(key)
	if !ok {
		return tokenBucketState{Tokens: p.Capacity, LastRefill: nowSeconds(now)}
	}
	var st tokenBucketState
	if err := json.Unmarshal(value, &st); err != nil {
		tb.logger.Warn("discarding unreadable bucket state", "key", key, "error", err)
		return tokenBucketState{Tokens: p.Capacity, LastRefill: nowSeconds(now)}
	}
	return st
}

// stateTTL is the idle expiry for persisted bucket state: the time a fully
// drained bucket takes to refill, rounded up, with a 2x safety margin.
func stateTTL(p Params) time.Duration {
	seconds := math.Ceil(p.Capacity / p.RefillRate)
	return 2 * time.Duration(seconds) * time.Second
}

// resetAt is when the bucket will be back at full capacity.
func resetAt(now time.Time, tokens float64, p Params) time.Time {
	missing := p.Capacity - tokens
	if missing <= 0 {
		return now
	}
	return now.Add(time.Duration(math.Ceil(missing/p.RefillRate)) * time.Second)
}

func nowSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
