package bucket

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"gatewarden-hq/gatewarden/pkg/admission/clock"
	"gatewarden-hq/gatewarden/pkg/admission/store"
	"gatewarden-hq/gatewarden/pkg/telemetry/logging"
)

// SlidingWindow is the weighted two-window accountant.
//
// For a window length W, requests are counted in fixed windows indexed by
// floor(now/W). The effective rate is estimated by weighting the previous
// window's count by the fraction of it still covered by a true sliding
// window ending now:
//
//	estimate = current + previous * (1 - fractionElapsed)
//
// The estimate and the conditional increment execute inside one store
// transaction over both window keys. Checking the estimate and then
// incrementing in a second step would re-open the check-then-act race this
// engine is built to close.
type SlidingWindow struct {
	store  store.Store
	clock  clock.Clock
	logger *logging.Logger
}

// NewSlidingWindow creates a sliding window accountant over the given store.
func NewSlidingWindow(st store.Store, clk clock.Clock, logger *logging.Logger) *SlidingWindow {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SlidingWindow{store: st, clock: clk, logger: logger}
}

// Allow estimates the weighted count for key and, if it is below capacity,
// atomically records cost consumed units in the current window.
//
// Admission compares the estimate (not estimate+cost) against capacity,
// matching the estimator's contract; with unit costs the two are the same.
// Window counters expire after two window lengths, the span in which they
// can still contribute to an estimate.
func (sw *SlidingWindow) Allow(ctx context.Context, key string, capacity float64, window time.Duration, cost uint32) (Decision, error) {
	if capacity <= 0 {
		return Decision{}, fmt.Errorf("%w: capacity must be > 0, got %v", ErrInvalidParams, capacity)
	}
	if window <= 0 {
		return Decision{}, fmt.Errorf("%w: window must be > 0, got %v", ErrInvalidParams, window)
	}

	now := sw.clock.Now()
	windowSec := window.Seconds()
	idx := int64(math.Floor(nowSeconds(now) / windowSec))

	currentKey := windowKey(key, idx)
	previousKey := windowKey(key, idx-1)

	windowStart := float64(idx) * windowSec
	fractionElapsed := (nowSeconds(now) - windowStart) / windowSec
	weightPrevious := 1 - fractionElapsed

	windowEnd := time.Unix(0, int64((windowStart+windowSec)*float64(time.Second)))

	var d Decision
	err := sw.store.Update(ctx, []string{currentKey, previousKey}, func(tx store.Tx) error {
		current := sw.readCount(tx, currentKey)
		previous := sw.readCount(tx, previousKey)

		estimate := float64(current) + float64(previous)*weightPrevious
		admitted := estimate < capacity

		d = Decision{
			Admitted:  admitted,
			Limit:     capacity,
			Remaining: math.Max(0, capacity-estimate),
			ResetAt:   windowEnd,
		}

		if !admitted {
			// The estimate only decays as the previous window's weight
			// shrinks; the pessimistic but safe hint is the start of the
			// next window.
			d.RetryAfter = windowEnd.Sub(now)
			d.Remaining = 0
			return nil
		}

		if cost == 0 {
			return nil // zero cost admits without mutation
		}
		d.Remaining = math.Max(0, capacity-estimate-float64(cost))
		tx.Set(currentKey, []byte(strconv.FormatInt(current+int64(cost), 10)), 2*window)
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

func (sw *SlidingWindow) readCount(tx store.Tx, key string) int64 {
	value, ok := tx.Get(key)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		sw.logger.Warn("discarding unreadable window counter", "key", key, "error", err)
		return 0
	}
	return n
}

func windowKey(key string, idx int64) string {
	return fmt.Sprintf("%s:%d", key, idx)
}
