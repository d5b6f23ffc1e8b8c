package bucket

import (
	"errors"
	"fmt"
	"time"
)

// Params describes one bucket's accounting parameters.
type Params struct {
	// Capacity is the maximum number of tokens the bucket holds.
	Capacity float64

	// RefillRate is the number of tokens added per second. Must be > 0.
	RefillRate float64
}

// Validate rejects parameter combinations the accountants cannot serve.
// Called during configuration validation; a failure here is fatal at
// startup and must never be discovered at request time.
func (p Params) Validate() error {
	if p.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be > 0, got %v", ErrInvalidParams, p.Capacity)
	}
	if p.RefillRate <= 0 {
		return fmt.Errorf("%w: refill rate must be > 0, got %v", ErrInvalidParams, p.RefillRate)
	}
	return nil
}

// ErrInvalidParams reports a bucket configuration the engine refuses to
// serve traffic with.
var ErrInvalidParams = errors.New("invalid bucket parameters")

// Decision is the outcome of one accounting call.
type Decision struct {
	// Admitted reports whether the cost was consumed.
	Admitted bool

	// Limit is the bucket capacity (or window capacity) that applied.
	Limit float64

	// Remaining is the tokens (or window headroom) left after the call.
	Remaining float64

	// RetryAfter is how long until the request could succeed. Zero when
	// admitted.
	RetryAfter time.Duration

	// ResetAt is when the bucket returns to full capacity (token bucket)
	// or the current window closes (sliding window).
	ResetAt time.Time
}
