package admission

import (
	"errors"
	"time"

	"gatewarden-hq/gatewarden/pkg/admission/store"
)

// Scope is an axis of quota enforcement. Scopes are evaluated in a fixed
// order; the cheapest, most aggregated checks run first so overload is
// shed before any per-identity state is touched.
type Scope string

const (
	// ScopeNone marks a result not limited by any scope.
	ScopeNone Scope = ""

	// ScopeGlobal is the system-wide aggregate limit.
	ScopeGlobal Scope = "global"

	// ScopeOrigin limits per network origin address.
	ScopeOrigin Scope = "origin"

	// ScopeResource limits per resource path.
	ScopeResource Scope = "resource"

	// ScopeIdentity limits per caller identity, parameterized by tier.
	ScopeIdentity Scope = "identity"
)

// scopeOrder is the fixed evaluation order for quota checks.
var scopeOrder = []Scope{ScopeGlobal, ScopeOrigin, ScopeResource, ScopeIdentity}

// Request is one unit of work presented for admission.
type Request struct {
	// Identity is the caller identity (API key, user ID).
	Identity string

	// OriginAddress is the caller's network address, used for the origin
	// scope and CIDR whitelisting.
	OriginAddress string

	// ResourcePath is the resource being accessed.
	ResourcePath string

	// Cost is the work's weight in quota units. Zero-cost requests are
	// always admitted without charging any bucket.
	Cost uint32
}

// Result is the decision and its metadata. Callers always receive a
// well-formed Result; the only error surfaced alongside it is a store
// outage the configured failure policy chose not to absorb.
type Result struct {
	// Allowed reports whether the work may proceed.
	Allowed bool

	// Bypassed is set when a whitelist match admitted the request without
	// consulting any quota.
	Bypassed bool

	// Reason explains a rejection (or a fail-closed denial).
	Reason string

	// Limit is the capacity of the scope that produced this metadata.
	Limit uint64

	// Remaining is the headroom left in that scope after this decision.
	Remaining uint64

	// ResetAt is when the limiting scope returns to full capacity.
	ResetAt time.Time

	// RetryAfter is how long to wait before retrying. Zero when allowed.
	RetryAfter time.Duration

	// LimitingScope identifies the scope that rejected, or ScopeNone.
	LimitingScope Scope

	// Tier is the resolved tier name when the identity scope was reached.
	Tier string
}

// ResetAtEpochSeconds is ResetAt as Unix seconds, for wire formats and
// rate-limit response headers.
func (r Result) ResetAtEpochSeconds() uint64 {
	if r.ResetAt.IsZero() {
		return 0
	}
	return uint64(r.ResetAt.Unix())
}

// RetryAfterSeconds is RetryAfter rounded up to whole seconds, the
// granularity of the Retry-After header.
func (r Result) RetryAfterSeconds() uint32 {
	if r.RetryAfter <= 0 {
		return 0
	}
	secs := (r.RetryAfter + time.Second - 1) / time.Second
	return uint32(secs)
}

// FailPolicy decides behavior when the shared store is unreachable.
type FailPolicy string

const (
	// FailClosed denies when the store is unreachable, protecting the
	// downstream resource at the cost of availability.
	FailClosed FailPolicy = "closed"

	// FailOpen admits when the store is unreachable, preserving
	// availability at the cost of quota enforcement.
	FailOpen FailPolicy = "open"
)

// Strategy selects the accounting algorithm for a scope.
type Strategy string

const (
	// StrategyTokenBucket uses continuous-time token bucket accounting.
	StrategyTokenBucket Strategy = "token_bucket"

	// StrategySlidingWindow uses the weighted two-window estimator.
	StrategySlidingWindow Strategy = "sliding_window"
)

// ErrStoreUnavailable is the single error callers see for a store outage
// that the failure policy did not absorb. It aliases the store sentinel so
// errors.Is works across package boundaries.
var ErrStoreUnavailable = store.ErrUnavailable

// ErrConfiguration reports invalid engine configuration. Raised only
// during construction, never at request time.
var ErrConfiguration = errors.New("invalid admission configuration")
