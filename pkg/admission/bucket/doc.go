// Package bucket implements the quota accounting strategies of the
// admission engine.
//
// Two accountants are provided, both operating on state owned by the
// shared store:
//
//   - TokenBucket: continuous-time token bucket. Tokens accumulate at a
//     fixed refill rate up to a capacity and are spent per request. This is
//     the precise strategy and supports fractional costs and rates.
//
//   - SlidingWindow: weighted two-window estimator. Cheaper than a true
//     sliding log (O(1) state per key) at the cost of a bounded error of at
//     most one window's traffic around window boundaries. The error bound
//     is an accepted approximation of the strategy, not a defect.
//
// Every decision executes as one atomic transaction against the store:
// read, refill/estimate, conditional consume, persist. Splitting those
// steps would let two concurrent requests both observe the last token and
// both spend it, which is exactly the failure the engine exists to prevent.
package bucket
