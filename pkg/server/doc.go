// Package server exposes the admission engine over HTTP.
//
// The check endpoint (POST /v1/check) evaluates a request against the
// multi-level controller and answers with the admission decision plus
// rate limit headers. POST /v1/outcome feeds downstream results back to
// the circuit breakers. The /admin subtree manages tiers, whitelist
// entries, stats and breaker state at runtime, and Admit provides
// middleware for embedding the engine in front of an arbitrary handler.
package server
