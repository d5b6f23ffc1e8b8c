// Package store provides the shared, externally-visible state backend for
// the admission engine.
//
// # Overview
//
// Every persisted entity in the engine (token bucket state, sliding window
// counters, tier bindings, whitelist entries, circuit breaker state) is owned
// by a Store. The engine itself is stateless logic over this storage: no
// component keeps an authoritative in-memory copy of bucket state across
// requests.
//
// # Atomicity
//
// The central primitive is Update, a multi-key read-modify-write transaction.
// All serialization of conflicting writes to the same key happens inside the
// backend, never via locks in the calling code, because callers may be spread
// across multiple processes or machines:
//
//   - MemoryStore serializes with a single in-process mutex (suitable for
//     single-instance deployments and tests).
//   - SQLiteStore serializes through a single database connection, so one
//     transaction runs to completion before the next begins.
//   - RedisStore serializes with an optimistic WATCH/MULTI compare-and-swap
//     loop over the touched keys.
//
// Two concurrent Update calls touching the same key observe each other's
// writes; the engine relies on this to guarantee that a bucket holding one
// token never admits two concurrent consumers.
//
// # Expiry
//
// Every key carries a TTL set at write time. Expired keys read as absent.
// Backends reclaim expired entries with a background sweep.
package store
