package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backend cannot be reached or a
// transaction times out. Callers resolve it with their configured
// fail-open/fail-closed policy; it is never wrapped in an ad-hoc error.
var ErrUnavailable = errors.New("state store unavailable")

// ErrTxnConflict is returned when an optimistic transaction exhausted its
// retry budget without committing. Only backends that use compare-and-swap
// loops (Redis) can return it.
var ErrTxnConflict = errors.New("transaction conflict retries exhausted")

// Tx is the view of the touched keys inside an Update transaction.
//
// Get returns the current value of a key declared in the Update call, or
// false if the key is absent or expired. Set stages a write with a TTL;
// Delete stages a removal. Staged writes become visible atomically when the
// transaction commits and are discarded if the callback returns an error.
type Tx interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
}

// Store is the shared key-value backend for all admission engine state.
// Implementations must be safe for concurrent use from multiple goroutines
// and, for SQLite and Redis, from multiple processes.
type Store interface {
	// Update runs fn as a single atomic read-modify-write transaction over
	// the given keys. fn may call Tx methods only for keys listed here.
	// Returning an error from fn aborts the transaction without side effects.
	Update(ctx context.Context, keys []string, fn func(tx Tx) error) error

	// Get reads a single key outside any transaction. Returns false if the
	// key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes a single key with a TTL outside any transaction.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a single key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all live keys with the given prefix and their values.
	// Used by administrative surfaces, never on the per-request hot path.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// Close releases backend resources. The store must not be used after
	// Close returns.
	Close() error
}
