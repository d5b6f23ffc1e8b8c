package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-process map. All data is lost when
// the process exits, and limits are only enforced within a single instance,
// so it is intended for single-process deployments and tests.
//
// A single mutex serializes every transaction. That is deliberately coarse:
// the atomicity contract is what matters, and the critical sections are a
// handful of map operations.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	sweepInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once

	// nowFn is overridable in tests so expiry can be exercised without
	// sleeping.
	nowFn func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryStoreConfig configures the in-memory backend.
type MemoryStoreConfig struct {
	// SweepInterval is how often expired entries are reclaimed.
	// Default: 1 minute.
	SweepInterval time.Duration
}

// NewMemoryStore creates an in-memory store with default settings.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithConfig(MemoryStoreConfig{})
}

// NewMemoryStoreWithConfig creates an in-memory store with custom settings.
func NewMemoryStoreWithConfig(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}

	s := &MemoryStore{
		entries:       make(map[string]memoryEntry),
		sweepInterval: cfg.SweepInterval,
		done:          make(chan struct{}),
		nowFn:         time.Now,
	}

	go s.sweepLoop()

	return s
}

// memoryTx implements Tx over the staged view of one transaction.
type memoryTx struct {
	store   *MemoryStore
	allowed map[string]bool
	staged  map[string]*memoryEntry // nil entry = staged delete
	now     time.Time
}

func (t *memoryTx) Get(key string) ([]byte, bool) {
	if !t.allowed[key] {
		return nil, false
	}
	if staged, ok := t.staged[key]; ok {
		if staged == nil {
			return nil, false
		}
		return staged.value, true
	}
	e, ok := t.store.entries[key]
	if !ok || t.store.expired(e, t.now) {
		return nil, false
	}
	return e.value, true
}

func (t *memoryTx) Set(key string, value []byte, ttl time.Duration) {
	if !t.allowed[key] {
		return
	}
	e := &memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = t.now.Add(ttl)
	}
	t.staged[key] = e
}

func (t *memoryTx) Delete(key string) {
	if !t.allowed[key] {
		return
	}
	t.staged[key] = nil
}

// Update runs fn under the store mutex. Staged writes apply only if fn
// returns nil.
func (s *MemoryStore) Update(ctx context.Context, keys []string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return ErrUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:   s,
		allowed: make(map[string]bool, len(keys)),
		staged:  make(map[string]*memoryEntry),
		now:     s.nowFn(),
	}
	for _, k := range keys {
		tx.allowed[k] = true
	}

	if err := fn(tx); err != nil {
		return err
	}

	for key, staged := range tx.staged {
		if staged == nil {
			delete(s.entries, key)
		} else {
			s.entries[key] = *staged
		}
	}

	return nil
}

// Get reads a single key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, ErrUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || s.expired(e, s.nowFn()) {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set writes a single key with a TTL.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return ErrUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.nowFn().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

// Delete removes a single key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return ErrUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// List returns all live keys with the given prefix.
func (s *MemoryStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	out := make(map[string][]byte)
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) && !s.expired(e, now) {
			out[key] = e.value
		}
	}
	return out, nil
}

// Close stops the sweep goroutine.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Size returns the number of stored entries, including any not yet swept.
// Useful for monitoring and tests.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) expired(e memoryEntry, now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	for key, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, key)
		}
	}
}
