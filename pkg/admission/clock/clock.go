// Package clock provides an injectable time source for the admission engine.
//
// All continuous-time accounting (token refill, window indexing, breaker
// cool-downs) reads time through the Clock interface so tests can drive
// the engine deterministically without sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic wall-clock provider.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// Real is a Clock backed by time.Now.
type Real struct{}

// Now returns the current wall-clock time.
func (Real) Now() time.Time { return time.Now() }

// New returns the production clock.
func New() Clock { return Real{} }

// Fake is a settable Clock for tests. The zero value starts at the Unix
// epoch; use Set or Advance to move it.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a Fake clock pinned to the given time.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// Advance moves the fake clock forward by d. Negative d moves it backward,
// which tests use to simulate clock skew.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}
