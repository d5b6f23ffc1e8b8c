// Package health provides liveness and readiness probes for the server.
// Liveness answers "is the process up"; readiness also verifies the quota
// store so orchestrators can drain an instance whose backend is gone.
package health

import (
	"context"
	"sync"
	"time"

	"gatewarden-hq/gatewarden/pkg/admission/store"
)

// CheckFunc probes one dependency. It returns nil when the dependency is
// usable, or an error describing the problem.
type CheckFunc func(ctx context.Context) error

// CheckResult is the outcome of a single dependency probe.
type CheckResult struct {
	Status   string        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration_ms,omitempty"`
}

// Status is the aggregated health of the process.
type Status struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Checker runs named dependency probes for the readiness endpoint.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
}

// New creates a checker. A zero timeout defaults to 5 seconds per probe.
func New(timeout time.Duration) *Checker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		checks:  make(map[string]CheckFunc),
		timeout: timeout,
	}
}

// Register adds a probe under a name, replacing any existing one.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Liveness reports whether the process is running. It never probes
// dependencies, so it stays fast enough for aggressive probe intervals.
func (c *Checker) Liveness(_ context.Context) Status {
	return Status{Status: "ok", Timestamp: time.Now()}
}

// Readiness runs every registered probe concurrently and aggregates the
// results. Any failing probe degrades the overall status.
func (c *Checker) Readiness(ctx context.Context) Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	var resultMu sync.Mutex
	var wg sync.WaitGroup

	for name, check := range checks {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()
			result := c.run(ctx, check)
			resultMu.Lock()
			results[name] = result
			resultMu.Unlock()
		}(name, check)
	}
	wg.Wait()

	status := "ready"
	for _, result := range results {
		if result.Status == "unhealthy" {
			status = "degraded"
		}
	}

	return Status{Status: status, Checks: results, Timestamp: time.Now()}
}

func (c *Checker) run(ctx context.Context, check CheckFunc) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		errCh <- check(checkCtx)
	}()

	select {
	case err := <-errCh:
		elapsed := time.Since(start)
		if err != nil {
			return CheckResult{Status: "unhealthy", Message: err.Error(), Duration: elapsed}
		}
		return CheckResult{Status: "ok", Duration: elapsed}
	case <-checkCtx.Done():
		return CheckResult{Status: "unhealthy", Message: "probe timeout", Duration: time.Since(start)}
	}
}

// StoreCheck probes the quota store with a read on a sentinel key. A miss
// is healthy; only a transport or backend error marks the store unusable.
func StoreCheck(st store.Store) CheckFunc {
	return func(ctx context.Context) error {
		_, _, err := st.Get(ctx, "health:probe")
		return err
	}
}
