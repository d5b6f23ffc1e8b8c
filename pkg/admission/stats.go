package admission

import "sync"

// StatsRecorder counts admission outcomes per scope and tier for the
// administrative stats surface. Counters are in-process and best-effort;
// they are observability, not quota state, and reset on restart. The
// Prometheus collectors in metrics.go cover cross-instance aggregation.
type StatsRecorder struct {
	mu       sync.Mutex
	byScope  map[Scope]*OutcomeCounts
	byTier   map[string]*OutcomeCounts
	bypassed uint64

	downstreamOK     uint64
	downstreamFailed uint64
}

// OutcomeCounts is an admitted/rejected pair.
type OutcomeCounts struct {
	Admitted uint64 `json:"admitted"`
	Rejected uint64 `json:"rejected"`
}

// Stats is a point-in-time snapshot for the admin API.
type Stats struct {
	ByScope  map[Scope]OutcomeCounts  `json:"by_scope"`
	ByTier   map[string]OutcomeCounts `json:"by_tier"`
	Bypassed uint64                   `json:"bypassed"`

	// Downstream counters come from reported outcomes, the same feed the
	// circuit breakers consume.
	DownstreamSuccesses uint64 `json:"downstream_successes"`
	DownstreamFailures  uint64 `json:"downstream_failures"`
}

// NewStatsRecorder creates an empty recorder.
func NewStatsRecorder() *StatsRecorder {
	return &StatsRecorder{
		byScope: make(map[Scope]*OutcomeCounts),
		byTier:  make(map[string]*OutcomeCounts),
	}
}

// RecordAdmitted counts an admitted request against its tier.
func (s *StatsRecorder) RecordAdmitted(tierName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, scope := range scopeOrder {
		s.scopeCounts(scope).Admitted++
	}
	if tierName != "" {
		s.tierCounts(tierName).Admitted++
	}
}

// RecordRejected counts a rejection against the scope that produced it.
// Scopes evaluated before the limiting one admitted the request, so their
// admitted counters advance.
func (s *StatsRecorder) RecordRejected(limiting Scope, tierName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, scope := range scopeOrder {
		if scope == limiting {
			s.scopeCounts(scope).Rejected++
			break
		}
		s.scopeCounts(scope).Admitted++
	}
	if tierName != "" {
		s.tierCounts(tierName).Rejected++
	}
}

// RecordDownstream counts a reported downstream outcome.
func (s *StatsRecorder) RecordDownstream(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.downstreamOK++
	} else {
		s.downstreamFailed++
	}
}

// RecordBypassed counts a whitelist bypass.
func (s *StatsRecorder) RecordBypassed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bypassed++
}

// Snapshot returns a copy of the current counters, optionally filtered to
// one scope (empty scope means all).
func (s *StatsRecorder) Snapshot(scope Scope) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		ByScope:             make(map[Scope]OutcomeCounts),
		ByTier:              make(map[string]OutcomeCounts),
		Bypassed:            s.bypassed,
		DownstreamSuccesses: s.downstreamOK,
		DownstreamFailures:  s.downstreamFailed,
	}
	for sc, counts := range s.byScope {
		if scope != ScopeNone && sc != scope {
			continue
		}
		out.ByScope[sc] = *counts
	}
	for tierName, counts := range s.byTier {
		out.ByTier[tierName] = *counts
	}
	return out
}

func (s *StatsRecorder) scopeCounts(scope Scope) *OutcomeCounts {
	c, ok := s.byScope[scope]
	if !ok {
		c = &OutcomeCounts{}
		s.byScope[scope] = c
	}
	return c
}

func (s *StatsRecorder) tierCounts(tierName string) *OutcomeCounts {
	c, ok := s.byTier[tierName]
	if !ok {
		c = &OutcomeCounts{}
		s.byTier[tierName] = c
	}
	return c
}
