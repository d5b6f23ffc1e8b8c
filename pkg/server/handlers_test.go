package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gatewarden-hq/gatewarden/pkg/admission"
	"gatewarden-hq/gatewarden/pkg/admission/clock"
	"gatewarden-hq/gatewarden/pkg/admission/store"
	"gatewarden-hq/gatewarden/pkg/admission/tier"
	"gatewarden-hq/gatewarden/pkg/admission/whitelist"
	"gatewarden-hq/gatewarden/pkg/config"
)

func newServerFixture(t *testing.T) *Server {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))

	tiers, err := tier.NewRegistry(st, tier.Table{
		Default: "free",
		Definitions: map[string]tier.Config{
			"free": {Capacity: 3, RefillRate: 1, CostMultiplier: 1.0},
			"pro":  {Capacity: 100, RefillRate: 10, CostMultiplier: 0.5},
		},
	})
	if err != nil {
		t.Fatalf("tier.NewRegistry failed: %v", err)
	}
	wl, err := whitelist.NewRegistry(context.Background(), st, clk, nil, nil)
	if err != nil {
		t.Fatalf("whitelist.NewRegistry failed: %v", err)
	}

	controller, err := admission.NewController(admission.Config{
		Global:             admission.ScopeConfig{Enabled: true, Strategy: admission.StrategyTokenBucket, Capacity: 1000, RefillRate: 100, FailPolicy: admission.FailClosed},
		Origin:             admission.ScopeConfig{Enabled: true, Strategy: admission.StrategyTokenBucket, Capacity: 100, RefillRate: 10, FailPolicy: admission.FailOpen},
		Resource:           admission.ScopeConfig{Enabled: true, Strategy: admission.StrategyTokenBucket, Capacity: 500, RefillRate: 50, FailPolicy: admission.FailClosed},
		IdentityFailPolicy: admission.FailClosed,
	}, admission.ControllerDeps{
		Store:     st,
		Clock:     clk,
		Tiers:     tiers,
		Whitelist: wl,
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	return New(config.ServerConfig{ListenAddress: "127.0.0.1:0"}, false, controller, nil, nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ============================================================================
// Check Endpoint
// ============================================================================

func TestHandleCheck_Admits(t *testing.T) {
	s := newServerFixture(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/check", map[string]any{
		"identity":       "alice",
		"origin_address": "203.0.113.7",
		"resource_path":  "/v1/widgets",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var res checkResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !res.Allowed {
		t.Error("Expected admission")
	}
	if res.Tier != "free" {
		t.Errorf("Expected free tier, got %s", res.Tier)
	}
	if res.Limit != 3 || res.Remaining != 2 {
		t.Errorf("Expected limit 3 remaining 2, got %d/%d", res.Limit, res.Remaining)
	}

	// Both header styles are present
	if rec.Header().Get("RateLimit-Limit") != "3" {
		t.Errorf("Expected RateLimit-Limit 3, got %q", rec.Header().Get("RateLimit-Limit"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "2" {
		t.Errorf("Expected X-RateLimit-Remaining 2, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec.Header().Get("Retry-After") != "" {
		t.Error("Expected no Retry-After on admission")
	}
}

func TestHandleCheck_Rejects(t *testing.T) {
	s := newServerFixture(t)
	body := map[string]any{
		"identity":       "alice",
		"origin_address": "203.0.113.7",
		"resource_path":  "/v1/widgets",
	}

	for i := 0; i < 3; i++ {
		doJSON(t, s.Handler(), http.MethodPost, "/v1/check", body)
	}
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/check", body)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rec.Code)
	}

	var res checkResponse
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Allowed {
		t.Error("Expected rejection in body")
	}
	if res.LimitingScope != "identity" {
		t.Errorf("Expected identity scope, got %s", res.LimitingScope)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestHandleCheck_DefaultsCostToOne(t *testing.T) {
	s := newServerFixture(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/check", map[string]any{
		"identity": "alice",
	})

	var res checkResponse
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Remaining != 2 {
		t.Errorf("Expected omitted cost to charge one unit, remaining %d", res.Remaining)
	}
}

func TestHandleCheck_BadBody(t *testing.T) {
	s := newServerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/check", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestHandleCheck_BypassSkipsHeaders(t *testing.T) {
	s := newServerFixture(t)

	doJSON(t, s.Handler(), http.MethodPost, "/admin/whitelist", map[string]any{
		"identifier": "alice", "kind": "exact", "reason": "vip",
	})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/check", map[string]any{
		"identity": "alice",
	})

	var res checkResponse
	json.Unmarshal(rec.Body.Bytes(), &res)
	if !res.Bypassed {
		t.Fatal("Expected bypass")
	}
	if rec.Header().Get("RateLimit-Limit") != "" {
		t.Error("Expected no rate limit headers on bypass")
	}
}

// ============================================================================
// Outcome Endpoint
// ============================================================================

func TestHandleOutcome(t *testing.T) {
	s := newServerFixture(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/outcome", map[string]any{
		"identity":      "alice",
		"resource_path": "/v1/widgets",
		"success":       true,
	})
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rec.Code)
	}

	rec = doJSON(t, s.Handler(), http.MethodGet, "/admin/stats", nil)
	var stats admission.Stats
	json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats.DownstreamSuccesses != 1 {
		t.Errorf("Expected 1 downstream success, got %d", stats.DownstreamSuccesses)
	}
}

// ============================================================================
// Admin Endpoints
// ============================================================================

func TestAdminTiers(t *testing.T) {
	s := newServerFixture(t)

	rec := doJSON(t, s.Handler(), http.MethodPut, "/admin/tiers/alice", map[string]any{"tier": "pro"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/check", map[string]any{"identity": "alice"})
	var res checkResponse
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Tier != "pro" {
		t.Errorf("Expected pro tier after binding, got %s", res.Tier)
	}

	// Unknown tier is rejected
	rec = doJSON(t, s.Handler(), http.MethodPut, "/admin/tiers/alice", map[string]any{"tier": "platinum"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown tier, got %d", rec.Code)
	}

	// Removal returns to the default tier
	rec = doJSON(t, s.Handler(), http.MethodDelete, "/admin/tiers/alice", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}
	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/check", map[string]any{"identity": "alice"})
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Tier != "free" {
		t.Errorf("Expected free tier after removal, got %s", res.Tier)
	}
}

func TestAdminWhitelist(t *testing.T) {
	s := newServerFixture(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/admin/whitelist", map[string]any{
		"identifier": "10.0.0.0/8", "kind": "cidr", "reason": "internal",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var entry whitelist.Entry
	json.Unmarshal(rec.Body.Bytes(), &entry)
	if entry.ID == "" {
		t.Error("Expected created entry to carry an ID")
	}

	rec = doJSON(t, s.Handler(), http.MethodGet, "/admin/whitelist", nil)
	var entries []whitelist.Entry
	json.Unmarshal(rec.Body.Bytes(), &entries)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}

	rec = doJSON(t, s.Handler(), http.MethodDelete, "/admin/whitelist/"+entry.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rec.Code)
	}
	rec = doJSON(t, s.Handler(), http.MethodDelete, "/admin/whitelist/"+entry.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown ID, got %d", rec.Code)
	}

	// Malformed ranges never reach the registry
	rec = doJSON(t, s.Handler(), http.MethodPost, "/admin/whitelist", map[string]any{
		"identifier": "nonsense", "kind": "cidr",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed range, got %d", rec.Code)
	}
}

func TestAdminStats(t *testing.T) {
	s := newServerFixture(t)

	doJSON(t, s.Handler(), http.MethodPost, "/v1/check", map[string]any{"identity": "alice"})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/admin/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var stats admission.Stats
	json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats.ByScope["identity"].Admitted != 1 {
		t.Errorf("Expected 1 admitted, got %d", stats.ByScope["identity"].Admitted)
	}
}

func TestAdminBreakerState(t *testing.T) {
	s := newServerFixture(t)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/admin/breaker?scope=global&identifier=all", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["state"] != "closed" {
		t.Errorf("Expected closed with breakers disabled, got %s", body["state"])
	}
}

func TestHealthz(t *testing.T) {
	s := newServerFixture(t)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

// ============================================================================
// Middleware
// ============================================================================

func TestAdmitMiddleware(t *testing.T) {
	s := newServerFixture(t)

	downstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	protected := Admit(s.controller, "X-Api-Key", nil)(downstream)

	// Free tier capacity 3: the fourth call is limited
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/widgets", nil)
		req.Header.Set("X-Api-Key", "alice")
		req.RemoteAddr = "203.0.113.7:4567"
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected call %d to pass, got %d", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/widgets", nil)
	req.Header.Set("X-Api-Key", "alice")
	req.RemoteAddr = "203.0.113.7:4567"
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After on limited response")
	}
}

func TestAdmitMiddleware_FallsBackToOrigin(t *testing.T) {
	s := newServerFixture(t)

	downstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	protected := Admit(s.controller, "X-Api-Key", nil)(downstream)

	// No identity header: the origin address becomes the identity
	req := httptest.NewRequest(http.MethodGet, "/v1/widgets", nil)
	req.RemoteAddr = "203.0.113.44:9999"
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected pass-through, got %d", rec.Code)
	}
	if rec.Header().Get("RateLimit-Limit") == "" {
		t.Error("Expected rate limit headers from the middleware")
	}
}
