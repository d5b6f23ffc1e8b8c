package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"gatewarden-hq/gatewarden/pkg/admission"
	"gatewarden-hq/gatewarden/pkg/admission/whitelist"
)

// checkRequest is the wire form of one admission query.
type checkRequest struct {
	Identity      string `json:"identity"`
	OriginAddress string `json:"origin_address"`
	ResourcePath  string `json:"resource_path"`
	Cost          uint32 `json:"cost"`
}

// checkResponse is the wire form of an admission decision.
type checkResponse struct {
	Allowed           bool   `json:"allowed"`
	Bypassed          bool   `json:"bypassed,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Limit             uint64 `json:"limit"`
	Remaining         uint64 `json:"remaining"`
	ResetAtEpoch      uint64 `json:"reset_at_epoch_seconds,omitempty"`
	RetryAfterSeconds uint32 `json:"retry_after_seconds,omitempty"`
	LimitingScope     string `json:"limiting_scope,omitempty"`
	Tier              string `json:"tier,omitempty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Cost == 0 {
		req.Cost = 1
	}

	res, err := s.controller.CheckAdmission(r.Context(), admission.Request{
		Identity:      req.Identity,
		OriginAddress: req.OriginAddress,
		ResourcePath:  req.ResourcePath,
		Cost:          req.Cost,
	})
	if err != nil {
		s.logger.Error("admission check failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	setRateLimitHeaders(w, res)

	status := http.StatusOK
	if !res.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, checkResponse{
		Allowed:           res.Allowed,
		Bypassed:          res.Bypassed,
		Reason:            res.Reason,
		Limit:             res.Limit,
		Remaining:         res.Remaining,
		ResetAtEpoch:      res.ResetAtEpochSeconds(),
		RetryAfterSeconds: res.RetryAfterSeconds(),
		LimitingScope:     string(res.LimitingScope),
		Tier:              res.Tier,
	})
}

// outcomeRequest reports a downstream result for circuit breaker feedback.
type outcomeRequest struct {
	Identity      string `json:"identity"`
	OriginAddress string `json:"origin_address"`
	ResourcePath  string `json:"resource_path"`
	Success       bool   `json:"success"`
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.controller.RecordOutcome(r.Context(), admission.Request{
		Identity:      req.Identity,
		OriginAddress: req.OriginAddress,
		ResourcePath:  req.ResourcePath,
	}, req.Success)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// setTierRequest binds an identity to a tier.
type setTierRequest struct {
	Tier       string `json:"tier"`
	TTLSeconds uint64 `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleSetTier(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")

	var req setTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := s.controller.Tiers().SetTier(r.Context(), identity, req.Tier, ttl); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveTier(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	if err := s.controller.Tiers().RemoveTier(r.Context(), identity); err != nil {
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListWhitelist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Whitelist().Entries())
}

// addWhitelistRequest registers a bypass entry.
type addWhitelistRequest struct {
	Identifier string `json:"identifier"`
	Kind       string `json:"kind"`
	Reason     string `json:"reason"`
	TTLSeconds uint64 `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleAddWhitelist(w http.ResponseWriter, r *http.Request) {
	var req addWhitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := s.controller.Whitelist().Add(r.Context(),
		req.Identifier, whitelist.Kind(req.Kind), req.Reason,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.controller.Whitelist().Remove(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	scope := admission.Scope(r.URL.Query().Get("scope"))
	writeJSON(w, http.StatusOK, s.controller.Stats().Snapshot(scope))
}

func (s *Server) handleBreakerState(w http.ResponseWriter, r *http.Request) {
	scope := admission.Scope(r.URL.Query().Get("scope"))
	identifier := r.URL.Query().Get("identifier")

	state, err := s.controller.BreakerState(r.Context(), scope, identifier)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}

// setRateLimitHeaders writes both the IETF draft style (RateLimit-*) and
// the legacy style (X-RateLimit-*) headers. Retry-After appears only on
// rejection.
func setRateLimitHeaders(w http.ResponseWriter, res admission.Result) {
	if res.Bypassed {
		return
	}

	limit := strconv.FormatUint(res.Limit, 10)
	remaining := strconv.FormatUint(res.Remaining, 10)
	reset := strconv.FormatUint(res.ResetAtEpochSeconds(), 10)

	h := w.Header()
	h.Set("RateLimit-Limit", limit)
	h.Set("RateLimit-Remaining", remaining)
	h.Set("RateLimit-Reset", reset)
	h.Set("X-RateLimit-Limit", limit)
	h.Set("X-RateLimit-Remaining", remaining)
	h.Set("X-RateLimit-Reset", reset)

	if !res.Allowed && res.RetryAfterSeconds() > 0 {
		h.Set("Retry-After", strconv.FormatUint(uint64(res.RetryAfterSeconds()), 10))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
