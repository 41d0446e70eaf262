package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"taskvault.org/internal/audit"
	"taskvault.org/internal/ids"
	"taskvault.org/internal/ratelimit"
)

type policyPayload struct {
	Code          string `json:"code"`
	Scope         string `json:"scope"`
	Category      string `json:"category"`
	WindowSeconds int    `json:"window_seconds"`
	MaxRequests   int    `json:"max_requests"`
	BurstSize     int    `json:"burst_size"`
	SlidingWindow bool   `json:"sliding_window"`
	Enabled       bool   `json:"enabled"`
}

func policyResponse(p *ratelimit.Policy) policyPayload {
	return policyPayload{
		Code:          p.Code,
		Scope:         string(p.Scope),
		Category:      p.Category,
		WindowSeconds: p.WindowSeconds,
		MaxRequests:   p.MaxRequests,
		BurstSize:     p.BurstSize,
		SlidingWindow: p.SlidingWindow,
		Enabled:       p.Enabled,
	}
}

func (a *API) handlePoliciesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listPolicies(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handlePolicyResource(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimPrefix(r.URL.Path, "/v1/admin/policies/")
	if code == "" || strings.Contains(code, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getPolicy(w, r, code)
	case http.MethodPut:
		a.putPolicy(w, r, code)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) listPolicies(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, "admin"); !ok {
		return
	}
	if a.policies == nil {
		writeError(w, r, http.StatusNotFound, "policy administration is not enabled")
		return
	}

	policies, err := a.policies.List(r.Context())
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}

	items := make([]policyPayload, 0, len(policies))
	for _, p := range policies {
		items = append(items, policyResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) getPolicy(w http.ResponseWriter, r *http.Request, code string) {
	if _, ok := requireRole(w, r, "admin"); !ok {
		return
	}
	if a.policies == nil {
		writeError(w, r, http.StatusNotFound, "policy administration is not enabled")
		return
	}

	p, err := a.policies.GetByCode(r.Context(), code)
	if err != nil {
		if errors.Is(err, ratelimit.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "policy not found")
			return
		}
		writeError(w, r, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, policyResponse(p))
}

func (a *API) putPolicy(w http.ResponseWriter, r *http.Request, code string) {
	if _, ok := requireRole(w, r, "admin"); !ok {
		return
	}
	if a.policies == nil {
		writeError(w, r, http.StatusNotFound, "policy administration is not enabled")
		return
	}

	var req policyPayload
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Code != "" && req.Code != code {
		writeError(w, r, http.StatusBadRequest, "policy code in body must match the path")
		return
	}

	policy := &ratelimit.Policy{
		ID:            ids.New(),
		Code:          code,
		Scope:         ratelimit.Scope(req.Scope),
		Category:      req.Category,
		WindowSeconds: req.WindowSeconds,
		MaxRequests:   req.MaxRequests,
		BurstSize:     req.BurstSize,
		SlidingWindow: req.SlidingWindow,
		Enabled:       req.Enabled,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := policy.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.policies.Upsert(r.Context(), policy); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}

	_ = audit.LogEvent(r.Context(), "ratelimit.policy.upsert", map[string]any{
		"code":  code,
		"scope": req.Scope,
	})
	writeJSON(w, http.StatusOK, policyResponse(policy))
}
