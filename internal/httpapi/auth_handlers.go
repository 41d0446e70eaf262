package httpapi

import (
	"net/http"
	"strings"
	"time"

	"taskvault.org/internal/audit"
	"taskvault.org/internal/ids"
	"taskvault.org/internal/obs"
	"taskvault.org/internal/session"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type revokeOthersRequest struct {
	IncludeCurrent bool       `json:"include_current"`
	IP             string     `json:"ip"`
	UserAgent      string     `json:"user_agent"`
	IssuedBefore   *time.Time `json:"issued_before"`
	ExpiresBefore  *time.Time `json:"expires_before"`
}

type tokenPairResponse struct {
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type sessionResponse struct {
	ID        string     `json:"id"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	IP        string     `json:"ip,omitempty"`
	UserAgent string     `json:"user_agent,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	Current   bool       `json:"current"`
}

func tokenPairPayload(pair *session.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		SessionID:        pair.Session.ID,
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
}

func requestMeta(r *http.Request) session.RequestMeta {
	return session.RequestMeta{
		IP:        clientIP(r),
		UserAgent: strings.TrimSpace(r.UserAgent()),
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.admit(w, r, policyAuth) {
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, err := a.sessions.Register(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		handleSessionError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.register", map[string]any{
		"session_id": pair.Session.ID,
		"user_id":    pair.Session.UserID,
	})
	writeJSON(w, http.StatusCreated, tokenPairPayload(pair))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.admit(w, r, policyAuth) {
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, err := a.sessions.Login(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		obs.LoginAttempts.WithLabelValues("failure").Inc()
		_ = audit.LogEvent(r.Context(), "auth.login.failure", nil)
		handleSessionError(w, r, err)
		return
	}

	obs.LoginAttempts.WithLabelValues("success").Inc()
	_ = audit.LogEvent(r.Context(), "auth.login.success", map[string]any{
		"session_id": pair.Session.ID,
		"user_id":    pair.Session.UserID,
	})
	writeJSON(w, http.StatusOK, tokenPairPayload(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.admit(w, r, policyAuth) {
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, err := a.sessions.Refresh(r.Context(), req.RefreshToken, requestMeta(r))
	if err != nil {
		obs.TokenRefreshes.WithLabelValues("failure").Inc()
		handleSessionError(w, r, err)
		return
	}

	obs.TokenRefreshes.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusOK, tokenPairPayload(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rev, err := a.sessions.RevokeByRefreshToken(r.Context(), req.RefreshToken, session.ActorUser, "logout")
	if err != nil {
		handleSessionError(w, r, err)
		return
	}

	obs.SessionRevocations.WithLabelValues(session.ActorUser).Inc()
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{
		"session_id": rev.SessionID,
	})
	w.WriteHeader(http.StatusNoContent)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := requireRole(w, r, "")
	if !ok {
		return
	}
	if !a.admit(w, r, policyWrite) {
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	err := a.sessions.ChangePassword(r.Context(), principal.UserID, req.CurrentPassword, req.NewPassword, principal.SessionID)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.password.change", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSessionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listSessions(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if path == "revoke-others" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.revokeOthers(w, r)
		return
	}

	if strings.Contains(path, "/") || !ids.IsValid(path) {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodDelete:
		a.revokeSession(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodDelete)
	}
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, "")
	if !ok {
		return
	}

	sessions, err := a.sessions.ListSessions(r.Context(), principal.UserID)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}

	items := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, sessionResponse{
			ID:        s.ID,
			IssuedAt:  s.IssuedAt,
			ExpiresAt: s.ExpiresAt,
			IP:        s.IP,
			UserAgent: s.UserAgent,
			RevokedAt: s.RevokedAt,
			Current:   s.ID == principal.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) revokeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	principal, ok := requireRole(w, r, "")
	if !ok {
		return
	}

	var (
		rev *session.SessionRevocation
		err error
	)
	actor := session.ActorUser
	if principal.Role == "admin" {
		actor = session.ActorAdmin
		rev, err = a.sessions.RevokeSession(r.Context(), sessionID, actor, "revoked by admin")
	} else {
		rev, err = a.sessions.RevokeOwn(r.Context(), principal.UserID, sessionID, "revoked by owner")
	}
	if err != nil {
		handleSessionError(w, r, err)
		return
	}

	obs.SessionRevocations.WithLabelValues(actor).Inc()
	_ = audit.LogEvent(r.Context(), "session.revoke", map[string]any{
		"session_id": rev.SessionID,
		"revoked_by": rev.RevokedBy,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": rev.SessionID,
		"revoked_at": rev.RevokedAt,
		"revoked_by": rev.RevokedBy,
		"reason":     rev.Reason,
	})
}

func (a *API) revokeOthers(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, "")
	if !ok {
		return
	}
	if !a.admit(w, r, policyWrite) {
		return
	}

	var req revokeOthersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	filter := session.RevokeFilter{
		IssuedBefore:  req.IssuedBefore,
		ExpiresBefore: req.ExpiresBefore,
		IP:            strings.TrimSpace(req.IP),
		UserAgent:     strings.TrimSpace(req.UserAgent),
	}

	revoked, err := a.sessions.RevokeOthers(r.Context(), principal.UserID, filter, req.IncludeCurrent, principal.SessionID)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}

	obs.SessionRevocations.WithLabelValues(session.ActorUser).Add(float64(revoked))
	_ = audit.LogEvent(r.Context(), "session.revoke_others", map[string]any{
		"revoked":         revoked,
		"include_current": req.IncludeCurrent,
	})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}
