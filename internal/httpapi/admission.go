package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"taskvault.org/internal/ratelimit"
	"taskvault.org/internal/session"
)

// Policy codes the HTTP layer enforces. They must exist in the policy store
// to take effect; a missing policy fails open inside the limiter.
const (
	policyAuth  = "auth"
	policyWrite = "write"
)

// admit runs the named admission policy for the request. It writes the 429
// response itself and returns false when the request must stop.
func (a *API) admit(w http.ResponseWriter, r *http.Request, policyCode string) bool {
	if a.limiter == nil {
		return true
	}
	sub := ratelimit.Subject{IP: clientIP(r)}
	if principal, ok := session.PrincipalFromContext(r.Context()); ok {
		sub.UserID = principal.UserID
	}

	_, err := a.limiter.Admit(r.Context(), policyCode, sub)
	if err == nil {
		return true
	}
	var rle *ratelimit.RateLimitedError
	if errors.As(err, &rle) {
		seconds := int(math.Ceil(rle.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeError(w, r, http.StatusTooManyRequests, "too many requests")
		return false
	}
	// The limiter fails open on anything that is not a denial.
	return true
}
