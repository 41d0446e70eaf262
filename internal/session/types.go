package session

import "time"

// Actor classes recorded on revocations.
const (
	ActorUser   = "user"
	ActorAdmin  = "admin"
	ActorSystem = "system"
)

// User represents an account the credential store can verify.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// Session is a principal's authenticated context with its own expiry,
// independent of individual refresh tokens.
type Session struct {
	ID            string
	UserID        string
	Token         string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	IP            string
	UserAgent     string
	RevokedAt     *time.Time
	RevokedReason string
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// Active reports whether the session is usable at the given instant.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && s.DeletedAt == nil && now.Before(s.ExpiresAt)
}

// RefreshToken is one link in a session's rotation chain. ParentID is nil
// only for the session's original token.
type RefreshToken struct {
	ID            string
	SessionID     string
	ParentID      *string
	Token         string
	TokenHash     string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	RotatedAt     *time.Time
	RevokedAt     *time.Time
	RevokedReason string
	DeletedAt     *time.Time
}

// Usable reports whether the token itself can still be presented. The parent
// session's activity is checked separately.
func (t *RefreshToken) Usable(now time.Time) bool {
	return t.RotatedAt == nil && t.RevokedAt == nil && t.DeletedAt == nil && now.Before(t.ExpiresAt)
}

// SessionRevocation records the effective revocation of a session. A session
// has at most one effective revocation; repeated revokes return the original.
type SessionRevocation struct {
	ID        string
	SessionID string
	RevokedAt time.Time
	RevokedBy string
	Reason    string
	DeletedAt *time.Time
}

// RequestMeta carries client metadata captured on login and refresh.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// SessionTouch updates session metadata as part of an atomic rotation.
type SessionTouch struct {
	SessionID string
	At        time.Time
	IP        string
	UserAgent string
}

// RevokeFilter narrows the targets of a bulk revocation.
type RevokeFilter struct {
	IssuedBefore  *time.Time
	ExpiresBefore *time.Time
	IP            string
	UserAgent     string
}

// Matches reports whether the session falls inside the filter.
func (f RevokeFilter) Matches(s *Session) bool {
	if f.IssuedBefore != nil && !s.IssuedAt.Before(*f.IssuedBefore) {
		return false
	}
	if f.ExpiresBefore != nil && !s.ExpiresAt.Before(*f.ExpiresBefore) {
		return false
	}
	if f.IP != "" && s.IP != f.IP {
		return false
	}
	if f.UserAgent != "" && s.UserAgent != f.UserAgent {
		return false
	}
	return true
}

// TokenPair is what a successful login, registration, or refresh yields.
type TokenPair struct {
	Session          *Session
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
