package session

import "errors"

var (
	// ErrInvalidCredentials is returned on any login failure. It never
	// discloses whether the email exists.
	ErrInvalidCredentials = errors.New("session: invalid credentials")

	// ErrInvalidOrExpiredToken collapses every refresh failure cause so a
	// caller cannot learn why a token was rejected.
	ErrInvalidOrExpiredToken = errors.New("session: invalid or expired token")

	// ErrSessionNotActive is returned when a revocation target does not
	// exist or belongs to another principal.
	ErrSessionNotActive = errors.New("session: session not active")

	// ErrTransient classifies store-layer failures. Safe to retry.
	ErrTransient = errors.New("session: transient store failure")

	ErrNotFound      = errors.New("session: not found")
	ErrAlreadyExists = errors.New("session: already exists")

	// ErrRotationConflict is the store-level loss signal for concurrent
	// rotation attempts on one token. The service translates it to
	// ErrInvalidOrExpiredToken.
	ErrRotationConflict = errors.New("session: token already rotated")

	// ErrChainCorrupt indicates a malformed parent linkage (cycle or
	// excessive depth) in a token's ancestry.
	ErrChainCorrupt = errors.New("session: refresh token chain corrupt")
)
