package session

import (
	"context"
	"time"
)

// Store describes persistence operations required by the session subsystem.
// The two transactional primitives carry the atomicity guarantees the
// engines depend on; everything else is plain row access.
type Store interface {
	Users(ctx context.Context) UserStore
	Sessions(ctx context.Context) SessionStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Revocations(ctx context.Context) RevocationStore

	// Rotate atomically consumes the token identified by oldID (only while
	// its rotated_at, revoked_at, and soft-delete marker are all unset),
	// inserts the successor, and touches the parent session. Exactly one of
	// any set of concurrent calls for the same oldID succeeds; the rest get
	// ErrRotationConflict and no rows change.
	Rotate(ctx context.Context, oldID string, successor *RefreshToken, touch SessionTouch) error

	// RevokeSession atomically revokes the session, revokes every still
	// usable refresh token under it, and records a single revocation row.
	// When the session is already revoked it returns the existing record
	// unchanged; concurrent calls never produce two rows. ErrNotFound is
	// returned when the session does not exist.
	RevokeSession(ctx context.Context, sessionID string, rev *SessionRevocation) (*SessionRevocation, error)
}

// UserStore manages accounts backing the credential store.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
}

// SessionStore manages session rows.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	ListByUser(ctx context.Context, userID string) ([]*Session, error)
	ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*Session, error)
}

// RefreshTokenStore manages refresh token rows.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	// FindByHash looks a token up by its one-way value hash. Raw values are
	// stored but never used for equality.
	FindByHash(ctx context.Context, hash string) (*RefreshToken, error)
	ListBySession(ctx context.Context, sessionID string) ([]*RefreshToken, error)
}

// RevocationStore reads revocation records.
type RevocationStore interface {
	FindBySession(ctx context.Context, sessionID string) (*SessionRevocation, error)
}

// CredentialStore verifies and updates user secrets. Kept as a narrow
// collaborator so the hashing scheme can change without touching the
// engines.
type CredentialStore interface {
	// Verify returns the user id on success. Every failure, including an
	// unknown email, is reported as ErrInvalidCredentials.
	Verify(ctx context.Context, email, password string) (string, error)
	SetCredential(ctx context.Context, userID, passwordHash string) error
}
