package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety. It backs the
// engine tests and lets the service run without a database.
type InMemory struct {
	mu          sync.RWMutex
	users       map[string]*User
	usersByMail map[string]string
	sessions    map[string]*Session
	tokens      map[string]*RefreshToken
	tokensByKey map[string]string             // token hash -> id
	revocations map[string]*SessionRevocation // session id -> revocation
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		users:       make(map[string]*User),
		usersByMail: make(map[string]string),
		sessions:    make(map[string]*Session),
		tokens:      make(map[string]*RefreshToken),
		tokensByKey: make(map[string]string),
		revocations: make(map[string]*SessionRevocation),
	}
}

func (m *InMemory) Users(context.Context) UserStore                 { return (*memUsers)(m) }
func (m *InMemory) Sessions(context.Context) SessionStore           { return (*memSessions)(m) }
func (m *InMemory) RefreshTokens(context.Context) RefreshTokenStore { return (*memTokens)(m) }
func (m *InMemory) Revocations(context.Context) RevocationStore     { return (*memRevocations)(m) }

// Rotate implements the single-use serialization point: the first caller to
// observe rotated_at unset wins; everyone else gets ErrRotationConflict.
func (m *InMemory) Rotate(ctx context.Context, oldID string, successor *RefreshToken, touch SessionTouch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.tokens[oldID]
	if !ok {
		return ErrNotFound
	}
	if old.RotatedAt != nil || old.RevokedAt != nil || old.DeletedAt != nil {
		return ErrRotationConflict
	}
	at := touch.At
	old.RotatedAt = &at

	cp := *successor
	m.tokens[cp.ID] = &cp
	m.tokensByKey[cp.TokenHash] = cp.ID

	if sess, ok := m.sessions[touch.SessionID]; ok {
		sess.UpdatedAt = touch.At
		if touch.IP != "" {
			sess.IP = touch.IP
		}
		if touch.UserAgent != "" {
			sess.UserAgent = touch.UserAgent
		}
	}
	return nil
}

// RevokeSession revokes the session and its usable tokens, recording exactly
// one revocation per session across any concurrency pattern.
func (m *InMemory) RevokeSession(ctx context.Context, sessionID string, rev *SessionRevocation) (*SessionRevocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok || sess.DeletedAt != nil {
		return nil, ErrNotFound
	}
	if existing, ok := m.revocations[sessionID]; ok {
		cp := *existing
		return &cp, nil
	}
	if sess.RevokedAt == nil {
		at := rev.RevokedAt
		sess.RevokedAt = &at
		sess.RevokedReason = rev.Reason
	}
	for _, tok := range m.tokens {
		if tok.SessionID != sessionID {
			continue
		}
		if tok.RotatedAt != nil || tok.RevokedAt != nil || tok.DeletedAt != nil {
			continue
		}
		at := rev.RevokedAt
		tok.RevokedAt = &at
		tok.RevokedReason = rev.Reason
	}
	cp := *rev
	m.revocations[sessionID] = &cp
	out := cp
	return &out, nil
}

// User store ---------------------------------------------------------------

type memUsers InMemory

func (m *memUsers) Create(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.usersByMail[u.Email]; ok {
		return ErrAlreadyExists
	}
	cp := *u
	m.users[cp.ID] = &cp
	m.usersByMail[cp.Email] = cp.ID
	return nil
}

func (m *memUsers) Find(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usersByMail[email]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *memUsers) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// Session store ------------------------------------------------------------

type memSessions InMemory

func (m *memSessions) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[cp.ID] = &cp
	return nil
}

func (m *memSessions) Find(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || s.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.UserID != userID || s.DeletedAt != nil {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sortSessions(out)
	return out, nil
}

func (m *memSessions) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.UserID != userID || !s.Active(now) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sortSessions(out)
	return out, nil
}

func sortSessions(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].IssuedAt.Equal(sessions[j].IssuedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].IssuedAt.Before(sessions[j].IssuedAt)
	})
}

// Refresh token store ------------------------------------------------------

type memTokens InMemory

func (m *memTokens) Create(ctx context.Context, tok *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.tokens[cp.ID] = &cp
	m.tokensByKey[cp.TokenHash] = cp.ID
	return nil
}

func (m *memTokens) Find(ctx context.Context, id string) (*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[id]
	if !ok || tok.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (m *memTokens) FindByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tokensByKey[hash]
	if !ok {
		return nil, ErrNotFound
	}
	tok, ok := m.tokens[id]
	if !ok || tok.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (m *memTokens) ListBySession(ctx context.Context, sessionID string) ([]*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RefreshToken
	for _, tok := range m.tokens {
		if tok.SessionID != sessionID || tok.DeletedAt != nil {
			continue
		}
		cp := *tok
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Revocation store ---------------------------------------------------------

type memRevocations InMemory

func (m *memRevocations) FindBySession(ctx context.Context, sessionID string) (*SessionRevocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rev, ok := m.revocations[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rev
	return &cp, nil
}

// SeedToken installs a token row directly. Intended for tests that need
// malformed chains the engine itself would never create.
func (m *InMemory) SeedToken(tok *RefreshToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.tokens[cp.ID] = &cp
	if cp.TokenHash != "" {
		m.tokensByKey[cp.TokenHash] = cp.ID
	}
}
