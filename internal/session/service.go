package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskvault.org/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
	defaultSessionTTL = 24 * time.Hour * 30

	// maxChainDepth bounds ancestry walks. Nothing in the schema prevents a
	// malformed cycle, so walks refuse to follow one.
	maxChainDepth = 64
)

// Service implements the token rotation and revocation engines on top of a
// transactional Store.
type Service struct {
	store Store
	creds CredentialStore
	now   func() time.Time

	signingSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	sessionTTL    time.Duration
	bcryptCost    int
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithIssuer overrides the access token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithSessionTTL configures session lifetime.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
		return nil
	}
}

// WithBcryptCost configures the hashing cost for new credentials.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) error {
		if cost > 0 {
			s.bcryptCost = cost
		}
		return nil
	}
}

// WithCredentialStore replaces the default bcrypt credential verifier.
func WithCredentialStore(creds CredentialStore) ServiceOption {
	return func(s *Service) error {
		if creds != nil {
			s.creds = creds
		}
		return nil
	}
}

// NewService constructs a Service. secret signs access tokens and must not
// be empty.
func NewService(store Store, secret []byte, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("session: signing secret is required")
	}
	svc := &Service{
		store:         store,
		now:           time.Now,
		signingSecret: secret,
		issuer:        "taskvault",
		accessTTL:     defaultAccessTTL,
		refreshTTL:    defaultRefreshTTL,
		sessionTTL:    defaultSessionTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.creds == nil {
		svc.creds = NewBcryptCredentials(store.Users(context.Background()))
	}
	return svc, nil
}

// Register creates an account and opens its first session.
func (s *Service) Register(ctx context.Context, email, password string, meta RequestMeta) (*TokenPair, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidCredentials)
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidCredentials)
	}
	hash, err := HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		Role:         "user",
		Status:       UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, ErrAlreadyExists
		}
		return nil, transient(err)
	}
	return s.openSession(ctx, user, meta)
}

// Login verifies credentials and opens a new session with a root refresh
// token. Any mismatch fails with ErrInvalidCredentials; the failure path
// does not reveal whether the email exists.
func (s *Service) Login(ctx context.Context, email, password string, meta RequestMeta) (*TokenPair, error) {
	userID, err := s.creds.Verify(ctx, email, password)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.openSession(ctx, user, meta)
}

// ChangePassword verifies the current password, stores a new hash, and then
// revokes the principal's other active sessions.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword, currentSessionID string) error {
	if len(newPassword) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidCredentials)
	}
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidCredentials
		}
		return transient(err)
	}
	if _, err := s.creds.Verify(ctx, user.Email, currentPassword); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := HashPassword(newPassword, s.bcryptCost)
	if err != nil {
		return err
	}
	if err := s.creds.SetCredential(ctx, userID, hash); err != nil {
		return transient(err)
	}
	_, err = s.RevokeOthers(ctx, userID, RevokeFilter{}, false, currentSessionID)
	return err
}

func (s *Service) openSession(ctx context.Context, user *User, meta RequestMeta) (*TokenPair, error) {
	now := s.now().UTC()

	sessTok, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}
	sess := &Session{
		ID:        ids.New(),
		UserID:    user.ID,
		Token:     sessTok.String(),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.sessionTTL),
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		UpdatedAt: now,
	}
	if err := s.store.Sessions(ctx).Create(ctx, sess); err != nil {
		return nil, transient(err)
	}

	refTok, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}
	root := &RefreshToken{
		ID:        refTok.ID,
		SessionID: sess.ID,
		ParentID:  nil,
		Token:     refTok.String(),
		TokenHash: refTok.Hash(),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	if err := s.store.RefreshTokens(ctx).Create(ctx, root); err != nil {
		return nil, transient(err)
	}

	access, accessExp, err := s.signAccessToken(user.ID, user.Role, sess.ID, now)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		Session:          sess,
		AccessToken:      access,
		RefreshToken:     root.Token,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: root.ExpiresAt,
	}, nil
}

// Refresh consumes a usable refresh token and mints its successor plus a new
// access token. After the first successful rotation the old value is
// permanently unusable; any replay fails with ErrInvalidOrExpiredToken.
func (s *Service) Refresh(ctx context.Context, rawToken string, meta RequestMeta) (*TokenPair, error) {
	opq, err := splitOpaqueToken(rawToken)
	if err != nil {
		return nil, ErrInvalidOrExpiredToken
	}
	rec, err := s.store.RefreshTokens(ctx).FindByHash(ctx, opq.Hash())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidOrExpiredToken
		}
		return nil, transient(err)
	}
	if !hashEqual(rec.ID, opq.ID) {
		return nil, ErrInvalidOrExpiredToken
	}
	now := s.now().UTC()
	if !rec.Usable(now) {
		return nil, ErrInvalidOrExpiredToken
	}
	if rec.ParentID != nil && *rec.ParentID == rec.ID {
		return nil, ErrInvalidOrExpiredToken
	}

	sess, err := s.store.Sessions(ctx).Find(ctx, rec.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidOrExpiredToken
		}
		return nil, transient(err)
	}
	if !sess.Active(now) {
		return nil, ErrInvalidOrExpiredToken
	}
	user, err := s.store.Users(ctx).Find(ctx, sess.UserID)
	if err != nil || user.Status != UserStatusActive {
		return nil, ErrInvalidOrExpiredToken
	}

	nextTok, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}
	parentID := rec.ID
	successor := &RefreshToken{
		ID:        nextTok.ID,
		SessionID: sess.ID,
		ParentID:  &parentID,
		Token:     nextTok.String(),
		TokenHash: nextTok.Hash(),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	touch := SessionTouch{
		SessionID: sess.ID,
		At:        now,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	}
	if err := s.store.Rotate(ctx, rec.ID, successor, touch); err != nil {
		if errors.Is(err, ErrRotationConflict) {
			// A concurrent refresh won; this caller observes the token as
			// already rotated.
			return nil, ErrInvalidOrExpiredToken
		}
		return nil, transient(err)
	}

	sess.UpdatedAt = now
	if meta.IP != "" {
		sess.IP = meta.IP
	}
	if meta.UserAgent != "" {
		sess.UserAgent = meta.UserAgent
	}

	access, accessExp, err := s.signAccessToken(user.ID, user.Role, sess.ID, now)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		Session:          sess,
		AccessToken:      access,
		RefreshToken:     successor.Token,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: successor.ExpiresAt,
	}, nil
}

// RevokeSession revokes a session and every usable token in its chain.
// Idempotent: revoking an already revoked session returns the original
// revocation record unchanged.
func (s *Service) RevokeSession(ctx context.Context, sessionID, actor, reason string) (*SessionRevocation, error) {
	if !validActor(actor) {
		actor = ActorSystem
	}
	now := s.now().UTC()
	rev := &SessionRevocation{
		ID:        ids.New(),
		SessionID: sessionID,
		RevokedAt: now,
		RevokedBy: actor,
		Reason:    reason,
	}
	out, err := s.store.RevokeSession(ctx, sessionID, rev)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionNotActive
		}
		return nil, transient(err)
	}
	return out, nil
}

// RevokeOwn revokes one of the principal's own sessions. A foreign or
// missing session id fails with ErrSessionNotActive.
func (s *Service) RevokeOwn(ctx context.Context, userID, sessionID, reason string) (*SessionRevocation, error) {
	sess, err := s.store.Sessions(ctx).Find(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionNotActive
		}
		return nil, transient(err)
	}
	if sess.UserID != userID {
		return nil, ErrSessionNotActive
	}
	return s.RevokeSession(ctx, sessionID, ActorUser, reason)
}

// RevokeByRefreshToken revokes the session behind a presented refresh token
// (logout). The token does not need to be usable; it only needs to resolve.
func (s *Service) RevokeByRefreshToken(ctx context.Context, rawToken, actor, reason string) (*SessionRevocation, error) {
	opq, err := splitOpaqueToken(rawToken)
	if err != nil {
		return nil, ErrInvalidOrExpiredToken
	}
	rec, err := s.store.RefreshTokens(ctx).FindByHash(ctx, opq.Hash())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidOrExpiredToken
		}
		return nil, transient(err)
	}
	return s.RevokeSession(ctx, rec.SessionID, actor, reason)
}

// RevokeOthers revokes the principal's active sessions except the current
// one. currentSessionID should be the authenticating session id from request
// context; when empty the earliest-issued active session is assumed current.
// Each target is revoked independently, so one failure does not corrupt the
// rest.
func (s *Service) RevokeOthers(ctx context.Context, userID string, filter RevokeFilter, includeCurrent bool, currentSessionID string) (int, error) {
	now := s.now().UTC()
	sessions, err := s.store.Sessions(ctx).ListActiveByUser(ctx, userID, now)
	if err != nil {
		return 0, transient(err)
	}
	if len(sessions) == 0 {
		return 0, nil
	}

	current := currentSessionID
	if current == "" {
		// Fallback heuristic only: without a request-session binding, treat
		// the earliest-issued active session as current.
		earliest := sessions[0]
		for _, sess := range sessions[1:] {
			if sess.IssuedAt.Before(earliest.IssuedAt) {
				earliest = sess
			}
		}
		current = earliest.ID
	}

	var (
		revoked int
		errs    []error
	)
	for _, sess := range sessions {
		if !includeCurrent && sess.ID == current {
			continue
		}
		if !filter.Matches(sess) {
			continue
		}
		if _, err := s.RevokeSession(ctx, sess.ID, ActorUser, "revoke-others"); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
			continue
		}
		revoked++
	}
	return revoked, errors.Join(errs...)
}

// ListSessions returns every session (active or not) of the principal.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	sessions, err := s.store.Sessions(ctx).ListByUser(ctx, userID)
	if err != nil {
		return nil, transient(err)
	}
	return sessions, nil
}

// TokenChain walks ancestry from the given token back to the session's root.
// It refuses malformed linkage: a cycle or a chain deeper than maxChainDepth
// fails with ErrChainCorrupt.
func (s *Service) TokenChain(ctx context.Context, tokenID string) ([]*RefreshToken, error) {
	tokens := s.store.RefreshTokens(ctx)
	seen := make(map[string]struct{})
	var chain []*RefreshToken

	id := tokenID
	for {
		if len(chain) >= maxChainDepth {
			return nil, ErrChainCorrupt
		}
		if _, ok := seen[id]; ok {
			return nil, ErrChainCorrupt
		}
		seen[id] = struct{}{}

		tok, err := tokens.Find(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, transient(err)
		}
		chain = append(chain, tok)
		if tok.ParentID == nil {
			return chain, nil
		}
		if *tok.ParentID == tok.ID {
			return nil, ErrChainCorrupt
		}
		id = *tok.ParentID
	}
}

func validActor(actor string) bool {
	switch actor {
	case ActorUser, ActorAdmin, ActorSystem:
		return true
	}
	return false
}

func transient(err error) error {
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
