package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestService(t *testing.T, clock *fakeClock, opts ...ServiceOption) (*Service, *InMemory) {
	t.Helper()
	store := NewInMemory()
	base := []ServiceOption{
		WithClock(clock.Now),
		WithBcryptCost(4), // keep hashing cheap in tests
	}
	svc, err := NewService(store, []byte("test-signing-secret"), append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store
}

func register(t *testing.T, svc *Service, email string) *TokenPair {
	t.Helper()
	pair, err := svc.Register(context.Background(), email, "correct horse", RequestMeta{IP: "1.2.3.4", UserAgent: "cli"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return pair
}

func TestLoginIssuesSessionAndRootToken(t *testing.T) {
	clock := newFakeClock()
	svc, store := newTestService(t, clock)
	ctx := context.Background()
	register(t, svc, "ada@example.com")

	pair, err := svc.Login(ctx, "ada@example.com", "correct horse", RequestMeta{IP: "5.6.7.8"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.Session == nil || pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("incomplete pair: %+v", pair)
	}
	if pair.Session.IP != "5.6.7.8" {
		t.Fatalf("session ip not captured: %q", pair.Session.IP)
	}
	if !pair.Session.Active(clock.Now()) {
		t.Fatal("new session should be active")
	}

	tokens, err := store.RefreshTokens(ctx).ListBySession(ctx, pair.Session.ID)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(tokens) != 1 || tokens[0].ParentID != nil {
		t.Fatalf("expected a single root token, got %+v", tokens)
	}
	if tokens[0].Token != pair.RefreshToken {
		t.Fatal("stored raw value should match issued token")
	}
}

func TestLoginFailureDoesNotRevealExistence(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, clock)
	ctx := context.Background()
	register(t, svc, "ada@example.com")

	_, errUnknown := svc.Login(ctx, "nobody@example.com", "whatever", RequestMeta{})
	_, errWrongPw := svc.Login(ctx, "ada@example.com", "wrong password", RequestMeta{})
	if !errors.Is(errUnknown, ErrInvalidCredentials) || !errors.Is(errWrongPw, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for both, got %v / %v", errUnknown, errWrongPw)
	}
	if errUnknown.Error() != errWrongPw.Error() {
		t.Fatal("failure messages must be indistinguishable")
	}
}

func TestRefreshRotatesSingleUse(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, clock)
	ctx := context.Background()
	pair := register(t, svc, "ada@example.com")
	tokenA := pair.RefreshToken

	next, err := svc.Refresh(ctx, tokenA, RequestMeta{IP: "9.9.9.9"})
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	tokenB := next.RefreshToken
	if tokenB == tokenA {
		t.Fatal("rotation must mint a distinct token")
	}
	if next.Session.IP != "9.9.9.9" {
		t.Fatalf("refresh should touch session ip, got %q", next.Session.IP)
	}

	if _, err := svc.Refresh(ctx, tokenA, RequestMeta{}); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("replay of rotated token: expected ErrInvalidOrExpiredToken, got %v", err)
	}
	if _, err := svc.Refresh(ctx, tokenB, RequestMeta{}); err != nil {
		t.Fatalf("successor must remain usable: %v", err)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, clock)
	ctx := context.Background()
	pair := register(t, svc, "ada@example.com")

	const N = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
	)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Refresh(ctx, pair.RefreshToken, RequestMeta{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInvalidOrExpiredToken):
				failures++
			default:
				t.Errorf("unexpected refresh error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one winner, got %d", successes)
	}
	if failures != N-1 {
		t.Fatalf("expected %d losers, got %d", N-1, failures)
	}
}

func TestRevokeSessionInvalidatesWholeChain(t *testing.T) {
	clock := newFakeClock()
	svc, store := newTestService(t, clock)
	ctx := context.Background()
	pair := register(t, svc, "ada@example.com")

	// Rotate a few times to build a chain.
	current := pair.RefreshToken
	for i := 0; i < 3; i++ {
		next, err := svc.Refresh(ctx, current, RequestMeta{})
		if err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
		current = next.RefreshToken
	}

	rev, err := svc.RevokeSession(ctx, pair.Session.ID, ActorAdmin, "compromised")
	if err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if rev.RevokedBy != ActorAdmin {
		t.Fatalf("unexpected actor: %s", rev.RevokedBy)
	}

	if _, err := svc.Refresh(ctx, current, RequestMeta{}); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("chain tip must be unusable after revocation, got %v", err)
	}

	tokens, err := store.RefreshTokens(ctx).ListBySession(ctx, pair.Session.ID)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	now := clock.Now()
	for _, tok := range tokens {
		if tok.Usable(now) {
			t.Fatalf("token %s still usable after session revocation", tok.ID)
		}
	}
}

func TestRevokeSessionIdempotent(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, clock)
	ctx := context.Background()
	pair := register(t, svc, "ada@example.com")

	first, err := svc.RevokeSession(ctx, pair.Session.ID, ActorUser, "logout")
	if err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	clock.Advance(time.Minute)
	second, err := svc.RevokeSession(ctx, pair.Session.ID, ActorUser, "logout again")
	if err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if first.ID != second.ID || !first.RevokedAt.Equal(second.RevokedAt) || first.Reason != second.Reason {
		t.Fatalf("revocation drifted: %+v vs %+v", first, second)
	}
}

func TestConcurrentRevokeSingleRecord(t *testing.T) {
	clock := newFakeClock()
	svc, store := newTestService(t, clock)
	ctx := context.Background()
	pair := register(t, svc, "ada@example.com")

	const N = 8
	var wg sync.WaitGroup
	results := make([]*SessionRevocation, N)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rev, err := svc.RevokeSession(ctx, pair.Session.ID, ActorSystem, "sweep")
			if err != nil {
				t.Errorf("revoke %d: %v", i, err)
				return
			}
			results[i] = rev
		}(i)
	}
	wg.Wait()

	for _, rev := range results {
		if rev == nil || rev.ID != results[0].ID {
			t.Fatalf("expected a single shared revocation record, got %+v", results)
		}
	}
	if _, err := store.Revocations(ctx).FindBySession(ctx, pair.Session.ID); err != nil {
		t.Fatalf("revocation record missing: %v", err)
	}
}

func TestRevokeMissingSession(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, clock)

	if _, err := svc.RevokeSession(context.Background(), "01XXXXXXXXXXXXXXXXXXXXXXXX", ActorAdmin, "gone"); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive, got %v", err)
	}
}

func TestRevokeOwnRejectsForeignSession(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, clock)
	ctx := context.Background()
	ada := register(t, svc, "ada@example.com")
	eve := register(t, svc, "eve@example.com")

	if _, err := svc.RevokeOwn(ctx, eve.Session.UserID, ada.Session.ID, "takeover"); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive for foreign session, got %v", err)
	}
	// The target session is untouched.
	if _, err := svc.Refresh(ctx, ada.RefreshToken, RequestMeta{}); err != nil {
		t.Fatalf("victim session should still refresh: %v", err)
	}
}

func TestRevokeOthersKeepsEarliestByDefault(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, clock)
	ctx := context.Background()
	first := register(t, svc, "ada@example.com")

	clock.Advance(time.Minute)
	second, err := svc.Login(ctx, "ada@example.com", "correct horse", RequestMeta{})
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	clock.Advance(time.Minute)
	third, err := svc.Login(ctx, "ada@example.com", "correct horse", RequestMeta{})
	if err != nil {
		t.Fatalf("third login: %v", err)
	}

	revoked, err := svc.RevokeOthers(ctx, first.Session.UserID, RevokeFilter{}, false, "")
	if err != nil {
		t.Fatalf("RevokeOthers: %v", err)
	}
	if revoked != 2 {
		t.Fatalf("expected 2 revoked, got %d", revoked)
	}

	now := clock.Now()
	active, err := svc.ListSessions(ctx, first.Session.UserID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	for _, sess := range active {
		switch sess.ID {
		case first.Session.ID:
			if !sess.Active(now) {
				t.Fatal("earliest session must survive")
			}
		case second.Session.ID, third.Session.ID:
			if sess.Active(now) {
				t.Fatalf("session %s should be revoked", sess.ID)
			}
		}
	}
}

func TestRevokeOthersHonorsExplicitCurrent(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, clock)
	ctx := context.Background()
	first := register(t, svc, "ada@example.com")
	clock.Advance(time.Minute)
	second, err := svc.Login(ctx, "ada@example.com", "correct horse", RequestMeta{})
	if err != nil {
		t.Fatalf("second login: %v", err)
	}

	if _, err := svc.RevokeOthers(ctx, first.Session.UserID, RevokeFilter{}, false, second.Session.ID); err != nil {
		t.Fatalf("RevokeOthers: %v", err)
	}
	now := clock.Now()
	sessions, _ := svc.ListSessions(ctx, first.Session.UserID)
	for _, sess := range sessions {
		if sess.ID == second.Session.ID && !sess.Active(now) {
			t.Fatal("explicit current session must survive")
		}
		if sess.ID == first.Session.ID && sess.Active(now) {
			t.Fatal("non-current session should be revoked")
		}
	}
}

func TestRevokeOthersIncludeCurrent(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, clock)
	ctx := context.Background()
	first := register(t, svc, "ada@example.com")
	clock.Advance(time.Minute)
	if _, err := svc.Login(ctx, "ada@example.com", "correct horse", RequestMeta{}); err != nil {
		t.Fatalf("second login: %v", err)
	}

	revoked, err := svc.RevokeOthers(ctx, first.Session.UserID, RevokeFilter{}, true, first.Session.ID)
	if err != nil {
		t.Fatalf("RevokeOthers: %v", err)
	}
	if revoked != 2 {
		t.Fatalf("expected both sessions revoked, got %d", revoked)
	}
}

func TestRevokeOthersFilterByIP(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, clock)
	ctx := context.Background()
	first := register(t, svc, "ada@example.com")
	clock.Advance(time.Minute)
	office, err := svc.Login(ctx, "ada@example.com", "correct horse", RequestMeta{IP: "10.0.0.7"})
	if err != nil {
		t.Fatalf("office login: %v", err)
	}
	clock.Advance(time.Minute)
	home, err := svc.Login(ctx, "ada@example.com", "correct horse", RequestMeta{IP: "192.168.1.2"})
	if err != nil {
		t.Fatalf("home login: %v", err)
	}

	revoked, err := svc.RevokeOthers(ctx, first.Session.UserID, RevokeFilter{IP: "10.0.0.7"}, false, first.Session.ID)
	if err != nil {
		t.Fatalf("RevokeOthers: %v", err)
	}
	if revoked != 1 {
		t.Fatalf("expected only the office session revoked, got %d", revoked)
	}
	now := clock.Now()
	sessions, _ := svc.ListSessions(ctx, first.Session.UserID)
	for _, sess := range sessions {
		if sess.ID == office.Session.ID && sess.Active(now) {
			t.Fatal("filtered session should be revoked")
		}
		if sess.ID == home.Session.ID && !sess.Active(now) {
			t.Fatal("unmatched session must survive")
		}
	}
}

func TestRevokeOthersFilterByExpiresBefore(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, clock)
	ctx := context.Background()
	old := register(t, svc, "ada@example.com")
	clock.Advance(time.Hour)
	fresh, err := svc.Login(ctx, "ada@example.com", "correct horse", RequestMeta{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	filter := RevokeFilter{ExpiresBefore: &fresh.Session.ExpiresAt}
	revoked, err := svc.RevokeOthers(ctx, old.Session.UserID, filter, false, fresh.Session.ID)
	if err != nil {
		t.Fatalf("RevokeOthers: %v", err)
	}
	if revoked != 1 {
		t.Fatalf("expected only the earlier-expiring session revoked, got %d", revoked)
	}
	now := clock.Now()
	sessions, _ := svc.ListSessions(ctx, old.Session.UserID)
	for _, sess := range sessions {
		if sess.ID == old.Session.ID && sess.Active(now) {
			t.Fatal("earlier-expiring session should be revoked")
		}
		if sess.ID == fresh.Session.ID && !sess.Active(now) {
			t.Fatal("current session must survive")
		}
	}
}

func TestRefreshFailsAfterTokenExpiry(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, clock, WithRefreshTTL(time.Hour), WithSessionTTL(48*time.Hour))
	ctx := context.Background()
	pair := register(t, svc, "ada@example.com")

	clock.Advance(2 * time.Hour)
	if _, err := svc.Refresh(ctx, pair.RefreshToken, RequestMeta{}); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected ErrInvalidOrExpiredToken after expiry, got %v", err)
	}
}

func TestRefreshFailsAfterSessionExpiry(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, clock, WithSessionTTL(time.Hour), WithRefreshTTL(48*time.Hour))
	ctx := context.Background()
	pair := register(t, svc, "ada@example.com")

	clock.Advance(2 * time.Hour)
	if _, err := svc.Refresh(ctx, pair.RefreshToken, RequestMeta{}); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("token must die with its session, got %v", err)
	}
}

func TestLogoutByRefreshToken(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, clock)
	ctx := context.Background()
	pair := register(t, svc, "ada@example.com")

	if _, err := svc.RevokeByRefreshToken(ctx, pair.RefreshToken, ActorUser, "logout"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.RefreshToken, RequestMeta{}); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected dead token after logout, got %v", err)
	}
	// Logging out again resolves to the same idempotent revocation.
	if _, err := svc.RevokeByRefreshToken(ctx, pair.RefreshToken, ActorUser, "logout"); err != nil {
		t.Fatalf("repeat logout: %v", err)
	}
}

func TestTokenChainWalk(t *testing.T) {
	clock := newFakeClock()
	svc, store := newTestService(t, clock)
	ctx := context.Background()
	pair := register(t, svc, "ada@example.com")

	current := pair.RefreshToken
	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		next, err := svc.Refresh(ctx, current, RequestMeta{})
		if err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
		current = next.RefreshToken
	}

	tokens, err := store.RefreshTokens(ctx).ListBySession(ctx, pair.Session.ID)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	tip := tokens[len(tokens)-1]
	chain, err := svc.TokenChain(ctx, tip.ID)
	if err != nil {
		t.Fatalf("TokenChain: %v", err)
	}
	if len(chain) != 5 {
		t.Fatalf("expected chain of 5, got %d", len(chain))
	}
	if chain[len(chain)-1].ParentID != nil {
		t.Fatal("chain must terminate at the root token")
	}
}

func TestTokenChainDetectsCycle(t *testing.T) {
	clock := newFakeClock()
	svc, store := newTestService(t, clock)
	ctx := context.Background()

	// Malformed linkage the engine would never create: a -> b -> a.
	idA, idB := "tok-a", "tok-b"
	store.SeedToken(&RefreshToken{ID: idA, SessionID: "s1", ParentID: &idB})
	store.SeedToken(&RefreshToken{ID: idB, SessionID: "s1", ParentID: &idA})

	if _, err := svc.TokenChain(ctx, idA); !errors.Is(err, ErrChainCorrupt) {
		t.Fatalf("expected ErrChainCorrupt, got %v", err)
	}
}

func TestTokenChainRejectsSelfParent(t *testing.T) {
	clock := newFakeClock()
	svc, store := newTestService(t, clock)
	ctx := context.Background()

	id := "tok-self"
	store.SeedToken(&RefreshToken{ID: id, SessionID: "s1", ParentID: &id})

	if _, err := svc.TokenChain(ctx, id); !errors.Is(err, ErrChainCorrupt) {
		t.Fatalf("expected ErrChainCorrupt, got %v", err)
	}
}

func TestChangePasswordRotatesCredentialAndRevokesOthers(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, clock)
	ctx := context.Background()
	first := register(t, svc, "ada@example.com")
	clock.Advance(time.Minute)
	second, err := svc.Login(ctx, "ada@example.com", "correct horse", RequestMeta{})
	if err != nil {
		t.Fatalf("second login: %v", err)
	}

	if err := svc.ChangePassword(ctx, second.Session.UserID, "correct horse", "battery staple", second.Session.ID); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, err := svc.Login(ctx, "ada@example.com", "correct horse", RequestMeta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	if _, err := svc.Login(ctx, "ada@example.com", "battery staple", RequestMeta{}); err != nil {
		t.Fatalf("new password must work: %v", err)
	}

	// The calling session survives; the first one was revoked.
	if _, err := svc.Refresh(ctx, second.RefreshToken, RequestMeta{}); err != nil {
		t.Fatalf("current session should still refresh: %v", err)
	}
	if _, err := svc.Refresh(ctx, first.RefreshToken, RequestMeta{}); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("other session should be revoked, got %v", err)
	}
}

func TestChangePasswordRejectsWrongCurrent(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, clock)
	pair := register(t, svc, "ada@example.com")

	err := svc.ChangePassword(context.Background(), pair.Session.UserID, "wrong password", "battery staple", pair.Session.ID)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, clock)
	register(t, svc, "ada@example.com")

	if _, err := svc.Register(context.Background(), "ada@example.com", "another pass", RequestMeta{}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}
