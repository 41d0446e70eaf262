package ratelimit

import (
	"context"
	"errors"
	"time"

	"taskvault.org/internal/ids"
	"taskvault.org/internal/obs"
)

// Limiter runs admission checks against stored policies and counters.
//
// The limiter fails open: a missing, disabled, or misconfigured policy, or a
// store outage, admits the request and logs the condition. Abuse prevention
// must never be the component that takes logins down.
type Limiter struct {
	store Store
	now   func() time.Time
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithClock overrides the limiter's time source.
func WithClock(fn func() time.Time) LimiterOption {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLimiter wires a limiter over the given store.
func NewLimiter(store Store, opts ...LimiterOption) *Limiter {
	l := &Limiter{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit checks whether the subject may proceed under the named policy and, if
// so, counts the action. Denials return a *RateLimitedError (matching
// ErrRateLimited) alongside the decision so callers can surface the cooldown.
func (l *Limiter) Admit(ctx context.Context, policyCode string, sub Subject) (*Decision, error) {
	now := l.now().UTC()

	policy, err := l.store.Policies().GetByCode(ctx, policyCode)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return l.failOpen(policyCode, "policy not found", nil), nil
		}
		return l.failOpen(policyCode, "policy lookup failed", err), nil
	}
	if !policy.Enabled {
		return l.failOpen(policyCode, "policy disabled", nil), nil
	}
	if err := policy.Validate(); err != nil {
		return l.failOpen(policyCode, "policy misconfigured", err), nil
	}

	key := sub.Key(policy.Scope)
	if key == "" {
		// A user-scoped policy cannot count an anonymous request.
		return &Decision{Allowed: true, PolicyCode: policyCode}, nil
	}
	counters := l.countersFor(policy.Scope)

	// Respect an active cooldown without spending an increment on it.
	cur, err := counters.Current(ctx, policy.ID, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return l.failOpen(policyCode, "counter lookup failed", err), nil
	}
	if cur != nil && cur.Blocked(now) {
		return l.deny(policy, *cur.BlockedUntil, now)
	}

	fresh := &Counter{
		ID:              ids.New(),
		PolicyID:        policy.ID,
		SubjectKey:      key,
		WindowStartedAt: now,
		WindowEndsAt:    now.Add(policy.Window()),
		LastActionAt:    now,
	}
	bumped, err := counters.Bump(ctx, policy, key, fresh)
	if err != nil {
		return l.failOpen(policyCode, "counter bump failed", err), nil
	}

	if bumped.Count > policy.Limit() {
		until := now.Add(policy.Window())
		if err := counters.Block(ctx, policy.ID, key, until, now); err != nil {
			obs.Logger().Warn().Err(err).
				Str("policy", policyCode).
				Msg("failed to record cooldown")
		}
		return l.deny(policy, until, now)
	}

	obs.AdmissionDecisions.WithLabelValues(policyCode, "allow").Inc()
	return &Decision{
		Allowed:    true,
		PolicyCode: policyCode,
		Remaining:  policy.Limit() - bumped.Count,
	}, nil
}

func (l *Limiter) deny(policy *Policy, until, now time.Time) (*Decision, error) {
	retry := until.Sub(now)
	if retry < 0 {
		retry = 0
	}
	obs.AdmissionDecisions.WithLabelValues(policy.Code, "deny").Inc()
	return &Decision{
			Allowed:      false,
			PolicyCode:   policy.Code,
			RetryAfter:   retry,
			BlockedUntil: until,
		}, &RateLimitedError{
			PolicyCode:   policy.Code,
			BlockedUntil: until,
			RetryAfter:   retry,
		}
}

func (l *Limiter) failOpen(policyCode, reason string, err error) *Decision {
	evt := obs.Logger().Warn().Str("policy", policyCode).Str("reason", reason)
	if err != nil {
		evt = evt.Err(err)
	}
	evt.Msg("admission check failed open")
	obs.AdmissionDecisions.WithLabelValues(policyCode, "fail_open").Inc()
	return &Decision{Allowed: true, PolicyCode: policyCode}
}

func (l *Limiter) countersFor(scope Scope) CounterStore {
	if scope == ScopeUser {
		return l.store.UserCounters()
	}
	return l.store.IPCounters()
}
