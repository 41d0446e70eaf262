package ratelimit

import (
	"context"
	"time"
)

// PolicyStore persists admission policies.
type PolicyStore interface {
	// GetByCode returns the policy with the given code or ErrNotFound.
	GetByCode(ctx context.Context, code string) (*Policy, error)
	// List returns all policies, including disabled ones.
	List(ctx context.Context) ([]*Policy, error)
	// Upsert inserts the policy or replaces the one sharing its code.
	Upsert(ctx context.Context, p *Policy) error
}

// CounterStore persists per-subject usage counters for one scope class.
type CounterStore interface {
	// Current returns the counter for (policyID, subjectKey) without
	// mutating it, or ErrNotFound.
	Current(ctx context.Context, policyID, subjectKey string) (*Counter, error)
	// Bump atomically increments the subject's counter, rolling it into the
	// window described by fresh when the policy's roll condition holds. The
	// returned counter reflects the post-increment state. Concurrent bumps
	// never lose increments.
	Bump(ctx context.Context, p *Policy, subjectKey string, fresh *Counter) (*Counter, error)
	// Block records a cooldown on the subject's counter.
	Block(ctx context.Context, policyID, subjectKey string, until, now time.Time) error
}

// Store groups policy storage with the two counter tables. User-scoped
// counters and address-scoped counters live apart so one hot table cannot
// starve the other; global policies share the address table.
type Store interface {
	Policies() PolicyStore
	UserCounters() CounterStore
	IPCounters() CounterStore
}
