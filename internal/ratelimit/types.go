package ratelimit

import (
	"fmt"
	"time"
)

// Scope selects the subject a policy counts against.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeIP     Scope = "ip"
	ScopeGlobal Scope = "global"
)

// GlobalSubjectKey is the single counter key used by global-scope policies.
const GlobalSubjectKey = "global"

// Policy describes one admission rule: how many requests a subject may make
// within a window, with an optional burst allowance on top.
type Policy struct {
	ID            string
	Code          string
	Scope         Scope
	Category      string
	WindowSeconds int
	MaxRequests   int
	BurstSize     int
	SlidingWindow bool
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// Window returns the policy window as a duration.
func (p *Policy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// Limit is the hard ceiling for a window: the base allowance plus burst.
func (p *Policy) Limit() int {
	return p.MaxRequests + p.BurstSize
}

// Validate reports whether the policy is enforceable as stored.
func (p *Policy) Validate() error {
	if p.Code == "" {
		return fmt.Errorf("policy code is required")
	}
	switch p.Scope {
	case ScopeUser, ScopeIP, ScopeGlobal:
	default:
		return fmt.Errorf("policy %s: unknown scope %q", p.Code, p.Scope)
	}
	if p.WindowSeconds <= 0 {
		return fmt.Errorf("policy %s: window must be positive", p.Code)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("policy %s: max requests must be positive", p.Code)
	}
	if p.BurstSize < 0 {
		return fmt.Errorf("policy %s: burst cannot be negative", p.Code)
	}
	return nil
}

// Counter is one subject's usage record for one policy. A counter belongs to
// a single window; rolling into a new window assigns a fresh id.
type Counter struct {
	ID              string
	PolicyID        string
	SubjectKey      string
	Count           int
	WindowStartedAt time.Time
	WindowEndsAt    time.Time
	LastActionAt    time.Time
	BlockedUntil    *time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// Blocked reports whether the counter is inside an active cooldown.
func (c *Counter) Blocked(now time.Time) bool {
	return c.BlockedUntil != nil && now.Before(*c.BlockedUntil)
}

// rolled reports whether a bump observed at now lands in a new window. Fixed
// windows roll when the window has ended; sliding windows roll only after a
// full window of inactivity, so an attacker who keeps probing never gets a
// fresh allowance early. A soft-deleted counter still holds the subject's
// unique slot and always rolls.
func (c *Counter) rolled(p *Policy, now time.Time) bool {
	if c.DeletedAt != nil {
		return true
	}
	if p.SlidingWindow {
		return !now.Before(c.LastActionAt.Add(p.Window()))
	}
	return !now.Before(c.WindowEndsAt)
}

// Subject identifies the caller being counted.
type Subject struct {
	UserID string
	IP     string
}

// Key derives the counter key for a scope. Policies scoped to an absent
// attribute (a user policy for an anonymous request) produce an empty key.
func (s Subject) Key(scope Scope) string {
	switch scope {
	case ScopeUser:
		if s.UserID == "" {
			return ""
		}
		return "user:" + s.UserID
	case ScopeIP:
		if s.IP == "" {
			return ""
		}
		return "ip:" + s.IP
	case ScopeGlobal:
		return GlobalSubjectKey
	}
	return ""
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed      bool
	PolicyCode   string
	Remaining    int
	RetryAfter   time.Duration
	BlockedUntil time.Time
}
