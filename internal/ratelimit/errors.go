package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is the sentinel all admission denials match.
	ErrRateLimited = errors.New("ratelimit: too many requests")

	// ErrNotFound indicates a missing policy or counter record.
	ErrNotFound = errors.New("ratelimit: not found")

	// ErrTransient wraps store failures the caller may retry.
	ErrTransient = errors.New("ratelimit: transient store error")
)

// RateLimitedError carries the policy and cooldown behind a denial. It
// matches ErrRateLimited under errors.Is.
type RateLimitedError struct {
	PolicyCode   string
	BlockedUntil time.Time
	RetryAfter   time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("ratelimit: policy %s exceeded, retry after %s", e.PolicyCode, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

func transient(err error) error {
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
