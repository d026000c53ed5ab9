// Package ratelimit throttles admitted requests per identity with a sliding
// window, either in process or shared through Redis.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// DefaultWindow is the window used when none is configured.
const DefaultWindow = time.Minute

// Backend names used as metric labels.
const (
	BackendLocal = "local"
	BackendRedis = "redis"
)

var (
	// ErrEmptyIdentity is returned when Allow is called without an identity.
	ErrEmptyIdentity = errors.New("rate limit identity is empty")

	// ErrBackendUnavailable is returned by the distributed limiter when Redis
	// cannot be used and no fallback is configured.
	ErrBackendUnavailable = errors.New("rate limit backend unavailable")
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	RetryAfter time.Duration
	Backend    string
}

// Limiter decides whether identity may perform one more request. A limit
// of zero or less denies every request.
type Limiter interface {
	Allow(ctx context.Context, identity string, limit int) (*Result, error)
}

// Cleaner is implemented by limiters that hold per-identity state in memory.
type Cleaner interface {
	Cleanup(maxAge time.Duration) int
}

func denyAll(window time.Duration, backend string) *Result {
	return &Result{
		Allowed:    false,
		Limit:      0,
		Remaining:  0,
		ResetAfter: window,
		RetryAfter: window,
		Backend:    backend,
	}
}

var (
	_ Limiter = (*SlidingWindowLimiter)(nil)
	_ Limiter = (*RedisLimiter)(nil)
	_ Cleaner = (*SlidingWindowLimiter)(nil)
	_ Cleaner = (*RedisLimiter)(nil)
)
