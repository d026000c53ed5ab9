package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// SlidingWindowLimiter counts request timestamps per identity over a moving
// window. Each identity has its own lock.
type SlidingWindowLimiter struct {
	window  time.Duration
	windows sync.Map // identity -> *windowState
	now     func() time.Time
	logger  observability.Logger
	metrics *Metrics
}

type windowState struct {
	mu       sync.Mutex
	requests []time.Time
	lastSeen time.Time
	dead     bool
}

// SlidingWindowOption configures a SlidingWindowLimiter.
type SlidingWindowOption func(*SlidingWindowLimiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SlidingWindowOption {
	return func(l *SlidingWindowLimiter) {
		l.now = now
	}
}

// WithWindowLogger sets the logger.
func WithWindowLogger(logger observability.Logger) SlidingWindowOption {
	return func(l *SlidingWindowLimiter) {
		l.logger = logger
	}
}

// WithWindowMetrics sets the metrics.
func WithWindowMetrics(metrics *Metrics) SlidingWindowOption {
	return func(l *SlidingWindowLimiter) {
		l.metrics = metrics
	}
}

// NewSlidingWindowLimiter creates an in-process limiter. A non-positive
// window falls back to DefaultWindow.
func NewSlidingWindowLimiter(window time.Duration, opts ...SlidingWindowOption) *SlidingWindowLimiter {
	if window <= 0 {
		window = DefaultWindow
	}

	l := &SlidingWindowLimiter{
		window: window,
		now:    time.Now,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = NewMetrics("", nil)
	}
	return l
}

// Window returns the window length.
func (l *SlidingWindowLimiter) Window() time.Duration {
	return l.window
}

// Allow records one request for identity if fewer than limit requests were
// seen in the last window.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, identity string, limit int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if identity == "" {
		return nil, ErrEmptyIdentity
	}
	if limit <= 0 {
		l.metrics.recordDecision(BackendLocal, false)
		return denyAll(l.window, BackendLocal), nil
	}

	result := l.allow(identity, limit, l.now())
	l.metrics.recordDecision(BackendLocal, result.Allowed)

	if !result.Allowed {
		l.logger.Debug("rate limit exceeded",
			observability.String("identity", identity),
			observability.Int("limit", limit),
			observability.Duration("retry_after", result.RetryAfter),
		)
	}
	return result, nil
}

func (l *SlidingWindowLimiter) allow(identity string, limit int, now time.Time) *Result {
	var state *windowState
	for {
		val, _ := l.windows.LoadOrStore(identity, &windowState{})
		state = val.(*windowState)
		state.mu.Lock()
		if !state.dead {
			break
		}
		// Removed by Cleanup after the load; take the replacement.
		state.mu.Unlock()
	}
	defer state.mu.Unlock()

	state.prune(now.Add(-l.window))
	state.lastSeen = now

	if len(state.requests) >= limit {
		retry := state.requests[0].Add(l.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return &Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAfter: retry,
			RetryAfter: retry,
			Backend:    BackendLocal,
		}
	}

	state.requests = append(state.requests, now)
	return &Result{
		Allowed:    true,
		Limit:      limit,
		Remaining:  limit - len(state.requests),
		ResetAfter: state.requests[0].Add(l.window).Sub(now),
		Backend:    BackendLocal,
	}
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// order, so the kept ones are a suffix.
func (s *windowState) prune(cutoff time.Time) {
	i := 0
	for i < len(s.requests) && !s.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.requests = append(s.requests[:0], s.requests[i:]...)
	}
}

// Cleanup removes identities whose window is empty and that have not been
// seen for at least maxAge. It returns the number of identities removed.
func (l *SlidingWindowLimiter) Cleanup(maxAge time.Duration) int {
	now := l.now()
	removed := 0

	l.windows.Range(func(key, value any) bool {
		state := value.(*windowState)

		state.mu.Lock()
		state.prune(now.Add(-l.window))
		idle := len(state.requests) == 0 && now.Sub(state.lastSeen) >= maxAge
		if idle {
			state.dead = true
			l.windows.CompareAndDelete(key, value)
			removed++
		}
		state.mu.Unlock()
		return true
	})

	if removed > 0 {
		l.logger.Debug("rate limit windows cleaned up", observability.Int("removed", removed))
	}
	return removed
}

// Reset forgets the window of identity.
func (l *SlidingWindowLimiter) Reset(identity string) {
	if val, ok := l.windows.LoadAndDelete(identity); ok {
		state := val.(*windowState)
		state.mu.Lock()
		state.dead = true
		state.mu.Unlock()
	}
}

// Len returns the number of tracked identities.
func (l *SlidingWindowLimiter) Len() int {
	n := 0
	l.windows.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
