package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNewSlidingWindowLimiter_DefaultWindow(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultWindow, NewSlidingWindowLimiter(0).Window())
	assert.Equal(t, 10*time.Second, NewSlidingWindowLimiter(10*time.Second).Window())
}

func TestSlidingWindowLimiter_AllowsUpToLimit(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := NewSlidingWindowLimiter(time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		res, err := l.Allow(ctx, "token:a", 100)
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 100-(i+1), res.Remaining)
		clock.Advance(100 * time.Millisecond)
	}

	res, err := l.Allow(ctx, "token:a", 100)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 50*time.Second, res.RetryAfter)
	assert.Equal(t, BackendLocal, res.Backend)

	clock.Advance(61 * time.Second)
	res, err = l.Allow(ctx, "token:a", 100)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSlidingWindowLimiter_WindowSlides(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := NewSlidingWindowLimiter(10*time.Second, WithClock(clock.Now))
	ctx := context.Background()

	res, _ := l.Allow(ctx, "id", 2)
	require.True(t, res.Allowed)
	clock.Advance(5 * time.Second)
	res, _ = l.Allow(ctx, "id", 2)
	require.True(t, res.Allowed)

	res, _ = l.Allow(ctx, "id", 2)
	require.False(t, res.Allowed)
	assert.Equal(t, 5*time.Second, res.RetryAfter)

	// The first request leaves the window exactly at its boundary.
	clock.Advance(5 * time.Second)
	res, _ = l.Allow(ctx, "id", 2)
	assert.True(t, res.Allowed)
	res, _ = l.Allow(ctx, "id", 2)
	assert.False(t, res.Allowed)
}

func TestSlidingWindowLimiter_IdentitiesAreIndependent(t *testing.T) {
	t.Parallel()

	l := NewSlidingWindowLimiter(time.Minute)
	ctx := context.Background()

	res, err := l.Allow(ctx, "token:a", 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Allow(ctx, "token:a", 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = l.Allow(ctx, "token:b", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSlidingWindowLimiter_InvalidInput(t *testing.T) {
	t.Parallel()

	l := NewSlidingWindowLimiter(time.Minute)

	tests := []struct {
		name     string
		ctx      func() context.Context
		identity string
		limit    int
		wantErr  error
		allowed  bool
	}{
		{name: "zero limit denies", ctx: context.Background, identity: "x", limit: 0},
		{name: "negative limit denies", ctx: context.Background, identity: "x", limit: -5},
		{name: "empty identity", ctx: context.Background, identity: "", limit: 1, wantErr: ErrEmptyIdentity},
		{
			name: "cancelled context",
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			identity: "x",
			limit:    1,
			wantErr:  context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res, err := l.Allow(tt.ctx(), tt.identity, tt.limit)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, res)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, res.Allowed)
			assert.Equal(t, time.Minute, res.RetryAfter)
		})
	}
}

func TestSlidingWindowLimiter_Cleanup(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := NewSlidingWindowLimiter(time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = l.Allow(ctx, "old", 10)
	clock.Advance(2 * time.Minute)
	_, _ = l.Allow(ctx, "fresh", 10)
	require.Equal(t, 2, l.Len())

	assert.Equal(t, 1, l.Cleanup(time.Minute))
	assert.Equal(t, 1, l.Len())

	// A removed identity starts with an empty window.
	res, err := l.Allow(ctx, "old", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSlidingWindowLimiter_CleanupKeepsActiveWindows(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := NewSlidingWindowLimiter(time.Minute, WithClock(clock.Now))

	_, _ = l.Allow(context.Background(), "active", 10)
	clock.Advance(30 * time.Second)

	assert.Zero(t, l.Cleanup(0))
	assert.Equal(t, 1, l.Len())
}

func TestSlidingWindowLimiter_Reset(t *testing.T) {
	t.Parallel()

	l := NewSlidingWindowLimiter(time.Minute)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "id", 1)
	res, _ := l.Allow(ctx, "id", 1)
	require.False(t, res.Allowed)

	l.Reset("id")
	l.Reset("missing")

	res, _ = l.Allow(ctx, "id", 1)
	assert.True(t, res.Allowed)
}

func TestSlidingWindowLimiter_ConcurrentAllowNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	l := NewSlidingWindowLimiter(time.Minute)
	ctx := context.Background()

	const limit = 50
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				res, err := l.Allow(ctx, "shared", limit)
				if err == nil && res.Allowed {
					allowed.Add(1)
				}
				if i%5 == 0 {
					l.Cleanup(time.Hour)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(limit), allowed.Load())
}

func TestSlidingWindowLimiter_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)
	l := NewSlidingWindowLimiter(time.Minute, WithWindowMetrics(m))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Allow(ctx, fmt.Sprintf("id-%d", i%2), 1)
		require.NoError(t, err)
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(m.decisionsTotal.WithLabelValues(BackendLocal, "allowed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.decisionsTotal.WithLabelValues(BackendLocal, "denied")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.decisionsTotal.WithLabelValues(BackendRedis, "allowed")))
}
