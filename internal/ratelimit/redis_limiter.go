package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/apigatekeeper/internal/circuitbreaker"
	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// DefaultKeyPrefix prefixes every Redis key written by the limiter.
const DefaultKeyPrefix = "gatekeeper:ratelimit:"

// slidingWindowScript keeps one sorted-set member per admitted request,
// scored by its timestamp in milliseconds.
// Returns: allowed (0 or 1), remaining, milliseconds until the oldest
// entry leaves the window.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)

	local count = redis.call('ZCARD', key)
	local allowed = 0
	if count < limit then
		redis.call('ZADD', key, now, member)
		count = count + 1
		allowed = 1
	end

	redis.call('PEXPIRE', key, window_ms)

	local reset_ms = window_ms
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if #oldest > 0 then
		reset_ms = tonumber(oldest[2]) + window_ms - now
	end

	return {allowed, limit - count, reset_ms}
`)

// RedisLimiter is a sliding window limiter shared by every gatekeeper
// instance using the same Redis. Calls go through a circuit breaker and,
// when configured, fall back to a local limiter while Redis is unusable.
type RedisLimiter struct {
	client   redis.UniversalClient
	prefix   string
	window   time.Duration
	breaker  *circuitbreaker.Breaker
	fallback *SlidingWindowLimiter
	now      func() time.Time
	logger   observability.Logger
	metrics  *Metrics
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLimiter) {
		l.prefix = prefix
	}
}

// WithFallback serves decisions from fallback when Redis fails. Without it
// a Redis failure is returned to the caller.
func WithFallback(fallback *SlidingWindowLimiter) RedisOption {
	return func(l *RedisLimiter) {
		l.fallback = fallback
	}
}

// WithBreaker sets the circuit breaker guarding Redis.
func WithBreaker(breaker *circuitbreaker.Breaker) RedisOption {
	return func(l *RedisLimiter) {
		l.breaker = breaker
	}
}

// WithRedisClock replaces time.Now.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(l *RedisLimiter) {
		l.now = now
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(l *RedisLimiter) {
		l.logger = logger
	}
}

// WithRedisMetrics sets the metrics.
func WithRedisMetrics(metrics *Metrics) RedisOption {
	return func(l *RedisLimiter) {
		l.metrics = metrics
	}
}

// NewRedisLimiter creates a distributed limiter on client.
func NewRedisLimiter(client redis.UniversalClient, window time.Duration, opts ...RedisOption) *RedisLimiter {
	if window <= 0 {
		window = DefaultWindow
	}

	l := &RedisLimiter{
		client: client,
		prefix: DefaultKeyPrefix,
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
	if l.breaker == nil {
		l.breaker = circuitbreaker.New("ratelimit-redis", 0, 0, circuitbreaker.WithLogger(l.logger))
	}
	return l
}

// Allow records one request for identity in Redis if fewer than limit
// requests were seen in the last window.
func (l *RedisLimiter) Allow(ctx context.Context, identity string, limit int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if identity == "" {
		return nil, ErrEmptyIdentity
	}
	if limit <= 0 {
		l.metrics.recordDecision(BackendRedis, false)
		return denyAll(l.window, BackendRedis), nil
	}

	out, err := l.breaker.Execute(func() (interface{}, error) {
		return l.eval(ctx, identity, limit)
	})
	if err == nil {
		result := out.(*Result)
		l.metrics.recordDecision(BackendRedis, result.Allowed)
		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if !circuitbreaker.IsOpen(err) {
		l.metrics.redisErrors.Inc()
	}

	if l.fallback == nil {
		l.logger.Error("redis rate limit failed",
			observability.String("identity", identity),
			observability.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	l.logger.Warn("redis rate limit failed, using local fallback",
		observability.String("identity", identity),
		observability.String("breaker_state", l.breaker.State().String()),
		observability.Error(err),
	)
	l.metrics.fallbackTotal.Inc()
	return l.fallback.Allow(ctx, identity, limit)
}

func (l *RedisLimiter) eval(ctx context.Context, identity string, limit int) (*Result, error) {
	nowMs := l.now().UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + ":" + uuid.NewString()

	values, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + identity},
		limit, l.window.Milliseconds(), nowMs, member,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("sliding window script: %w", err)
	}
	return parseScriptResult(values, limit)
}

func parseScriptResult(values []int64, limit int) (*Result, error) {
	if len(values) != 3 {
		return nil, errors.New("unexpected sliding window script result")
	}

	reset := time.Duration(values[2]) * time.Millisecond
	if reset < 0 {
		reset = 0
	}
	remaining := int(values[1])
	if remaining < 0 {
		remaining = 0
	}

	result := &Result{
		Allowed:    values[0] == 1,
		Limit:      limit,
		Remaining:  remaining,
		ResetAfter: reset,
		Backend:    BackendRedis,
	}
	if !result.Allowed {
		result.RetryAfter = reset
	}
	return result, nil
}

// Cleanup prunes the local fallback windows, if any.
func (l *RedisLimiter) Cleanup(maxAge time.Duration) int {
	if l.fallback == nil {
		return 0
	}
	return l.fallback.Cleanup(maxAge)
}

// Ping checks that Redis is reachable.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
