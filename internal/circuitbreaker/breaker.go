// Package circuitbreaker wraps sony/gobreaker with logging, metrics and a
// trace event on every state transition.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// Defaults applied when the configured values are not positive.
const (
	DefaultThreshold = 5
	DefaultTimeout   = 30 * time.Second
)

var cbTracer = otel.Tracer("gatekeeper/circuitbreaker")

// StateFunc is called after the breaker changes state.
type StateFunc func(name string, from, to gobreaker.State)

// Breaker guards calls to a remote dependency.
type Breaker struct {
	name          string
	cb            *gobreaker.CircuitBreaker
	logger        observability.Logger
	metrics       *Metrics
	stateCallback StateFunc
}

// Option is a functional option for configuring the breaker.
type Option func(*Breaker)

// WithLogger sets the logger for the breaker.
func WithLogger(logger observability.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics for the breaker.
func WithMetrics(metrics *Metrics) Option {
	return func(b *Breaker) {
		b.metrics = metrics
	}
}

// WithStateCallback sets a callback for state changes.
func WithStateCallback(fn StateFunc) Option {
	return func(b *Breaker) {
		b.stateCallback = fn
	}
}

// New creates a breaker that opens once at least threshold calls were seen
// in the current interval and half of them failed. It stays open for timeout
// and then lets up to threshold probe calls through.
func New(name string, threshold int, timeout time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	b := &Breaker{
		name:   name,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = NewMetrics("", nil)
	}

	thresholdU32 := safeIntToUint32(threshold)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: thresholdU32,
		Interval:    timeout,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= thresholdU32 && failureRatio >= 0.5
		},
		IsSuccessful: func(err error) bool {
			// Cancellation belongs to the caller, not to the dependency.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: b.onStateChange,
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)
	b.metrics.state.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	return b
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	b.logger.Warn("circuit breaker state change",
		observability.String("name", name),
		observability.String("from", from.String()),
		observability.String("to", to.String()),
	)

	b.metrics.state.WithLabelValues(name).Set(float64(to))
	b.metrics.transitions.WithLabelValues(name, from.String(), to.String()).Inc()

	_, span := cbTracer.Start(context.Background(),
		"circuitbreaker.state_change",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.AddEvent("state_change", trace.WithAttributes(
		attribute.String("circuitbreaker.name", name),
		attribute.String("circuitbreaker.from", from.String()),
		attribute.String("circuitbreaker.to", to.String()),
	))
	span.End()

	if b.stateCallback != nil {
		b.stateCallback(name, from, to)
	}
}

// Execute runs fn with breaker protection. When the breaker is open fn is
// not called and the returned error satisfies IsOpen.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(fn)
	if IsOpen(err) {
		b.metrics.rejected.WithLabelValues(b.name).Inc()
	}
	return result, err
}

// State returns the current state of the breaker.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// IsOpen reports whether err was returned because the breaker refused the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
