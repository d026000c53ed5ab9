// Package housekeeping runs the periodic cleanup jobs: purging expired
// tokens, pruning the audit trail and dropping idle rate limit windows.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
	"github.com/vyrodovalexey/apigatekeeper/internal/ratelimit"
)

// DefaultInterval is the time between runs when none is configured.
const DefaultInterval = 10 * time.Minute

// Pruned kinds used as the kind label.
const (
	KindTokens  = "tokens"
	KindAudit   = "audit"
	KindWindows = "windows"
)

// TokenPurger deletes expired tokens.
type TokenPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// AuditPruner enforces audit retention relative to now.
type AuditPruner interface {
	Prune(ctx context.Context, now time.Time) (int, error)
}

// Report is the result of one run.
type Report struct {
	Tokens       int
	AuditEntries int
	Windows      int
}

// Janitor runs the cleanup jobs on a ticker. Each job takes its own
// fine-grained locks, so a run never blocks live checks for long.
type Janitor struct {
	interval     time.Duration
	windowMaxAge time.Duration
	tokens       TokenPurger
	audit        AuditPruner
	limiter      ratelimit.Cleaner
	now          func() time.Time
	logger       observability.Logger
	metrics      *Metrics

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option is a functional option for the Janitor.
type Option func(*Janitor)

// WithTokens enables expired token purging.
func WithTokens(tokens TokenPurger) Option {
	return func(j *Janitor) {
		j.tokens = tokens
	}
}

// WithAudit enables audit pruning.
func WithAudit(audit AuditPruner) Option {
	return func(j *Janitor) {
		j.audit = audit
	}
}

// WithLimiter enables rate limit window cleanup. Windows idle for maxAge
// are dropped.
func WithLimiter(limiter ratelimit.Cleaner, maxAge time.Duration) Option {
	return func(j *Janitor) {
		j.limiter = limiter
		j.windowMaxAge = maxAge
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(j *Janitor) {
		j.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(j *Janitor) {
		j.metrics = metrics
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) {
		j.now = now
	}
}

// New creates a Janitor running every interval.
func New(interval time.Duration, opts ...Option) *Janitor {
	if interval <= 0 {
		interval = DefaultInterval
	}

	j := &Janitor{
		interval: interval,
		now:      time.Now,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.metrics == nil {
		j.metrics = NewMetrics("", nil)
	}
	return j
}

// RunOnce runs every configured job once. A failing job does not stop the
// others; their errors are joined.
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	var errs []error

	if j.tokens != nil {
		n, err := j.tokens.PurgeExpired(ctx)
		report.Tokens = n
		j.metrics.pruned.WithLabelValues(KindTokens).Add(float64(n))
		if err != nil {
			errs = append(errs, fmt.Errorf("token purge: %w", err))
		}
	}

	if j.audit != nil {
		n, err := j.audit.Prune(ctx, j.now())
		report.AuditEntries = n
		j.metrics.pruned.WithLabelValues(KindAudit).Add(float64(n))
		if err != nil {
			errs = append(errs, fmt.Errorf("audit prune: %w", err))
		}
	}

	if j.limiter != nil {
		n := j.limiter.Cleanup(j.windowMaxAge)
		report.Windows = n
		j.metrics.pruned.WithLabelValues(KindWindows).Add(float64(n))
	}

	err := errors.Join(errs...)
	j.metrics.recordRun(err)
	return report, err
}

// Run runs the jobs every interval until ctx is done or Stop is called.
func (j *Janitor) Run(ctx context.Context) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	stopCh, doneCh := j.stopCh, j.doneCh
	j.mu.Unlock()

	defer close(doneCh)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("housekeeping started", observability.Duration("interval", j.interval))

	for {
		select {
		case <-ticker.C:
			j.tick(ctx)
		case <-stopCh:
			j.logger.Info("housekeeping stopped")
			return
		case <-ctx.Done():
			j.logger.Info("housekeeping stopped due to context cancellation")
			return
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	report, err := j.RunOnce(ctx)
	if err != nil {
		j.logger.Error("housekeeping run failed", observability.Error(err))
	}
	j.logger.Debug("housekeeping run complete",
		observability.Int("tokens", report.Tokens),
		observability.Int("audit_entries", report.AuditEntries),
		observability.Int("windows", report.Windows),
	)
}

// Stop stops a running Run loop and waits for it to return.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	stopCh, doneCh := j.stopCh, j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh
}
