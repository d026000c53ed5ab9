package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// DefaultWriteTimeout bounds a single store write.
const DefaultWriteTimeout = 5 * time.Second

// DefaultQueueSize is the number of entries buffered ahead of the store.
const DefaultQueueSize = 1024

// Config configures the audit Logger.
type Config struct {
	Retention    time.Duration
	MaxEntries   int
	LogEntries   bool
	WriteTimeout time.Duration
	// QueueSize bounds entries waiting for the store. Entries recorded
	// while the queue is full are dropped and counted.
	QueueSize int
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{
		Retention:    DefaultRetention,
		MaxEntries:   DefaultMaxEntries,
		LogEntries:   true,
		WriteTimeout: DefaultWriteTimeout,
		QueueSize:    DefaultQueueSize,
	}
}

// Logger records gate decisions into a Store. Writes happen on a single
// background goroutine so a slow store never delays the caller; Close
// drains what is queued.
type Logger struct {
	store   Store
	cfg     Config
	logger  observability.Logger
	sink    observability.Logger
	metrics *Metrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan queued
	done   chan struct{}
}

// queued is a pending write, or a flush marker when flushed is set.
type queued struct {
	ctx     context.Context
	entry   Entry
	flushed chan struct{}
}

// Option is a functional option for the Logger.
type Option func(*Logger)

// WithLogger sets the logger used to report store failures.
func WithLogger(logger observability.Logger) Option {
	return func(l *Logger) {
		l.logger = logger
	}
}

// WithSink sets the logger every entry is written to when
// Config.LogEntries is set.
func WithSink(sink observability.Logger) Option {
	return func(l *Logger) {
		l.sink = sink
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(l *Logger) {
		l.metrics = metrics
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		l.now = now
	}
}

// NewLogger creates an audit Logger over store.
func NewLogger(store Store, cfg Config, opts ...Option) *Logger {
	defaults := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaults.MaxEntries
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}

	l := &Logger{
		store:  store,
		cfg:    cfg,
		logger: observability.NopLogger(),
		now:    time.Now,
		queue:  make(chan queued, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sink == nil {
		l.sink = l.logger
	}
	if l.metrics == nil {
		l.metrics = NewMetrics("", nil)
	}
	go l.run()
	return l
}

// Record queues e for the store. It fills in the ID, time and trace ID when
// missing. Record never blocks on the store and never returns an error:
// write failures and entries dropped on a full queue are logged and counted.
// The write is detached from ctx cancellation so that a decision already
// taken is still recorded.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = l.now().UTC()
	}
	if e.TraceID == "" {
		e.TraceID = extractTraceID(ctx)
	}

	l.metrics.recordEntry(e.Success)
	if l.cfg.LogEntries {
		l.sink.Info("audit",
			observability.String("audit_id", e.ID),
			observability.String("operation", e.Operation),
			observability.String("principal", e.PrincipalID),
			observability.String("source", e.SourceAddr),
			observability.Bool("success", e.Success),
			observability.String("reason", e.Reason),
		)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.drop(e, "closed")
		return
	}
	select {
	case l.queue <- queued{ctx: context.WithoutCancel(ctx), entry: e}:
	default:
		l.drop(e, "queue_full")
	}
}

func (l *Logger) drop(e Entry, reason string) {
	l.metrics.droppedTotal.WithLabelValues(reason).Inc()
	l.logger.Warn("audit entry dropped",
		observability.String("audit_id", e.ID),
		observability.String("operation", e.Operation),
		observability.String("reason", reason),
	)
}

func (l *Logger) run() {
	defer close(l.done)
	for item := range l.queue {
		if item.flushed != nil {
			close(item.flushed)
			continue
		}
		l.persist(item.ctx, item.entry)
	}
}

func (l *Logger) persist(ctx context.Context, e Entry) {
	if err := l.write(ctx, e); err != nil {
		l.metrics.writeFailures.Inc()
		l.logger.Error("failed to store audit entry",
			observability.String("audit_id", e.ID),
			observability.String("operation", e.Operation),
			observability.Error(err),
		)
	}
}

func (l *Logger) write(ctx context.Context, e Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audit store panic: %v", r)
		}
	}()

	writeCtx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
	defer cancel()
	return l.store.Append(writeCtx, e)
}

// Flush waits until every entry recorded before the call has reached the
// store.
func (l *Logger) Flush(ctx context.Context) error {
	marker := make(chan struct{})

	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return l.wait(ctx, l.done)
	}
	select {
	case l.queue <- queued{flushed: marker}:
		l.mu.RUnlock()
	case <-ctx.Done():
		l.mu.RUnlock()
		return fmt.Errorf("failed to flush audit entries: %w", ctx.Err())
	}
	return l.wait(ctx, marker)
}

// Close stops accepting entries and waits for the queue to drain. It is
// safe to call more than once.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	return l.wait(ctx, l.done)
}

func (l *Logger) wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to flush audit entries: %w", ctx.Err())
	}
}

// RecentEntries returns up to limit entries, newest first. A non-positive
// limit means DefaultLimit and the limit never exceeds MaxEntries. Entries
// recorded before the call are visible.
func (l *Logger) RecentEntries(ctx context.Context, limit int) ([]Entry, error) {
	if err := l.Flush(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > l.cfg.MaxEntries {
		limit = l.cfg.MaxEntries
	}
	entries, err := l.store.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}
	return entries, nil
}

// Count returns the number of stored entries.
func (l *Logger) Count(ctx context.Context) (int, error) {
	if err := l.Flush(ctx); err != nil {
		return 0, err
	}
	n, err := l.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return n, nil
}

// Prune removes entries older than the retention period relative to now
// and trims the trail to MaxEntries.
func (l *Logger) Prune(ctx context.Context, now time.Time) (int, error) {
	if err := l.Flush(ctx); err != nil {
		return 0, err
	}
	removed, err := l.store.Prune(ctx, now.Add(-l.cfg.Retention), l.cfg.MaxEntries)
	if removed > 0 {
		l.metrics.prunedTotal.Add(float64(removed))
		l.logger.Debug("audit entries pruned", observability.Int("removed", removed))
	}
	if err != nil {
		return removed, fmt.Errorf("failed to prune audit entries: %w", err)
	}
	return removed, nil
}

// extractTraceID returns the trace ID of the span in ctx, if any.
func extractTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
