package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

type failingStore struct {
	*MemoryStore
	appendErr error
	panics    bool
}

func (s *failingStore) Append(ctx context.Context, e Entry) error {
	if s.panics {
		panic("store exploded")
	}
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.MemoryStore.Append(ctx, e)
}

type deadlineStore struct {
	*MemoryStore
	sawCancelled bool
}

func (s *deadlineStore) Append(ctx context.Context, e Entry) error {
	s.sawCancelled = ctx.Err() != nil
	_, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		return errors.New("write without deadline")
	}
	return s.MemoryStore.Append(ctx, e)
}

func TestNewLogger_Defaults(t *testing.T) {
	t.Parallel()

	l := NewLogger(NewMemoryStore(5), Config{})
	assert.Equal(t, DefaultRetention, l.cfg.Retention)
	assert.Equal(t, DefaultMaxEntries, l.cfg.MaxEntries)
	assert.Equal(t, DefaultWriteTimeout, l.cfg.WriteTimeout)
}

func TestLogger_RecordFillsDefaults(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(10)
	l := NewLogger(store, DefaultConfig(), WithClock(func() time.Time { return baseTime }))
	ctx := context.Background()

	l.Record(ctx, Entry{Operation: "wp:getPosts", PrincipalID: "7", Success: true})

	got, err := l.RecentEntries(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	_, err = uuid.Parse(got[0].ID)
	assert.NoError(t, err)
	assert.Equal(t, baseTime, got[0].OccurredAt)
	assert.Empty(t, got[0].TraceID)
}

func TestLogger_RecordCapturesTraceID(t *testing.T) {
	t.Parallel()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	l := NewLogger(NewMemoryStore(10), DefaultConfig())
	l.Record(ctx, Entry{Operation: "wp:getPosts"})

	got, err := l.RecentEntries(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", got[0].TraceID)
}

func TestLogger_RecordNeverFails(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		store *failingStore
	}{
		{name: "store error", store: &failingStore{MemoryStore: NewMemoryStore(5), appendErr: errors.New("db down")}},
		{name: "store panic", store: &failingStore{MemoryStore: NewMemoryStore(5), panics: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			core, logs := observer.New(zapcore.ErrorLevel)
			m := NewMetrics("test", prometheus.NewRegistry())
			l := NewLogger(tt.store, DefaultConfig(),
				WithLogger(observability.NewLoggerWithCore(core)),
				WithMetrics(m),
			)

			assert.NotPanics(t, func() {
				l.Record(context.Background(), Entry{Operation: "wp:getPosts", Success: false})
				require.NoError(t, l.Flush(context.Background()))
			})
			assert.Equal(t, float64(1), testutil.ToFloat64(m.writeFailures))
			assert.Equal(t, float64(1), testutil.ToFloat64(m.entriesTotal.WithLabelValues("false")))
			assert.Equal(t, 1, logs.FilterMessage("failed to store audit entry").Len())
		})
	}
}

func TestLogger_RecordDetachedFromCancellation(t *testing.T) {
	t.Parallel()

	store := &deadlineStore{MemoryStore: NewMemoryStore(5)}
	m := NewMetrics("test", prometheus.NewRegistry())
	l := NewLogger(store, DefaultConfig(), WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Record(ctx, Entry{Operation: "wp:getPosts"})

	n, err := l.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, store.sawCancelled)
	assert.Zero(t, testutil.ToFloat64(m.writeFailures))
}

type stalledStore struct {
	*MemoryStore
	release chan struct{}
}

func (s *stalledStore) Append(ctx context.Context, e Entry) error {
	<-s.release
	return s.MemoryStore.Append(ctx, e)
}

func TestLogger_RecordDoesNotWaitForStore(t *testing.T) {
	t.Parallel()

	store := &stalledStore{MemoryStore: NewMemoryStore(50), release: make(chan struct{})}
	m := NewMetrics("test", prometheus.NewRegistry())
	l := NewLogger(store, Config{QueueSize: 2}, WithMetrics(m))

	recorded := make(chan struct{})
	go func() {
		defer close(recorded)
		for i := 0; i < 10; i++ {
			l.Record(context.Background(), Entry{Operation: "wp:getPosts"})
		}
	}()

	select {
	case <-recorded:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a stalled store")
	}

	dropped := testutil.ToFloat64(m.droppedTotal.WithLabelValues("queue_full"))
	assert.GreaterOrEqual(t, dropped, float64(7))
	assert.Equal(t, float64(10), testutil.ToFloat64(m.entriesTotal.WithLabelValues("false")))

	close(store.release)
	require.NoError(t, l.Close(context.Background()))

	n, err := store.MemoryStore.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10-int(dropped), n)
}

func TestLogger_Close(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(10)
	m := NewMetrics("test", prometheus.NewRegistry())
	l := NewLogger(store, DefaultConfig(), WithMetrics(m))
	ctx := context.Background()

	l.Record(ctx, Entry{Operation: "wp:getPosts"})
	l.Record(ctx, Entry{Operation: "wp:getPosts"})
	require.NoError(t, l.Close(ctx))
	require.NoError(t, l.Close(ctx))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	l.Record(ctx, Entry{Operation: "wp:getPosts"})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.droppedTotal.WithLabelValues("closed")))
	require.NoError(t, l.Flush(ctx))

	n, err = l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLogger_CloseHonoursDeadline(t *testing.T) {
	t.Parallel()

	store := &stalledStore{MemoryStore: NewMemoryStore(5), release: make(chan struct{})}
	defer close(store.release)
	l := NewLogger(store, DefaultConfig())
	l.Record(context.Background(), Entry{Operation: "wp:getPosts"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Close(ctx), context.DeadlineExceeded)
}

func TestLogger_SinkReceivesEntries(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	cfg := DefaultConfig()
	l := NewLogger(NewMemoryStore(5), cfg, WithSink(observability.NewLoggerWithCore(core)))

	l.Record(context.Background(), Entry{
		Operation:   "wp:deleteUser",
		PrincipalID: "7",
		SourceAddr:  "203.0.113.7",
		Reason:      "insufficient_scope",
	})

	entries := logs.FilterMessage("audit").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "wp:deleteUser", fields["operation"])
	assert.Equal(t, "7", fields["principal"])
	assert.Equal(t, false, fields["success"])
	assert.Equal(t, "insufficient_scope", fields["reason"])

	cfg.LogEntries = false
	quiet := NewLogger(NewMemoryStore(5), cfg, WithSink(observability.NewLoggerWithCore(core)))
	quiet.Record(context.Background(), Entry{Operation: "wp:getPosts"})
	assert.Equal(t, 1, logs.FilterMessage("audit").Len())
}

func TestLogger_RecentEntriesLimits(t *testing.T) {
	t.Parallel()

	l := NewLogger(NewMemoryStore(500), Config{MaxEntries: 150})
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		l.Record(ctx, Entry{Operation: "wp:getPosts"})
	}

	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{name: "default", limit: 0, want: DefaultLimit},
		{name: "explicit", limit: 10, want: 10},
		{name: "capped at max entries", limit: 1000, want: 150},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := l.RecentEntries(ctx, tt.limit)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestLogger_PruneRetentionAndCap(t *testing.T) {
	t.Parallel()

	now := baseTime.Add(100 * 24 * time.Hour)
	m := NewMetrics("test", prometheus.NewRegistry())
	l := NewLogger(NewMemoryStore(10), Config{Retention: 90 * 24 * time.Hour, MaxEntries: 3}, WithMetrics(m))
	ctx := context.Background()

	// Two entries beyond retention, four within.
	for i, age := range []time.Duration{95, 91, 10, 5, 2, 1} {
		l.Record(ctx, entryAt(i, now.Add(-age*24*time.Hour)))
	}

	removed, err := l.Prune(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.prunedTotal))

	got, err := l.RecentEntries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e5", "e4", "e3"}, ids(got))
}

type brokenReadStore struct {
	*MemoryStore
}

func (brokenReadStore) Recent(context.Context, int) ([]Entry, error) {
	return nil, errors.New("read failed")
}

func (brokenReadStore) Count(context.Context) (int, error) {
	return 0, errors.New("count failed")
}

func (brokenReadStore) Prune(context.Context, time.Time, int) (int, error) {
	return 0, errors.New("prune failed")
}

func TestLogger_StoreReadErrors(t *testing.T) {
	t.Parallel()

	l := NewLogger(brokenReadStore{NewMemoryStore(1)}, DefaultConfig())
	ctx := context.Background()

	_, err := l.RecentEntries(ctx, 1)
	assert.ErrorContains(t, err, "read failed")
	_, err = l.Count(ctx)
	assert.ErrorContains(t, err, "count failed")
	_, err = l.Prune(ctx, baseTime)
	assert.ErrorContains(t, err, "prune failed")
}
