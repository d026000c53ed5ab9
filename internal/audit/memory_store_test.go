package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func entryAt(i int, at time.Time) Entry {
	return Entry{
		ID:          fmt.Sprintf("e%d", i),
		OccurredAt:  at,
		Operation:   "wp:getPosts",
		PrincipalID: "7",
		Success:     true,
	}
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestNewMemoryStore_DefaultCapacity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultMaxEntries, NewMemoryStore(0).Capacity())
	assert.Equal(t, 3, NewMemoryStore(3).Capacity())
}

func TestMemoryStore_RecentNewestFirst(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(10)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append(ctx, entryAt(i, baseTime.Add(time.Duration(i)*time.Second))))
	}

	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e2", "e1", "e0"}, ids(got))

	got, err = s.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e2"}, ids(got))

	got, err = s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_OverwritesOldestWhenFull(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, entryAt(i, baseTime)))
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e4", "e3", "e2"}, ids(got))
}

func TestMemoryStore_Prune(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		cutoff      time.Time
		maxEntries  int
		wantRemoved int
		wantIDs     []string
	}{
		{
			name:        "retention only",
			cutoff:      baseTime.Add(2 * time.Hour),
			wantRemoved: 2,
			wantIDs:     []string{"e4", "e3", "e2"},
		},
		{
			name:        "cap only",
			cutoff:      baseTime.Add(-time.Hour),
			maxEntries:  2,
			wantRemoved: 3,
			wantIDs:     []string{"e4", "e3"},
		},
		{
			name:        "retention then cap",
			cutoff:      baseTime.Add(time.Hour),
			maxEntries:  3,
			wantRemoved: 2,
			wantIDs:     []string{"e4", "e3", "e2"},
		},
		{
			name:        "everything expired",
			cutoff:      baseTime.Add(24 * time.Hour),
			wantRemoved: 5,
			wantIDs:     []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewMemoryStore(10)
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				require.NoError(t, s.Append(ctx, entryAt(i, baseTime.Add(time.Duration(i)*time.Hour))))
			}

			removed, err := s.Prune(ctx, tt.cutoff, tt.maxEntries)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRemoved, removed)

			got, err := s.Recent(ctx, 10)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIDs, ids(got))
		})
	}
}

func TestMemoryStore_AppendAfterPruneWraps(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(ctx, entryAt(i, baseTime.Add(time.Duration(i)*time.Hour))))
	}
	_, err := s.Prune(ctx, baseTime.Add(90*time.Minute), 0)
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, entryAt(3, baseTime.Add(3*time.Hour))))
	require.NoError(t, s.Append(ctx, entryAt(4, baseTime.Add(4*time.Hour))))

	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e4", "e3", "e2"}, ids(got))
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Append(ctx, entryAt(0, baseTime)), context.Canceled)
	_, err := s.Recent(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Count(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Prune(ctx, baseTime, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_ConcurrentAppend(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(100)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = s.Append(ctx, entryAt(g*100+i, baseTime))
			}
		}(g)
	}
	wg.Wait()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}
