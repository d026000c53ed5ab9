package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a fixed-capacity ring buffer. Appending to a full buffer
// overwrites the oldest entry.
type MemoryStore struct {
	mu   sync.Mutex
	buf  []Entry
	head int // oldest entry
	size int
}

// NewMemoryStore creates a ring buffer holding at most capacity entries.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMaxEntries
	}
	return &MemoryStore{buf: make([]Entry, capacity)}
}

// Capacity returns the maximum number of entries held.
func (s *MemoryStore) Capacity() int {
	return len(s.buf)
}

// Append adds e, overwriting the oldest entry when full.
func (s *MemoryStore) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size < len(s.buf) {
		s.buf[(s.head+s.size)%len(s.buf)] = e
		s.size++
		return nil
	}
	s.buf[s.head] = e
	s.head = (s.head + 1) % len(s.buf)
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := min(limit, s.size)
	if n <= 0 {
		return []Entry{}, nil
	}
	out := make([]Entry, n)
	for i := range n {
		out[i] = s.buf[(s.head+s.size-1-i)%len(s.buf)]
	}
	return out, nil
}

// Count returns the number of stored entries.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size, nil
}

// Prune drops entries older than cutoff from the oldest end, then trims the
// buffer to maxEntries when maxEntries is positive.
func (s *MemoryStore) Prune(ctx context.Context, cutoff time.Time, maxEntries int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for s.size > 0 && s.buf[s.head].OccurredAt.Before(cutoff) {
		s.dropOldest()
		removed++
	}
	for maxEntries > 0 && s.size > maxEntries {
		s.dropOldest()
		removed++
	}
	return removed, nil
}

func (s *MemoryStore) dropOldest() {
	s.buf[s.head] = Entry{}
	s.head = (s.head + 1) % len(s.buf)
	s.size--
}

var _ Store = (*MemoryStore)(nil)
