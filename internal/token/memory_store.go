package token

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. Each principal's tokens live in their
// own bucket with its own lock, and a separate lookup index maps lookup keys
// to token references. No operation holds more than one lock at a time.
// Buckets and index entries are removed once empty.
type MemoryStore struct {
	buckets sync.Map // principalID -> *bucket
	index   sync.Map // lookup -> *indexEntry
}

type bucket struct {
	mu     sync.Mutex
	tokens map[string]*Token
	dead   bool
}

type indexEntry struct {
	mu   sync.Mutex
	refs map[string]string // tokenID -> principalID
	dead bool
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) bucket(principalID string, create bool) *bucket {
	if v, ok := s.buckets.Load(principalID); ok {
		return v.(*bucket)
	}
	if !create {
		return nil
	}
	v, _ := s.buckets.LoadOrStore(principalID, &bucket{tokens: make(map[string]*Token)})
	return v.(*bucket)
}

// Load returns all tokens of the principal ordered by creation time.
func (s *MemoryStore) Load(ctx context.Context, principalID string) ([]Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := s.bucket(principalID, false)
	if b == nil {
		return []Token{}, nil
	}

	b.mu.Lock()
	out := make([]Token, 0, len(b.tokens))
	for _, t := range b.tokens {
		out = append(out, t.clone())
	}
	b.mu.Unlock()

	sortByCreated(out)
	return out, nil
}

// Save inserts or replaces a token.
func (s *MemoryStore) Save(ctx context.Context, principalID string, t Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.PrincipalID = principalID
	stored := t.clone()

	for {
		b := s.bucket(principalID, true)
		b.mu.Lock()
		if b.dead {
			// retired concurrently, retry with a fresh bucket
			b.mu.Unlock()
			continue
		}
		b.tokens[t.ID] = &stored
		b.mu.Unlock()
		break
	}

	s.addRef(t.Lookup, t.ID, principalID)
	return nil
}

// retire drops b from the bucket map once it is empty. b.mu must be held.
func (s *MemoryStore) retire(principalID any, b *bucket) {
	if len(b.tokens) == 0 && !b.dead {
		b.dead = true
		s.buckets.CompareAndDelete(principalID, b)
	}
}

// Delete removes a token of the principal.
func (s *MemoryStore) Delete(ctx context.Context, principalID, tokenID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := s.bucket(principalID, false)
	if b == nil {
		return ErrNotFound
	}

	b.mu.Lock()
	t, ok := b.tokens[tokenID]
	if ok {
		delete(b.tokens, tokenID)
		s.retire(principalID, b)
	}
	b.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	s.removeRef(t.Lookup, tokenID)
	return nil
}

// Touch sets LastUsedAt on a token if at is later than the current value.
func (s *MemoryStore) Touch(ctx context.Context, principalID, tokenID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := s.bucket(principalID, false)
	if b == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tokens[tokenID]
	if !ok || (t.LastUsedAt != nil && !t.LastUsedAt.Before(at)) {
		return nil
	}
	used := at
	t.LastUsedAt = &used
	return nil
}

// FindByLookup returns up to limit tokens indexed under lookup.
func (s *MemoryStore) FindByLookup(ctx context.Context, lookup string, limit int) ([]Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, ok := s.index.Load(lookup)
	if !ok || limit <= 0 {
		return nil, nil
	}

	type ref struct{ tokenID, principalID string }
	entry := v.(*indexEntry)
	entry.mu.Lock()
	refs := make([]ref, 0, len(entry.refs))
	for tokenID, principalID := range entry.refs {
		refs = append(refs, ref{tokenID: tokenID, principalID: principalID})
		if len(refs) == limit {
			break
		}
	}
	entry.mu.Unlock()

	out := make([]Token, 0, len(refs))
	for _, r := range refs {
		b := s.bucket(r.principalID, false)
		if b == nil {
			continue
		}
		b.mu.Lock()
		if t, ok := b.tokens[r.tokenID]; ok {
			out = append(out, t.clone())
		}
		b.mu.Unlock()
	}
	return out, nil
}

// PurgeExpired removes tokens expired before the given time, one bucket at a time.
func (s *MemoryStore) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	type removed struct{ lookup, tokenID string }
	var purged []removed

	var ctxErr error
	s.buckets.Range(func(k, v any) bool {
		if ctxErr = ctx.Err(); ctxErr != nil {
			return false
		}
		b := v.(*bucket)
		b.mu.Lock()
		for id, t := range b.tokens {
			if t.ExpiresAt.Before(before) {
				delete(b.tokens, id)
				purged = append(purged, removed{lookup: t.Lookup, tokenID: id})
			}
		}
		s.retire(k, b)
		b.mu.Unlock()
		return true
	})

	for _, r := range purged {
		s.removeRef(r.lookup, r.tokenID)
	}
	return len(purged), ctxErr
}

func (s *MemoryStore) addRef(lookup, tokenID, principalID string) {
	for {
		v, _ := s.index.LoadOrStore(lookup, &indexEntry{refs: make(map[string]string)})
		entry := v.(*indexEntry)

		entry.mu.Lock()
		if entry.dead {
			// removed concurrently, retry with a fresh entry
			entry.mu.Unlock()
			continue
		}
		entry.refs[tokenID] = principalID
		entry.mu.Unlock()
		return
	}
}

func (s *MemoryStore) removeRef(lookup, tokenID string) {
	v, ok := s.index.Load(lookup)
	if !ok {
		return
	}
	entry := v.(*indexEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	delete(entry.refs, tokenID)
	if len(entry.refs) == 0 && !entry.dead {
		entry.dead = true
		s.index.CompareAndDelete(lookup, entry)
	}
}

func sortByCreated(tokens []Token) {
	slices.SortStableFunc(tokens, func(a, b Token) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

var _ Store = (*MemoryStore)(nil)
