package token

import (
	"context"
	"time"
)

// Store persists tokens grouped by principal.
type Store interface {
	// Load returns all tokens of the principal, oldest first.
	Load(ctx context.Context, principalID string) ([]Token, error)

	// Save inserts or replaces a token of the principal.
	Save(ctx context.Context, principalID string, t Token) error

	// Delete removes a token. It returns ErrNotFound if the principal has
	// no token with that ID.
	Delete(ctx context.Context, principalID, tokenID string) error

	// Touch records the last use of a token. It never moves LastUsedAt
	// backwards, and touching a missing token is not an error.
	Touch(ctx context.Context, principalID, tokenID string, at time.Time) error

	// FindByLookup returns at most limit tokens with the given lookup key.
	FindByLookup(ctx context.Context, lookup string, limit int) ([]Token, error)

	// PurgeExpired removes tokens that expired before the given time and
	// returns how many were removed.
	PurgeExpired(ctx context.Context, before time.Time) (int, error)
}
