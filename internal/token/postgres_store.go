package token

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const tokenColumns = `id, principal_id, lookup, secret_hash, scopes, created_at, expires_at, last_used_at`

// PostgresStore is a Store backed by the api_tokens table. The schema is
// created by storage.Migrate.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Load returns the principal's tokens ordered by creation time.
func (s *PostgresStore) Load(ctx context.Context, principalID string) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens WHERE principal_id = $1 ORDER BY created_at, id`,
		principalID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	return scanTokens(rows)
}

// Save upserts a token.
func (s *PostgresStore) Save(ctx context.Context, principalID string, t Token) error {
	scopes, err := json.Marshal(NormalizeScopes(t.Scopes))
	if err != nil {
		return fmt.Errorf("failed to encode scopes: %w", err)
	}

	var lastUsed sql.NullTime
	if t.LastUsedAt != nil {
		lastUsed = sql.NullTime{Time: *t.LastUsedAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_tokens (`+tokenColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   scopes = EXCLUDED.scopes,
		   expires_at = EXCLUDED.expires_at,
		   last_used_at = EXCLUDED.last_used_at`,
		t.ID, principalID, t.Lookup, t.SecretHash, string(scopes), t.CreatedAt, t.ExpiresAt, lastUsed,
	)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// Delete removes a token of the principal.
func (s *PostgresStore) Delete(ctx context.Context, principalID, tokenID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM api_tokens WHERE principal_id = $1 AND id = $2`,
		principalID, tokenID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch sets last_used_at. Updates never move it backwards.
func (s *PostgresStore) Touch(ctx context.Context, principalID, tokenID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_tokens SET last_used_at = $3
		 WHERE principal_id = $1 AND id = $2
		   AND (last_used_at IS NULL OR last_used_at < $3)`,
		principalID, tokenID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to touch token: %w", err)
	}
	return nil
}

// FindByLookup returns up to limit tokens with the lookup key.
func (s *PostgresStore) FindByLookup(ctx context.Context, lookup string, limit int) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens WHERE lookup = $1 LIMIT $2`,
		lookup, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find tokens: %w", err)
	}
	return scanTokens(rows)
}

// PurgeExpired deletes tokens that expired before the given time.
func (s *PostgresStore) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge tokens: %w", err)
	}
	return int(n), nil
}

func scanTokens(rows *sql.Rows) ([]Token, error) {
	defer rows.Close()

	out := []Token{}
	for rows.Next() {
		var (
			t        Token
			scopes   []byte
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.PrincipalID, &t.Lookup, &t.SecretHash, &scopes,
			&t.CreatedAt, &t.ExpiresAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		if len(scopes) > 0 {
			if err := json.Unmarshal(scopes, &t.Scopes); err != nil {
				return nil, fmt.Errorf("failed to decode scopes of token %s: %w", t.ID, err)
			}
		}
		if lastUsed.Valid {
			at := lastUsed.Time
			t.LastUsedAt = &at
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tokens: %w", err)
	}
	return out, nil
}

var _ Store = (*PostgresStore)(nil)
