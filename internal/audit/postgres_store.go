package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const entryColumns = `id, occurred_at, operation, principal_id, source_addr, success, reason, trace_id`

// trimQuery deletes everything older than the newest $1 entries.
const trimQuery = `DELETE FROM audit_entries WHERE seq <= (
	SELECT seq FROM audit_entries ORDER BY seq DESC OFFSET $1 LIMIT 1
)`

// PostgresStore is a Store backed by the audit_entries table. Insertion
// order is the seq column.
type PostgresStore struct {
	db         *sql.DB
	maxEntries int
}

// NewPostgresStore creates a store on an open database handle. When
// maxEntries is positive every append trims the table to that many rows.
func NewPostgresStore(db *sql.DB, maxEntries int) *PostgresStore {
	return &PostgresStore{db: db, maxEntries: maxEntries}
}

// Append inserts e and trims the table to the configured cap.
func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_entries (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.OccurredAt, e.Operation, e.PrincipalID, e.SourceAddr, e.Success, e.Reason, e.TraceID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	if s.maxEntries > 0 {
		if _, err := tx.ExecContext(ctx, trimQuery, s.maxEntries); err != nil {
			return fmt.Errorf("failed to trim audit entries: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries ORDER BY seq DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Operation, &e.PrincipalID,
			&e.SourceAddr, &e.Success, &e.Reason, &e.TraceID); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}
	return entries, nil
}

// Count returns the number of stored entries.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return n, nil
}

// Prune removes entries that occurred before cutoff and then the oldest
// entries beyond maxEntries.
func (s *PostgresStore) Prune(ctx context.Context, cutoff time.Time, maxEntries int) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit entries: %w", err)
	}
	expired, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit entries: %w", err)
	}

	if maxEntries <= 0 {
		return int(expired), nil
	}

	res, err = s.db.ExecContext(ctx, trimQuery, maxEntries)
	if err != nil {
		return int(expired), fmt.Errorf("failed to trim audit entries: %w", err)
	}
	trimmed, err := res.RowsAffected()
	if err != nil {
		return int(expired), fmt.Errorf("failed to trim audit entries: %w", err)
	}
	return int(expired + trimmed), nil
}

var _ Store = (*PostgresStore)(nil)
