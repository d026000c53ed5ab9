package audit

import (
	"context"
	"time"
)

// Defaults for the audit trail.
const (
	DefaultMaxEntries = 10000
	DefaultRetention  = 90 * 24 * time.Hour
	DefaultLimit      = 100
)

// Entry is one audited gate decision.
type Entry struct {
	ID          string    `json:"id"`
	OccurredAt  time.Time `json:"occurredAt"`
	Operation   string    `json:"operation"`
	PrincipalID string    `json:"principal"`
	SourceAddr  string    `json:"source"`
	Success     bool      `json:"success"`
	Reason      string    `json:"reason,omitempty"`
	TraceID     string    `json:"traceId,omitempty"`
}

// Store persists audit entries in insertion order.
type Store interface {
	// Append adds an entry. Stores with a capacity drop the oldest entry
	// when full.
	Append(ctx context.Context, e Entry) error

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)

	// Prune removes entries that occurred before cutoff and then the
	// oldest entries beyond maxEntries. It returns the number removed.
	Prune(ctx context.Context, cutoff time.Time, maxEntries int) (int, error)
}
