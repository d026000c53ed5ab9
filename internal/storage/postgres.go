package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
	"github.com/vyrodovalexey/apigatekeeper/internal/retry"
)

// DefaultPingTimeout bounds each connection attempt.
const DefaultPingTimeout = 5 * time.Second

// ErrEmptyDSN is returned when no connection string is configured.
var ErrEmptyDSN = errors.New("postgres dsn is empty")

// Options configures the connection pool.
type Options struct {
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	// ConnectRetries is the number of extra ping attempts while the
	// database is still starting.
	ConnectRetries int
	Logger         observability.Logger
}

// Open opens a Postgres pool through the pgx stdlib driver and pings it,
// retrying with backoff up to ConnectRetries times. The caller must Close
// the returned DB.
func Open(ctx context.Context, dsn string, opts Options) (*sql.DB, error) {
	if dsn == "" {
		return nil, ErrEmptyDSN
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	cfg := retry.DefaultConfig()
	cfg.MaxRetries = opts.ConnectRetries
	err = retry.Do(ctx, cfg, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
		defer cancel()
		return db.PingContext(pingCtx)
	}, retry.WithOnRetry(func(attempt int, err error, backoff time.Duration) {
		logger.Warn("postgres not reachable, retrying",
			observability.Int("attempt", attempt),
			observability.Duration("backoff", backoff),
			observability.Error(err),
		)
	}))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}
