package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Check is a named dependency probe.
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to the Check interface.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCheckFunc creates a named check from fn.
func NewCheckFunc(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

// Name returns the check name.
func (f *CheckFunc) Name() string {
	return f.name
}

// Check runs the probe.
func (f *CheckFunc) Check(ctx context.Context) error {
	return f.fn(ctx)
}

// SQLCheck pings a database.
func SQLCheck(name string, db *sql.DB) *CheckFunc {
	return NewCheckFunc(name, func(ctx context.Context) error {
		if db == nil {
			return errors.New("database connection is nil")
		}
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		return nil
	})
}

// RedisCheck pings a Redis server.
func RedisCheck(name string, client redis.UniversalClient) *CheckFunc {
	return NewCheckFunc(name, func(ctx context.Context) error {
		if client == nil {
			return errors.New("redis client is nil")
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	})
}
