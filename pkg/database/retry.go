package database

import (
	"context"
	"fmt"
	"time"
)

// WaitUntilReady blocks, with bounded retry, until the database
// answers a SELECT 1. spec.md §5 requires "the startup path blocks
// until the database and queue store are reachable (bounded retry)".
func WaitUntilReady(ctx context.Context, c *Client, attempts int, backoff time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, lastErr = c.DB.ExecContext(checkCtx, "SELECT 1")
		cancel()
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("database not reachable after %d attempts: %w", attempts, lastErr)
}

// ValidateOnCheckout runs SELECT 1 against the pool before use and, on
// failure, reports it so the caller can decide whether to rebuild the
// pool. spec.md §9 "Retry on cold pool": a connection-pool wrapper
// that validates on checkout and closes bad connections is required
// for correctness across database restarts. database/sql already
// evicts individual bad connections transparently; this helper adds
// the explicit-validate step components call before a batch of work
// that must not silently run against a dead pool.
func ValidateOnCheckout(ctx context.Context, c *Client) error {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := c.DB.ExecContext(checkCtx, "SELECT 1"); err != nil {
		return fmt.Errorf("connection pool validation failed: %w", err)
	}
	return nil
}
