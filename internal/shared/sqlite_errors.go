// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError reports either form of SQLite lock contention.
func IsSQLiteConflictError(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// RetryOnConflict runs fn, retrying with exponential backoff while it fails
// with a SQLite lock conflict. Other errors are returned immediately.
func RetryOnConflict(ctx context.Context, op string, maxRetries int, baseDelay time.Duration, fn func(context.Context) error) error {
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn(ctx)
		if err == nil || !IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("Database locked, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
