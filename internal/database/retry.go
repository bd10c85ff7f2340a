package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"socialbridge/internal/constants"

	"github.com/mattn/go-sqlite3"
)

var (
	dbRetryAttempts = constants.DefaultDatabaseRetryAttempts
	dbRetryBackoff  = 100 * time.Millisecond
	dbMaxBackoff    = 2 * time.Second
)

// withRetry runs a write operation, retrying while SQLite reports a busy or
// locked database.
func withRetry(ctx context.Context, operationName string, operation func() error) error {
	var lastErr error

	for attempt := 1; attempt <= dbRetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableDBError(err) {
			return fmt.Errorf("%s failed (non-retryable): %w", operationName, err)
		}
		if attempt == dbRetryAttempts {
			break
		}

		backoff := time.Duration(attempt) * dbRetryBackoff
		if backoff > dbMaxBackoff {
			backoff = dbMaxBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, dbRetryAttempts, lastErr)
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return true
		default:
			return false
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "disk I/O error")
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
