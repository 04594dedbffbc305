package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Linear backoff: 100ms, 200ms, 300ms.
const (
	maxRetries = 3
	retryStep  = 100 * time.Millisecond
)

// IsBusy reports whether err indicates SQLITE_BUSY or a locked database.
// WAL mode makes these transient; the write succeeds on retry once the
// competing connection releases its lock.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx runs fn inside a transaction, retrying the whole transaction on
// busy errors. fn must be safe to re-run.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err = runOnce(ctx, db, fn); err == nil || !IsBusy(err) {
			return err
		}
		if attempt < maxRetries {
			if werr := sleepCtx(ctx, time.Duration(attempt)*retryStep); werr != nil {
				return fmt.Errorf("dbopen: retry wait: %w", werr)
			}
		}
	}
	return fmt.Errorf("dbopen: transaction still busy after %d attempts: %w", maxRetries, err)
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}

// Exec runs a single statement, retrying on busy errors.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		var res sql.Result
		if res, err = db.ExecContext(ctx, query, args...); err == nil || !IsBusy(err) {
			return res, err
		}
		if attempt < maxRetries {
			if werr := sleepCtx(ctx, time.Duration(attempt)*retryStep); werr != nil {
				return nil, fmt.Errorf("dbopen: retry wait: %w", werr)
			}
		}
	}
	return nil, fmt.Errorf("dbopen: statement still busy after %d attempts: %w", maxRetries, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
