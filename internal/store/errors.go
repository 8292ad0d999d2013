package store

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional write loses a race: a
	// uniqueness constraint fired or a compare-and-set matched zero rows.
	// Callers treat this as control flow, not failure.
	ErrConflict = errors.New("conflict")
)

// SQLite primary and extended result codes used for error classification.
const (
	sqliteBusy             = 5
	sqliteLocked           = 6
	sqliteConstraint       = 19
	sqliteConstraintUnique = 2067
	sqliteConstraintPK     = 1555
)

// isUniqueViolation reports whether err is a uniqueness constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqliteConstraintUnique || code == sqliteConstraintPK ||
			code&0xff == sqliteConstraint && strings.Contains(se.Error(), "UNIQUE")
	}
	return false
}

// IsTransient reports whether err is a transient store error (busy/locked)
// worth retrying with backoff.
func IsTransient(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqliteBusy || code == sqliteLocked
	}
	return false
}

const (
	retryAttempts    = 5
	retryBaseBackoff = 10 * time.Millisecond
	retryMaxBackoff  = 500 * time.Millisecond
)

// Retry runs fn, retrying transient store errors and ErrConflict with bounded
// exponential backoff plus jitter. Non-transient errors return immediately.
//
// ErrConflict is retried because callers re-derive their writes from current
// state on each attempt; a caller that wants first-writer-wins semantics
// (checkpoint acquisition) must not wrap the write in Retry.
func Retry(ctx context.Context, fn func() error) error {
	backoff := retryBaseBackoff
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) && !errors.Is(err, ErrConflict) {
			return err
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		if backoff *= 2; backoff > retryMaxBackoff {
			backoff = retryMaxBackoff
		}
	}
	return err
}
