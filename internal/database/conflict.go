package database

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"

	sqliteBusy   = 5
	sqliteLocked = 6
)

// sqliteCoder matches the error type of the pure-Go SQLite driver without importing it.
type sqliteCoder interface {
	Code() int
}

// IsTransientConflict reports whether err is a concurrency conflict that succeeds on retry.
func IsTransientConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	var coder sqliteCoder
	if errors.As(err, &coder) {
		// extended result codes carry the primary code in the low byte
		switch coder.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}
	return false
}
