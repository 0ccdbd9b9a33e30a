package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/reconcile/internal/failure"
)

// Postgres SQLSTATE codes the store classifies.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
	pgNotNullViolation     = "23502"
)

// classify maps driver errors onto the failure taxonomy. Lock contention
// becomes TRANSIENT_CONFLICT and uniqueness or required-column
// violations become CONSTRAINT_VIOLATION. Anything else, including
// sql.ErrNoRows, is returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch {
		case liteErr.Code == sqlite3.ErrBusy, liteErr.Code == sqlite3.ErrLocked:
			return failure.Transient(err)
		case liteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey,
			liteErr.ExtendedCode == sqlite3.ErrConstraintNotNull:
			return failure.Constraint("", err)
		}
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return failure.Transient(err)
		case pgUniqueViolation, pgNotNullViolation:
			return failure.Constraint("", err)
		}
	}
	return err
}
