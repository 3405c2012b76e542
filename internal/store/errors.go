package store

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Postgres SQLSTATE codes mapped onto store sentinels.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// classify maps driver errors onto ErrUniqueViolation and ErrConflict so
// callers can branch with errors.Is. Other errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return eris.Wrap(ErrUniqueViolation, pgErr.ConstraintName)
		case pgSerializationFailure, pgDeadlockDetected:
			return eris.Wrap(ErrConflict, pgErr.Message)
		}
		return err
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		switch code & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
				code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
				strings.Contains(liteErr.Error(), "UNIQUE") {
				return eris.Wrap(ErrUniqueViolation, liteErr.Error())
			}
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return eris.Wrap(ErrConflict, liteErr.Error())
		}
	}
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}
