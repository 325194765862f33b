package sqlite

import (
	"context"
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/token-ledger/ledger"
)

// translate maps a driver error onto the ledger taxonomy. Errors that
// already carry a ledger kind pass through untouched.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if ledger.KindOf(err) != ledger.KindUnknown {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ledger.ContextError(op, err)
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &ledger.ConcurrencyError{Op: op, Err: err}
		case sqlite3.ErrConstraint:
			if se.ExtendedCode == sqlite3.ErrConstraintUnique && strings.Contains(err.Error(), "idempotency_key") {
				return &ledger.InvalidOperationError{Reason: err.Error(), Err: ledger.ErrDuplicateIdempotencyKey}
			}
			return &ledger.ConstraintViolationError{Invariant: constraintName(se), Detail: err.Error()}
		}
	}
	return &ledger.RepositoryError{Op: op, Err: err}
}

func isUniqueViolation(err error, column string) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		se.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(err.Error(), column)
}

func constraintName(se sqlite3.Error) string {
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintCheck:
		return "check"
	case sqlite3.ErrConstraintTrigger:
		return "append_only"
	case sqlite3.ErrConstraintForeignKey:
		return "foreign_key"
	case sqlite3.ErrConstraintNotNull:
		return "not_null"
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return "unique"
	}
	return "constraint"
}
