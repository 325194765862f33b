package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/warp/token-ledger/ledger"
)

const idempotencyIndex = "idx_token_transactions_idempotency_key"

// SQLSTATE codes the ledger reacts to.
const (
	codeIntegrity     = "23000"
	codeNotNull       = "23502"
	codeForeignKey    = "23503"
	codeUnique        = "23505"
	codeCheck         = "23514"
	codeSerialization = "40001"
	codeDeadlock      = "40P01"
	codeLockTimeout   = "55P03"
	codeQueryCanceled = "57014"
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
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &ledger.NotFoundError{Resource: op}
	}

	var pe *pgconn.PgError
	if !errors.As(err, &pe) {
		return &ledger.RepositoryError{Op: op, Err: err}
	}
	switch pe.Code {
	case codeLockTimeout:
		return &ledger.ConcurrencyError{Op: op, Err: errors.Join(ledger.ErrLockTimeout, err)}
	case codeDeadlock, codeSerialization, codeQueryCanceled:
		return &ledger.ConcurrencyError{Op: op, Err: err}
	case codeUnique:
		if pe.ConstraintName == idempotencyIndex {
			return &ledger.InvalidOperationError{Reason: pe.Message, Err: ledger.ErrDuplicateIdempotencyKey}
		}
	}
	if strings.HasPrefix(pe.Code, "23") {
		return &ledger.ConstraintViolationError{Invariant: constraintName(pe), Detail: pe.Message}
	}
	return &ledger.RepositoryError{Op: op, Err: err}
}

func isUniqueViolation(err error, constraint string) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == codeUnique && pe.ConstraintName == constraint
}

func constraintName(pe *pgconn.PgError) string {
	switch pe.Code {
	case codeIntegrity:
		return "append_only"
	case codeNotNull:
		return "not_null"
	case codeForeignKey:
		return "foreign_key"
	case codeUnique:
		return "unique"
	case codeCheck:
		if pe.ConstraintName != "" {
			return pe.ConstraintName
		}
		return "check"
	}
	return "constraint"
}

// corrupt reports a stored value the ledger cannot interpret.
func corrupt(column string, err error) error {
	return &ledger.ConstraintViolationError{
		Invariant: "stored_" + column + "_valid",
		Detail:    fmt.Sprintf("cannot decode %s: %v", column, err),
	}
}

func errNotString(key string) error {
	return fmt.Errorf("details[%q] is not a string", key)
}
