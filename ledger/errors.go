/*
errors.go - Error taxonomy for the ledger

PURPOSE:
  Every failure the ledger reports belongs to a closed set of kinds. Each
  kind is a struct carrying a structured payload, and each struct unwraps to
  a sentinel so callers can use either errors.As or errors.Is.

ERROR KINDS:
  Validation           Malformed amount/type/status. Nothing was touched.
  InsufficientBalance  A debit would drive a balance negative. Nothing persisted.
  NotFound             Referenced transaction or user does not exist.
  InvalidOperation     Illegal state transition (e.g. rollback of a pending row).
  Concurrency          Lock-wait timeout or contention. Retry with backoff.
  ConstraintViolation  An invariant that should be impossible was broken. Bug.
  Repository           Any other storage failure.

USAGE:
  switch ledger.KindOf(err) {
  case ledger.KindInsufficientBalance:
      // reject the request
  case ledger.KindConcurrency:
      // retry
  }

SEE ALSO:
  - validate.go: Produces ValidationError
  - balance.go: Produces InsufficientBalanceError
  - store/sqlite, store/postgres: Translate driver errors into these kinds
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// KINDS
// =============================================================================

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindInsufficientBalance
	KindNotFound
	KindInvalidOperation
	KindConcurrency
	KindConstraintViolation
	KindRepository
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindNotFound:
		return "not_found"
	case KindInvalidOperation:
		return "invalid_operation"
	case KindConcurrency:
		return "concurrency"
	case KindConstraintViolation:
		return "constraint_violation"
	case KindRepository:
		return "repository"
	}
	return "unknown"
}

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFound            = errors.New("not found")
	ErrInvalidOperation    = errors.New("invalid operation")
	ErrConcurrency         = errors.New("concurrent modification")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrRepository          = errors.New("repository failure")

	// ErrDuplicateIdempotencyKey is returned by stores when an idempotency key
	// is already used by a committed transaction.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrLockTimeout is the cause carried by ConcurrencyError when a lock
	// could not be acquired in time.
	ErrLockTimeout = errors.New("lock wait timeout")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports bad caller input.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error   { return ErrValidation }
func (e *ValidationError) Kind() ErrorKind { return KindValidation }

// InsufficientBalanceError reports a debit larger than the available balance.
type InsufficientBalanceError struct {
	UserID    UserID
	Available Amount
	Requested Amount
	Shortfall Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %s, requested %s, shortfall %s",
		e.UserID, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error   { return ErrInsufficientBalance }
func (e *InsufficientBalanceError) Kind() ErrorKind { return KindInsufficientBalance }

// NotFoundError reports a missing transaction or user.
type NotFoundError struct {
	Resource string // "transaction", "user"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error   { return ErrNotFound }
func (e *NotFoundError) Kind() ErrorKind { return KindNotFound }

// InvalidOperationError reports an illegal transition or request.
type InvalidOperationError struct {
	TransactionID TransactionID
	From          Status
	To            Status
	Reason        string
	Err           error
}

func (e *InvalidOperationError) Error() string {
	if e.From != "" || e.To != "" {
		return fmt.Sprintf("invalid operation on transaction %s: %s → %s: %s",
			e.TransactionID, e.From, e.To, e.Reason)
	}
	if e.TransactionID != "" {
		return fmt.Sprintf("invalid operation on transaction %s: %s", e.TransactionID, e.Reason)
	}
	return "invalid operation: " + e.Reason
}

func (e *InvalidOperationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidOperation, e.Err}
	}
	return []error{ErrInvalidOperation}
}

func (e *InvalidOperationError) Kind() ErrorKind { return KindInvalidOperation }

// ConcurrencyError reports lock-wait timeouts and storage contention.
// The operation had no persisted effect and may be retried.
type ConcurrencyError struct {
	Op  string
	Err error
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict during %s: %v", e.Op, e.Err)
}

func (e *ConcurrencyError) Unwrap() []error { return []error{ErrConcurrency, e.Err} }
func (e *ConcurrencyError) Kind() ErrorKind { return KindConcurrency }

// ConstraintViolationError reports a broken ledger invariant.
// It is never corrected silently.
type ConstraintViolationError struct {
	Invariant string
	Detail    string
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("constraint violation (%s): %s", e.Invariant, e.Detail)
}

func (e *ConstraintViolationError) Unwrap() error   { return ErrConstraintViolation }
func (e *ConstraintViolationError) Kind() ErrorKind { return KindConstraintViolation }

// RepositoryError wraps any other storage failure.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository error during %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() []error { return []error{ErrRepository, e.Err} }
func (e *RepositoryError) Kind() ErrorKind { return KindRepository }

// =============================================================================
// ERROR HELPERS
// =============================================================================

type kinded interface {
	Kind() ErrorKind
}

// KindOf returns the kind of the first ledger error in err's chain.
func KindOf(err error) ErrorKind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConcurrency
}

// IsClientError returns true if the error is due to caller input or state.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindInsufficientBalance, KindNotFound, KindInvalidOperation:
		return true
	}
	return false
}

// DuplicateKeyError is what stores return when key is already taken.
func DuplicateKeyError(key string) error {
	return &InvalidOperationError{
		Reason: fmt.Sprintf("idempotency key %q already used", key),
		Err:    ErrDuplicateIdempotencyKey,
	}
}

// ContextError classifies a context failure seen by a store during op.
// A missed deadline is contention and may be retried; a cancellation is not.
func ContextError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConcurrencyError{Op: op, Err: err}
	}
	return &RepositoryError{Op: op, Err: err}
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
