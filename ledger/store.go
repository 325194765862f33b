/*
store.go - Storage contract for the ledger

PURPOSE:
  Defines the boundary between the ledger engine and a persistence backend.
  The engine never touches rows directly; it asks a Store for an atomic unit
  and performs every read-modify-write through the Tx view it receives.

KEY INTERFACES:
  Reader: Point reads and paged listings outside any atomic unit
  Tx:     Row locks and staged writes scoped to one atomic unit
  Store:  Reader + WithTx

ATOMIC UNITS:
  WithTx(ctx, fn) runs fn exactly once. If fn returns an error, or ctx is
  cancelled before commit, nothing fn staged becomes visible. Once commit
  starts it is not interrupted.

LOCKING CONTRACT:
  - LockBalance and LockTransaction take exclusive locks held until the
    atomic unit ends. Locking the same row twice in one unit is a no-op.
  - A lock that cannot be acquired within the backend's lock-wait timeout
    fails with ConcurrencyError.
  - Callers acquire balance locks in ascending UserID order (see
    Processor.WithUserLock). Backends do not reorder.

APPEND-ONLY CONTRACT:
  Balance history has InsertHistory and nothing else. Transactions are
  inserted once and only their status/completed_at may change afterwards.

IMPLEMENTATIONS:
  - ledger/store: In-memory, for tests and development
  - store/sqlite: database/sql + go-sqlite3
  - store/postgres: gorm + pgx, SELECT ... FOR UPDATE

SEE ALSO:
  - ledger/ledgertest: Conformance suite every implementation must pass
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Interface for ledger persistence
// =============================================================================

// Reader serves reads that do not need a lock.
type Reader interface {
	// Balance returns the user's balance row, or NotFoundError if none exists.
	Balance(ctx context.Context, user UserID) (TokenBalance, error)

	// Transaction returns a journal row, or NotFoundError.
	Transaction(ctx context.Context, id TransactionID) (Transaction, error)

	// TransactionByIdempotencyKey returns the row holding key, or NotFoundError.
	TransactionByIdempotencyKey(ctx context.Context, key string) (Transaction, error)

	// Transactions returns one page, newest first, and the total match count.
	Transactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error)

	// History returns one page of a user's audit rows, oldest first, and the total.
	History(ctx context.Context, filter HistoryFilter) ([]BalanceHistory, int, error)

	// HistoryByTransaction returns every audit row written for id, oldest first.
	HistoryByTransaction(ctx context.Context, id TransactionID) ([]BalanceHistory, error)

	// HistoryTotal returns the sum of change_amount and the row count for a user.
	HistoryTotal(ctx context.Context, user UserID) (Amount, int, error)

	// Users returns up to limit ids that have a balance row, ascending and
	// strictly greater than after ("" starts at the beginning).
	Users(ctx context.Context, after UserID, limit int) ([]UserID, error)
}

// Tx is the storage view of one atomic unit.
type Tx interface {
	// LockBalance locks the user's balance row, creating a zero row stamped
	// now first if none exists.
	LockBalance(ctx context.Context, user UserID, now time.Time) (TokenBalance, error)

	// HistoryTotal is Reader.HistoryTotal seen from inside the unit. With
	// the user's balance locked it agrees with the locked balance.
	HistoryTotal(ctx context.Context, user UserID) (Amount, int, error)

	// PutBalance writes a balance row previously locked in this unit.
	PutBalance(ctx context.Context, b TokenBalance) error

	// InsertTransaction stages a new journal row. A used idempotency key
	// fails with ErrDuplicateIdempotencyKey.
	InsertTransaction(ctx context.Context, t Transaction) error

	// LockTransaction locks and returns a journal row, or NotFoundError.
	LockTransaction(ctx context.Context, id TransactionID) (Transaction, error)

	// SetTransactionStatus updates a row previously locked or inserted in this unit.
	SetTransactionStatus(ctx context.Context, id TransactionID, status Status, completedAt *time.Time) error

	// InsertHistory appends an audit row and returns it with its id assigned.
	InsertHistory(ctx context.Context, h BalanceHistory) (BalanceHistory, error)
}

// Store is a complete ledger backend.
type Store interface {
	Reader

	// WithTx runs fn inside one atomic unit.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
