/*
Package sqlite provides a SQLite-backed ledger.Store.

PURPOSE:
  Persists balances, the transaction journal and the balance history in a
  single SQLite database. Suitable for single-node deployments and for
  tests (":memory:").

KEY TABLES:
  token_balances:        One row per user, balance >= 0 (CHECK)
  token_transactions:    Journal rows, unique idempotency_key
  token_balance_history: Append-only audit rows (triggers reject UPDATE/DELETE)

AMOUNTS & TIMES:
  Amounts are INTEGER minor units (see ledger.Amount). Timestamps are UTC
  text in a fixed-width layout so lexical order equals time order.

CONCURRENCY:
  Every atomic unit is a BEGIN IMMEDIATE transaction (_txlock=immediate),
  so it holds the database write lock from its first statement. The lock
  granularity is the whole database, which makes LockBalance trivially
  exclusive. A writer waits up to the busy timeout for the lock, after
  which SQLITE_BUSY surfaces as ledger.ConcurrencyError.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  p := ledger.NewProcessor(store)

MIGRATION:
  Schema is auto-migrated on New(). NewWithDB skips migration so tests can
  drive the store against sqlmock.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - errors.go: Driver error translation
  - store/postgres: Row-locking PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/token-ledger/ledger"
)

// DefaultBusyTimeout is how long a unit waits for the write lock.
const DefaultBusyTimeout = 5 * time.Second

// timeLayout is fixed width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
}

type options struct {
	busyTimeout time.Duration
}

type Option func(*options)

// WithBusyTimeout sets the lock-wait timeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// New opens (or creates) the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	o := options{busyTimeout: DefaultBusyTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite3", DSN(dbPath, o.busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := NewWithDB(db)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an already opened handle. The schema is not touched.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DSN builds the connection string for dbPath.
func DSN(dbPath string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", fmt.Sprint(busyTimeout.Milliseconds()))
	q.Set("_txlock", "immediate")
	return dbPath + "?" + q.Encode()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return translate("migrate", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS token_balances (
	user_id    TEXT PRIMARY KEY,
	balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS token_transactions (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	counterparty_id TEXT,
	type            TEXT NOT NULL CHECK (type IN
		('credit','deduction','reward','refund','transfer_out','transfer_in','mint','burn')),
	amount          INTEGER NOT NULL CHECK (amount > 0),
	status          TEXT NOT NULL CHECK (status IN ('pending','completed','failed','rolled_back')),
	details_json    TEXT NOT NULL DEFAULT '{}',
	idempotency_key TEXT UNIQUE,
	created_at      TEXT NOT NULL,
	completed_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_token_transactions_user
	ON token_transactions(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_token_transactions_counterparty
	ON token_transactions(counterparty_id, created_at) WHERE counterparty_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS token_balance_history (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id        TEXT NOT NULL,
	balance_before INTEGER NOT NULL CHECK (balance_before >= 0),
	balance_after  INTEGER NOT NULL CHECK (balance_after >= 0),
	change_amount  INTEGER NOT NULL CHECK (change_amount <> 0),
	change_type    TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	transaction_id TEXT NOT NULL REFERENCES token_transactions(id),
	created_at     TEXT NOT NULL,
	CHECK (balance_after = balance_before + change_amount)
);

CREATE INDEX IF NOT EXISTS idx_token_balance_history_user
	ON token_balance_history(user_id, id);
CREATE INDEX IF NOT EXISTS idx_token_balance_history_transaction
	ON token_balance_history(transaction_id);

-- History is append-only.
CREATE TRIGGER IF NOT EXISTS token_balance_history_no_update
	BEFORE UPDATE ON token_balance_history
BEGIN
	SELECT RAISE(ABORT, 'token_balance_history is append-only');
END;

CREATE TRIGGER IF NOT EXISTS token_balance_history_no_delete
	BEFORE DELETE ON token_balance_history
BEGIN
	SELECT RAISE(ABORT, 'token_balance_history is append-only');
END;

-- Journal rows are never deleted; only status and completed_at change.
CREATE TRIGGER IF NOT EXISTS token_transactions_no_delete
	BEFORE DELETE ON token_transactions
BEGIN
	SELECT RAISE(ABORT, 'token_transactions rows cannot be deleted');
END;

CREATE TRIGGER IF NOT EXISTS token_transactions_immutable
	BEFORE UPDATE OF id, user_id, counterparty_id, type, amount, details_json, idempotency_key, created_at
	ON token_transactions
BEGIN
	SELECT RAISE(ABORT, 'token_transactions rows are immutable');
END;
`

// =============================================================================
// ATOMIC UNITS (ledger.Store.WithTx)
// =============================================================================

// WithTx executes fn within one IMMEDIATE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &txStore{q: sqlTx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ledger.ContextError("commit", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return translate("commit", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txStore struct {
	q querier
}

func (ts *txStore) LockBalance(ctx context.Context, user ledger.UserID, now time.Time) (ledger.TokenBalance, error) {
	stamp := formatTime(now)
	if _, err := ts.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO token_balances (user_id, balance, created_at, updated_at) VALUES (?, 0, ?, ?)`,
		user, stamp, stamp,
	); err != nil {
		return ledger.TokenBalance{}, translate("lock_balance", err)
	}
	return getBalance(ctx, ts.q, user)
}

// HistoryTotal runs inside the IMMEDIATE transaction, so no other writer
// can commit between it and the balance read.
func (ts *txStore) HistoryTotal(ctx context.Context, user ledger.UserID) (ledger.Amount, int, error) {
	return historyTotal(ctx, ts.q, user)
}

func (ts *txStore) PutBalance(ctx context.Context, b ledger.TokenBalance) error {
	res, err := ts.q.ExecContext(ctx,
		`UPDATE token_balances SET balance = ?, updated_at = ? WHERE user_id = ?`,
		b.Balance.Units(), formatTime(b.UpdatedAt), b.UserID,
	)
	if err != nil {
		return translate("put_balance", err)
	}
	return expectOneRow("put_balance", res)
}

func (ts *txStore) InsertTransaction(ctx context.Context, t ledger.Transaction) error {
	details, err := encodeDetails(t.Details)
	if err != nil {
		return err
	}
	_, err = ts.q.ExecContext(ctx, `
		INSERT INTO token_transactions
		(id, user_id, counterparty_id, type, amount, status, details_json, idempotency_key, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.UserID,
		nullString(string(t.CounterpartyID)),
		t.Type,
		t.Amount.Units(),
		t.Status,
		details,
		nullString(t.IdempotencyKey),
		formatTime(t.CreatedAt),
		nullTime(t.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "idempotency_key") {
			return ledger.DuplicateKeyError(t.IdempotencyKey)
		}
		return translate("insert_transaction", err)
	}
	return nil
}

// LockTransaction reads the row. The IMMEDIATE transaction already holds
// the database write lock.
func (ts *txStore) LockTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return getTransaction(ctx, ts.q, "id", string(id))
}

func (ts *txStore) SetTransactionStatus(ctx context.Context, id ledger.TransactionID, status ledger.Status, completedAt *time.Time) error {
	res, err := ts.q.ExecContext(ctx,
		`UPDATE token_transactions SET status = ?, completed_at = ? WHERE id = ?`,
		status, nullTime(completedAt), id,
	)
	if err != nil {
		return translate("set_transaction_status", err)
	}
	return expectOneRow("set_transaction_status", res)
}

func (ts *txStore) InsertHistory(ctx context.Context, h ledger.BalanceHistory) (ledger.BalanceHistory, error) {
	res, err := ts.q.ExecContext(ctx, `
		INSERT INTO token_balance_history
		(user_id, balance_before, balance_after, change_amount, change_type, reason, transaction_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.UserID,
		h.BalanceBefore.Units(),
		h.BalanceAfter.Units(),
		h.ChangeAmount.Units(),
		h.ChangeType,
		h.Reason,
		h.TransactionID,
		formatTime(h.CreatedAt),
	)
	if err != nil {
		return ledger.BalanceHistory{}, translate("insert_history", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.BalanceHistory{}, translate("insert_history", err)
	}
	h.ID = id
	return h, nil
}

func expectOneRow(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return translate(op, err)
	}
	if n != 1 {
		return &ledger.RepositoryError{Op: op, Err: fmt.Errorf("expected 1 row affected, got %d", n)}
	}
	return nil
}
