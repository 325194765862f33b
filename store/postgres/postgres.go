/*
Package postgres provides a PostgreSQL-backed ledger.Store built on gorm.

PURPOSE:
  Multi-node deployments share one PostgreSQL database. Unlike the SQLite
  store, locking is per row: two units touching disjoint users never wait
  for each other.

KEY TABLES:
  token_balances:        One row per user, CHECK balance >= 0
  token_transactions:    Journal rows, unique idempotency_key, jsonb details
  token_balance_history: Append-only audit rows (plpgsql triggers)

CONCURRENCY:
  LockBalance upserts the row (ON CONFLICT DO NOTHING) and then takes
  SELECT ... FOR UPDATE. Every unit runs with SET LOCAL lock_timeout, so a
  waiter gives up with SQLSTATE 55P03 which surfaces as
  ledger.ConcurrencyError. Deadlocks (40P01) and serialization failures
  (40001) are reported the same way.

USAGE:
  store, err := postgres.New(cfg.Database.DSN(),
      postgres.WithLockTimeout(2*time.Second),
      postgres.WithPool(postgres.PoolConfig{MaxOpenConns: 20}))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - schema.go: gorm models and row mapping
  - errors.go: SQLSTATE translation
  - store/sqlite: Single-file implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/warp/token-ledger/ledger"
)

// DefaultLockTimeout bounds how long a unit waits on a row lock.
const DefaultLockTimeout = 5 * time.Second

// Store implements ledger.Store using PostgreSQL.
type Store struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

// PoolConfig holds connection pool settings. Zero values pick defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type options struct {
	lockTimeout time.Duration
	pool        PoolConfig
	logger      logger.Interface
}

type Option func(*options)

// WithLockTimeout sets the per-unit lock_timeout. Zero disables it.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) { o.lockTimeout = d }
}

// WithPool overrides the connection pool settings.
func WithPool(p PoolConfig) Option {
	return func(o *options) { o.pool = p }
}

// WithGormLogger replaces the (silent) gorm logger.
func WithGormLogger(l logger.Interface) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{
		lockTimeout: DefaultLockTimeout,
		logger:      logger.Default.LogMode(logger.Silent),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New connects to dsn, configures the pool and migrates the schema.
func New(dsn string, opts ...Option) (*Store, error) {
	o := buildOptions(opts)

	db, err := gorm.Open(gormpg.Open(dsn), &gorm.Config{Logger: o.logger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := ConfigureConnectionPool(db, o.pool); err != nil {
		return nil, err
	}

	s := &Store{db: db, lockTimeout: o.lockTimeout}
	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an open gorm handle without migrating it.
func NewWithDB(db *gorm.DB, opts ...Option) *Store {
	o := buildOptions(opts)
	return &Store{db: db, lockTimeout: o.lockTimeout}
}

// ConfigureConnectionPool applies p to the underlying *sql.DB.
// Defaults when zero:
//   - MaxOpenConns: 20
//   - MaxIdleConns: 5
//   - ConnMaxLifetime: 5 minutes
//   - ConnMaxIdleTime: 10 minutes
func ConfigureConnectionPool(db *gorm.DB, p PoolConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if p.MaxOpenConns <= 0 {
		p.MaxOpenConns = 20
	}
	if p.MaxIdleConns <= 0 {
		p.MaxIdleConns = 5
	}
	if p.MaxIdleConns > p.MaxOpenConns {
		p.MaxIdleConns = p.MaxOpenConns
	}
	if p.ConnMaxLifetime <= 0 {
		p.ConnMaxLifetime = 5 * time.Minute
	}
	if p.ConnMaxIdleTime <= 0 {
		p.ConnMaxIdleTime = 10 * time.Minute
	}

	sqlDB.SetMaxOpenConns(p.MaxOpenConns)
	sqlDB.SetMaxIdleConns(p.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(p.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(p.ConnMaxIdleTime)
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates tables, indexes and the append-only triggers.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&TokenBalance{}, &TokenTransaction{}, &TokenBalanceHistory{}); err != nil {
		return translate("migrate", err)
	}
	for _, stmt := range triggers {
		if err := db.Exec(stmt).Error; err != nil {
			return translate("migrate", err)
		}
	}
	return nil
}

// triggers run one statement per Exec; the extended protocol rejects
// multi-statement strings.
var triggers = []string{
	`CREATE OR REPLACE FUNCTION token_ledger_reject_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '% is append-only', TG_TABLE_NAME
		USING ERRCODE = 'integrity_constraint_violation';
END;
$$ LANGUAGE plpgsql`,

	`CREATE OR REPLACE FUNCTION token_ledger_transaction_immutable() RETURNS trigger AS $$
BEGIN
	IF NEW.id <> OLD.id
		OR NEW.user_id <> OLD.user_id
		OR NEW.counterparty_id IS DISTINCT FROM OLD.counterparty_id
		OR NEW.type <> OLD.type
		OR NEW.amount <> OLD.amount
		OR NEW.details <> OLD.details
		OR NEW.idempotency_key IS DISTINCT FROM OLD.idempotency_key
		OR NEW.created_at <> OLD.created_at THEN
		RAISE EXCEPTION 'token_transactions rows are immutable'
			USING ERRCODE = 'integrity_constraint_violation';
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`,

	`DROP TRIGGER IF EXISTS token_balance_history_append_only ON token_balance_history`,
	`CREATE TRIGGER token_balance_history_append_only
	BEFORE UPDATE OR DELETE ON token_balance_history
	FOR EACH ROW EXECUTE FUNCTION token_ledger_reject_mutation()`,

	`DROP TRIGGER IF EXISTS token_transactions_no_delete ON token_transactions`,
	`CREATE TRIGGER token_transactions_no_delete
	BEFORE DELETE ON token_transactions
	FOR EACH ROW EXECUTE FUNCTION token_ledger_reject_mutation()`,

	`DROP TRIGGER IF EXISTS token_transactions_immutable ON token_transactions`,
	`CREATE TRIGGER token_transactions_immutable
	BEFORE UPDATE ON token_transactions
	FOR EACH ROW EXECUTE FUNCTION token_ledger_transaction_immutable()`,
}

// =============================================================================
// ATOMIC UNITS (ledger.Store.WithTx)
// =============================================================================

// WithTx runs fn inside one database transaction. Errors returned by fn
// are passed back unchanged; driver errors from begin/commit are translated.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if s.lockTimeout > 0 {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
			if err := db.Exec(stmt).Error; err != nil {
				fnErr = translate("begin", err)
				return fnErr
			}
		}
		if fnErr = fn(ctx, &txStore{db: db}); fnErr != nil {
			return fnErr
		}
		if err := ctx.Err(); err != nil {
			fnErr = ledger.ContextError("commit", err)
			return fnErr
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	return translate("commit", err)
}

type txStore struct {
	db *gorm.DB
}

func (ts *txStore) LockBalance(ctx context.Context, user ledger.UserID, now time.Time) (ledger.TokenBalance, error) {
	db := ts.db.WithContext(ctx)
	now = now.UTC()
	seed := TokenBalance{UserID: string(user), CreatedAt: now, UpdatedAt: now}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&seed).Error; err != nil {
		return ledger.TokenBalance{}, translate("lock_balance", err)
	}

	var row TokenBalance
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", string(user)).
		Take(&row).Error
	if err != nil {
		return ledger.TokenBalance{}, translate("lock_balance", err)
	}
	return balanceFromRow(row), nil
}

// HistoryTotal reads committed history. Callers hold the user's balance
// lock, which every history writer for that user must also take.
func (ts *txStore) HistoryTotal(ctx context.Context, user ledger.UserID) (ledger.Amount, int, error) {
	return historyTotal(ts.db.WithContext(ctx), user)
}

func (ts *txStore) PutBalance(ctx context.Context, b ledger.TokenBalance) error {
	res := ts.db.WithContext(ctx).
		Model(&TokenBalance{}).
		Where("user_id = ?", string(b.UserID)).
		Updates(map[string]any{
			"balance":    b.Balance.Units(),
			"updated_at": b.UpdatedAt.UTC(),
		})
	if res.Error != nil {
		return translate("put_balance", res.Error)
	}
	return expectOneRow("put_balance", res.RowsAffected)
}

func (ts *txStore) InsertTransaction(ctx context.Context, t ledger.Transaction) error {
	row := transactionToRow(t)
	if err := ts.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err, idempotencyIndex) {
			return ledger.DuplicateKeyError(t.IdempotencyKey)
		}
		return translate("insert_transaction", err)
	}
	return nil
}

func (ts *txStore) LockTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	var row TokenTransaction
	err := ts.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", string(id)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, &ledger.NotFoundError{Resource: "transaction", ID: string(id)}
	}
	if err != nil {
		return ledger.Transaction{}, translate("lock_transaction", err)
	}
	return transactionFromRow(row)
}

func (ts *txStore) SetTransactionStatus(ctx context.Context, id ledger.TransactionID, status ledger.Status, completedAt *time.Time) error {
	var at any
	if completedAt != nil {
		at = completedAt.UTC()
	}
	res := ts.db.WithContext(ctx).
		Model(&TokenTransaction{}).
		Where("id = ?", string(id)).
		Updates(map[string]any{
			"status":       string(status),
			"completed_at": at,
		})
	if res.Error != nil {
		return translate("set_transaction_status", res.Error)
	}
	return expectOneRow("set_transaction_status", res.RowsAffected)
}

func (ts *txStore) InsertHistory(ctx context.Context, h ledger.BalanceHistory) (ledger.BalanceHistory, error) {
	row := historyToRow(h)
	if err := ts.db.WithContext(ctx).Omit(clause.Associations).Create(&row).Error; err != nil {
		return ledger.BalanceHistory{}, translate("insert_history", err)
	}
	h.ID = row.ID
	return h, nil
}

func expectOneRow(op string, n int64) error {
	if n != 1 {
		return &ledger.RepositoryError{Op: op, Err: fmt.Errorf("expected 1 row affected, got %d", n)}
	}
	return nil
}
