package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/ledger/ledgertest"
)

var (
	testDSN     string
	pgContainer *tcpostgres.PostgresContainer
)

// TestMain starts PostgreSQL (or uses TEST_DB_HOST) for the integration
// tests. Without Docker those tests skip; the sqlmock tests always run.
func TestMain(m *testing.M) {
	ctx := context.Background()

	if host := os.Getenv("TEST_DB_HOST"); host != "" {
		testDSN = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			host,
			envOr("TEST_DB_PORT", "5432"),
			envOr("TEST_DB_USER", "postgres"),
			envOr("TEST_DB_PASSWORD", "postgres"),
			envOr("TEST_DB_NAME", "test_db"))
		fmt.Printf("Using external database: %s\n", host)
	} else {
		var err error
		pgContainer, err = tcpostgres.Run(ctx,
			"postgres:18-alpine",
			tcpostgres.WithDatabase("test_db"),
			tcpostgres.WithUsername("postgres"),
			tcpostgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			fmt.Printf("PostgreSQL container unavailable, integration tests will skip: %v\n", err)
			pgContainer = nil
		} else if testDSN, err = pgContainer.ConnectionString(ctx, "sslmode=disable"); err != nil {
			fmt.Printf("Failed to get connection string: %v\n", err)
			testDSN = ""
		}
	}

	code := m.Run()

	if pgContainer != nil {
		if err := pgContainer.Terminate(ctx); err != nil {
			fmt.Printf("Failed to terminate PostgreSQL container: %v\n", err)
		}
	}
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newTestStore returns a migrated store over empty tables.
func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	if testDSN == "" {
		t.Skip("no PostgreSQL available")
	}
	s, err := New(testDSN, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// Row triggers do not fire on TRUNCATE.
	require.NoError(t, s.db.Exec(
		`TRUNCATE token_balance_history, token_transactions, token_balances RESTART IDENTITY CASCADE`,
	).Error)
	return s
}

func TestPostgres_Conformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		return newTestStore(t)
	})
}

func TestPostgres_HistoryIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := ledger.NewProcessor(s)
	tx, err := p.ProcessTransaction(ctx, ledger.TransactionRequest{
		UserID: "alice", Amount: decimal.NewFromInt(5), Type: ledger.TxCredit,
	})
	require.NoError(t, err)

	// WHEN: rows are changed behind the ledger's back
	upd := translate("update_history", s.db.Exec(`UPDATE token_balance_history SET reason = 'x'`).Error)
	del := translate("delete_history", s.db.Exec(`DELETE FROM token_balance_history`).Error)
	delTx := translate("delete_transaction", s.db.Exec(`DELETE FROM token_transactions WHERE id = ?`, string(tx.ID)).Error)
	mut := translate("mutate_transaction", s.db.Exec(`UPDATE token_transactions SET amount = 1 WHERE id = ?`, string(tx.ID)).Error)

	// THEN: the triggers refuse every one
	var cv *ledger.ConstraintViolationError
	require.ErrorAs(t, upd, &cv)
	assert.Equal(t, "append_only", cv.Invariant)
	assert.ErrorIs(t, del, ledger.ErrConstraintViolation)
	assert.ErrorIs(t, delTx, ledger.ErrConstraintViolation)
	assert.ErrorIs(t, mut, ledger.ErrConstraintViolation)

	// AND: status changes are still allowed
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, t2 ledger.Tx) error {
		return t2.SetTransactionStatus(ctx, tx.ID, ledger.StatusRolledBack, tx.CompletedAt)
	}))
}

func TestPostgres_LockTimeoutIsRetryable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithLockTimeout(200*time.Millisecond))

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			if _, err := tx.LockBalance(ctx, "alice", time.Now()); err != nil {
				close(held)
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	// WHEN: a second unit wants the same row
	err := s.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		_, err := tx.LockBalance(ctx, "alice", time.Now())
		return err
	})
	close(release)
	require.NoError(t, <-done)

	// THEN: it gives up with a retryable error
	assert.True(t, ledger.IsRetryable(err), "got %v", err)
	assert.ErrorIs(t, err, ledger.ErrLockTimeout)
}

func TestPostgres_CheckConstraintOnBalance(t *testing.T) {
	s := newTestStore(t)
	err := s.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		b, err := tx.LockBalance(ctx, "alice", time.Now())
		if err != nil {
			return err
		}
		b.Balance = -1
		return tx.PutBalance(ctx, b)
	})

	var cv *ledger.ConstraintViolationError
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, "chk_token_balances_non_negative", cv.Invariant)
}

// =============================================================================
// SQLMOCK
// =============================================================================

func newMockStore(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db, err := gorm.Open(gormpg.New(gormpg.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		sqlDB.Close()
	})
	return NewWithDB(db, opts...), mock
}

func TestPostgres_LockTimeoutIsSetPerUnit(t *testing.T) {
	s, mock := newMockStore(t, WithLockTimeout(250*time.Millisecond))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL lock_timeout = '250ms'")).
		WillReturnError(&pgconn.PgError{Code: codeQueryCanceled, Message: "canceling statement"})
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(context.Context, ledger.Tx) error {
		t.Fatal("fn must not run")
		return nil
	})

	var cerr *ledger.ConcurrencyError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "begin", cerr.Op)
}

func TestPostgres_FnErrorIsReturnedUnchanged(t *testing.T) {
	s, mock := newMockStore(t, WithLockTimeout(0))
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.WithTx(context.Background(), func(context.Context, ledger.Tx) error { return boom })
	assert.Same(t, boom, err)
}

func TestPostgres_CommitFailureIsTranslated(t *testing.T) {
	s, mock := newMockStore(t, WithLockTimeout(0))
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(&pgconn.PgError{Code: codeSerialization})

	err := s.WithTx(context.Background(), func(context.Context, ledger.Tx) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrConcurrency)
}

func TestConfigureConnectionPool_Defaults(t *testing.T) {
	s, _ := newMockStore(t)
	require.NoError(t, ConfigureConnectionPool(s.db, PoolConfig{MaxOpenConns: 3, MaxIdleConns: 9}))

	sqlDB, err := s.db.DB()
	require.NoError(t, err)
	assert.Equal(t, 3, sqlDB.Stats().MaxOpenConnections)
}

// =============================================================================
// TRANSLATION
// =============================================================================

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ledger.ErrorKind
		is   error
	}{
		{"lock timeout", &pgconn.PgError{Code: codeLockTimeout}, ledger.KindConcurrency, ledger.ErrLockTimeout},
		{"deadlock", &pgconn.PgError{Code: codeDeadlock}, ledger.KindConcurrency, ledger.ErrConcurrency},
		{"serialization", &pgconn.PgError{Code: codeSerialization}, ledger.KindConcurrency, ledger.ErrConcurrency},
		{"duplicate key", &pgconn.PgError{Code: codeUnique, ConstraintName: idempotencyIndex}, ledger.KindInvalidOperation, ledger.ErrDuplicateIdempotencyKey},
		{"other unique", &pgconn.PgError{Code: codeUnique, ConstraintName: "token_balances_pkey"}, ledger.KindConstraintViolation, ledger.ErrConstraintViolation},
		{"check", &pgconn.PgError{Code: codeCheck, ConstraintName: "chk_x"}, ledger.KindConstraintViolation, ledger.ErrConstraintViolation},
		{"trigger", &pgconn.PgError{Code: codeIntegrity}, ledger.KindConstraintViolation, ledger.ErrConstraintViolation},
		{"disk full", &pgconn.PgError{Code: "53100"}, ledger.KindRepository, ledger.ErrRepository},
		{"plain", errors.New("connection reset"), ledger.KindRepository, ledger.ErrRepository},
		{"deadline", context.DeadlineExceeded, ledger.KindConcurrency, context.DeadlineExceeded},
		{"not found", gorm.ErrRecordNotFound, ledger.KindNotFound, ledger.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translate("op", tt.err)
			assert.Equal(t, tt.kind, ledger.KindOf(got))
			assert.ErrorIs(t, got, tt.is)
		})
	}

	orig := &ledger.InsufficientBalanceError{UserID: "alice"}
	assert.Same(t, orig, translate("op", orig))
	assert.Nil(t, translate("op", nil))
}

func TestConstraintName_UsesCheckName(t *testing.T) {
	assert.Equal(t, "chk_x", constraintName(&pgconn.PgError{Code: codeCheck, ConstraintName: "chk_x"}))
	assert.Equal(t, "check", constraintName(&pgconn.PgError{Code: codeCheck}))
	assert.Equal(t, "append_only", constraintName(&pgconn.PgError{Code: codeIntegrity}))
}
