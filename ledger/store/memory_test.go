package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/ledger/ledgertest"
)

func TestMemory_Conformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		return NewMemory()
	})
}

func TestMemory_LockTimeoutIsRetryable(t *testing.T) {
	m := NewMemory(WithLockTimeout(50 * time.Millisecond))
	p := ledger.NewProcessor(m)
	ctx := context.Background()

	// GIVEN: a unit holding alice's balance lock
	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = m.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			if _, err := tx.LockBalance(ctx, "alice", time.Now()); err != nil {
				return err
			}
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	// WHEN: another unit needs the same lock
	_, err := p.ProcessTransaction(ctx, ledger.TransactionRequest{
		UserID: "alice", Amount: decimal.NewFromInt(1), Type: ledger.TxCredit,
	})
	close(done)

	// THEN: it times out with a retryable error
	var cerr *ledger.ConcurrencyError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, ledger.ErrLockTimeout)
	assert.True(t, ledger.IsRetryable(err))
}

func TestMemory_IndependentUsersDoNotBlock(t *testing.T) {
	m := NewMemory(WithLockTimeout(50 * time.Millisecond))
	p := ledger.NewProcessor(m)
	ctx := context.Background()

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = m.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			if _, err := tx.LockBalance(ctx, "alice", time.Now()); err != nil {
				return err
			}
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	_, err := p.ProcessTransaction(ctx, ledger.TransactionRequest{
		UserID: "bob", Amount: decimal.NewFromInt(1), Type: ledger.TxCredit,
	})
	assert.NoError(t, err)
}

func TestMemory_AbortedUnitLeavesNothing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// WHEN: a unit stages writes and then fails
	err := m.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		b, err := tx.LockBalance(ctx, "alice", time.Now())
		if err != nil {
			return err
		}
		b.Balance = 100
		if err := tx.PutBalance(ctx, b); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, ledger.Transaction{
			ID: "t1", UserID: "alice", Type: ledger.TxCredit, Amount: 100, Status: ledger.StatusPending,
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	// THEN: nothing is visible and no locks linger
	_, err = m.Balance(ctx, "alice")
	assert.True(t, ledger.IsNotFound(err))
	_, err = m.Transaction(ctx, "t1")
	assert.True(t, ledger.IsNotFound(err))
	assert.Zero(t, m.locks.size())
}

func TestMemory_PutBalanceRequiresLock(t *testing.T) {
	m := NewMemory()
	err := m.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.PutBalance(ctx, ledger.TokenBalance{UserID: "alice", Balance: 1})
	})
	assert.ErrorIs(t, err, ledger.ErrRepository)
}

func TestMemory_RejectsNegativeBalance(t *testing.T) {
	m := NewMemory()
	err := m.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		b, err := tx.LockBalance(ctx, "alice", time.Now())
		if err != nil {
			return err
		}
		b.Balance = -1
		return tx.PutBalance(ctx, b)
	})
	assert.ErrorIs(t, err, ledger.ErrConstraintViolation)
}

func TestMemory_DuplicateKeyAcrossUnits(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	insert := func(id ledger.TransactionID) error {
		return m.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			return tx.InsertTransaction(ctx, ledger.Transaction{
				ID: id, UserID: "alice", Type: ledger.TxCredit, Amount: 1,
				Status: ledger.StatusPending, IdempotencyKey: "k",
			})
		})
	}

	require.NoError(t, insert("t1"))
	err := insert("t2")
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	got, err := m.TransactionByIdempotencyKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionID("t1"), got.ID)
}

func TestMemory_CancelWhileWaiting(t *testing.T) {
	m := NewMemory(WithLockTimeout(0))
	ctx := context.Background()

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = m.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			_, _ = tx.LockBalance(ctx, "alice", time.Now())
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := m.WithTx(waitCtx, func(ctx context.Context, tx ledger.Tx) error {
		_, err := tx.LockBalance(ctx, "alice", time.Now())
		return err
	})
	assert.True(t, ledger.IsRetryable(err), "deadline while waiting is contention: %v", err)
}
