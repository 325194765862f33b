/*
Package ledgertest is the conformance suite for ledger.Store implementations.

PURPOSE:
  Every backend (memory, SQLite, PostgreSQL) must give the processor the
  same guarantees: atomic units, exclusive balance locks, append-only
  history, and unique idempotency keys. Run exercises those guarantees
  through the public Processor API so a backend passes only if the engine
  behaves identically on top of it.

USAGE:
  func TestConformance(t *testing.T) {
      ledgertest.Run(t, func(t *testing.T) ledger.Store {
          return newStore(t)
      })
  }

  The factory must return an empty store. It is called once per subtest.
*/
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/token-ledger/ledger"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) ledger.Store

// Run executes every conformance check against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"CreditNewUser", testCreditNewUser},
		{"OverdrawLeavesNoTrace", testOverdrawLeavesNoTrace},
		{"Transfer", testTransfer},
		{"TransferInsufficientIsAtomic", testTransferInsufficientIsAtomic},
		{"RollbackDeduction", testRollbackDeduction},
		{"RollbackTwiceFails", testRollbackTwiceFails},
		{"RollbackTransferReversesBothLegs", testRollbackTransferReversesBothLegs},
		{"RollbackAfterSpendFails", testRollbackAfterSpendFails},
		{"RollbackUnknownTransaction", testRollbackUnknownTransaction},
		{"StatusMachine", testStatusMachine},
		{"ConcurrentDebits", testConcurrentDebits},
		{"OppositeTransfersDoNotDeadlock", testOppositeTransfersDoNotDeadlock},
		{"IdempotencyKey", testIdempotencyKey},
		{"ListTransactions", testListTransactions},
		{"HistoryPaging", testHistoryPaging},
		{"Reconciliation", testReconciliation},
		{"UsersKeysetPaging", testUsersKeysetPaging},
		{"ReconcileDuringWrites", testReconcileDuringWrites},
		{"BalanceRowUsesProcessorClock", testBalanceRowUsesProcessorClock},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.fn(t, factory(t))
		})
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func amt(s string) ledger.Amount { return ledger.MustParseAmount(s) }

func credit(t *testing.T, p *ledger.Processor, user ledger.UserID, amount string) ledger.Transaction {
	t.Helper()
	tx, err := p.ProcessTransaction(context.Background(), ledger.TransactionRequest{
		UserID: user,
		Amount: dec(amount),
		Type:   ledger.TxCredit,
	})
	require.NoError(t, err)
	return tx
}

func requireBalance(t *testing.T, p *ledger.Processor, user ledger.UserID, want string) {
	t.Helper()
	got, err := p.GetBalance(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, amt(want), got, "balance of %s", user)
}

func requireReconciled(t *testing.T, p *ledger.Processor, users ...ledger.UserID) {
	t.Helper()
	for _, u := range users {
		rec, err := p.Reconcile(context.Background(), u)
		require.NoError(t, err, "reconcile %s", u)
		assert.True(t, rec.Consistent())
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

func testCreditNewUser(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := ledger.NewProcessor(s)

	// GIVEN: a user with no balance row
	// WHEN: 10 tokens are credited
	tx := credit(t, p, "alice", "10.00000000")

	// THEN: the balance is 10, the row is completed, one history row exists
	requireBalance(t, p, "alice", "10")
	assert.Equal(t, ledger.StatusCompleted, tx.Status)
	require.NotNil(t, tx.CompletedAt)

	stored, err := p.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, stored.Status)
	assert.Equal(t, amt("10"), stored.Amount)

	rows, err := s.HistoryByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ledger.Amount(0), rows[0].BalanceBefore)
	assert.Equal(t, amt("10"), rows[0].BalanceAfter)
	assert.Equal(t, amt("10"), rows[0].ChangeAmount)
	assert.Equal(t, ledger.ChangeTypeOf(ledger.TxCredit), rows[0].ChangeType)
	assert.Equal(t, ledger.UserID("alice"), rows[0].UserID)
	assert.NotZero(t, rows[0].ID)
}

func testOverdrawLeavesNoTrace(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := ledger.NewProcessor(s)
	credit(t, p, "alice", "10")

	// WHEN: a debit larger than the balance is attempted
	_, err := p.ProcessTransaction(ctx, ledger.TransactionRequest{
		UserID: "alice",
		Amount: dec("15.0"),
		Type:   ledger.TxDeduction,
	})

	// THEN: it fails, the balance is untouched and no row survives
	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, amt("10"), insufficient.Available)
	assert.Equal(t, amt("5"), insufficient.Shortfall)
	requireBalance(t, p, "alice", "10")

	txs, total, err := p.GetTransactionHistory(ctx, "alice", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxCredit, txs[0].Type)

	_, rows, err := s.HistoryTotal(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, rows)
}

func testTransfer(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := ledger.NewProcessor(s)
	credit(t, p, "a", "100")

	// WHEN: 50 moves from a to b
	tx, err := p.TransferTokens(ctx, ledger.TransferRequest{From: "a", To: "b", Amount: dec("50.0"), Reason: "gift"})
	require.NoError(t, err)

	// THEN: both sides changed and two history rows share the id
	requireBalance(t, p, "a", "50")
	requireBalance(t, p, "b", "50")
	assert.Equal(t, ledger.StatusCompleted, tx.Status)
	assert.Equal(t, ledger.TxTransferOut, tx.Type)
	assert.Equal(t, ledger.UserID("b"), tx.CounterpartyID)
	assert.Equal(t, "gift", tx.Details[ledger.DetailReason])
	assert.Equal(t, "b", tx.Details[ledger.DetailCounterparty])

	rows, err := s.HistoryByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	byUser := map[ledger.UserID]ledger.BalanceHistory{}
	for _, r := range rows {
		byUser[r.UserID] = r
	}
	assert.Equal(t, amt("-50"), byUser["a"].ChangeAmount)
	assert.Equal(t, ledger.ChangeTypeOf(ledger.TxTransferOut), byUser["a"].ChangeType)
	assert.Equal(t, amt("50"), byUser["b"].ChangeAmount)
	assert.Equal(t, ledger.Amount(0), byUser["b"].BalanceBefore)
	assert.Equal(t, ledger.ChangeTypeOf(ledger.TxTransferIn), byUser["b"].ChangeType)

	requireReconciled(t, p, "a", "b")
}

func testTransferInsufficientIsAtomic(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := ledger.NewProcessor(s)
	credit(t, p, "a", "10")

	// WHEN: the source cannot cover the transfer
	_, err := p.TransferTokens(ctx, ledger.TransferRequest{From: "a", To: "b", Amount: dec("10.00000001")})

	// THEN: neither side changed
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	requireBalance(t, p, "a", "10")
	requireBalance(t, p, "b", "0")
	_, total, err := p.GetTransactionHistory(ctx, "b", 0, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func testRollbackDeduction(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := ledger.NewProcessor(s)
	credit(t, p, "alice", "100")
	ded, err := p.ProcessTransaction(ctx, ledger.TransactionRequest{
		UserID: "alice", Amount: dec("20.0"), Type: ledger.TxDeduction,
	})
	require.NoError(t, err)
	requireBalance(t, p, "alice", "80")

	// WHEN: the deduction is rolled back
	rolled, err := p.RollbackTransaction(ctx, ded.ID, "customer complaint")
	require.NoError(t, err)

	// THEN: the balance is restored and a reversal row documents it
	requireBalance(t, p, "alice", "100")
	assert.Equal(t, ledger.StatusRolledBack, rolled.Status)

	stored, err := p.GetTransaction(ctx, ded.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRolledBack, stored.Status)

	rows, err := s.HistoryByTransaction(ctx, ded.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	rev := rows[1]
	assert.Equal(t, ledger.ReversalOf(ledger.TxDeduction), rev.ChangeType)
	assert.Equal(t, amt("80"), rev.BalanceBefore)
	assert.Equal(t, amt("100"), rev.BalanceAfter)
	assert.Equal(t, amt("20"), rev.ChangeAmount)
	assert.Equal(t, "rollback: customer complaint", rev.Reason)

	requireReconciled(t, p, "alice")
}

func testRollbackTwiceFails(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := ledger.NewProcessor(s)
	tx := credit(t, p, "alice", "5")

	_, err := p.RollbackTransaction(ctx, tx.ID, "mistake")
	require.NoError(t, err)

	// WHEN: the same transaction is rolled back again
	_, err = p.RollbackTransaction(ctx, tx.ID, "mistake")

	// THEN: it fails loudly and nothing is reversed twice
	var invalid *ledger.InvalidOperationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, ledger.StatusRolledBack, invalid.From)
	requireBalance(t, p, "alice", "0")

	rows, err := s.HistoryByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func testRollbackTransferReversesBothLegs(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := ledger.NewProcessor(s)
	credit(t, p, "a", "100")
	tx, err := p.TransferTokens(ctx, ledger.TransferRequest{From: "a", To: "b", Amount: dec("30")})
	require.NoError(t, err)

	// WHEN: the transfer is rolled back
	_, err = p.RollbackTransaction(ctx, tx.ID, "fraud")
	require.NoError(t, err)

	// THEN: both balances are back where they started
	requireBalance(t, p, "a", "100")
	requireBalance(t, p, "b", "0")

	rows, err := s.HistoryByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	reversals := 0
	for _, r := range rows {
		if r.ChangeType.IsReversal() {
			reversals++
			assert.Equal(t, "rollback: fraud", r.Reason)
		}
	}
	assert.Equal(t, 2, reversals)
	requireReconciled(t, p, "a", "b")
}

func testRollbackAfterSpendFails(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := ledger.NewProcessor(s)
	c := credit(t, p, "alice", "100")
	_, err := p.ProcessTransaction(ctx, ledger.TransactionRequest{
		UserID: "alice", Amount: dec("80"), Type: ledger.TxBurn,
	})
	require.NoError(t, err)

	// WHEN: the credit is rolled back after most of it was spent
	_, err = p.RollbackTransaction(ctx, c.ID, "chargeback")

	// THEN: the rollback fails and the credit stays completed
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	requireBalance(t, p, "alice", "20")
	stored, err := p.GetTransaction(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, stored.Status)
}

func testRollbackUnknownTransaction(t *testing.T, s ledger.Store) {
	p := ledger.NewProcessor(s)
	_, err := p.RollbackTransaction(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ", "x")
	assert.True(t, ledger.IsNotFound(err), "got %v", err)
}

func testStatusMachine(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := ledger.NewProcessor(s)

	// GIVEN: a row driven pending → failed
	var id ledger.TransactionID
	err := s.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		created, err := p.Journal().Create(ctx, tx, ledger.TransactionDraft{
			UserID: "alice", Type: ledger.TxCredit, Amount: amt("1"),
		})
		if err != nil {
			return err
		}
		id = created.ID
		_, err = p.Journal().UpdateStatus(ctx, tx, id, ledger.StatusFailed)
		return err
	})
	require.NoError(t, err)

	stored, err := p.GetTransaction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, stored.Status)
	assert.Nil(t, stored.CompletedAt)

	// WHEN: the failed row is moved to completed
	err = s.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		_, err := p.Journal().UpdateStatus(ctx, tx, id, ledger.StatusCompleted)
		return err
	})

	// THEN: the transition is rejected
	var invalid *ledger.InvalidOperationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, ledger.StatusFailed, invalid.From)
	assert.Equal(t, ledger.StatusCompleted, invalid.To)

	// AND: a failed row cannot be rolled back
	_, err = p.RollbackTransaction(ctx, id, "x")
	assert.ErrorIs(t, err, ledger.ErrInvalidOperation)
}

func testConcurrentDebits(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := ledger.NewProcessor(s)
	credit(t, p, "alice", "100")

	// WHEN: two debits of 60 race
	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := make(chan struct{})
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = p.ProcessTransaction(ctx, ledger.TransactionRequest{
				UserID: "alice", Amount: dec("60.0"), Type: ledger.TxDeduction,
			})
		}(i)
	}
	close(start)
	wg.Wait()

	// THEN: exactly one wins
	succeeded, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ledger.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)
	requireBalance(t, p, "alice", "40")
	requireReconciled(t, p, "alice")
}

func testOppositeTransfersDoNotDeadlock(t *testing.T, s ledger.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p := ledger.NewProcessor(s)
	credit(t, p, "a", "100")
	credit(t, p, "b", "100")

	// WHEN: many transfers run in both directions at once
	const rounds = 10
	var wg sync.WaitGroup
	errs := make(chan error, 2*rounds)
	for i := 0; i < rounds; i++ {
		for _, dir := range [][2]ledger.UserID{{"a", "b"}, {"b", "a"}} {
			wg.Add(1)
			go func(from, to ledger.UserID) {
				defer wg.Done()
				_, err := p.TransferTokens(ctx, ledger.TransferRequest{From: from, To: to, Amount: dec("1")})
				errs <- err
			}(dir[0], dir[1])
		}
	}
	wg.Wait()
	close(errs)

	// THEN: all complete and money is conserved
	for err := range errs {
		require.NoError(t, err)
	}
	a, err := p.GetBalance(ctx, "a")
	require.NoError(t, err)
	b, err := p.GetBalance(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, amt("200"), a+b)
	requireReconciled(t, p, "a", "b")
}

func testIdempotencyKey(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := ledger.NewProcessor(s)
	req := ledger.TransactionRequest{
		UserID: "alice", Amount: dec("7"), Type: ledger.TxReward, IdempotencyKey: "reward-42",
	}

	first, err := p.ProcessTransaction(ctx, req)
	require.NoError(t, err)

	// WHEN: the same request is replayed
	second, err := p.ProcessTransaction(ctx, req)

	// THEN: the original row comes back and nothing is applied twice
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	requireBalance(t, p, "alice", "7")

	// WHEN: the key is reused for a different amount
	req.Amount = dec("8")
	_, err = p.ProcessTransaction(ctx, req)

	// THEN: the replay is rejected
	require.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	assert.Equal(t, ledger.KindInvalidOperation, ledger.KindOf(err))
	requireBalance(t, p, "alice", "7")

	// AND: a transfer replay is recognised as well
	tr := ledger.TransferRequest{From: "alice", To: "bob", Amount: dec("2"), IdempotencyKey: "move-1"}
	t1, err := p.TransferTokens(ctx, tr)
	require.NoError(t, err)
	t2, err := p.TransferTokens(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, t1.ID, t2.ID)
	requireBalance(t, p, "bob", "2")
}

func testListTransactions(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := ledger.NewProcessor(s)
	for i := 1; i <= 3; i++ {
		credit(t, p, "alice", fmt.Sprint(i))
	}
	tr, err := p.TransferTokens(ctx, ledger.TransferRequest{From: "bob", To: "alice", Amount: dec("1")})
	require.Error(t, err, "bob has nothing yet")
	assert.Empty(t, tr.ID)

	credit(t, p, "bob", "5")
	tr, err = p.TransferTokens(ctx, ledger.TransferRequest{From: "bob", To: "alice", Amount: dec("1")})
	require.NoError(t, err)

	// WHEN: alice's transactions are listed
	txs, total, err := p.GetTransactionHistory(ctx, "alice", 2, 0)
	require.NoError(t, err)

	// THEN: newest first, received transfers included, total unpaged
	assert.Equal(t, 4, total)
	require.Len(t, txs, 2)
	assert.Equal(t, tr.ID, txs[0].ID)
	assert.Equal(t, amt("3"), txs[1].Amount)

	rest, _, err := p.GetTransactionHistory(ctx, "alice", 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, amt("1"), rest[1].Amount)

	// AND: filters narrow by type and status
	credType := ledger.TxCredit
	creds, total, err := p.ListTransactions(ctx, ledger.TransactionFilter{UserID: "alice", Type: &credType})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, creds, 3)

	rolledBack := ledger.StatusRolledBack
	_, total, err = p.ListTransactions(ctx, ledger.TransactionFilter{UserID: "alice", Status: &rolledBack})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func testHistoryPaging(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := ledger.NewProcessor(s)
	for i := 1; i <= 5; i++ {
		credit(t, p, "alice", "1")
	}

	rows, total, err := p.GetBalanceHistory(ctx, "alice", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, rows, 2)

	// Oldest first: the second row starts from 1, the third from 2.
	assert.Equal(t, amt("1"), rows[0].BalanceBefore)
	assert.Equal(t, amt("2"), rows[1].BalanceBefore)
	for _, r := range rows {
		assert.Equal(t, r.BalanceBefore+r.ChangeAmount, r.BalanceAfter)
	}
}

func testReconciliation(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := ledger.NewProcessor(s)
	credit(t, p, "alice", "12.5")
	_, err := p.ProcessTransaction(ctx, ledger.TransactionRequest{
		UserID: "alice", Amount: dec("2.25"), Type: ledger.TxDeduction,
	})
	require.NoError(t, err)

	rec, err := p.Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, amt("10.25"), rec.Balance)
	assert.Equal(t, amt("10.25"), rec.HistoryTotal)
	assert.Equal(t, 2, rec.HistoryRows)

	// A user with no activity reconciles trivially and gets no row.
	rec, err = p.Reconcile(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, rec.HistoryRows)
	_, err = s.Balance(ctx, "nobody")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testUsersKeysetPaging(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := ledger.NewProcessor(s)
	for _, u := range []ledger.UserID{"carol", "alice", "dave", "bob"} {
		credit(t, p, u, "1")
	}

	first, err := s.Users(ctx, "", 3)
	require.NoError(t, err)
	assert.Equal(t, []ledger.UserID{"alice", "bob", "carol"}, first)

	rest, err := s.Users(ctx, first[len(first)-1], 3)
	require.NoError(t, err)
	assert.Equal(t, []ledger.UserID{"dave"}, rest)

	done, err := s.Users(ctx, "dave", 3)
	require.NoError(t, err)
	assert.Empty(t, done)

	report, err := p.ReconcileAll(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Checked)
	assert.Empty(t, report.Mismatches)
}

func testReconcileDuringWrites(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := ledger.NewProcessor(s)
	credit(t, p, "u", "1")

	// GIVEN: a writer crediting u in a loop
	const credits = 100
	done := make(chan struct{})
	writeErr := make(chan error, 1)
	go func() {
		defer close(done)
		for i := 0; i < credits; i++ {
			if _, err := p.ProcessTransaction(ctx, ledger.TransactionRequest{
				UserID: "u", Amount: dec("1"), Type: ledger.TxCredit,
			}); err != nil {
				writeErr <- err
				return
			}
		}
	}()

	// WHEN: u is reconciled while the writes land
	checks := 0
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		rec, err := p.Reconcile(ctx, "u")
		require.NoError(t, err, "check %d: balance %s, history %s", checks, rec.Balance, rec.HistoryTotal)
		checks++
	}

	// THEN: every check agreed and the final state is complete
	select {
	case err := <-writeErr:
		require.NoError(t, err)
	default:
	}
	assert.Positive(t, checks)
	requireBalance(t, p, "u", fmt.Sprint(credits+1))
	requireReconciled(t, p, "u")
}

func testBalanceRowUsesProcessorClock(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := ledger.NewProcessor(s, ledger.WithClock(func() time.Time { return at }))

	tx := credit(t, p, "alice", "1")

	row, err := s.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, row.CreatedAt.Equal(at), "created_at %s", row.CreatedAt)
	assert.True(t, row.UpdatedAt.Equal(at), "updated_at %s", row.UpdatedAt)
	assert.True(t, tx.CreatedAt.Equal(row.CreatedAt))
}
