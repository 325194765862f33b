package ledger

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// =============================================================================
// ROLLBACK MANAGER - Reverse a completed transaction
// =============================================================================
//
// Only completed rows can be rolled back, once. The journal row is locked
// first, then every affected balance in ascending id order. Each reversed
// leg gets its own history row with change type reversal:<type>.

// RollbackTransaction reverses id and returns the rolled-back row. A
// reversal that would drive any balance negative fails with
// InsufficientBalanceError and changes nothing.
func (p *Processor) RollbackTransaction(ctx context.Context, id TransactionID, reason string) (Transaction, error) {
	const op = "rollback_transaction"

	if id == "" {
		return Transaction{}, &ValidationError{Field: "transaction_id", Reason: "must not be empty"}
	}
	cause := "rollback"
	if r := strings.TrimSpace(reason); r != "" {
		cause = "rollback: " + r
	}

	var result Transaction
	err := p.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		t, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != StatusCompleted {
			return &InvalidOperationError{
				TransactionID: t.ID,
				From:          t.Status,
				To:            StatusRolledBack,
				Reason:        "only completed transactions can be rolled back",
			}
		}

		legs := reversalLegs(t)
		users := make([]UserID, 0, len(legs))
		for _, leg := range legs {
			users = append(users, leg.user)
		}
		return p.WithUserLock(ctx, tx, users, func(map[UserID]TokenBalance) error {
			for _, leg := range legs {
				change, err := p.balances.ApplyDelta(ctx, tx, leg.user, leg.delta)
				if err != nil {
					return err
				}
				if _, err := p.history.Record(ctx, tx, HistoryEntry{
					Change:        change,
					ChangeType:    ReversalOf(leg.kind),
					Reason:        cause,
					TransactionID: t.ID,
				}); err != nil {
					return err
				}
			}
			result, err = p.journal.transition(ctx, tx, t, StatusRolledBack)
			return err
		})
	})
	if err != nil {
		p.logFailure(op, err, zap.String("transaction_id", string(id)))
		return Transaction{}, err
	}

	p.log.Debug("rollback committed",
		zap.String("transaction_id", string(result.ID)),
		zap.String("reason", cause))
	return result, nil
}

type reversalLeg struct {
	user  UserID
	delta Amount
	kind  TransactionType
}

// reversalLegs negates every balance effect of t. A transfer has two
// legs: the destination gives back what it received, the source gets its
// tokens back.
func reversalLegs(t Transaction) []reversalLeg {
	if t.IsTransfer() {
		return []reversalLeg{
			{user: t.CounterpartyID, delta: t.Amount.Neg(), kind: TxTransferIn},
			{user: t.UserID, delta: t.Amount, kind: TxTransferOut},
		}
	}
	return []reversalLeg{
		{user: t.UserID, delta: t.SignedAmount().Neg(), kind: t.Type},
	}
}
