package ledger

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// TRANSFER COORDINATOR - Move tokens between two users atomically
// =============================================================================
//
// A transfer is one journal row of type transfer_out owned by the source,
// with the destination in CounterpartyID, and two history rows sharing its
// id: transfer_out (-amount) for the source, transfer_in (+amount) for the
// destination. Either both balances change or neither does.

// TransferRequest asks to move Amount from From to To.
type TransferRequest struct {
	From           UserID
	To             UserID
	Amount         decimal.Decimal
	Reason         string
	IdempotencyKey string
}

// TransferTokens locks both balances in ascending id order, checks the
// source has enough before writing anything, and commits both legs.
func (p *Processor) TransferTokens(ctx context.Context, req TransferRequest) (Transaction, error) {
	const op = "transfer_tokens"

	if err := ValidateUserID(req.From); err != nil {
		return Transaction{}, err
	}
	if err := ValidateUserID(req.To); err != nil {
		return Transaction{}, err
	}
	if req.From == req.To {
		return Transaction{}, &ValidationError{
			Field:  "to_user_id",
			Value:  string(req.To),
			Reason: "cannot transfer to the same user",
		}
	}
	amount, err := p.validator.ValidateAmount(req.Amount)
	if err != nil {
		return Transaction{}, err
	}

	details := map[string]string{DetailCounterparty: string(req.To)}
	if req.Reason != "" {
		details[DetailReason] = req.Reason
	}
	draft := TransactionDraft{
		UserID:         req.From,
		CounterpartyID: req.To,
		Type:           TxTransferOut,
		Amount:         amount,
		Details:        details,
		IdempotencyKey: req.IdempotencyKey,
	}
	if t, ok, err := p.replay(ctx, draft); ok || err != nil {
		return t, err
	}
	if err := p.requireUsers(ctx, req.From, req.To); err != nil {
		return Transaction{}, err
	}

	var result Transaction
	err = p.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return p.WithUserLock(ctx, tx, []UserID{req.From, req.To}, func(locked map[UserID]TokenBalance) error {
			if src := locked[req.From].Balance; src < amount {
				return &InsufficientBalanceError{
					UserID:    req.From,
					Available: src,
					Requested: amount,
					Shortfall: amount - src,
				}
			}

			t, err := p.journal.Create(ctx, tx, draft)
			if err != nil {
				return err
			}
			legs := []struct {
				user  UserID
				delta Amount
				kind  TransactionType
			}{
				{req.From, amount.Neg(), TxTransferOut},
				{req.To, amount, TxTransferIn},
			}
			for _, leg := range legs {
				change, err := p.balances.ApplyDelta(ctx, tx, leg.user, leg.delta)
				if err != nil {
					return err
				}
				if _, err := p.history.Record(ctx, tx, HistoryEntry{
					Change:        change,
					ChangeType:    ChangeTypeOf(leg.kind),
					Reason:        transferReason(req.Reason, leg.kind),
					TransactionID: t.ID,
				}); err != nil {
					return err
				}
			}
			result, err = p.journal.transition(ctx, tx, t, StatusCompleted)
			return err
		})
	})
	if err != nil {
		return p.failed(ctx, op, draft, err)
	}

	p.log.Debug("transfer committed",
		zap.String("transaction_id", string(result.ID)),
		zap.String("from_user_id", string(req.From)),
		zap.String("to_user_id", string(req.To)),
		zap.String("amount", amount.String()))
	return result, nil
}

func transferReason(reason string, leg TransactionType) string {
	if reason != "" {
		return reason
	}
	return string(leg)
}
