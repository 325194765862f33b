package ledger

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// BALANCE STORE - The only path that mutates a balance
// =============================================================================

// Balances reads and mutates per-user balance rows.
type Balances struct {
	reader Reader
	clock  Clock
}

// NewBalances builds a Balances over reader. A nil clock uses SystemClock.
func NewBalances(reader Reader, clock Clock) *Balances {
	if clock == nil {
		clock = SystemClock
	}
	return &Balances{reader: reader, clock: clock}
}

// GetBalance returns the current balance, or zero if the user has no row.
// It never creates a row.
func (b *Balances) GetBalance(ctx context.Context, user UserID) (Amount, error) {
	rec, err := b.reader.Balance(ctx, user)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return rec.Balance, nil
}

// GetOrCreateBalance returns the user's row inside the caller's atomic unit,
// creating it with a zero balance first if needed. The row stays locked
// until the unit ends.
func (b *Balances) GetOrCreateBalance(ctx context.Context, tx Tx, user UserID) (TokenBalance, error) {
	return tx.LockBalance(ctx, user, b.clock())
}

// ApplyDelta adds signedDelta to the user's balance under the unit's lock.
// A result below zero fails with InsufficientBalanceError and writes nothing.
func (b *Balances) ApplyDelta(ctx context.Context, tx Tx, user UserID, signedDelta Amount) (BalanceChange, error) {
	rec, err := tx.LockBalance(ctx, user, b.clock())
	if err != nil {
		return BalanceChange{}, err
	}
	if rec.Balance.IsNegative() {
		return BalanceChange{}, &ConstraintViolationError{
			Invariant: "balance_non_negative",
			Detail:    fmt.Sprintf("stored balance of %s is %s", user, rec.Balance),
		}
	}

	after, ok := rec.Balance.AddChecked(signedDelta)
	if !ok {
		return BalanceChange{}, &ValidationError{
			Field:  "amount",
			Value:  signedDelta.String(),
			Reason: "balance would overflow",
		}
	}
	if after.IsNegative() {
		return BalanceChange{}, &InsufficientBalanceError{
			UserID:    user,
			Available: rec.Balance,
			Requested: signedDelta.Neg(),
			Shortfall: after.Neg(),
		}
	}

	change := BalanceChange{UserID: user, Before: rec.Balance, After: after, Delta: signedDelta}
	rec.Balance = after
	rec.UpdatedAt = b.clock()
	if err := tx.PutBalance(ctx, rec); err != nil {
		return BalanceChange{}, err
	}
	return change, nil
}
