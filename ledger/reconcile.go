package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Reconciliation compares a user's balance row with the sum of its history.
type Reconciliation struct {
	UserID       UserID
	Balance      Amount
	HistoryTotal Amount
	HistoryRows  int
}

func (r Reconciliation) Consistent() bool { return r.Balance == r.HistoryTotal }

// errReadOnly ends a reconcile unit without committing, so reconciling a
// user with no row does not create one.
var errReadOnly = errors.New("read-only unit")

// Reconcile checks balance == Σ change_amount for user. Both sides are read
// inside one atomic unit holding the user's balance lock, so writes in
// flight cannot produce a false mismatch. A mismatch is returned alongside a
// ConstraintViolationError and logged at error level.
func (p *Processor) Reconcile(ctx context.Context, user UserID) (Reconciliation, error) {
	if err := ValidateUserID(user); err != nil {
		return Reconciliation{}, err
	}

	var rec Reconciliation
	err := p.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return p.WithUserLock(ctx, tx, []UserID{user}, func(locked map[UserID]TokenBalance) error {
			total, rows, err := tx.HistoryTotal(ctx, user)
			if err != nil {
				return err
			}
			rec = Reconciliation{
				UserID:       user,
				Balance:      locked[user].Balance,
				HistoryTotal: total,
				HistoryRows:  rows,
			}
			return errReadOnly
		})
	})
	if err != nil && !errors.Is(err, errReadOnly) {
		return Reconciliation{}, err
	}

	if !rec.Consistent() {
		err := &ConstraintViolationError{
			Invariant: "balance_equals_history_sum",
			Detail:    fmt.Sprintf("balance %s, history sum %s over %d rows", rec.Balance, rec.HistoryTotal, rec.HistoryRows),
		}
		p.logFailure("reconcile", err, zap.String("user_id", string(user)))
		return rec, err
	}
	return rec, nil
}

// ReconcileReport summarizes one ReconcileAll pass.
type ReconcileReport struct {
	Checked    int
	Mismatches []Reconciliation
}

// ReconcileAll walks every user with a balance row in batches of
// batchSize and reconciles each one. Mismatches are collected rather than
// returned as errors; any other failure stops the pass.
func (p *Processor) ReconcileAll(ctx context.Context, batchSize int) (ReconcileReport, error) {
	var (
		report ReconcileReport
		after  UserID
	)
	for {
		if err := ctx.Err(); err != nil {
			return report, ContextError("reconcile_all", err)
		}
		users, err := p.store.Users(ctx, after, batchSize)
		if err != nil {
			return report, err
		}
		if len(users) == 0 {
			return report, nil
		}
		for _, user := range users {
			rec, err := p.Reconcile(ctx, user)
			report.Checked++
			var cv *ConstraintViolationError
			switch {
			case err == nil:
			case errors.As(err, &cv) && rec.UserID != "":
				report.Mismatches = append(report.Mismatches, rec)
			default:
				return report, err
			}
		}
		after = users[len(users)-1]
	}
}
