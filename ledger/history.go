package ledger

import (
	"context"
	"fmt"
)

// =============================================================================
// BALANCE HISTORY RECORDER - Append-only audit trail
// =============================================================================

// HistoryEntry is one balance mutation to document.
type HistoryEntry struct {
	Change        BalanceChange
	ChangeType    ChangeType
	Reason        string
	TransactionID TransactionID
}

// HistoryRecorder writes audit rows. It has no update or delete path.
type HistoryRecorder struct {
	clock Clock
}

func NewHistoryRecorder(clock Clock) *HistoryRecorder {
	if clock == nil {
		clock = SystemClock
	}
	return &HistoryRecorder{clock: clock}
}

// Record checks the arithmetic and sign of e and inserts it inside tx.
// A mismatch is a ConstraintViolationError: it means a bug upstream.
func (r *HistoryRecorder) Record(ctx context.Context, tx Tx, e HistoryEntry) (BalanceHistory, error) {
	if err := checkEntry(e); err != nil {
		return BalanceHistory{}, err
	}
	return tx.InsertHistory(ctx, BalanceHistory{
		UserID:        e.Change.UserID,
		BalanceBefore: e.Change.Before,
		BalanceAfter:  e.Change.After,
		ChangeAmount:  e.Change.Delta,
		ChangeType:    e.ChangeType,
		Reason:        e.Reason,
		TransactionID: e.TransactionID,
		CreatedAt:     r.clock(),
	})
}

func checkEntry(e HistoryEntry) error {
	c := e.Change
	if sum, ok := c.Before.AddChecked(c.Delta); !ok || sum != c.After {
		return &ConstraintViolationError{
			Invariant: "balance_after_equals_before_plus_change",
			Detail:    fmt.Sprintf("%s + %s != %s for %s", c.Before, c.Delta, c.After, c.UserID),
		}
	}
	if !e.ChangeType.Valid() {
		return &ConstraintViolationError{
			Invariant: "change_type_known",
			Detail:    fmt.Sprintf("unknown change type %q", e.ChangeType),
		}
	}
	dir := e.ChangeType.Direction()
	if c.Delta.IsZero() || (dir > 0) != c.Delta.IsPositive() {
		return &ConstraintViolationError{
			Invariant: "change_sign_matches_type",
			Detail:    fmt.Sprintf("change %s does not match %s", c.Delta, e.ChangeType),
		}
	}
	if e.TransactionID == "" {
		return &ConstraintViolationError{Invariant: "history_linked", Detail: "missing transaction id"}
	}
	return nil
}
