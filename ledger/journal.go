package ledger

import (
	"context"
	"fmt"
	"maps"
	"time"
)

// =============================================================================
// TRANSACTION JOURNAL - One row per attempted economic event
// =============================================================================

// TransactionDraft is what a caller knows before the journal assigns an id.
type TransactionDraft struct {
	UserID         UserID
	CounterpartyID UserID
	Type           TransactionType
	Amount         Amount
	Details        map[string]string
	IdempotencyKey string
}

// Journal creates journal rows and drives them through the status machine.
type Journal struct {
	reader Reader
	clock  Clock
	ids    IDGenerator
}

// NewJournal builds a Journal. Nil clock and ids fall back to SystemClock
// and a fresh ULID generator.
func NewJournal(reader Reader, clock Clock, ids IDGenerator) *Journal {
	if clock == nil {
		clock = SystemClock
	}
	if ids == nil {
		ids = NewULIDGenerator()
	}
	return &Journal{reader: reader, clock: clock, ids: ids}
}

// Create stages a pending row inside tx.
func (j *Journal) Create(ctx context.Context, tx Tx, d TransactionDraft) (Transaction, error) {
	if err := ValidateType(d.Type); err != nil {
		return Transaction{}, err
	}
	if !d.Amount.IsPositive() {
		return Transaction{}, &ValidationError{Field: "amount", Value: d.Amount.String(), Reason: "must be greater than zero"}
	}

	now := j.clock()
	t := Transaction{
		ID:             j.ids.NewID(now),
		UserID:         d.UserID,
		CounterpartyID: d.CounterpartyID,
		Type:           d.Type,
		Amount:         d.Amount,
		Status:         StatusPending,
		Details:        maps.Clone(d.Details),
		IdempotencyKey: d.IdempotencyKey,
		CreatedAt:      now,
	}
	if t.Details == nil {
		t.Details = map[string]string{}
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// UpdateStatus locks the row and moves it to next. Illegal transitions fail
// with InvalidOperationError. Completion stamps CompletedAt.
func (j *Journal) UpdateStatus(ctx context.Context, tx Tx, id TransactionID, next Status) (Transaction, error) {
	if err := ValidateStatus(next); err != nil {
		return Transaction{}, err
	}
	t, err := tx.LockTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	return j.transition(ctx, tx, t, next)
}

// transition applies next to a row the caller already holds locked.
func (j *Journal) transition(ctx context.Context, tx Tx, t Transaction, next Status) (Transaction, error) {
	if !t.Status.CanTransitionTo(next) {
		return Transaction{}, &InvalidOperationError{
			TransactionID: t.ID,
			From:          t.Status,
			To:            next,
			Reason:        fmt.Sprintf("transition not allowed from %s", t.Status),
		}
	}
	var completedAt *time.Time
	if next == StatusCompleted {
		now := j.clock()
		completedAt = &now
	} else {
		completedAt = t.CompletedAt
	}
	if err := tx.SetTransactionStatus(ctx, t.ID, next, completedAt); err != nil {
		return Transaction{}, err
	}
	t.Status = next
	t.CompletedAt = completedAt
	return t, nil
}

func (j *Journal) Get(ctx context.Context, id TransactionID) (Transaction, error) {
	return j.reader.Transaction(ctx, id)
}

// ListByUser returns rows touching filter.UserID, newest first.
func (j *Journal) ListByUser(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error) {
	if filter.Type != nil {
		if err := ValidateType(*filter.Type); err != nil {
			return nil, 0, err
		}
	}
	if filter.Status != nil {
		if err := ValidateStatus(*filter.Status); err != nil {
			return nil, 0, err
		}
	}
	filter.Limit, filter.Offset = NormalizePage(filter.Limit, filter.Offset)
	return j.reader.Transactions(ctx, filter)
}
