/*
processor.go - Transaction Processor

PURPOSE:
  Orchestrates a single-user ledger mutation end to end:

    validate → open atomic unit → lock balance → create pending row →
    apply delta → record history → mark completed → commit

  Any failure after the unit opens aborts it, so the journal row, the
  history row and the balance change either all commit or none of them do.
  An InsufficientBalanceError leaves no journal row behind (not even a
  failed one).

COLLABORATORS:
  Balances         balance.go   the only mutation path for balances
  Journal          journal.go   pending → completed/failed → rolled_back
  HistoryRecorder  history.go   append-only audit rows
  Store            store.go     atomic units and row locks

IDEMPOTENCY:
  A request may carry an idempotency key. Replaying a key whose committed
  transaction matches the request (user, counterparty, type, amount) returns
  that transaction unchanged. A key reused for a different request fails
  with InvalidOperationError wrapping ErrDuplicateIdempotencyKey. Two
  concurrent first attempts are settled by the store's unique index.

LOCK ORDERING:
  Balance locks are always taken through WithUserLock, which de-duplicates
  user ids and acquires them in ascending order. Two units that need the
  same pair of users therefore never wait on each other in a cycle.

SEE ALSO:
  - transfer.go: Two-user mutation
  - rollback.go: Reversal of a completed transaction
  - reconcile.go: Balance vs. history audit
*/
package ledger

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// COLLABORATORS & OPTIONS
// =============================================================================

// UserDirectory answers whether a user exists in the system that owns users.
type UserDirectory interface {
	UserExists(ctx context.Context, user UserID) (bool, error)
}

// Option configures a Processor.
type Option func(*Processor)

func WithValidator(v Validator) Option { return func(p *Processor) { p.validator = v } }

func WithClock(c Clock) Option { return func(p *Processor) { p.clock = c } }

func WithIDGenerator(g IDGenerator) Option { return func(p *Processor) { p.ids = g } }

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option { return func(p *Processor) { p.log = l } }

// WithUserDirectory makes credits and transfers to unknown users fail with
// NotFoundError before any mutation.
func WithUserDirectory(d UserDirectory) Option { return func(p *Processor) { p.users = d } }

// =============================================================================
// PROCESSOR
// =============================================================================

// Processor is the ledger engine. Every balance mutation goes through one of
// its methods and runs inside a single atomic unit of its Store.
type Processor struct {
	store     Store
	validator Validator
	clock     Clock
	ids       IDGenerator
	log       *zap.Logger
	users     UserDirectory

	balances *Balances
	journal  *Journal
	history  *HistoryRecorder
}

// NewProcessor builds a Processor over store with the default validator,
// the system clock and a ULID generator unless opts override them.
func NewProcessor(store Store, opts ...Option) *Processor {
	p := &Processor{
		store:     store,
		validator: DefaultValidator(),
		clock:     SystemClock,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.ids == nil {
		p.ids = NewULIDGenerator()
	}
	p.balances = NewBalances(store, p.clock)
	p.journal = NewJournal(store, p.clock, p.ids)
	p.history = NewHistoryRecorder(p.clock)
	return p
}

func (p *Processor) Balances() *Balances       { return p.balances }
func (p *Processor) Journal() *Journal         { return p.journal }
func (p *Processor) History() *HistoryRecorder { return p.history }
func (p *Processor) Validator() Validator      { return p.validator }

// TransactionRequest asks for one single-user mutation.
type TransactionRequest struct {
	UserID         UserID
	Amount         decimal.Decimal
	Type           TransactionType
	Details        map[string]string
	IdempotencyKey string
}

// ProcessTransaction applies req atomically and returns the completed row.
func (p *Processor) ProcessTransaction(ctx context.Context, req TransactionRequest) (Transaction, error) {
	const op = "process_transaction"

	if err := ValidateUserID(req.UserID); err != nil {
		return Transaction{}, err
	}
	if err := ValidateType(req.Type); err != nil {
		return Transaction{}, err
	}
	amount, err := p.validator.ValidateAmount(req.Amount)
	if err != nil {
		return Transaction{}, err
	}

	draft := TransactionDraft{
		UserID:         req.UserID,
		Type:           req.Type,
		Amount:         amount,
		Details:        maps.Clone(req.Details),
		IdempotencyKey: req.IdempotencyKey,
	}
	if t, ok, err := p.replay(ctx, draft); ok || err != nil {
		return t, err
	}
	if !req.Type.IsDebit() {
		if err := p.requireUsers(ctx, req.UserID); err != nil {
			return Transaction{}, err
		}
	}

	var result Transaction
	err = p.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return p.WithUserLock(ctx, tx, []UserID{req.UserID}, func(map[UserID]TokenBalance) error {
			t, err := p.journal.Create(ctx, tx, draft)
			if err != nil {
				return err
			}
			change, err := p.balances.ApplyDelta(ctx, tx, req.UserID, t.SignedAmount())
			if err != nil {
				return err
			}
			if _, err := p.history.Record(ctx, tx, HistoryEntry{
				Change:        change,
				ChangeType:    ChangeTypeOf(t.Type),
				Reason:        historyReason(t),
				TransactionID: t.ID,
			}); err != nil {
				return err
			}
			result, err = p.journal.transition(ctx, tx, t, StatusCompleted)
			return err
		})
	})
	if err != nil {
		return p.failed(ctx, op, draft, err)
	}

	p.log.Debug("transaction committed",
		zap.String("transaction_id", string(result.ID)),
		zap.String("user_id", string(result.UserID)),
		zap.String("type", string(result.Type)),
		zap.String("amount", result.Amount.String()))
	return result, nil
}

// WithUserLock locks the balance rows of users inside tx, in ascending id
// order with duplicates removed, then calls fn with the locked rows.
func (p *Processor) WithUserLock(ctx context.Context, tx Tx, users []UserID, fn func(locked map[UserID]TokenBalance) error) error {
	ordered := slices.Clone(users)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	locked := make(map[UserID]TokenBalance, len(ordered))
	for _, u := range ordered {
		b, err := p.balances.GetOrCreateBalance(ctx, tx, u)
		if err != nil {
			return err
		}
		locked[u] = b
	}
	return fn(locked)
}

// =============================================================================
// READS
// =============================================================================

func (p *Processor) GetBalance(ctx context.Context, user UserID) (Amount, error) {
	if err := ValidateUserID(user); err != nil {
		return 0, err
	}
	return p.balances.GetBalance(ctx, user)
}

func (p *Processor) GetTransaction(ctx context.Context, id TransactionID) (Transaction, error) {
	if id == "" {
		return Transaction{}, &ValidationError{Field: "transaction_id", Reason: "must not be empty"}
	}
	return p.journal.Get(ctx, id)
}

// GetTransactionEffects returns the history rows written by a transaction,
// including the reversal rows of a rollback.
func (p *Processor) GetTransactionEffects(ctx context.Context, id TransactionID) ([]BalanceHistory, error) {
	if id == "" {
		return nil, &ValidationError{Field: "transaction_id", Reason: "must not be empty"}
	}
	return p.store.HistoryByTransaction(ctx, id)
}

// GetTransactionHistory returns one page of the user's transactions, newest
// first, including transfers received.
func (p *Processor) GetTransactionHistory(ctx context.Context, user UserID, limit, offset int) ([]Transaction, int, error) {
	return p.ListTransactions(ctx, TransactionFilter{UserID: user, Limit: limit, Offset: offset})
}

func (p *Processor) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error) {
	if err := ValidateUserID(filter.UserID); err != nil {
		return nil, 0, err
	}
	return p.journal.ListByUser(ctx, filter)
}

// GetBalanceHistory returns one page of the user's audit rows, oldest first.
func (p *Processor) GetBalanceHistory(ctx context.Context, user UserID, limit, offset int) ([]BalanceHistory, int, error) {
	if err := ValidateUserID(user); err != nil {
		return nil, 0, err
	}
	limit, offset = NormalizePage(limit, offset)
	return p.store.History(ctx, HistoryFilter{UserID: user, Limit: limit, Offset: offset})
}

// =============================================================================
// HELPERS
// =============================================================================

// replay resolves an idempotency key against committed rows. ok is true when
// the caller should return t unchanged.
func (p *Processor) replay(ctx context.Context, d TransactionDraft) (t Transaction, ok bool, err error) {
	if d.IdempotencyKey == "" {
		return Transaction{}, false, nil
	}
	existing, err := p.store.TransactionByIdempotencyKey(ctx, d.IdempotencyKey)
	if errors.Is(err, ErrNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	if !sameRequest(existing, d) {
		return Transaction{}, false, &InvalidOperationError{
			TransactionID: existing.ID,
			Reason:        "idempotency key " + d.IdempotencyKey + " was used for a different request",
			Err:           ErrDuplicateIdempotencyKey,
		}
	}
	p.log.Debug("idempotent replay",
		zap.String("idempotency_key", d.IdempotencyKey),
		zap.String("transaction_id", string(existing.ID)))
	return existing, true, nil
}

func sameRequest(t Transaction, d TransactionDraft) bool {
	return t.UserID == d.UserID &&
		t.CounterpartyID == d.CounterpartyID &&
		t.Type == d.Type &&
		t.Amount == d.Amount
}

// failed logs a failed unit and settles idempotency races: if another unit
// committed the same key first, its row is returned instead of the error.
func (p *Processor) failed(ctx context.Context, op string, d TransactionDraft, err error) (Transaction, error) {
	if errors.Is(err, ErrDuplicateIdempotencyKey) && d.IdempotencyKey != "" {
		if t, ok, rerr := p.replay(ctx, d); ok || rerr != nil {
			return t, rerr
		}
	}
	p.logFailure(op, err, zap.String("user_id", string(d.UserID)))
	return Transaction{}, err
}

func (p *Processor) logFailure(op string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("op", op), zap.String("kind", KindOf(err).String()), zap.Error(err))
	switch KindOf(err) {
	case KindInsufficientBalance, KindConcurrency:
		p.log.Warn("ledger operation rejected", fields...)
	case KindConstraintViolation, KindRepository, KindUnknown:
		p.log.Error("ledger operation failed", fields...)
	default:
		p.log.Debug("ledger operation rejected", fields...)
	}
}

// requireUsers consults the user directory, when one is configured.
func (p *Processor) requireUsers(ctx context.Context, users ...UserID) error {
	if p.users == nil {
		return nil
	}
	for _, u := range users {
		ok, err := p.users.UserExists(ctx, u)
		if err != nil {
			return &RepositoryError{Op: "user_exists", Err: err}
		}
		if !ok {
			return &NotFoundError{Resource: "user", ID: string(u)}
		}
	}
	return nil
}

func historyReason(t Transaction) string {
	if r := t.Details[DetailReason]; r != "" {
		return r
	}
	return string(t.Type)
}
