/*
Package ledger provides the token ledger and transaction-processing engine.

PURPOSE:
  This package owns per-user token balances, the journal of economic events
  that changed them, and the append-only audit trail linking each balance
  mutation to the transaction that caused it. Every mutation runs inside one
  atomic unit supplied by a Store, so either all of {balance, journal,
  history, status} commit together or none of them do.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: fixed-point token quantity, int64 minor units at scale 8
  - TransactionType: closed set of economic events, each with a direction
  - Status: transaction lifecycle (pending → completed → rolled_back)
  - ChangeType: what a history row documents (a type, or its reversal)
  - TokenBalance, Transaction, BalanceHistory: the three ledger records

DESIGN PRINCIPLES:
  1. Magnitude + direction: Transaction.Amount is always positive, the sign
     comes from the type. Only history rows carry signed amounts.
  2. Precision: amounts cross the package boundary as decimal.Decimal and
     live internally as scaled integers. No floating point anywhere.
  3. Closed enums: types and statuses are validated at the boundary and
     mapped to their persisted string form explicitly.
  4. Auditability: balance_after == balance_before + change_amount, always.

USAGE:
  p := ledger.NewProcessor(store.NewMemory())
  tx, err := p.ProcessTransaction(ctx, ledger.TransactionRequest{
      UserID: "user-1",
      Amount: decimal.RequireFromString("10"),
      Type:   ledger.TxCredit,
  })

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Storage contract (atomic units, row locks)
  - processor.go: Orchestration of validate → lock → mutate → journal → audit
*/
package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Fixed-point token quantity
// =============================================================================

// Amount is a token quantity in minor units: 1 token = 100_000_000 units.
type Amount int64

const (
	// Scale is the number of fractional decimal digits an Amount can hold.
	Scale = 8

	// UnitsPerToken is the number of minor units in one whole token.
	UnitsPerToken Amount = 100_000_000
)

var (
	maxUnits = decimal.NewFromInt(math.MaxInt64)
	minUnits = decimal.NewFromInt(math.MinInt64)
)

// AmountFromUnits wraps a raw minor-unit count.
func AmountFromUnits(units int64) Amount { return Amount(units) }

// AmountFromDecimal converts d exactly. It fails if d needs more than
// Scale fractional digits or does not fit in int64 minor units.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	scaled := d.Shift(Scale)
	if !scaled.IsInteger() {
		return 0, &ValidationError{
			Field:  "amount",
			Value:  d.String(),
			Reason: fmt.Sprintf("more than %d fractional digits", Scale),
		}
	}
	if scaled.GreaterThan(maxUnits) || scaled.LessThan(minUnits) {
		return 0, &ValidationError{Field: "amount", Value: d.String(), Reason: "out of range"}
	}
	return Amount(scaled.IntPart()), nil
}

// ParseAmount parses a decimal string such as "10.5" or "0.00000001".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, &ValidationError{Field: "amount", Value: s, Reason: "not a decimal number"}
	}
	return AmountFromDecimal(d)
}

// MustParseAmount is ParseAmount for constants and fixtures. It panics on bad input.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Units() int64              { return int64(a) }
func (a Amount) Decimal() decimal.Decimal  { return decimal.New(int64(a), -Scale) }
func (a Amount) String() string            { return a.Decimal().StringFixed(Scale) }
func (a Amount) Neg() Amount               { return -a }
func (a Amount) IsZero() bool              { return a == 0 }
func (a Amount) IsPositive() bool          { return a > 0 }
func (a Amount) IsNegative() bool          { return a < 0 }
func (a Amount) GreaterThan(b Amount) bool { return a > b }
func (a Amount) LessThan(b Amount) bool    { return a < b }

// AddChecked returns a+b, and false if the sum overflows int64.
func (a Amount) AddChecked(b Amount) (Amount, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// MarshalJSON encodes the amount as a fixed 8-digit decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both quoted and bare decimal numbers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// UserID references a user owned by an external collaborator.
type UserID string

// TransactionID identifies a journal row. Generated ids are ULIDs.
type TransactionID string

// =============================================================================
// TRANSACTION TYPE - Closed set of economic events
// =============================================================================

type TransactionType string

const (
	TxCredit      TransactionType = "credit"
	TxDeduction   TransactionType = "deduction"
	TxReward      TransactionType = "reward"
	TxRefund      TransactionType = "refund"
	TxTransferOut TransactionType = "transfer_out"
	TxTransferIn  TransactionType = "transfer_in"
	TxMint        TransactionType = "mint"
	TxBurn        TransactionType = "burn"
)

var transactionTypes = []TransactionType{
	TxCredit, TxDeduction, TxReward, TxRefund, TxTransferOut, TxTransferIn, TxMint, TxBurn,
}

// TransactionTypes lists every recognized type.
func TransactionTypes() []TransactionType {
	return append([]TransactionType(nil), transactionTypes...)
}

// ParseTransactionType maps the persisted string form back to a type.
func ParseTransactionType(s string) (TransactionType, error) {
	t := TransactionType(s)
	if err := ValidateType(t); err != nil {
		return "", err
	}
	return t, nil
}

// Direction is +1 for types that add to a balance and -1 for types that
// subtract from it. Unrecognized types return 0.
func (t TransactionType) Direction() int {
	switch t {
	case TxCredit, TxReward, TxRefund, TxTransferIn, TxMint:
		return 1
	case TxDeduction, TxTransferOut, TxBurn:
		return -1
	}
	return 0
}

func (t TransactionType) Valid() bool   { return t.Direction() != 0 }
func (t TransactionType) IsDebit() bool { return t.Direction() < 0 }

// Signed applies the type's direction to a positive magnitude.
func (t TransactionType) Signed(magnitude Amount) Amount {
	if t.IsDebit() {
		return magnitude.Neg()
	}
	return magnitude
}

// =============================================================================
// STATUS - Transaction lifecycle
// =============================================================================

type Status string

const (
	StatusPending    Status = "pending"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// ParseStatus maps the persisted string form back to a status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if err := ValidateStatus(st); err != nil {
		return "", err
	}
	return st, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusRolledBack
}

// CanTransitionTo encodes the state machine:
//
//	pending   → completed
//	pending   → failed
//	completed → rolled_back
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusCompleted || next == StatusFailed
	case StatusCompleted:
		return next == StatusRolledBack
	}
	return false
}

// =============================================================================
// CHANGE TYPE - What a history row documents
// =============================================================================

// ChangeType is either a TransactionType or the reversal of one.
// Reversals are persisted as "reversal:<type>" and flip the direction.
type ChangeType string

const reversalPrefix = "reversal:"

func ChangeTypeOf(t TransactionType) ChangeType { return ChangeType(t) }
func ReversalOf(t TransactionType) ChangeType   { return ChangeType(reversalPrefix + string(t)) }

// ParseChangeType maps the persisted string form back to a change type.
func ParseChangeType(s string) (ChangeType, error) {
	c := ChangeType(s)
	if !c.Valid() {
		return "", &ValidationError{Field: "change_type", Value: s, Reason: "unknown change type"}
	}
	return c, nil
}

func (c ChangeType) IsReversal() bool { return strings.HasPrefix(string(c), reversalPrefix) }

// Base returns the transaction type the change refers to.
func (c ChangeType) Base() TransactionType {
	return TransactionType(strings.TrimPrefix(string(c), reversalPrefix))
}

func (c ChangeType) Valid() bool { return c.Base().Valid() }

// Direction is the sign a change_amount of this type must carry.
func (c ChangeType) Direction() int {
	d := c.Base().Direction()
	if c.IsReversal() {
		return -d
	}
	return d
}

// =============================================================================
// RECORDS
// =============================================================================

// Detail keys written by the ledger itself.
const (
	DetailReason       = "reason"
	DetailCounterparty = "counterparty_id"
)

// TokenBalance is the single current-balance record of a user.
// Invariant: Balance >= 0.
type TokenBalance struct {
	UserID    UserID
	Balance   Amount
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is one journal row. Amount is a positive magnitude.
type Transaction struct {
	ID     TransactionID
	UserID UserID
	// CounterpartyID is set on transfers: the destination of a transfer_out.
	CounterpartyID UserID
	Type           TransactionType
	Amount         Amount
	Status         Status
	Details        map[string]string
	IdempotencyKey string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// SignedAmount is the effect of the transaction on its owner's balance.
func (t Transaction) SignedAmount() Amount { return t.Type.Signed(t.Amount) }

// IsTransfer reports whether the row moved tokens between two users.
func (t Transaction) IsTransfer() bool {
	return t.Type == TxTransferOut && t.CounterpartyID != ""
}

// BalanceHistory is one append-only audit row.
// Invariant: BalanceAfter == BalanceBefore + ChangeAmount.
type BalanceHistory struct {
	ID            int64
	UserID        UserID
	BalanceBefore Amount
	BalanceAfter  Amount
	ChangeAmount  Amount
	ChangeType    ChangeType
	Reason        string
	TransactionID TransactionID
	CreatedAt     time.Time
}

// BalanceChange is the before/after pair produced by ApplyDelta.
type BalanceChange struct {
	UserID UserID
	Before Amount
	After  Amount
	Delta  Amount
}

// =============================================================================
// QUERIES
// =============================================================================

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// TransactionFilter selects journal rows touching a user, newest first.
// Transfers are included for both the sender and the counterparty.
type TransactionFilter struct {
	UserID UserID
	Type   *TransactionType
	Status *Status
	Limit  int
	Offset int
}

// HistoryFilter selects a user's audit rows, oldest first.
type HistoryFilter struct {
	UserID UserID
	Limit  int
	Offset int
}

// NormalizePage clamps paging arguments to [1, MaxPageSize] and a non-negative offset.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
