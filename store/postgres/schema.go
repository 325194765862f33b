package postgres

import (
	"time"

	"gorm.io/datatypes"

	"github.com/warp/token-ledger/ledger"
)

// =============================================================================
// SCHEMA - gorm models for the ledger tables
// =============================================================================

// TokenBalance represents the token_balances table - one row per user
type TokenBalance struct {
	// UserID is owned by the external user directory
	UserID string `gorm:"column:user_id;primaryKey;type:text"`
	// Balance is in minor units (scale 8) and never negative
	Balance int64 `gorm:"column:balance;not null;default:0;check:chk_token_balances_non_negative,balance >= 0"`
	// CreatedAt is the timestamp when the row was first locked into existence
	CreatedAt time.Time `gorm:"column:created_at;not null;type:timestamptz;autoCreateTime:false"`
	// UpdatedAt is the timestamp of the last balance change
	UpdatedAt time.Time `gorm:"column:updated_at;not null;type:timestamptz;autoUpdateTime:false"`
}

// TableName specifies the table name for the TokenBalance model
func (TokenBalance) TableName() string {
	return "token_balances"
}

// TokenTransaction represents the token_transactions table - the journal
type TokenTransaction struct {
	ID     string `gorm:"column:id;primaryKey;type:text"`
	UserID string `gorm:"column:user_id;not null;type:text;index:idx_token_transactions_user,priority:1"`
	// CounterpartyID is the destination of a transfer
	CounterpartyID *string `gorm:"column:counterparty_id;type:text;index:idx_token_transactions_counterparty,priority:1"`
	Type           string  `gorm:"column:type;not null;type:text;check:chk_token_transactions_type,type IN ('credit','deduction','reward','refund','transfer_out','transfer_in','mint','burn')"`
	// Amount is a positive magnitude in minor units
	Amount int64  `gorm:"column:amount;not null;check:chk_token_transactions_amount_positive,amount > 0"`
	Status string `gorm:"column:status;not null;type:text;check:chk_token_transactions_status,status IN ('pending','completed','failed','rolled_back')"`
	// Details is an opaque key-value map (reason, counterparty_id, ...)
	Details        datatypes.JSONMap `gorm:"column:details;not null;type:jsonb;default:'{}'"`
	IdempotencyKey *string           `gorm:"column:idempotency_key;type:text;uniqueIndex:idx_token_transactions_idempotency_key"`
	CreatedAt      time.Time         `gorm:"column:created_at;not null;type:timestamptz;autoCreateTime:false;index:idx_token_transactions_user,priority:2;index:idx_token_transactions_counterparty,priority:2"`
	CompletedAt    *time.Time        `gorm:"column:completed_at;type:timestamptz"`
}

// TableName specifies the table name for the TokenTransaction model
func (TokenTransaction) TableName() string {
	return "token_transactions"
}

// TokenBalanceHistory represents the token_balance_history table - append-only audit rows
type TokenBalanceHistory struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID        string `gorm:"column:user_id;not null;type:text;index:idx_token_balance_history_user,priority:1"`
	BalanceBefore int64  `gorm:"column:balance_before;not null;check:chk_token_balance_history_before,balance_before >= 0"`
	BalanceAfter  int64  `gorm:"column:balance_after;not null;check:chk_token_balance_history_after,balance_after >= 0"`
	// ChangeAmount is signed; balance_after = balance_before + change_amount
	ChangeAmount  int64     `gorm:"column:change_amount;not null;check:chk_token_balance_history_arithmetic,balance_after = balance_before + change_amount AND change_amount <> 0"`
	ChangeType    string    `gorm:"column:change_type;not null;type:text"`
	Reason        string    `gorm:"column:reason;not null;type:text;default:''"`
	TransactionID string    `gorm:"column:transaction_id;not null;type:text;index:idx_token_balance_history_transaction"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;type:timestamptz;autoCreateTime:false"`

	// Associations
	Transaction *TokenTransaction `gorm:"foreignKey:TransactionID;references:ID;constraint:OnDelete:RESTRICT"`
}

// TableName specifies the table name for the TokenBalanceHistory model
func (TokenBalanceHistory) TableName() string {
	return "token_balance_history"
}

// =============================================================================
// MAPPING
// =============================================================================

func balanceFromRow(r TokenBalance) ledger.TokenBalance {
	return ledger.TokenBalance{
		UserID:    ledger.UserID(r.UserID),
		Balance:   ledger.AmountFromUnits(r.Balance),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func transactionToRow(t ledger.Transaction) TokenTransaction {
	details := datatypes.JSONMap{}
	for k, v := range t.Details {
		details[k] = v
	}
	return TokenTransaction{
		ID:             string(t.ID),
		UserID:         string(t.UserID),
		CounterpartyID: optional(string(t.CounterpartyID)),
		Type:           string(t.Type),
		Amount:         t.Amount.Units(),
		Status:         string(t.Status),
		Details:        details,
		IdempotencyKey: optional(t.IdempotencyKey),
		CreatedAt:      t.CreatedAt.UTC(),
		CompletedAt:    t.CompletedAt,
	}
}

func transactionFromRow(r TokenTransaction) (ledger.Transaction, error) {
	txType, err := ledger.ParseTransactionType(r.Type)
	if err != nil {
		return ledger.Transaction{}, corrupt("type", err)
	}
	status, err := ledger.ParseStatus(r.Status)
	if err != nil {
		return ledger.Transaction{}, corrupt("status", err)
	}
	details := make(map[string]string, len(r.Details))
	for k, v := range r.Details {
		s, ok := v.(string)
		if !ok {
			return ledger.Transaction{}, corrupt("details", errNotString(k))
		}
		details[k] = s
	}
	t := ledger.Transaction{
		ID:        ledger.TransactionID(r.ID),
		UserID:    ledger.UserID(r.UserID),
		Type:      txType,
		Amount:    ledger.AmountFromUnits(r.Amount),
		Status:    status,
		Details:   details,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.CounterpartyID != nil {
		t.CounterpartyID = ledger.UserID(*r.CounterpartyID)
	}
	if r.IdempotencyKey != nil {
		t.IdempotencyKey = *r.IdempotencyKey
	}
	if r.CompletedAt != nil {
		at := r.CompletedAt.UTC()
		t.CompletedAt = &at
	}
	return t, nil
}

func historyToRow(h ledger.BalanceHistory) TokenBalanceHistory {
	return TokenBalanceHistory{
		UserID:        string(h.UserID),
		BalanceBefore: h.BalanceBefore.Units(),
		BalanceAfter:  h.BalanceAfter.Units(),
		ChangeAmount:  h.ChangeAmount.Units(),
		ChangeType:    string(h.ChangeType),
		Reason:        h.Reason,
		TransactionID: string(h.TransactionID),
		CreatedAt:     h.CreatedAt.UTC(),
	}
}

func historyFromRow(r TokenBalanceHistory) (ledger.BalanceHistory, error) {
	ct, err := ledger.ParseChangeType(r.ChangeType)
	if err != nil {
		return ledger.BalanceHistory{}, corrupt("change_type", err)
	}
	return ledger.BalanceHistory{
		ID:            r.ID,
		UserID:        ledger.UserID(r.UserID),
		BalanceBefore: ledger.AmountFromUnits(r.BalanceBefore),
		BalanceAfter:  ledger.AmountFromUnits(r.BalanceAfter),
		ChangeAmount:  ledger.AmountFromUnits(r.ChangeAmount),
		ChangeType:    ct,
		Reason:        r.Reason,
		TransactionID: ledger.TransactionID(r.TransactionID),
		CreatedAt:     r.CreatedAt.UTC(),
	}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
