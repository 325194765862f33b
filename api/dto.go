/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger records from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Paged or composite response wrappers

AMOUNTS:
  Responses carry amounts as fixed 8-digit decimal strings ("10.50000000").
  Requests accept a JSON string or number; both go through
  shopspring/decimal so no float rounding happens on the way in.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Amount JSON encoding
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/token-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ProcessTransactionRequest is the body of POST /api/transactions.
type ProcessTransactionRequest struct {
	UserID         string            `json:"user_id"`
	Amount         decimal.Decimal   `json:"amount"`
	Type           string            `json:"type"`
	Details        map[string]string `json:"details,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// TransferRequest is the body of POST /api/transfers.
type TransferRequest struct {
	FromUserID     string          `json:"from_user_id"`
	ToUserID       string          `json:"to_user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// RollbackRequest is the body of POST /api/transactions/{id}/rollback.
type RollbackRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// BalanceDTO represents a user's balance.
type BalanceDTO struct {
	UserID  string        `json:"user_id"`
	Balance ledger.Amount `json:"balance"`
}

// TransactionDTO represents a journal row.
type TransactionDTO struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	CounterpartyID string            `json:"counterparty_id,omitempty"`
	Type           string            `json:"type"`
	Amount         ledger.Amount     `json:"amount"`
	Status         string            `json:"status"`
	Details        map[string]string `json:"details"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	CreatedAt      string            `json:"created_at"`
	CompletedAt    *string           `json:"completed_at,omitempty"`
}

// HistoryDTO represents one balance history row.
type HistoryDTO struct {
	ID            int64         `json:"id"`
	UserID        string        `json:"user_id"`
	BalanceBefore ledger.Amount `json:"balance_before"`
	BalanceAfter  ledger.Amount `json:"balance_after"`
	ChangeAmount  ledger.Amount `json:"change_amount"`
	ChangeType    string        `json:"change_type"`
	Reason        string        `json:"reason"`
	TransactionID string        `json:"transaction_id"`
	CreatedAt     string        `json:"created_at"`
}

// TransactionDetailResponse is a transaction with the history rows it wrote.
type TransactionDetailResponse struct {
	Transaction TransactionDTO `json:"transaction"`
	History     []HistoryDTO   `json:"history"`
}

// TransactionListResponse is one page of transactions.
type TransactionListResponse struct {
	Transactions []TransactionDTO `json:"transactions"`
	Total        int              `json:"total"`
	Limit        int              `json:"limit"`
	Offset       int              `json:"offset"`
}

// HistoryListResponse is one page of balance history.
type HistoryListResponse struct {
	History []HistoryDTO `json:"history"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// ReconciliationDTO reports balance against the history sum.
type ReconciliationDTO struct {
	UserID       string        `json:"user_id"`
	Balance      ledger.Amount `json:"balance"`
	HistoryTotal ledger.Amount `json:"history_total"`
	HistoryRows  int           `json:"history_rows"`
	Consistent   bool          `json:"consistent"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toTransactionDTO(t ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:             string(t.ID),
		UserID:         string(t.UserID),
		CounterpartyID: string(t.CounterpartyID),
		Type:           string(t.Type),
		Amount:         t.Amount,
		Status:         string(t.Status),
		Details:        t.Details,
		IdempotencyKey: t.IdempotencyKey,
		CreatedAt:      t.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if dto.Details == nil {
		dto.Details = map[string]string{}
	}
	if t.CompletedAt != nil {
		s := t.CompletedAt.UTC().Format(time.RFC3339Nano)
		dto.CompletedAt = &s
	}
	return dto
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		dtos[i] = toTransactionDTO(t)
	}
	return dtos
}

func toHistoryDTOs(rows []ledger.BalanceHistory) []HistoryDTO {
	dtos := make([]HistoryDTO, len(rows))
	for i, h := range rows {
		dtos[i] = HistoryDTO{
			ID:            h.ID,
			UserID:        string(h.UserID),
			BalanceBefore: h.BalanceBefore,
			BalanceAfter:  h.BalanceAfter,
			ChangeAmount:  h.ChangeAmount,
			ChangeType:    string(h.ChangeType),
			Reason:        h.Reason,
			TransactionID: string(h.TransactionID),
			CreatedAt:     h.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	return dtos
}
