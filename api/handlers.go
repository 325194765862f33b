/*
handlers.go - HTTP API handlers for the token ledger

PURPOSE:
  Exposes the ledger operations via REST API. Handles HTTP request/response
  and JSON serialization, and delegates everything else to ledger.Processor.

ENDPOINTS:
  Users:
    GET    /api/users/{id}/balance         Current balance (0 if never credited)
    GET    /api/users/{id}/transactions    Transactions page (?type=&status=&limit=&offset=)
    GET    /api/users/{id}/history         Balance history page (?limit=&offset=)
    GET    /api/users/{id}/reconciliation  Balance vs. history sum

  Transactions:
    POST   /api/transactions               Credit, deduct, reward, refund, mint, burn
    GET    /api/transactions/{id}          Transaction with its history rows
    POST   /api/transactions/{id}/rollback Reverse a completed transaction

  Transfers:
    POST   /api/transfers                  Move tokens between two users

REQUEST FLOW:
  1. Parse HTTP request
  2. Call ledger.Processor (it validates)
  3. Retry ConcurrencyError with exponential backoff (no effect was persisted)
  4. Serialize response

ERROR HANDLING:
  Errors are returned as JSON {error, kind, details}:
  - 400: Validation errors, malformed body
  - 404: Unknown transaction
  - 409: Insufficient balance, invalid operation (rollback of a non-completed
         transaction, reused idempotency key)
  - 503: Lock timeout / contention (Retry-After header set)
  - 500: Constraint violations and repository failures

SECURITY NOTE:
  No authentication. The API is meant to sit behind an internal gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error kind to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/token-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// RetryPolicy bounds how often a retryable ledger error is retried.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxRetries      uint64
}

// DefaultRetryPolicy retries a handful of times within a few seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		MaxElapsedTime:  3 * time.Second,
		MaxRetries:      5,
	}
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Processor *ledger.Processor
	Retry     RetryPolicy
	Log       *zap.Logger
}

// NewHandler creates a handler. A nil logger disables logging.
func NewHandler(p *ledger.Processor, retry RetryPolicy, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Processor: p, Retry: retry, Log: log}
}

// withRetry runs op until it succeeds, fails with a non-retryable error or
// the policy is exhausted.
func (h *Handler) withRetry(ctx context.Context, name string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.Retry.InitialInterval
	b.MaxInterval = h.Retry.MaxInterval
	b.MaxElapsedTime = h.Retry.MaxElapsedTime

	var attempts int
	operation := func() error {
		err := op()
		if err != nil && !ledger.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		attempts++
		h.Log.Warn("Ledger operation contended, retrying",
			zap.String("op", name),
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Duration("next_retry_in", next),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, h.Retry.MaxRetries), ctx)
	return backoff.RetryNotify(operation, policy, notify)
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// GetBalance returns a user's current balance.
// GET /api/users/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	user := ledger.UserID(chi.URLParam(r, "id"))

	balance, err := h.Processor.GetBalance(r.Context(), user)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{UserID: string(user), Balance: balance})
}

// ListTransactions returns one page of a user's transactions, newest first.
// GET /api/users/{id}/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		writeBadRequest(w, "Invalid paging parameters", err)
		return
	}
	filter := ledger.TransactionFilter{
		UserID: ledger.UserID(chi.URLParam(r, "id")),
		Limit:  limit,
		Offset: offset,
	}
	if s := r.URL.Query().Get("type"); s != "" {
		t := ledger.TransactionType(s)
		filter.Type = &t
	}
	if s := r.URL.Query().Get("status"); s != "" {
		st := ledger.Status(s)
		filter.Status = &st
	}

	txs, total, err := h.Processor.ListTransactions(r.Context(), filter)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	limit, offset = ledger.NormalizePage(limit, offset)
	writeJSON(w, http.StatusOK, TransactionListResponse{
		Transactions: toTransactionDTOs(txs),
		Total:        total,
		Limit:        limit,
		Offset:       offset,
	})
}

// ListHistory returns one page of a user's balance history, oldest first.
// GET /api/users/{id}/history
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		writeBadRequest(w, "Invalid paging parameters", err)
		return
	}
	user := ledger.UserID(chi.URLParam(r, "id"))

	rows, total, err := h.Processor.GetBalanceHistory(r.Context(), user, limit, offset)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	limit, offset = ledger.NormalizePage(limit, offset)
	writeJSON(w, http.StatusOK, HistoryListResponse{
		History: toHistoryDTOs(rows),
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// Reconcile compares the balance with the history sum. A mismatch is
// reported with consistent=false rather than as an error.
// GET /api/users/{id}/reconciliation
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	user := ledger.UserID(chi.URLParam(r, "id"))

	rec, err := h.Processor.Reconcile(r.Context(), user)
	if err != nil && !(errors.Is(err, ledger.ErrConstraintViolation) && rec.UserID != "") {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconciliationDTO{
		UserID:       string(rec.UserID),
		Balance:      rec.Balance,
		HistoryTotal: rec.HistoryTotal,
		HistoryRows:  rec.HistoryRows,
		Consistent:   rec.Consistent(),
	})
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ProcessTransaction applies a single-user transaction.
// POST /api/transactions
func (h *Handler) ProcessTransaction(w http.ResponseWriter, r *http.Request) {
	var req ProcessTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	var tx ledger.Transaction
	err := h.withRetry(ctx, "process_transaction", func() error {
		var err error
		tx, err = h.Processor.ProcessTransaction(ctx, ledger.TransactionRequest{
			UserID:         ledger.UserID(req.UserID),
			Amount:         req.Amount,
			Type:           ledger.TransactionType(req.Type),
			Details:        req.Details,
			IdempotencyKey: req.IdempotencyKey,
		})
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// GetTransaction returns a transaction and the history rows it produced.
// GET /api/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	tx, err := h.Processor.GetTransaction(ctx, id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	rows, err := h.Processor.GetTransactionEffects(ctx, id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionDetailResponse{
		Transaction: toTransactionDTO(tx),
		History:     toHistoryDTOs(rows),
	})
}

// RollbackTransaction reverses a completed transaction.
// POST /api/transactions/{id}/rollback
func (h *Handler) RollbackTransaction(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "Invalid request body", err)
			return
		}
	}

	ctx := r.Context()
	id := ledger.TransactionID(chi.URLParam(r, "id"))
	var tx ledger.Transaction
	err := h.withRetry(ctx, "rollback_transaction", func() error {
		var err error
		tx, err = h.Processor.RollbackTransaction(ctx, id, req.Reason)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

// Transfer moves tokens between two users.
// POST /api/transfers
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	var tx ledger.Transaction
	err := h.withRetry(ctx, "transfer_tokens", func() error {
		var err error
		tx, err = h.Processor.TransferTokens(ctx, ledger.TransferRequest{
			From:           ledger.UserID(req.FromUserID),
			To:             ledger.UserID(req.ToUserID),
			Amount:         req.Amount,
			Reason:         req.Reason,
			IdempotencyKey: req.IdempotencyKey,
		})
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// pageParams reads ?limit=&offset=. Missing values are zero and get
// normalized by the ledger.
func pageParams(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			return 0, 0, err
		}
	}
	if s := q.Get("offset"); s != "" {
		if offset, err = strconv.Atoi(s); err != nil {
			return 0, 0, err
		}
	}
	return limit, offset, nil
}
