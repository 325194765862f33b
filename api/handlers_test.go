/*
handlers_test.go - Tests for API handlers

Tests for:
- Transaction processing, transfers and rollback over HTTP
- Error kind to status mapping ({error, kind, details})
- Retry of ConcurrencyError with backoff
- Middleware (request logging, panic recovery)
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/ledger/store"
)

func fastRetry() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsedTime:  time.Second,
		MaxRetries:      2,
	}
}

func newTestServer(t *testing.T, s ledger.Store) http.Handler {
	t.Helper()
	if s == nil {
		s = store.NewMemory()
	}
	h := NewHandler(ledger.NewProcessor(s), fastRetry(), nil)
	return NewRouter(h, RouterOptions{})
}

func do(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func credit(t *testing.T, srv http.Handler, user, amount string) TransactionDTO {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/api/transactions",
		`{"user_id":"`+user+`","amount":"`+amount+`","type":"credit"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[TransactionDTO](t, rec)
}

func TestProcessTransaction_CreditThenBalance(t *testing.T) {
	// GIVEN: an empty ledger
	srv := newTestServer(t, nil)

	// WHEN: alice is credited 10.5
	tx := credit(t, srv, "alice", "10.5")

	// THEN: the row is completed and the balance reflects it
	assert.Equal(t, "completed", tx.Status)
	assert.Equal(t, ledger.MustParseAmount("10.5"), tx.Amount)
	assert.NotNil(t, tx.CompletedAt)

	rec := do(t, srv, http.MethodGet, "/api/users/alice/balance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"alice","balance":"10.50000000"}`, rec.Body.String())
}

func TestGetBalance_UnknownUserIsZero(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(t, srv, http.MethodGet, "/api/users/nobody/balance", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.Amount(0), decode[BalanceDTO](t, rec).Balance)
}

func TestProcessTransaction_InsufficientBalanceIsConflict(t *testing.T) {
	// GIVEN: alice holds 5
	srv := newTestServer(t, nil)
	credit(t, srv, "alice", "5")

	// WHEN: 8 is deducted
	rec := do(t, srv, http.MethodPost, "/api/transactions",
		`{"user_id":"alice","amount":8,"type":"deduction"}`)

	// THEN: 409 with the shortfall in details
	require.Equal(t, http.StatusConflict, rec.Code)
	var body struct {
		Kind    string            `json:"kind"`
		Details map[string]string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "insufficient_balance", body.Kind)
	assert.Equal(t, "3.00000000", body.Details["shortfall"])
	assert.Equal(t, "5.00000000", body.Details["available"])
}

func TestProcessTransaction_ValidationErrors(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"zero amount", `{"user_id":"alice","amount":"0","type":"credit"}`, "amount"},
		{"too precise", `{"user_id":"alice","amount":"0.000000001","type":"credit"}`, "amount"},
		{"unknown type", `{"user_id":"alice","amount":"1","type":"gift"}`, "type"},
		{"empty user", `{"user_id":"","amount":"1","type":"credit"}`, "user_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/api/transactions", tt.body)

			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			var body struct {
				Kind    string            `json:"kind"`
				Details map[string]string `json:"details"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "validation", body.Kind)
			assert.Equal(t, tt.field, body.Details["field"])
		})
	}
}

func TestProcessTransaction_MalformedBody(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/api/transactions", `{"user_id":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode[ErrorResponse](t, rec).Kind)
}

func TestProcessTransaction_IdempotentReplay(t *testing.T) {
	srv := newTestServer(t, nil)
	body := `{"user_id":"alice","amount":"2","type":"reward","idempotency_key":"promo-1"}`

	first := decode[TransactionDTO](t, do(t, srv, http.MethodPost, "/api/transactions", body))
	second := decode[TransactionDTO](t, do(t, srv, http.MethodPost, "/api/transactions", body))
	assert.Equal(t, first.ID, second.ID)

	// AND: the same key with a different amount is rejected
	rec := do(t, srv, http.MethodPost, "/api/transactions",
		`{"user_id":"alice","amount":"3","type":"reward","idempotency_key":"promo-1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_operation", decode[ErrorResponse](t, rec).Kind)

	bal := decode[BalanceDTO](t, do(t, srv, http.MethodGet, "/api/users/alice/balance", ""))
	assert.Equal(t, ledger.MustParseAmount("2"), bal.Balance)
}

func TestTransfer_MovesTokens(t *testing.T) {
	// GIVEN: alice holds 10
	srv := newTestServer(t, nil)
	credit(t, srv, "alice", "10")

	// WHEN: alice sends 4 to bob
	rec := do(t, srv, http.MethodPost, "/api/transfers",
		`{"from_user_id":"alice","to_user_id":"bob","amount":"4","reason":"lunch"}`)

	// THEN: one transfer_out row, both balances moved
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decode[TransactionDTO](t, rec)
	assert.Equal(t, "transfer_out", tx.Type)
	assert.Equal(t, "bob", tx.CounterpartyID)

	alice := decode[BalanceDTO](t, do(t, srv, http.MethodGet, "/api/users/alice/balance", ""))
	bob := decode[BalanceDTO](t, do(t, srv, http.MethodGet, "/api/users/bob/balance", ""))
	assert.Equal(t, ledger.MustParseAmount("6"), alice.Balance)
	assert.Equal(t, ledger.MustParseAmount("4"), bob.Balance)

	detail := decode[TransactionDetailResponse](t, do(t, srv, http.MethodGet, "/api/transactions/"+tx.ID, ""))
	require.Len(t, detail.History, 2)
	assert.Equal(t, "lunch", detail.History[0].Reason)
}

func TestTransfer_ToSelfIsRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	credit(t, srv, "alice", "10")

	rec := do(t, srv, http.MethodPost, "/api/transfers",
		`{"from_user_id":"alice","to_user_id":"alice","amount":"1"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRollback_ReversesOnce(t *testing.T) {
	// GIVEN: a completed credit
	srv := newTestServer(t, nil)
	tx := credit(t, srv, "alice", "7")

	// WHEN: it is rolled back
	rec := do(t, srv, http.MethodPost, "/api/transactions/"+tx.ID+"/rollback", `{"reason":"fraud"}`)

	// THEN: status flips and the balance returns to zero
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "rolled_back", decode[TransactionDTO](t, rec).Status)

	bal := decode[BalanceDTO](t, do(t, srv, http.MethodGet, "/api/users/alice/balance", ""))
	assert.Equal(t, ledger.Amount(0), bal.Balance)

	detail := decode[TransactionDetailResponse](t, do(t, srv, http.MethodGet, "/api/transactions/"+tx.ID, ""))
	require.Len(t, detail.History, 2)
	assert.Equal(t, "rollback: fraud", detail.History[1].Reason)

	// AND: a second rollback conflicts
	rec = do(t, srv, http.MethodPost, "/api/transactions/"+tx.ID+"/rollback", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	var body struct {
		Details map[string]string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rolled_back", body.Details["from"])
}

func TestGetTransaction_NotFound(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(t, srv, http.MethodGet, "/api/transactions/missing", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Kind)
}

func TestListTransactions_PagingAndFilters(t *testing.T) {
	srv := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		credit(t, srv, "alice", "1")
	}
	do(t, srv, http.MethodPost, "/api/transactions", `{"user_id":"alice","amount":"1","type":"deduction"}`)

	page := decode[TransactionListResponse](t, do(t, srv, http.MethodGet, "/api/users/alice/transactions?limit=2", ""))
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, 2, page.Limit)
	assert.Len(t, page.Transactions, 2)
	assert.Equal(t, "deduction", page.Transactions[0].Type)

	credits := decode[TransactionListResponse](t, do(t, srv, http.MethodGet, "/api/users/alice/transactions?type=credit", ""))
	assert.Equal(t, 3, credits.Total)
	assert.Equal(t, ledger.DefaultPageSize, credits.Limit)

	rec := do(t, srv, http.MethodGet, "/api/users/alice/transactions?type=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/users/alice/transactions?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListHistory_AndReconciliation(t *testing.T) {
	srv := newTestServer(t, nil)
	credit(t, srv, "alice", "3")
	credit(t, srv, "alice", "4")

	hist := decode[HistoryListResponse](t, do(t, srv, http.MethodGet, "/api/users/alice/history", ""))
	require.Equal(t, 2, hist.Total)
	assert.Equal(t, ledger.MustParseAmount("3"), hist.History[1].BalanceBefore)
	assert.Equal(t, ledger.MustParseAmount("7"), hist.History[1].BalanceAfter)

	rec := decode[ReconciliationDTO](t, do(t, srv, http.MethodGet, "/api/users/alice/reconciliation", ""))
	assert.True(t, rec.Consistent)
	assert.Equal(t, 2, rec.HistoryRows)
	assert.Equal(t, ledger.MustParseAmount("7"), rec.HistoryTotal)
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(t, nil), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// RETRY
// =============================================================================

// contendedStore fails the first `failures` units with a ConcurrencyError.
type contendedStore struct {
	ledger.Store
	failures int32
	calls    atomic.Int32
}

func (s *contendedStore) WithTx(ctx context.Context, fn func(context.Context, ledger.Tx) error) error {
	if s.calls.Add(1) <= s.failures {
		return &ledger.ConcurrencyError{Op: "begin", Err: ledger.ErrLockTimeout}
	}
	return s.Store.WithTx(ctx, fn)
}

func TestProcessTransaction_RetriesContention(t *testing.T) {
	// GIVEN: a store that is contended once
	s := &contendedStore{Store: store.NewMemory(), failures: 1}
	srv := newTestServer(t, s)

	// WHEN: a credit is posted
	rec := do(t, srv, http.MethodPost, "/api/transactions", `{"user_id":"alice","amount":"1","type":"credit"}`)

	// THEN: the retry succeeds
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int32(2), s.calls.Load())
}

func TestProcessTransaction_PersistentContentionIs503(t *testing.T) {
	s := &contendedStore{Store: store.NewMemory(), failures: 100}
	srv := newTestServer(t, s)

	rec := do(t, srv, http.MethodPost, "/api/transactions", `{"user_id":"alice","amount":"1","type":"credit"}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, retryAfterSeconds, rec.Header().Get("Retry-After"))
	assert.Equal(t, "concurrency", decode[ErrorResponse](t, rec).Kind)
	// one attempt plus MaxRetries
	assert.Equal(t, int32(3), s.calls.Load())
}

func TestProcessTransaction_ClientErrorsAreNotRetried(t *testing.T) {
	s := &contendedStore{Store: store.NewMemory()}
	srv := newTestServer(t, s)

	rec := do(t, srv, http.MethodPost, "/api/transactions", `{"user_id":"alice","amount":"1","type":"deduction"}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, int32(1), s.calls.Load())
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(&ledger.ConstraintViolationError{}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&ledger.RepositoryError{Op: "x"}))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(&ledger.ConcurrencyError{Op: "x"}))
	assert.Equal(t, http.StatusConflict, statusFor(&ledger.InvalidOperationError{}))
}

func TestInternalErrorsHideDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeLedgerError(rec, &ledger.ConstraintViolationError{Invariant: "x", Detail: "secret"})

	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "internal error", body.Error)
	assert.Equal(t, "constraint_violation", body.Kind)
	assert.Nil(t, body.Details)
}

func TestRequestLogger_LogsEachRequest(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := NewHandler(ledger.NewProcessor(store.NewMemory()), fastRetry(), zap.New(core))
	srv := NewRouter(h, RouterOptions{})

	do(t, srv, http.MethodGet, "/api/users/alice/balance", "")

	entries := logs.FilterMessage("API request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/api/users/alice/balance", fields["path"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
	assert.NotEmpty(t, fields["request_id"])
}

func TestRecoverer_Returns500(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := Recoverer(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}
