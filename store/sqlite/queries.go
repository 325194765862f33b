package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/token-ledger/ledger"
)

// =============================================================================
// READER (ledger.Reader interface)
// =============================================================================

const transactionColumns = `id, user_id, counterparty_id, type, amount, status, details_json,
	idempotency_key, created_at, completed_at`

const historyColumns = `id, user_id, balance_before, balance_after, change_amount, change_type,
	reason, transaction_id, created_at`

func (s *Store) Balance(ctx context.Context, user ledger.UserID) (ledger.TokenBalance, error) {
	return getBalance(ctx, s.db, user)
}

func (s *Store) Transaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return getTransaction(ctx, s.db, "id", string(id))
}

func (s *Store) TransactionByIdempotencyKey(ctx context.Context, key string) (ledger.Transaction, error) {
	return getTransaction(ctx, s.db, "idempotency_key", key)
}

// Transactions lists rows where the user is the owner or the counterparty.
func (s *Store) Transactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	limit, offset := ledger.NormalizePage(f.Limit, f.Offset)

	where := []string{"(user_id = ? OR counterparty_id = ?)"}
	args := []any{f.UserID, f.UserID}
	if f.Type != nil {
		where = append(where, "type = ?")
		args = append(args, *f.Type)
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *f.Status)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM token_transactions WHERE "+cond, args...,
	).Scan(&total); err != nil {
		return nil, 0, translate("count_transactions", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+transactionColumns+" FROM token_transactions WHERE "+cond+
			" ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, translate("list_transactions", err)
	}
	defer rows.Close()

	out := make([]ledger.Transaction, 0, limit)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, translate("list_transactions", err)
	}
	return out, total, nil
}

func (s *Store) History(ctx context.Context, f ledger.HistoryFilter) ([]ledger.BalanceHistory, int, error) {
	limit, offset := ledger.NormalizePage(f.Limit, f.Offset)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM token_balance_history WHERE user_id = ?`, f.UserID,
	).Scan(&total); err != nil {
		return nil, 0, translate("count_history", err)
	}

	out, err := s.queryHistory(ctx,
		"SELECT "+historyColumns+" FROM token_balance_history WHERE user_id = ? ORDER BY id ASC LIMIT ? OFFSET ?",
		f.UserID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *Store) HistoryByTransaction(ctx context.Context, id ledger.TransactionID) ([]ledger.BalanceHistory, error) {
	return s.queryHistory(ctx,
		"SELECT "+historyColumns+" FROM token_balance_history WHERE transaction_id = ? ORDER BY id ASC", id)
}

func (s *Store) HistoryTotal(ctx context.Context, user ledger.UserID) (ledger.Amount, int, error) {
	return historyTotal(ctx, s.db, user)
}

func (s *Store) Users(ctx context.Context, after ledger.UserID, limit int) ([]ledger.UserID, error) {
	limit, _ = ledger.NormalizePage(limit, 0)
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM token_balances WHERE user_id > ? ORDER BY user_id LIMIT ?`, after, limit)
	if err != nil {
		return nil, translate("list_users", err)
	}
	defer rows.Close()

	var out []ledger.UserID
	for rows.Next() {
		var id ledger.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, translate("list_users", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list_users", err)
	}
	return out, nil
}

func (s *Store) queryHistory(ctx context.Context, query string, args ...any) ([]ledger.BalanceHistory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate("query_history", err)
	}
	defer rows.Close()

	var out []ledger.BalanceHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("query_history", err)
	}
	return out, nil
}

// =============================================================================
// ROW MAPPING
// =============================================================================

func historyTotal(ctx context.Context, q querier, user ledger.UserID) (ledger.Amount, int, error) {
	var (
		sum  int64
		rows int
	)
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(change_amount), 0), COUNT(*) FROM token_balance_history WHERE user_id = ?`, user,
	).Scan(&sum, &rows)
	if err != nil {
		return 0, 0, translate("history_total", err)
	}
	return ledger.AmountFromUnits(sum), rows, nil
}

func getBalance(ctx context.Context, q querier, user ledger.UserID) (ledger.TokenBalance, error) {
	var (
		b                    ledger.TokenBalance
		units                int64
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT user_id, balance, created_at, updated_at FROM token_balances WHERE user_id = ?`, user,
	).Scan(&b.UserID, &units, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.TokenBalance{}, &ledger.NotFoundError{Resource: "balance", ID: string(user)}
	}
	if err != nil {
		return ledger.TokenBalance{}, translate("get_balance", err)
	}
	b.Balance = ledger.AmountFromUnits(units)
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.TokenBalance{}, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.TokenBalance{}, err
	}
	return b, nil
}

// getTransaction looks a row up by a unique column (id or idempotency_key).
func getTransaction(ctx context.Context, q querier, column, value string) (ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+transactionColumns+" FROM token_transactions WHERE "+column+" = ?", value)
	if err != nil {
		return ledger.Transaction{}, translate("get_transaction", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Transaction{}, translate("get_transaction", err)
		}
		id := value
		if column != "id" {
			id = column + "=" + value
		}
		return ledger.Transaction{}, &ledger.NotFoundError{Resource: "transaction", ID: id}
	}
	return scanTransaction(rows)
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		t              ledger.Transaction
		counterparty   sql.NullString
		txType, status string
		units          int64
		detailsJSON    string
		idempotencyKey sql.NullString
		createdAt      string
		completedAt    sql.NullString
	)
	err := rows.Scan(
		&t.ID, &t.UserID, &counterparty, &txType, &units, &status, &detailsJSON,
		&idempotencyKey, &createdAt, &completedAt,
	)
	if err != nil {
		return t, translate("scan_transaction", err)
	}

	if t.Type, err = ledger.ParseTransactionType(txType); err != nil {
		return t, corrupt("type", err)
	}
	if t.Status, err = ledger.ParseStatus(status); err != nil {
		return t, corrupt("status", err)
	}
	t.CounterpartyID = ledger.UserID(counterparty.String)
	t.Amount = ledger.AmountFromUnits(units)
	t.IdempotencyKey = idempotencyKey.String
	if err := json.Unmarshal([]byte(detailsJSON), &t.Details); err != nil {
		return t, corrupt("details_json", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	if completedAt.Valid {
		at, err := parseTime(completedAt.String)
		if err != nil {
			return t, err
		}
		t.CompletedAt = &at
	}
	return t, nil
}

func scanHistory(rows *sql.Rows) (ledger.BalanceHistory, error) {
	var (
		h                     ledger.BalanceHistory
		before, after, change int64
		changeType, createdAt string
	)
	err := rows.Scan(&h.ID, &h.UserID, &before, &after, &change, &changeType,
		&h.Reason, &h.TransactionID, &createdAt)
	if err != nil {
		return h, translate("scan_history", err)
	}
	if h.ChangeType, err = ledger.ParseChangeType(changeType); err != nil {
		return h, corrupt("change_type", err)
	}
	h.BalanceBefore = ledger.AmountFromUnits(before)
	h.BalanceAfter = ledger.AmountFromUnits(after)
	h.ChangeAmount = ledger.AmountFromUnits(change)
	if h.CreatedAt, err = parseTime(createdAt); err != nil {
		return h, err
	}
	return h, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, corrupt("timestamp", err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func encodeDetails(details map[string]string) (string, error) {
	if len(details) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "", &ledger.ValidationError{Field: "details", Reason: err.Error()}
	}
	return string(b), nil
}

// corrupt reports a stored value the ledger cannot interpret.
func corrupt(column string, err error) error {
	return &ledger.ConstraintViolationError{
		Invariant: "stored_" + column + "_valid",
		Detail:    fmt.Sprintf("cannot decode %s: %v", column, err),
	}
}
