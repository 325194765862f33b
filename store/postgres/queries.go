package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/warp/token-ledger/ledger"
)

// =============================================================================
// READER (ledger.Reader interface)
// =============================================================================

func (s *Store) Balance(ctx context.Context, user ledger.UserID) (ledger.TokenBalance, error) {
	var row TokenBalance
	err := s.db.WithContext(ctx).Where("user_id = ?", string(user)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.TokenBalance{}, &ledger.NotFoundError{Resource: "balance", ID: string(user)}
	}
	if err != nil {
		return ledger.TokenBalance{}, translate("get_balance", err)
	}
	return balanceFromRow(row), nil
}

func (s *Store) Transaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return s.transactionWhere(ctx, "id = ?", string(id), string(id))
}

func (s *Store) TransactionByIdempotencyKey(ctx context.Context, key string) (ledger.Transaction, error) {
	return s.transactionWhere(ctx, "idempotency_key = ?", key, "idempotency_key="+key)
}

func (s *Store) transactionWhere(ctx context.Context, cond, value, notFoundID string) (ledger.Transaction, error) {
	var row TokenTransaction
	err := s.db.WithContext(ctx).Where(cond, value).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, &ledger.NotFoundError{Resource: "transaction", ID: notFoundID}
	}
	if err != nil {
		return ledger.Transaction{}, translate("get_transaction", err)
	}
	return transactionFromRow(row)
}

// Transactions lists rows where the user is the owner or the counterparty,
// newest first.
func (s *Store) Transactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	limit, offset := ledger.NormalizePage(f.Limit, f.Offset)

	filter := func(db *gorm.DB) *gorm.DB {
		db = db.Where("(user_id = ? OR counterparty_id = ?)", string(f.UserID), string(f.UserID))
		if f.Type != nil {
			db = db.Where("type = ?", string(*f.Type))
		}
		if f.Status != nil {
			db = db.Where("status = ?", string(*f.Status))
		}
		return db
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&TokenTransaction{}).Scopes(filter).Count(&total).Error; err != nil {
		return nil, 0, translate("count_transactions", err)
	}

	var rows []TokenTransaction
	err := s.db.WithContext(ctx).
		Scopes(filter).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, 0, translate("list_transactions", err)
	}

	out := make([]ledger.Transaction, 0, len(rows))
	for _, r := range rows {
		t, err := transactionFromRow(r)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, int(total), nil
}

func (s *Store) History(ctx context.Context, f ledger.HistoryFilter) ([]ledger.BalanceHistory, int, error) {
	limit, offset := ledger.NormalizePage(f.Limit, f.Offset)

	var total int64
	if err := s.db.WithContext(ctx).
		Model(&TokenBalanceHistory{}).
		Where("user_id = ?", string(f.UserID)).
		Count(&total).Error; err != nil {
		return nil, 0, translate("count_history", err)
	}

	var rows []TokenBalanceHistory
	err := s.db.WithContext(ctx).
		Where("user_id = ?", string(f.UserID)).
		Order("id ASC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, 0, translate("list_history", err)
	}
	out, err := historyFromRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, int(total), nil
}

func (s *Store) HistoryByTransaction(ctx context.Context, id ledger.TransactionID) ([]ledger.BalanceHistory, error) {
	var rows []TokenBalanceHistory
	err := s.db.WithContext(ctx).
		Where("transaction_id = ?", string(id)).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, translate("history_by_transaction", err)
	}
	return historyFromRows(rows)
}

func (s *Store) HistoryTotal(ctx context.Context, user ledger.UserID) (ledger.Amount, int, error) {
	return historyTotal(s.db.WithContext(ctx), user)
}

func (s *Store) Users(ctx context.Context, after ledger.UserID, limit int) ([]ledger.UserID, error) {
	limit, _ = ledger.NormalizePage(limit, 0)
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&TokenBalance{}).
		Where("user_id > ?", string(after)).
		Order("user_id ASC").
		Limit(limit).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, translate("list_users", err)
	}
	out := make([]ledger.UserID, len(ids))
	for i, id := range ids {
		out[i] = ledger.UserID(id)
	}
	return out, nil
}

func historyTotal(db *gorm.DB, user ledger.UserID) (ledger.Amount, int, error) {
	var agg struct {
		Total int64
		N     int64
	}
	err := db.
		Model(&TokenBalanceHistory{}).
		Select("COALESCE(SUM(change_amount), 0)::bigint AS total, COUNT(*) AS n").
		Where("user_id = ?", string(user)).
		Scan(&agg).Error
	if err != nil {
		return 0, 0, translate("history_total", err)
	}
	return ledger.AmountFromUnits(agg.Total), int(agg.N), nil
}

func historyFromRows(rows []TokenBalanceHistory) ([]ledger.BalanceHistory, error) {
	out := make([]ledger.BalanceHistory, 0, len(rows))
	for _, r := range rows {
		h, err := historyFromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
