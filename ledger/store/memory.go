// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warp/token-ledger/ledger"
)

// DefaultLockTimeout bounds how long a unit waits for a row lock.
const DefaultLockTimeout = 5 * time.Second

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps committed state behind mu. Row locks live in a separate
// lock table so units touching different users never wait on each other.
// A unit's writes are staged and applied in one critical section at commit.
type Memory struct {
	mu           sync.RWMutex
	balances     map[ledger.UserID]ledger.TokenBalance
	transactions map[ledger.TransactionID]*txRecord
	idempotency  map[string]ledger.TransactionID
	history      []ledger.BalanceHistory

	seq         atomic.Int64 // insertion order of journal rows
	historySeq  atomic.Int64
	locks       *lockTable
	lockTimeout time.Duration
}

type txRecord struct {
	tx  ledger.Transaction
	seq int64
}

type MemoryOption func(*Memory)

// WithLockTimeout sets the lock-wait timeout. Zero or less waits on ctx only.
func WithLockTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) { m.lockTimeout = d }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		balances:     make(map[ledger.UserID]ledger.TokenBalance),
		transactions: make(map[ledger.TransactionID]*txRecord),
		idempotency:  make(map[string]ledger.TransactionID),
		locks:        newLockTable(),
		lockTimeout:  DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithTx runs fn against a staging view and commits the staged writes if
// fn succeeds and ctx is still live. Locks are released on return.
func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return ledger.ContextError("begin", err)
	}
	u := newUnit(m)
	defer u.release()

	if err := fn(ctx, u); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ledger.ContextError("commit", err)
	}
	return m.commit(u)
}

func (m *Memory) commit(u *unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Keys are re-checked here: two units may have staged the same key.
	for _, id := range u.inserted {
		t := u.txns[id]
		if t.IdempotencyKey == "" {
			continue
		}
		if _, taken := m.idempotency[t.IdempotencyKey]; taken {
			return ledger.DuplicateKeyError(t.IdempotencyKey)
		}
	}

	for user, b := range u.balances {
		m.balances[user] = b
	}
	for _, id := range u.inserted {
		t := u.txns[id]
		m.transactions[id] = &txRecord{tx: t, seq: m.seq.Add(1)}
		if t.IdempotencyKey != "" {
			m.idempotency[t.IdempotencyKey] = id
		}
	}
	for id, t := range u.txns {
		if rec, ok := m.transactions[id]; ok {
			rec.tx = t
		}
	}
	m.history = append(m.history, u.history...)
	return nil
}

// =============================================================================
// READER
// =============================================================================

func (m *Memory) Balance(_ context.Context, user ledger.UserID) (ledger.TokenBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[user]
	if !ok {
		return ledger.TokenBalance{}, &ledger.NotFoundError{Resource: "balance", ID: string(user)}
	}
	return b, nil
}

func (m *Memory) Transaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transactionLocked(id)
}

func (m *Memory) transactionLocked(id ledger.TransactionID) (ledger.Transaction, error) {
	rec, ok := m.transactions[id]
	if !ok {
		return ledger.Transaction{}, &ledger.NotFoundError{Resource: "transaction", ID: string(id)}
	}
	return cloneTx(rec.tx), nil
}

func (m *Memory) TransactionByIdempotencyKey(_ context.Context, key string) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.idempotency[key]
	if !ok {
		return ledger.Transaction{}, &ledger.NotFoundError{Resource: "transaction", ID: "idempotency_key=" + key}
	}
	return m.transactionLocked(id)
}

func (m *Memory) Transactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	limit, offset := ledger.NormalizePage(f.Limit, f.Offset)

	m.mu.RLock()
	var matched []txRecord
	for _, rec := range m.transactions {
		t := rec.tx
		if t.UserID != f.UserID && t.CounterpartyID != f.UserID {
			continue
		}
		if f.Type != nil && t.Type != *f.Type {
			continue
		}
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		matched = append(matched, txRecord{tx: cloneTx(t), seq: rec.seq})
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.tx.CreatedAt.Equal(b.tx.CreatedAt) {
			return a.tx.CreatedAt.After(b.tx.CreatedAt)
		}
		return a.seq > b.seq
	})

	total := len(matched)
	out := make([]ledger.Transaction, 0, limit)
	for i := offset; i < total && len(out) < limit; i++ {
		out = append(out, matched[i].tx)
	}
	return out, total, nil
}

func (m *Memory) History(_ context.Context, f ledger.HistoryFilter) ([]ledger.BalanceHistory, int, error) {
	limit, offset := ledger.NormalizePage(f.Limit, f.Offset)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.BalanceHistory
	total := 0
	for _, h := range m.history {
		if h.UserID != f.UserID {
			continue
		}
		if total >= offset && len(out) < limit {
			out = append(out, h)
		}
		total++
	}
	return out, total, nil
}

func (m *Memory) HistoryByTransaction(_ context.Context, id ledger.TransactionID) ([]ledger.BalanceHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.BalanceHistory
	for _, h := range m.history {
		if h.TransactionID == id {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *Memory) HistoryTotal(_ context.Context, user ledger.UserID) (ledger.Amount, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum ledger.Amount
	rows := 0
	for _, h := range m.history {
		if h.UserID == user {
			sum += h.ChangeAmount
			rows++
		}
	}
	return sum, rows, nil
}

func (m *Memory) Users(_ context.Context, after ledger.UserID, limit int) ([]ledger.UserID, error) {
	m.mu.RLock()
	ids := make([]ledger.UserID, 0, len(m.balances))
	for id := range m.balances {
		if id > after {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	limit, _ = ledger.NormalizePage(limit, 0)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// =============================================================================
// ATOMIC UNIT
// =============================================================================

type unit struct {
	m    *Memory
	held []string

	balances map[ledger.UserID]ledger.TokenBalance
	locked   map[ledger.UserID]bool
	txns     map[ledger.TransactionID]ledger.Transaction
	inserted []ledger.TransactionID
	keys     map[string]bool
	history  []ledger.BalanceHistory
}

func newUnit(m *Memory) *unit {
	return &unit{
		m:        m,
		balances: make(map[ledger.UserID]ledger.TokenBalance),
		locked:   make(map[ledger.UserID]bool),
		txns:     make(map[ledger.TransactionID]ledger.Transaction),
		keys:     make(map[string]bool),
	}
}

func (u *unit) lock(ctx context.Context, key string) error {
	for _, k := range u.held {
		if k == key {
			return nil
		}
	}
	if err := u.m.locks.acquire(ctx, key, u.m.lockTimeout); err != nil {
		return err
	}
	u.held = append(u.held, key)
	return nil
}

func (u *unit) release() {
	for i := len(u.held) - 1; i >= 0; i-- {
		u.m.locks.release(u.held[i])
	}
	u.held = nil
}

func (u *unit) LockBalance(ctx context.Context, user ledger.UserID, now time.Time) (ledger.TokenBalance, error) {
	if err := u.lock(ctx, "balance:"+string(user)); err != nil {
		return ledger.TokenBalance{}, err
	}
	u.locked[user] = true
	if b, ok := u.balances[user]; ok {
		return b, nil
	}

	u.m.mu.RLock()
	b, ok := u.m.balances[user]
	u.m.mu.RUnlock()
	if !ok {
		b = ledger.TokenBalance{UserID: user, CreatedAt: now, UpdatedAt: now}
		u.balances[user] = b
	}
	return b, nil
}

// HistoryTotal sums committed rows plus rows staged in this unit.
func (u *unit) HistoryTotal(ctx context.Context, user ledger.UserID) (ledger.Amount, int, error) {
	sum, rows, err := u.m.HistoryTotal(ctx, user)
	if err != nil {
		return 0, 0, err
	}
	for _, h := range u.history {
		if h.UserID == user {
			sum += h.ChangeAmount
			rows++
		}
	}
	return sum, rows, nil
}

func (u *unit) PutBalance(_ context.Context, b ledger.TokenBalance) error {
	if !u.locked[b.UserID] {
		return &ledger.RepositoryError{Op: "put_balance", Err: errNotLocked(b.UserID)}
	}
	if b.Balance.IsNegative() {
		return &ledger.ConstraintViolationError{
			Invariant: "balance_non_negative",
			Detail:    "negative balance for " + string(b.UserID),
		}
	}
	u.balances[b.UserID] = b
	return nil
}

func (u *unit) InsertTransaction(_ context.Context, t ledger.Transaction) error {
	if t.IdempotencyKey != "" {
		if u.keys[t.IdempotencyKey] {
			return ledger.DuplicateKeyError(t.IdempotencyKey)
		}
		u.m.mu.RLock()
		_, taken := u.m.idempotency[t.IdempotencyKey]
		u.m.mu.RUnlock()
		if taken {
			return ledger.DuplicateKeyError(t.IdempotencyKey)
		}
		u.keys[t.IdempotencyKey] = true
	}
	u.txns[t.ID] = cloneTx(t)
	u.inserted = append(u.inserted, t.ID)
	return nil
}

func (u *unit) LockTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	if err := u.lock(ctx, "transaction:"+string(id)); err != nil {
		return ledger.Transaction{}, err
	}
	if t, ok := u.txns[id]; ok {
		return cloneTx(t), nil
	}
	t, err := u.m.Transaction(ctx, id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	u.txns[id] = t
	return cloneTx(t), nil
}

func (u *unit) SetTransactionStatus(_ context.Context, id ledger.TransactionID, status ledger.Status, completedAt *time.Time) error {
	t, ok := u.txns[id]
	if !ok {
		return &ledger.RepositoryError{Op: "set_transaction_status", Err: errNotLocked(id)}
	}
	t.Status = status
	t.CompletedAt = completedAt
	u.txns[id] = t
	return nil
}

func (u *unit) InsertHistory(_ context.Context, h ledger.BalanceHistory) (ledger.BalanceHistory, error) {
	h.ID = u.m.historySeq.Add(1)
	u.history = append(u.history, h)
	return h, nil
}

func cloneTx(t ledger.Transaction) ledger.Transaction {
	t.Details = maps.Clone(t.Details)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		t.CompletedAt = &at
	}
	return t
}
