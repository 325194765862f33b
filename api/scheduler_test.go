package api

import (
	"context"
	"errors"
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

type fakeReconciler struct {
	calls  atomic.Int32
	report ledger.ReconcileReport
	err    error
}

func (f *fakeReconciler) ReconcileAll(ctx context.Context, batchSize int) (ledger.ReconcileReport, error) {
	f.calls.Add(1)
	return f.report, f.err
}

func TestScheduler_RunsImmediatelyAndOnTick(t *testing.T) {
	// GIVEN: a short interval
	r := &fakeReconciler{}
	rs := NewReconciliationScheduler(r, zap.NewNop())
	rs.CheckInterval = 10 * time.Millisecond

	// WHEN
	rs.Start()
	defer rs.Stop()

	// THEN: the first pass runs at once and more follow on ticks
	assert.Eventually(t, func() bool { return r.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_Disabled(t *testing.T) {
	r := &fakeReconciler{}
	rs := NewReconciliationScheduler(r, zap.NewNop())
	rs.Enabled = false

	rs.Start()
	rs.Stop()

	assert.Zero(t, r.calls.Load())
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	rs := NewReconciliationScheduler(&fakeReconciler{}, nil)
	rs.CheckInterval = time.Hour

	rs.Start()
	rs.Start()
	rs.Stop()
	rs.Stop()
}

func TestScheduler_LogsMismatches(t *testing.T) {
	// GIVEN: a sweep that finds one inconsistent user
	core, logs := observer.New(zapcore.InfoLevel)
	r := &fakeReconciler{report: ledger.ReconcileReport{
		Checked: 2,
		Mismatches: []ledger.Reconciliation{{
			UserID:       "bob",
			Balance:      ledger.MustParseAmount("3"),
			HistoryTotal: ledger.MustParseAmount("2"),
			HistoryRows:  1,
		}},
	}}
	rs := NewReconciliationScheduler(r, zap.New(core))

	// WHEN
	report := rs.RunNow(context.Background())

	// THEN
	assert.Equal(t, 2, report.Checked)
	mismatch := logs.FilterMessage("Balance does not match history").All()
	require.Len(t, mismatch, 1)
	assert.Equal(t, zapcore.ErrorLevel, mismatch[0].Level)
	assert.Equal(t, "bob", mismatch[0].ContextMap()["user_id"])
	assert.Equal(t, "3.00000000", mismatch[0].ContextMap()["balance"])

	done := logs.FilterMessage("Reconciliation sweep completed").All()
	require.Len(t, done, 1)
	assert.Equal(t, int64(1), done[0].ContextMap()["mismatches"])

	_, at := rs.LastReport()
	assert.False(t, at.IsZero())
}

func TestScheduler_LogsFailure(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	r := &fakeReconciler{err: errors.New("store down")}
	rs := NewReconciliationScheduler(r, zap.New(core))

	rs.RunNow(context.Background())

	assert.Equal(t, 1, logs.FilterMessage("Reconciliation sweep failed").Len())
}

func TestScheduler_AgainstProcessor(t *testing.T) {
	// GIVEN: a real processor over the memory store
	mem := store.NewMemory()
	p := ledger.NewProcessor(mem)
	for _, u := range []ledger.UserID{"alice", "bob", "carol"} {
		_, err := p.ProcessTransaction(context.Background(), ledger.TransactionRequest{
			UserID: u, Amount: ledger.MustParseAmount("5").Decimal(), Type: ledger.TxCredit,
		})
		require.NoError(t, err)
	}
	rs := NewReconciliationScheduler(p, zap.NewNop())
	rs.BatchSize = 2

	// WHEN
	report := rs.RunNow(context.Background())

	// THEN
	assert.Equal(t, 3, report.Checked)
	assert.Empty(t, report.Mismatches)
}
