/*
scheduler.go - Background reconciliation sweeper

PURPOSE:
  Periodically walks every user with a balance row and checks that the
  stored balance equals the sum of its history. Mismatches are logged at
  error level (and reach sentry when configured); nothing is repaired.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Runs one pass immediately on Start, then on every tick
  - Pages users through ledger.Processor.ReconcileAll in batches
  - Keeps the last report for inspection

CONFIGURATION:
  - reconciliation.enabled:    Whether the sweeper runs (default: false)
  - reconciliation.interval:   How often to sweep (default: 1 hour)
  - reconciliation.batch_size: Users per page (default: 200)

USAGE:
  scheduler := NewReconciliationScheduler(processor, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/reconcile.go: Reconcile and ReconcileAll
  - handlers.go: Reconcile endpoint (single user, on demand)
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/token-ledger/ledger"
)

const (
	DefaultReconcileInterval  = time.Hour
	DefaultReconcileBatchSize = 200
)

// Reconciler is the part of ledger.Processor the scheduler drives.
type Reconciler interface {
	ReconcileAll(ctx context.Context, batchSize int) (ledger.ReconcileReport, error)
}

// ReconciliationScheduler sweeps all users on a fixed interval.
type ReconciliationScheduler struct {
	Reconciler    Reconciler
	Log           *zap.Logger
	CheckInterval time.Duration
	BatchSize     int
	Enabled       bool

	ticker *time.Ticker
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu     sync.Mutex
	lastReport ledger.ReconcileReport
	lastRun    time.Time
}

// NewReconciliationScheduler creates an enabled scheduler with default
// interval and batch size.
func NewReconciliationScheduler(r Reconciler, log *zap.Logger) *ReconciliationScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Reconciler:    r,
		Log:           log,
		CheckInterval: DefaultReconcileInterval,
		BatchSize:     DefaultReconcileBatchSize,
		Enabled:       true,
	}
}

// Start begins the scheduler. Calling it twice is a no-op.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Log.Info("Reconciliation scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run(ctx)

	rs.Log.Info("Reconciliation scheduler started",
		zap.Duration("interval", rs.CheckInterval),
		zap.Int("batch_size", rs.BatchSize))
}

// Stop cancels an in-flight sweep and waits for the goroutine to exit.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	rs.cancel()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.Log.Info("Reconciliation scheduler stopped")
}

func (rs *ReconciliationScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.checkAndProcess(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.checkAndProcess(ctx)
		case <-rs.stop:
			return
		}
	}
}

func (rs *ReconciliationScheduler) checkAndProcess(ctx context.Context) {
	start := time.Now()
	report, err := rs.Reconciler.ReconcileAll(ctx, rs.BatchSize)

	rs.lastMu.Lock()
	rs.lastReport = report
	rs.lastRun = start
	rs.lastMu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		rs.Log.Error("Reconciliation sweep failed",
			zap.Error(err),
			zap.Int("checked", report.Checked))
		return
	}

	for _, m := range report.Mismatches {
		rs.Log.Error("Balance does not match history",
			zap.String("user_id", string(m.UserID)),
			zap.Stringer("balance", m.Balance),
			zap.Stringer("history_total", m.HistoryTotal),
			zap.Int("history_rows", m.HistoryRows))
	}
	rs.Log.Info("Reconciliation sweep completed",
		zap.Int("checked", report.Checked),
		zap.Int("mismatches", len(report.Mismatches)),
		zap.Duration("duration", time.Since(start)))
}

// RunNow triggers an immediate sweep on the caller's goroutine.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) ledger.ReconcileReport {
	rs.checkAndProcess(ctx)
	report, _ := rs.LastReport()
	return report
}

// LastReport returns the most recent sweep result and when it started.
func (rs *ReconciliationScheduler) LastReport() (ledger.ReconcileReport, time.Time) {
	rs.lastMu.Lock()
	defer rs.lastMu.Unlock()
	return rs.lastReport, rs.lastRun
}
