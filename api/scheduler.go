/*
scheduler.go - Periodic ledger reconciliation

PURPOSE:
  Periodically sweeps every live payment and checks that the stored record
  is internally consistent, then records the run for audit and UI display.

CHECKS:
  - Buckets are non-negative and totalPaid/totalOwed match the buckets
  - An open status (pending, partial, completed) matches the one the
    amounts imply

  A discrepancy is logged at WARN and kept on the run. Nothing is repaired
  automatically; corrections go through the normal ledger operations.

CONFIGURATION:
  - CheckInterval: How often to sweep (app.reconcile_interval, 0 disables)

USAGE:
  scheduler := NewReconciliationScheduler(handler, time.Hour)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ListReconciliationRuns, TriggerReconciliation
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/payment-ledger/ledger"
	"github.com/warp/payment-ledger/reporting"
)

// maxRuns bounds the in-memory run history.
const maxRuns = 50

type Discrepancy struct {
	PaymentID     string `json:"paymentId"`
	PaymentNumber string `json:"paymentNumber"`
	Problem       string `json:"problem"`
}

type ReconciliationRun struct {
	ID            string          `json:"id"`
	StartedAt     time.Time       `json:"startedAt"`
	FinishedAt    time.Time       `json:"finishedAt"`
	Trigger       string          `json:"trigger"` // "schedule" or "manual"
	Payments      int             `json:"payments"`
	Outstanding   decimal.Decimal `json:"outstanding"`
	Discrepancies []Discrepancy   `json:"discrepancies"`
	Error         string          `json:"error,omitempty"`
}

// ReconciliationScheduler runs reconciliation sweeps in the background.
type ReconciliationScheduler struct {
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	runs   []ReconciliationRun // newest last
}

func NewReconciliationScheduler(h *Handler, interval time.Duration) *ReconciliationScheduler {
	rs := &ReconciliationScheduler{
		Handler:       h,
		CheckInterval: interval,
		Enabled:       interval > 0,
	}
	h.scheduler = rs
	return rs
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	log := rs.Handler.log
	if !rs.Enabled {
		log.Info("reconciliation scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run(rs.ticker, rs.stop)

	log.Info("reconciliation scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop halts the scheduler and waits for an in-flight sweep.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	if rs.ticker == nil {
		rs.mu.Unlock()
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.ticker = nil
	rs.mu.Unlock()

	rs.wg.Wait()
	rs.Handler.log.Info("reconciliation scheduler stopped")
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()
	for {
		select {
		case <-ticker.C:
			rs.RunNow(context.Background(), "schedule")
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep and records it.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context, trigger string) ReconciliationRun {
	run := ReconciliationRun{
		ID:            uuid.NewString(),
		StartedAt:     time.Now().UTC(),
		Trigger:       trigger,
		Outstanding:   decimal.Zero,
		Discrepancies: []Discrepancy{},
	}
	log := rs.Handler.log.With(zap.String("run_id", run.ID))

	ps, err := rs.Handler.Ledger.List(ctx, ledger.PaymentFilter{})
	if err != nil {
		run.Error = err.Error()
		log.Error("reconciliation failed", zap.Error(err))
	} else {
		run.Payments = len(ps)
		run.Outstanding = reporting.Outstanding("", ps).Total
		run.Discrepancies = Reconcile(ps)
		for _, d := range run.Discrepancies {
			log.Warn("ledger discrepancy",
				zap.String("payment_id", d.PaymentID),
				zap.String("payment_number", d.PaymentNumber),
				zap.String("problem", d.Problem),
			)
		}
	}
	run.FinishedAt = time.Now().UTC()

	rs.mu.Lock()
	rs.runs = append(rs.runs, run)
	if len(rs.runs) > maxRuns {
		rs.runs = rs.runs[len(rs.runs)-maxRuns:]
	}
	rs.mu.Unlock()

	log.Info("reconciliation finished",
		zap.Int("payments", run.Payments),
		zap.Int("discrepancies", len(run.Discrepancies)),
		zap.Duration("took", run.FinishedAt.Sub(run.StartedAt)),
	)
	return run
}

// Runs returns recorded runs, newest first.
func (rs *ReconciliationScheduler) Runs() []ReconciliationRun {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]ReconciliationRun, len(rs.runs))
	for i, r := range rs.runs {
		out[len(rs.runs)-1-i] = r
	}
	return out
}

// Reconcile returns the consistency problems found in ps.
func Reconcile(ps []ledger.Payment) []Discrepancy {
	out := []Discrepancy{}
	for _, p := range ps {
		add := func(format string, args ...any) {
			out = append(out, Discrepancy{
				PaymentID:     string(p.ID),
				PaymentNumber: p.PaymentNumber,
				Problem:       fmt.Sprintf(format, args...),
			})
		}
		if err := p.Amounts.Validate(); err != nil {
			add("%v", err)
		}
		if !p.Status.IsClosed() {
			if want := ledger.DeriveStatus(p.Amounts, p.Status); want != p.Status {
				add("status %s but amounts imply %s", p.Status, want)
			}
		}
	}
	return out
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListReconciliationRuns returns past runs, newest first.
// GET /api/reconciliation/runs
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeJSON(w, http.StatusOK, []ReconciliationRun{})
		return
	}
	writeJSON(w, http.StatusOK, h.scheduler.Runs())
}

// TriggerReconciliation runs a sweep immediately.
// POST /api/reconciliation/run
func (h *Handler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Reconciliation is not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.scheduler.RunNow(r.Context(), "manual"))
}
