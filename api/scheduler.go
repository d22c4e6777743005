/*
scheduler.go - Periodic ledger reconciliation

PURPOSE:
  Walks every member on an interval and checks that the stored balance
  equals the sum of the member's transactions. Mismatches are logged at
  Error level and kept in the last sweep summary for the dashboard.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each member is checked under its own lock (Engine.Reconcile)
  - One failing member never stops the sweep
  - The latest summary is served at GET /api/reconciliation

CONFIGURATION:
  - ledger.reconcile_interval: How often to sweep (0 disables)

USAGE:
  scheduler := NewReconciliationScheduler(handler, time.Hour)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - loyalty/engine.go: Reconcile
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SweepResult summarizes one reconciliation pass.
type SweepResult struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Checked    int       `json:"checked"`
	Mismatched []string  `json:"mismatched"`
	Failed     int       `json:"failed"`
}

// ReconciliationScheduler runs reconciliation sweeps in the background.
type ReconciliationScheduler struct {
	Handler       *Handler
	CheckInterval time.Duration

	mu     sync.Mutex
	last   *SweepResult
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReconciliationScheduler(h *Handler, interval time.Duration) *ReconciliationScheduler {
	return &ReconciliationScheduler{Handler: h, CheckInterval: interval}
}

// Start begins sweeping until ctx is done or Stop is called. A
// non-positive interval leaves the scheduler idle.
func (rs *ReconciliationScheduler) Start(ctx context.Context) {
	if rs.CheckInterval <= 0 {
		rs.Handler.Logger.Info("reconciliation scheduler disabled")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	rs.mu.Lock()
	rs.cancel = cancel
	rs.mu.Unlock()

	rs.wg.Add(1)
	go rs.run(ctx)

	rs.Handler.Logger.Info("reconciliation scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	cancel := rs.cancel
	rs.cancel = nil
	rs.mu.Unlock()

	if cancel != nil {
		cancel()
		rs.wg.Wait()
		rs.Handler.Logger.Info("reconciliation scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	ticker := time.NewTicker(rs.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	rs.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			rs.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep reconciles every member once and records the result.
func (rs *ReconciliationScheduler) Sweep(ctx context.Context) SweepResult {
	logger := rs.Handler.Logger
	result := SweepResult{StartedAt: time.Now().UTC(), Mismatched: []string{}}

	members, err := rs.Handler.Directory.List(ctx)
	if err != nil {
		logger.Error("reconciliation: list members", zap.Error(err))
		result.Failed++
	}

	for _, m := range members {
		if ctx.Err() != nil {
			break
		}
		report, err := rs.Handler.Engine.Reconcile(ctx, m.ID)
		if err != nil {
			logger.Warn("reconciliation: member skipped", zap.String("member_id", string(m.ID)), zap.Error(err))
			result.Failed++
			continue
		}
		result.Checked++
		if !report.Consistent {
			result.Mismatched = append(result.Mismatched, string(m.ID))
		}
	}

	result.FinishedAt = time.Now().UTC()
	logger.Info("reconciliation sweep completed",
		zap.Int("checked", result.Checked),
		zap.Int("mismatched", len(result.Mismatched)),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)))

	rs.mu.Lock()
	rs.last = &result
	rs.mu.Unlock()
	return result
}

// LastSweep returns the most recent result, if any.
func (rs *ReconciliationScheduler) LastSweep() (SweepResult, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.last == nil {
		return SweepResult{}, false
	}
	return *rs.last, true
}

// ServeLastSweep handles GET /api/reconciliation.
func (rs *ReconciliationScheduler) ServeLastSweep(w http.ResponseWriter, r *http.Request) {
	result, ok := rs.LastSweep()
	if !ok {
		writeError(w, http.StatusNotFound, "no_sweep", "No reconciliation sweep has run yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ServeSweep handles POST /api/reconciliation: runs a sweep now.
func (rs *ReconciliationScheduler) ServeSweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rs.Sweep(r.Context()))
}
