// Package reconciliation re-verifies transactions that have been pending at
// a gateway for too long. A missed or dropped webhook leaves a row pending
// forever otherwise.
package reconciliation

import (
	"context"
	"log/slog"
	"time"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/ledger"
	"github.com/safehold/safehold/internal/metrics"
	"github.com/safehold/safehold/internal/transactions"
)

// DefaultBatchSize bounds how many rows one sweep verifies.
const DefaultBatchSize = 100

// PendingLister finds stale pending transactions.
type PendingLister interface {
	ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]*transactions.Transaction, error)
}

// Reconciler verifies a reference with its gateway and settles the outcome.
type Reconciler interface {
	Reconcile(ctx context.Context, reference string) (*ledger.Settlement, error)
}

// Report summarizes one sweep.
type Report struct {
	Checked      int           `json:"checked"`
	Settled      int           `json:"settled"`
	StillPending int           `json:"stillPending"`
	Errors       int           `json:"errors"`
	Duration     time.Duration `json:"duration"`
}

// Sweeper runs the pending sweep.
type Sweeper struct {
	pending   PendingLister
	payments  Reconciler
	age       time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewSweeper creates a sweeper for rows pending longer than age.
func NewSweeper(pending PendingLister, payments Reconciler, age time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		pending:   pending,
		payments:  payments,
		age:       age,
		batchSize: DefaultBatchSize,
		logger:    logger,
	}
}

// RunOnce verifies each stale pending row. A verify error or a still-pending
// answer leaves the row as it is; the sweep never assumes failure.
func (s *Sweeper) RunOnce(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	rows, err := s.pending.ListPendingOlderThan(ctx, s.age, s.batchSize)
	if err != nil {
		sweepErrors.Inc()
		return nil, err
	}

	report := &Report{Checked: len(rows)}
	for _, tx := range rows {
		if ctx.Err() != nil {
			break
		}
		log := s.logger.With("reference", tx.Reference, "gateway", tx.Gateway, "type", tx.Type)

		st, err := s.payments.Reconcile(ctx, tx.Reference)
		switch {
		case err == nil && st.Applied:
			report.Settled++
			metrics.PendingSweepResolvedTotal.WithLabelValues(string(st.Transaction.Status)).Inc()
			log.Info("pending sweep settled transaction", "status", st.Transaction.Status)
		case err == nil:
			// Settled concurrently by a webhook.
			report.Settled++
			metrics.PendingSweepResolvedTotal.WithLabelValues("already_settled").Inc()
		case apperr.Is(err, apperr.KindPending):
			report.StillPending++
			metrics.PendingSweepResolvedTotal.WithLabelValues("still_pending").Inc()
		default:
			report.Errors++
			sweepErrors.Inc()
			metrics.PendingSweepResolvedTotal.WithLabelValues("error").Inc()
			if apperr.Is(err, apperr.KindInconsistentSettlement) {
				log.Error("CRITICAL: pending sweep found inconsistent settlement", "error", err)
			} else {
				log.Warn("pending sweep could not verify transaction", "error", err)
			}
		}
	}

	report.Duration = time.Since(start)
	lastSweepChecked.Set(float64(report.Checked))
	if report.Checked > 0 {
		s.logger.Info("pending sweep finished",
			"checked", report.Checked, "settled", report.Settled,
			"stillPending", report.StillPending, "errors", report.Errors,
			"duration", report.Duration)
	}
	return report, nil
}
