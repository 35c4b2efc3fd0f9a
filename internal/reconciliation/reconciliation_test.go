package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/ledger"
	"github.com/safehold/safehold/internal/transactions"
)

type stubLister struct {
	rows     []*transactions.Transaction
	err      error
	gotAge   time.Duration
	gotLimit int
}

func (s *stubLister) ListPendingOlderThan(_ context.Context, age time.Duration, limit int) ([]*transactions.Transaction, error) {
	s.gotAge, s.gotLimit = age, limit
	return s.rows, s.err
}

type stubReconciler struct {
	calls   []string
	answers map[string]func() (*ledger.Settlement, error)
}

func (s *stubReconciler) Reconcile(_ context.Context, ref string) (*ledger.Settlement, error) {
	s.calls = append(s.calls, ref)
	return s.answers[ref]()
}

func settled(status transactions.Status, applied bool) func() (*ledger.Settlement, error) {
	return func() (*ledger.Settlement, error) {
		return &ledger.Settlement{Transaction: &transactions.Transaction{Status: status}, Applied: applied}, nil
	}
}

func failWith(err error) func() (*ledger.Settlement, error) {
	return func() (*ledger.Settlement, error) { return nil, err }
}

func pending(refs ...string) []*transactions.Transaction {
	out := make([]*transactions.Transaction, len(refs))
	for i, ref := range refs {
		out[i] = &transactions.Transaction{Reference: ref, Status: transactions.StatusPending, Gateway: "Paystack"}
	}
	return out
}

func TestSweeper_RunOnce(t *testing.T) {
	lister := &stubLister{rows: pending("pay_ok", "pay_fail", "pay_dup", "pay_wait", "pay_down", "pay_bad")}
	recon := &stubReconciler{answers: map[string]func() (*ledger.Settlement, error){
		"pay_ok":   settled(transactions.StatusSuccess, true),
		"pay_fail": settled(transactions.StatusFailed, true),
		"pay_dup":  settled(transactions.StatusSuccess, false),
		"pay_wait": failWith(transactions.ErrStillPending),
		"pay_down": failWith(apperr.Upstream("Paystack", errors.New("timeout"))),
		"pay_bad":  failWith(transactions.ErrInconsistentSettlement),
	}}

	s := NewSweeper(lister, recon, 15*time.Minute, slog.Default())
	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, lister.gotAge)
	assert.Equal(t, DefaultBatchSize, lister.gotLimit)
	assert.Len(t, recon.calls, 6)
	assert.Equal(t, 6, report.Checked)
	assert.Equal(t, 3, report.Settled)
	assert.Equal(t, 1, report.StillPending)
	assert.Equal(t, 2, report.Errors)
}

func TestSweeper_ListError(t *testing.T) {
	s := NewSweeper(&stubLister{err: errors.New("db down")}, &stubReconciler{}, time.Minute, slog.Default())
	_, err := s.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestSweeper_StopsOnCancel(t *testing.T) {
	lister := &stubLister{rows: pending("pay_1", "pay_2")}
	recon := &stubReconciler{answers: map[string]func() (*ledger.Settlement, error){
		"pay_1": settled(transactions.StatusSuccess, true),
		"pay_2": settled(transactions.StatusSuccess, true),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := NewSweeper(lister, recon, time.Minute, slog.Default()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, recon.calls)
	assert.Equal(t, 2, report.Checked)
}

func TestTimer_RunsAndStops(t *testing.T) {
	lister := &stubLister{rows: pending("pay_1")}
	recon := &stubReconciler{answers: map[string]func() (*ledger.Settlement, error){
		"pay_1": failWith(transactions.ErrStillPending),
	}}
	timer := NewTimer(NewSweeper(lister, recon, time.Minute, slog.Default()), 10*time.Millisecond, slog.Default())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return timer.Running() }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	timer.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
	assert.NotPanics(t, timer.Stop, "second Stop is a no-op")

	st := timer.Status()
	require.NotNil(t, st.Last)
	assert.Equal(t, 1, st.Last.Checked)
	assert.False(t, st.LastRun.IsZero())
	assert.Empty(t, st.Error)
}

func TestTimer_SweepsOnStart(t *testing.T) {
	lister := &stubLister{rows: pending("pay_1")}
	recon := &stubReconciler{answers: map[string]func() (*ledger.Settlement, error){
		"pay_1": failWith(transactions.ErrStillPending),
	}}
	timer := NewTimer(NewSweeper(lister, recon, time.Minute, slog.Default()), time.Hour, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return timer.Status().Last != nil }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 1, timer.Status().Last.StillPending)
}

func TestTimer_RecoversFromPanic(t *testing.T) {
	recon := &stubReconciler{answers: map[string]func() (*ledger.Settlement, error){
		"pay_1": func() (*ledger.Settlement, error) { panic("boom") },
	}}
	timer := NewTimer(NewSweeper(&stubLister{rows: pending("pay_1")}, recon, time.Minute, slog.Default()), time.Hour, slog.Default())
	assert.NotPanics(t, func() { timer.safeRun(context.Background()) })
	assert.Contains(t, timer.Status().Error, "boom")
}

func TestNewTimer_DefaultInterval(t *testing.T) {
	timer := NewTimer(nil, 0, slog.Default())
	assert.Equal(t, 5*time.Minute, timer.interval)
}
