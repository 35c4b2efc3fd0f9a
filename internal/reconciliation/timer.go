package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer runs the pending sweep on an interval. The first sweep runs as soon
// as the timer starts, so rows left pending across a restart are not kept
// waiting a full interval.
type Timer struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	running  atomic.Bool

	mu      sync.Mutex
	last    *Report
	lastAt  time.Time
	lastErr error
}

// NewTimer creates a timer. A non-positive interval means five minutes.
func NewTimer(sweeper *Sweeper, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Status is the outcome of the most recent sweep.
type Status struct {
	Running  bool      `json:"running"`
	Interval string    `json:"interval"`
	LastRun  time.Time `json:"lastRun,omitempty"`
	Last     *Report   `json:"last,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Status returns the most recent sweep outcome.
func (t *Timer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{Running: t.Running(), Interval: t.interval.String(), LastRun: t.lastAt, Last: t.last}
	if t.lastErr != nil {
		s.Error = t.lastErr.Error()
	}
	return s
}

// Start sweeps immediately and then on every tick until ctx ends or Stop is
// called. It blocks; run it in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.safeRun(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in pending sweep", "panic", fmt.Sprint(r))
			t.record(nil, fmt.Errorf("panic: %v", r))
		}
	}()

	report, err := t.sweeper.RunOnce(ctx)
	if err != nil {
		t.logger.Warn("pending sweep failed", "error", err)
	}
	t.record(report, err)
}

func (t *Timer) record(report *Report, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAt = time.Now().UTC()
	t.lastErr = err
	if report != nil {
		t.last = report
	}
}
