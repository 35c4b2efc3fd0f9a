package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	lastSweepChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safehold",
		Subsystem: "reconciliation",
		Name:      "pending_checked",
		Help:      "Number of stale pending transactions checked in the last sweep.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "safehold",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of pending sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safehold",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total pending sweep errors.",
	})
)

func init() {
	prometheus.MustRegister(
		lastSweepChecked,
		sweepDuration,
		sweepErrors,
	)
}
