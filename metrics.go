package backfill

import (
	"github.com/drpcorg/backfill/txn"
	"github.com/prometheus/client_golang/prometheus"
)

var BatchCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "backfill",
	Subsystem: "executor",
	Name:      "batches",
}, []string{"result"})

var BatchItems = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "backfill",
	Subsystem: "executor",
	Name:      "items",
})

var BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "backfill",
	Subsystem: "executor",
	Name:      "batch_duration",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
})

var RangesComplete = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "backfill",
	Subsystem: "coordinator",
	Name:      "ranges_complete",
})

// RegisterMetrics registers every collector of this module, including the txn
// package's, with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(BatchCount, BatchItems, BatchDuration, RangesComplete,
		txn.Commits, txn.Retries)
}
