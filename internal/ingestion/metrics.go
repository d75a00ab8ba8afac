package ingestion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	// ingestions counts finished runs by outcome (ok or an error kind).
	ingestions *prometheus.CounterVec
	duration   prometheus.Histogram
	chunks     prometheus.Counter
	active     prometheus.Gauge
}

// newMetrics registers the pipeline collectors on reg. A nil reg yields
// working but unregistered collectors.
func newMetrics(reg prometheus.Registerer, p *Pipeline) *metrics {
	f := promauto.With(reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "docindex",
		Subsystem: "ingest",
		Name:      "queue_depth",
		Help:      "Submitted ingestions waiting for a worker.",
	}, func() float64 {
		return float64(p.queued.Load())
	})

	return &metrics{
		ingestions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docindex",
			Subsystem: "ingest",
			Name:      "ingestions_total",
			Help:      "Finished ingestions by outcome.",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docindex",
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Wall time of a single document ingestion.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2.5, 10),
		}),
		chunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "docindex",
			Subsystem: "ingest",
			Name:      "chunks_indexed_total",
			Help:      "Chunks persisted and inserted into the vector index.",
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "docindex",
			Subsystem: "ingest",
			Name:      "active",
			Help:      "Ingestions currently running.",
		}),
	}
}
