package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	inserted       prometheus.Counter
	deleted        prometheus.Counter
	busy           prometheus.Counter
	rebuilds       *prometheus.CounterVec
	rebuildSeconds prometheus.Histogram
	searchSeconds  prometheus.Histogram
}

// newMetrics registers the index collectors on reg. A nil reg yields
// working but unregistered collectors.
func newMetrics(reg prometheus.Registerer, ix *IVF) *metrics {
	f := promauto.With(reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "docindex",
		Subsystem: "index",
		Name:      "entries",
		Help:      "Vectors currently held by the index.",
	}, func() float64 {
		ix.locMu.Lock()
		defer ix.locMu.Unlock()
		return float64(len(ix.loc))
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "docindex",
		Subsystem: "index",
		Name:      "lists",
		Help:      "Inverted lists with a centroid.",
	}, func() float64 {
		return float64(ix.active.Load())
	})

	return &metrics{
		inserted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "docindex",
			Subsystem: "index",
			Name:      "inserted_total",
			Help:      "Vectors inserted.",
		}),
		deleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "docindex",
			Subsystem: "index",
			Name:      "deleted_total",
			Help:      "Vectors deleted.",
		}),
		busy: f.NewCounter(prometheus.CounterOpts{
			Namespace: "docindex",
			Subsystem: "index",
			Name:      "busy_total",
			Help:      "Operations rejected with index busy during a rebuild.",
		}),
		rebuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docindex",
			Subsystem: "index",
			Name:      "rebuilds_total",
			Help:      "Centroid rebuilds by outcome.",
		}, []string{"outcome"}),
		rebuildSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docindex",
			Subsystem: "index",
			Name:      "rebuild_duration_seconds",
			Help:      "Wall time of centroid rebuilds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		searchSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docindex",
			Subsystem: "index",
			Name:      "search_duration_seconds",
			Help:      "Latency of index searches.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}
