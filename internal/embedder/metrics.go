package embedder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type clientMetrics struct {
	// requests counts batch outcomes by label (ok, canceled, or an error kind).
	requests *prometheus.CounterVec
	retries  prometheus.Counter
}

// newClientMetrics registers the embedding client collectors on reg. A nil
// reg yields working but unregistered collectors.
func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	f := promauto.With(reg)
	return &clientMetrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docindex",
			Subsystem: "embed",
			Name:      "requests_total",
			Help:      "Embedding batch calls by outcome.",
		}, []string{"outcome"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "docindex",
			Subsystem: "embed",
			Name:      "retries_total",
			Help:      "Embedding batch retries after transient provider failures.",
		}),
	}
}
