package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// labelHandler partitions HTTP metrics by route pattern rather than raw path,
// keeping document ids out of the label set.
const labelHandler = "handler"

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// Tests inject a fresh prometheus.Registry through Config.MetricsRegistry.
type serverMetrics struct {
	// uploads counts POST /api/v1/documents outcomes by error kind ("ok" on success).
	uploads *prometheus.CounterVec

	// inFlight is the number of requests currently being served.
	inFlight prometheus.Gauge

	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, route pattern, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docindex",
			Subsystem: "api",
			Name:      "uploads_total",
			Help:      "Document uploads, partitioned by outcome.",
		}, []string{"outcome"}),

		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "docindex",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of HTTP requests currently being served.",
		}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docindex",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docindex",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),
	}
}

// instrument records request count, latency and in-flight gauge for next.
// The handler label is the matched ServeMux pattern.
func (m *serverMetrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rw.status)).Inc()
		m.httpDurationSeconds.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}
