package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/54b3r/docindex-go/internal/logging"
)

// probeTimeout is the maximum time allowed for each individual dependency
// probe during a readiness check.
const probeTimeout = 5 * time.Second

// Pinger is implemented by any dependency that can report its own
// reachability. Implementations must be safe to call from multiple goroutines.
type Pinger interface {
	// Ping returns nil when the dependency is reachable.
	Ping(ctx context.Context) error

	// Name is the label used in readiness responses (e.g. "metadata", "qdrant").
	Name() string
}

// readyCheck holds the per-dependency result of a readiness probe.
type readyCheck struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// readyResponse is the JSON body returned by GET /api/ready.
type readyResponse struct {
	// Ready is true only when every dependency probe succeeded.
	Ready  bool         `json:"ready"`
	Checks []readyCheck `json:"checks"`
}

// handleReady handles GET /api/ready. Every registered Pinger is probed
// concurrently with probeTimeout; the response is 200 when all succeed and
// 503 otherwise. Checks are reported in registration order.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	checks := make([]readyCheck, len(s.pingers))
	var g errgroup.Group
	for i, p := range s.pingers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			start := time.Now()
			err := p.Ping(ctx)
			checks[i] = readyCheck{Name: p.Name(), OK: err == nil, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				checks[i].Error = err.Error()
				log.Warn("readiness probe failed",
					slog.String("dependency", p.Name()),
					slog.Any("error", err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	resp := readyResponse{Ready: true, Checks: checks}
	for _, c := range checks {
		resp.Ready = resp.Ready && c.OK
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}
