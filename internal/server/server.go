// Package server exposes the document index over HTTP: uploads, document
// status, deletion, queries and index administration under /api/v1, plus
// liveness, readiness and Prometheus metrics endpoints.
// The server is started by the `docindex serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/docindex-go/internal/ingestion"
	"github.com/54b3r/docindex-go/internal/logging"
	"github.com/54b3r/docindex-go/internal/rag"
)

// New constructs a Server from deps and cfg.
func New(deps Deps, cfg *Config) (*Server, error) {
	if deps.Ingester == nil || deps.Documents == nil || deps.Searcher == nil || deps.Index == nil {
		return nil, fmt.Errorf("server: ingester, documents, searcher and index are required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		// Uploads of large PDFs need more than the usual few seconds.
		cfg.ReadTimeout = 2 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = ingestion.DefaultMaxUploadBytes
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		deps:    deps,
		cfg:     cfg,
		log:     cfg.Logger,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(cfg.MetricsRegistry),
	}

	rl, stop := newRateLimiter(cfg.RateLimit, cfg.RateBurst, cfg.Logger)
	s.stopRL = stop

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.routes(rl),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	if cfg.APIKey == "" {
		s.log.Warn("server: DOCINDEX_API_KEY is not set, /api/v1 is unauthenticated")
	}
	return s, nil
}

// routes builds the handler tree. /api/v1 routes are authenticated and rate
// limited; health, readiness and metrics are not.
func (s *Server) routes(rl *rateLimiter) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/documents", s.handleUpload)
	api.HandleFunc("GET /api/v1/documents", s.handleListDocuments)
	api.HandleFunc("GET /api/v1/documents/{id}", s.handleGetDocument)
	api.HandleFunc("DELETE /api/v1/documents/{id}", s.handleDeleteDocument)
	api.HandleFunc("POST /api/v1/documents/{id}/ingest", s.handleIngest)
	api.HandleFunc("POST /api/v1/query", s.handleQuery)
	api.HandleFunc("GET /api/v1/index/stats", s.handleIndexStats)
	api.HandleFunc("POST /api/v1/index/rebuild", s.handleIndexRebuild)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.MetricsGatherer, promhttp.HandlerOpts{}))
	mux.Handle("/api/v1/", rl.middleware(authMiddleware(s.cfg.APIKey, api)))

	return requestLogger(s.log, s.metrics.instrument(mux))
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server: listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		s.log.Info("server: stopped")
		return nil
	}
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("response encode error", slog.Any("error", err))
	}
}

// writeError maps err to an HTTP status and writes an errorResponse.
// Server-side failures are logged; client errors are not.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request failed",
			slog.Int("status", status),
			slog.String("kind", rag.Kind(err)),
			slog.Any("error", err),
		)
	}
	writeJSON(w, r, status, errorResponse{Error: err.Error(), Code: rag.Kind(err)})
}

// statusFor returns the HTTP status for err.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ingestion.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch rag.Kind(err) {
	case "not_found":
		return http.StatusNotFound
	case "invalid_input", "invalid_transition":
		return http.StatusBadRequest
	case "already_processing":
		return http.StatusConflict
	case "index_busy":
		return http.StatusServiceUnavailable
	case "provider_unavailable":
		return http.StatusBadGateway
	case "extraction_failure":
		return http.StatusUnprocessableEntity
	case "too_large":
		return http.StatusRequestEntityTooLarge
	case "unsupported_type":
		return http.StatusUnsupportedMediaType
	default:
		// dimension_mismatch and anything unclassified are server faults.
		return http.StatusInternalServerError
	}
}
