package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/54b3r/docindex-go/internal/logging"
	"github.com/54b3r/docindex-go/internal/query"
	"github.com/54b3r/docindex-go/internal/rag"
)

// maxQueryBody caps the JSON body of POST /api/v1/query.
const maxQueryBody = 64 << 10

// handleQuery handles POST /api/v1/query.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("invalid request body: %w", rag.ErrInvalidInput))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, fmt.Errorf("query is required: %w", rag.ErrInvalidInput))
		return
	}

	results, err := s.deps.Searcher.Query(r.Context(), query.Request{
		Text:       req.Query,
		K:          req.K,
		DocumentID: req.DocumentID,
		NProbe:     req.NProbe,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if results == nil {
		results = []query.Result{}
	}
	writeJSON(w, r, http.StatusOK, queryResponse{Query: req.Query, Results: results, Count: len(results)})
}

// indexStatsResponse is returned for backends without a partition to describe.
type indexStatsResponse struct {
	Backend    string `json:"backend"`
	Dimensions int    `json:"dimensions"`
	Entries    int    `json:"entries"`
}

// handleIndexStats handles GET /api/v1/index/stats.
func (s *Server) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	if st, ok := s.deps.Index.(statser); ok {
		stats, err := st.Stats(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, stats)
		return
	}
	n, err := s.deps.Index.Count(r.Context(), "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, indexStatsResponse{
		Backend:    "remote",
		Dimensions: s.deps.Index.Dimension(),
		Entries:    n,
	})
}

// handleIndexRebuild handles POST /api/v1/index/rebuild. It runs the rebuild
// synchronously; a rebuild already in progress yields 503.
func (s *Server) handleIndexRebuild(w http.ResponseWriter, r *http.Request) {
	rb, ok := s.deps.Index.(rebuilder)
	if !ok {
		writeJSON(w, r, http.StatusNotImplemented, errorResponse{
			Error: "the configured index backend does not support rebuilds",
			Code:  "not_implemented",
		})
		return
	}
	start := time.Now()
	if err := rb.Rebuild(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	elapsed := time.Since(start)
	logging.FromContext(r.Context()).Info("index rebuilt", slog.Duration("duration", elapsed))
	writeJSON(w, r, http.StatusOK, map[string]any{
		"message":     "index rebuilt",
		"duration_ms": elapsed.Milliseconds(),
	})
}
