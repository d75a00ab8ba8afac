// Package query answers natural-language queries against the vector index.
// The query text is embedded with the same client used at ingestion, the
// index returns the nearest chunk ids, and the engine resolves them to chunk
// content and source filename.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/54b3r/docindex-go/internal/config"
	"github.com/54b3r/docindex-go/internal/rag"
)

// Embedder embeds a single query string.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Config holds the engine settings.
type Config struct {
	// DefaultK is used when a request leaves K at zero.
	DefaultK int

	// MaxK caps K.
	MaxK int

	// OverFetch multiplies K for document-filtered searches on indexes
	// without native scoped search.
	OverFetch int

	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

func (c *Config) withDefaults() {
	if c.DefaultK <= 0 {
		c.DefaultK = 5
	}
	if c.MaxK <= 0 {
		c.MaxK = 100
	}
	if c.DefaultK > c.MaxK {
		c.DefaultK = c.MaxK
	}
	if c.OverFetch <= 1 {
		c.OverFetch = 4
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConfigFromEnv reads QUERY_DEFAULT_K, QUERY_MAX_K and QUERY_OVERFETCH.
func ConfigFromEnv(log *slog.Logger, reg prometheus.Registerer) Config {
	return Config{
		DefaultK:   config.EnvInt("QUERY_DEFAULT_K", 5),
		MaxK:       config.EnvInt("QUERY_MAX_K", 100),
		OverFetch:  config.EnvInt("QUERY_OVERFETCH", 4),
		Logger:     log,
		Registerer: reg,
	}
}

// Request is a single query.
type Request struct {
	Text string

	// K is the number of results wanted after filtering. Zero means DefaultK.
	K int

	// DocumentID restricts results to one document when non-empty.
	DocumentID string

	// NProbe overrides the index's probe count. Zero uses the index default.
	NProbe int
}

// Result is one ranked chunk.
type Result struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	Content    string  `json:"content"`
	Score      float32 `json:"score"`
	ChunkIndex int     `json:"chunk_index"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
}

// Engine runs queries. It is safe for concurrent use.
type Engine struct {
	embedder Embedder
	index    rag.VectorIndex
	chunks   rag.ChunkReader
	cfg      Config
	log      *slog.Logger

	queries  *prometheus.CounterVec
	duration prometheus.Histogram
	searches prometheus.Histogram
}

// NewEngine wires an engine over the given collaborators.
func NewEngine(embedder Embedder, index rag.VectorIndex, chunks rag.ChunkReader, cfg Config) (*Engine, error) {
	switch {
	case embedder == nil:
		return nil, fmt.Errorf("query: embedder must not be nil")
	case index == nil:
		return nil, fmt.Errorf("query: index must not be nil")
	case chunks == nil:
		return nil, fmt.Errorf("query: chunk reader must not be nil")
	}
	cfg.withDefaults()

	f := promauto.With(cfg.Registerer)
	return &Engine{
		embedder: embedder,
		index:    index,
		chunks:   chunks,
		cfg:      cfg,
		log:      cfg.Logger,
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docindex",
			Subsystem: "query",
			Name:      "requests_total",
			Help:      "Queries by outcome.",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docindex",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "End-to-end query latency including embedding.",
			Buckets:   prometheus.DefBuckets,
		}),
		searches: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docindex",
			Subsystem: "query",
			Name:      "index_searches",
			Help:      "Index searches issued per query.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8},
		}),
	}, nil
}

// Query returns up to K results ordered by descending score, ties broken by
// ascending chunk id.
func (e *Engine) Query(ctx context.Context, req Request) ([]Result, error) {
	start := time.Now()
	res, err := e.query(ctx, req)
	outcome := rag.Kind(err)
	if errors.Is(err, context.Canceled) {
		outcome = "canceled"
	}
	e.queries.WithLabelValues(outcome).Inc()
	e.duration.Observe(time.Since(start).Seconds())
	if err != nil && outcome != "canceled" {
		e.log.Warn("query: failed", slog.String("kind", outcome), slog.String("error", err.Error()))
	}
	return res, err
}

func (e *Engine) query(ctx context.Context, req Request) ([]Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, fmt.Errorf("query: empty query text: %w", rag.ErrInvalidInput)
	}
	if req.K < 0 {
		return nil, fmt.Errorf("query: k must not be negative, got %d: %w", req.K, rag.ErrInvalidInput)
	}
	k := req.K
	if k == 0 {
		k = e.cfg.DefaultK
	}
	k = min(k, e.cfg.MaxK)

	vec, err := e.embedder.EmbedOne(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("query: embed: %w", err)
	}
	if d := e.index.Dimension(); len(vec) != d {
		return nil, fmt.Errorf("query: embedding has %d dimensions, index expects %d: %w", len(vec), d, rag.ErrDimensionMismatch)
	}

	opts := rag.SearchOptions{NProbe: req.NProbe}
	fetch := k
	filter := req.DocumentID
	if filter != "" {
		if s, ok := e.index.(rag.ScopedSearcher); ok && s.SupportsScopedSearch() {
			opts.DocumentID = filter
		} else {
			fetch = k * e.cfg.OverFetch
		}
	}

	searches := 0
	defer func() { e.searches.Observe(float64(searches)) }()
	for {
		hits, err := e.index.Search(ctx, vec, fetch, opts)
		searches++
		if err != nil {
			return nil, fmt.Errorf("query: search: %w", err)
		}
		results, err := e.resolve(ctx, hits, filter, k)
		if err != nil {
			return nil, err
		}
		// Fewer hits than asked means the probed lists are exhausted.
		if len(results) >= k || len(hits) < fetch {
			return results, nil
		}
		fetch *= 2
	}
}

// resolve keeps hits that pass the document filter and whose chunk still
// exists, attaches content and filename, and stops at k.
func (e *Engine) resolve(ctx context.Context, hits []rag.Hit, filter string, k int) ([]Result, error) {
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if filter == "" || h.DocumentID == filter {
			ids = append(ids, h.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	chunks, err := e.chunks.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("query: resolve chunks: %w", err)
	}

	filenames := make(map[string]string)
	out := make([]Result, 0, min(k, len(ids)))
	for _, h := range hits {
		if len(out) == k {
			break
		}
		if filter != "" && h.DocumentID != filter {
			continue
		}
		c, ok := chunks[h.ID]
		if !ok {
			// Deleted after the search; not an error.
			continue
		}
		name, ok := filenames[c.DocumentID]
		if !ok {
			doc, err := e.chunks.GetDocument(ctx, c.DocumentID)
			switch {
			case errors.Is(err, rag.ErrNotFound):
				name = ""
			case err != nil:
				return nil, fmt.Errorf("query: resolve document %s: %w", c.DocumentID, err)
			default:
				name = doc.Filename
			}
			filenames[c.DocumentID] = name
		}
		out = append(out, Result{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Filename:   name,
			Content:    c.Content,
			Score:      h.Score,
			ChunkIndex: c.Index,
			Start:      c.Start,
			End:        c.End,
		})
	}
	return out, nil
}
