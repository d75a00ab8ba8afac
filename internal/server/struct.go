package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/docindex-go/internal/index"
	"github.com/54b3r/docindex-go/internal/ingestion"
	"github.com/54b3r/docindex-go/internal/query"
	"github.com/54b3r/docindex-go/internal/rag"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks.
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on /api/v1
	// routes (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all /api/v1 routes.
	// If empty, authentication is disabled.
	APIKey string
	// MaxUploadBytes caps the multipart body of POST /api/v1/documents.
	MaxUploadBytes int64
	// MetricsRegistry receives the server's collectors. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// Ingester accepts uploads and drives ingestion. *ingestion.Pipeline
// satisfies it.
type Ingester interface {
	Accept(ctx context.Context, up ingestion.Upload) (*rag.Document, error)
	Submit(ctx context.Context, docID string) error
	Delete(ctx context.Context, docID string) error
}

// DocumentReader reads document records. rag.DocumentStore satisfies it.
type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (*rag.Document, error)
	ListDocuments(ctx context.Context, status rag.Status, limit int) ([]rag.Document, error)
}

// Searcher answers queries. *query.Engine satisfies it.
type Searcher interface {
	Query(ctx context.Context, req query.Request) ([]query.Result, error)
}

// rebuilder is implemented by indexes that can retrain their partition.
type rebuilder interface {
	Rebuild(ctx context.Context) error
}

// statser is implemented by indexes that describe their partition.
type statser interface {
	Stats(ctx context.Context) (index.Stats, error)
}

// Deps are the components the handlers call.
type Deps struct {
	Ingester  Ingester
	Documents DocumentReader
	Searcher  Searcher
	Index     rag.VectorIndex
}

// Server is the HTTP front end of the document index.
type Server struct {
	deps Deps
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// uploadResponse is the JSON response for POST /api/v1/documents.
type uploadResponse struct {
	DocID     string `json:"doc_id"`
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	ObjectKey string `json:"object_key"`
	Message   string `json:"message"`
}

// documentResponse describes one document. TextPreview is only filled by
// GET /api/v1/documents/{id}.
type documentResponse struct {
	DocID           string            `json:"doc_id"`
	Filename        string            `json:"filename"`
	ContentType     string            `json:"content_type"`
	Size            int64             `json:"size"`
	Status          string            `json:"status"`
	ObjectKey       string            `json:"object_key"`
	PageCount       *int              `json:"page_count,omitempty"`
	ChunkCount      int               `json:"chunk_count"`
	ExtractionError string            `json:"extraction_error,omitempty"`
	ProcessingError string            `json:"processing_error,omitempty"`
	TextPreview     *string           `json:"text_preview,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// listResponse is the JSON response for GET /api/v1/documents.
type listResponse struct {
	Documents []documentResponse `json:"documents"`
	Count     int                `json:"count"`
}

// queryRequest is the JSON body for POST /api/v1/query.
type queryRequest struct {
	Query      string `json:"query"`
	K          int    `json:"k"`
	DocumentID string `json:"document_id"`
	NProbe     int    `json:"nprobe"`
}

// queryResponse is the JSON response for POST /api/v1/query.
type queryResponse struct {
	Query   string         `json:"query"`
	Results []query.Result `json:"results"`
	Count   int            `json:"count"`
}

// errorResponse is the JSON body of every non-2xx API response.
type errorResponse struct {
	Error string `json:"error"`
	// Code is the stable error kind, e.g. "not_found" or "index_busy".
	Code string `json:"code"`
}
