// Package rag defines the domain model of the document retrieval engine and
// the interfaces its collaborators satisfy: metadata storage, binary object
// storage, and the vector index. Concrete backends (SQLite, Postgres, MinIO,
// the in-process IVF index, Qdrant) implement these interfaces so the
// pipeline and query engine never depend on a specific backend.
package rag

import (
	"context"
)

// IndexEntry is a single vector held by a VectorIndex.
type IndexEntry struct {
	// ID is the chunk identifier the vector belongs to.
	ID string

	// DocumentID is the owning document, used for cascade deletes and
	// scoped search.
	DocumentID string

	// Vector is the embedding. Its length must equal the index dimension.
	Vector []float32
}

// Hit is one search result returned by a VectorIndex.
type Hit struct {
	ID         string
	DocumentID string
	// Score is the cosine similarity in [-1, 1].
	Score float32
}

// SearchOptions tunes a single search call.
type SearchOptions struct {
	// NProbe overrides the number of lists probed. Zero uses the index default.
	NProbe int

	// DocumentID restricts results to one document when non-empty.
	DocumentID string
}

// VectorIndex stores chunk vectors and answers cosine-similarity queries.
// Implementations must be safe to call from multiple goroutines.
type VectorIndex interface {
	// Dimension returns the fixed vector dimension D.
	Dimension() int

	// Insert adds entries. Either all entries are inserted or none are.
	Insert(ctx context.Context, entries ...IndexEntry) error

	// Delete removes entries by chunk id.
	Delete(ctx context.Context, ids ...string) error

	// DeleteDocument removes every entry owned by documentID.
	DeleteDocument(ctx context.Context, documentID string) error

	// Search returns at most k hits ordered by score descending, ties broken
	// by ascending id.
	Search(ctx context.Context, query []float32, k int, opts SearchOptions) ([]Hit, error)

	// Count returns the number of entries owned by documentID, or the total
	// number of entries when documentID is empty.
	Count(ctx context.Context, documentID string) (int, error)

	// Close releases any resources held by the index.
	Close() error
}

// ScopedSearcher is implemented by indexes whose Search honours
// SearchOptions.DocumentID natively. Callers fall back to over-fetching and
// post-filtering for indexes that do not implement it.
type ScopedSearcher interface {
	SupportsScopedSearch() bool
}

// Inventory is implemented by indexes that can report what they hold, so an
// index loaded from a snapshot can be reconciled against the metadata store.
type Inventory interface {
	// Documents lists every document id with at least one entry.
	Documents(ctx context.Context) ([]string, error)

	// Holds reports whether e.ID is indexed for e.DocumentID with the same
	// vector.
	Holds(ctx context.Context, e IndexEntry) (bool, error)
}

// ChunkReader resolves chunk ids to their stored content.
type ChunkReader interface {
	// GetChunks returns the chunks that still exist, keyed by id. Missing
	// ids are silently absent from the map.
	GetChunks(ctx context.Context, ids []string) (map[string]Chunk, error)

	// GetDocument returns the document record or ErrNotFound.
	GetDocument(ctx context.Context, id string) (*Document, error)
}

// DocumentStore is the relational metadata store for documents and chunks.
// Implementations must be safe to call from multiple goroutines.
type DocumentStore interface {
	ChunkReader

	// CreateDocument inserts a new document record.
	CreateDocument(ctx context.Context, doc *Document) error

	// UpdateDocument persists every mutable field of doc. Returns ErrNotFound
	// when the document no longer exists.
	UpdateDocument(ctx context.Context, doc *Document) error

	// ListDocuments returns documents newest first. An empty status lists all.
	ListDocuments(ctx context.Context, status Status, limit int) ([]Document, error)

	// DeleteDocument removes the document and all of its chunks in a single
	// transaction. Returns ErrNotFound for unknown ids.
	DeleteDocument(ctx context.Context, id string) error

	// ReplaceChunks atomically replaces all chunks of documentID.
	ReplaceChunks(ctx context.Context, documentID string, chunks []Chunk) error

	// DeleteChunks removes all chunks of documentID and returns how many
	// were removed.
	DeleteChunks(ctx context.Context, documentID string) (int, error)

	// ListChunks returns the chunks of documentID ordered by index.
	ListChunks(ctx context.Context, documentID string) ([]Chunk, error)

	// ForEachEmbedding streams every stored chunk embedding, grouped by
	// document and ordered by chunk index. Used to warm or reconcile the
	// vector index after a restart.
	ForEachEmbedding(ctx context.Context, fn func(IndexEntry) error) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}

// ObjectStore holds raw uploaded bytes.
// Implementations must be safe to call from multiple goroutines.
type ObjectStore interface {
	// Put stores data and returns the generated object key.
	Put(ctx context.Context, filename string, data []byte, contentType string) (string, error)

	// Get returns the bytes stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object. Deleting a missing key returns ErrNotFound.
	Delete(ctx context.Context, key string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
