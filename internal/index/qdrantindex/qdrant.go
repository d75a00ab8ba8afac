// Package qdrantindex provides a rag.VectorIndex backed by a Qdrant
// collection, for deployments that keep vectors outside the process.
package qdrantindex

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/docindex-go/internal/config"
	"github.com/54b3r/docindex-go/internal/rag"
)

const documentField = "document_id"

// Config holds connection parameters for a Qdrant collection.
type Config struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	Collection string

	// Dimensions is the vector size of the collection.
	Dimensions int

	APIKey string
	UseTLS bool
}

// ConfigFromEnv reads the QDRANT_* variables.
func ConfigFromEnv(dims int) Config {
	return Config{
		Host:       config.Env("QDRANT_HOST", "localhost"),
		Port:       config.EnvInt("QDRANT_PORT", 6334),
		Collection: config.Env("QDRANT_COLLECTION", "docindex_chunks"),
		Dimensions: dims,
		APIKey:     config.Env("QDRANT_API_KEY", ""),
		UseTLS:     config.EnvBool("QDRANT_TLS", false),
	}
}

// Store implements rag.VectorIndex on Qdrant. Chunk ids must be UUIDs.
type Store struct {
	client *qdrant.Client
	cfg    Config
}

var (
	_ rag.VectorIndex    = (*Store)(nil)
	_ rag.ScopedSearcher = (*Store)(nil)
)

// New connects to Qdrant and creates the collection (cosine distance) and
// its document_id payload index if they do not exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("qdrant: dimensions must be positive: %w", rag.ErrInvalidInput)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	s := &Store{client: client, cfg: cfg}
	if err := s.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// Client exposes the underlying client for readiness checks.
func (s *Store) Client() *qdrant.Client { return s.client }

func (s *Store) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.cfg.Dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}

	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.cfg.Collection,
		FieldName:      documentField,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to index %s: %w", documentField, err)
	}
	return nil
}

// Dimension returns the collection vector size.
func (s *Store) Dimension() int { return s.cfg.Dimensions }

// SupportsScopedSearch reports that document filters run inside Qdrant.
func (s *Store) SupportsScopedSearch() bool { return true }

// Insert upserts entries in a single request.
func (s *Store) Insert(ctx context.Context, entries ...rag.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(entries))
	for _, e := range entries {
		if err := s.validate(e); err != nil {
			return err
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(e.ID),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{documentField: e.DocumentID}),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}
	return nil
}

func (s *Store) validate(e rag.IndexEntry) error {
	if len(e.Vector) != s.cfg.Dimensions {
		return fmt.Errorf("qdrant: entry %q has %d dimensions, want %d: %w", e.ID, len(e.Vector), s.cfg.Dimensions, rag.ErrDimensionMismatch)
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		return fmt.Errorf("qdrant: entry id %q is not a UUID: %w", e.ID, rag.ErrInvalidInput)
	}
	return nil
}

// Delete removes points by id. Ids that do not exist fail the call with
// rag.ErrNotFound before anything is removed.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}

	found, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.cfg.Collection,
		Ids:            pointIDs,
	})
	if err != nil {
		return fmt.Errorf("qdrant: lookup failed: %w", err)
	}
	if len(found) != len(ids) {
		return fmt.Errorf("qdrant: %d of %d ids missing: %w", len(ids)-len(found), len(ids), rag.ErrNotFound)
	}

	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete failed: %w", err)
	}
	return nil
}

// DeleteDocument removes every point whose payload names documentID.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points:         qdrant.NewPointsSelectorFilter(documentFilter(documentID)),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete document %s failed: %w", documentID, err)
	}
	return nil
}

// Search runs a cosine query. Results are re-sorted so equal scores are
// ordered by ascending id.
func (s *Store) Search(ctx context.Context, query []float32, k int, opts rag.SearchOptions) ([]rag.Hit, error) {
	if len(query) != s.cfg.Dimensions {
		return nil, fmt.Errorf("qdrant: query has %d dimensions, want %d: %w", len(query), s.cfg.Dimensions, rag.ErrDimensionMismatch)
	}
	if k < 0 {
		return nil, fmt.Errorf("qdrant: negative k %d: %w", k, rag.ErrInvalidInput)
	}
	if k == 0 {
		return []rag.Hit{}, nil
	}

	req := &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if opts.DocumentID != "" {
		req.Filter = documentFilter(opts.DocumentID)
	}

	results, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	hits := make([]rag.Hit, 0, len(results))
	for _, r := range results {
		hit := rag.Hit{ID: r.GetId().GetUuid(), Score: r.GetScore()}
		if v, ok := r.GetPayload()[documentField]; ok {
			hit.DocumentID = v.GetStringValue()
		}
		hits = append(hits, hit)
	}
	sortHits(hits)
	return hits, nil
}

// Count returns the exact number of points, optionally for one document.
func (s *Store) Count(ctx context.Context, documentID string) (int, error) {
	req := &qdrant.CountPoints{
		CollectionName: s.cfg.Collection,
		Exact:          qdrant.PtrOf(true),
	}
	if documentID != "" {
		req.Filter = documentFilter(documentID)
	}
	n, err := s.client.Count(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("qdrant: count failed: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func documentFilter(documentID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(documentField, documentID)},
	}
}

func sortHits(hits []rag.Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}
