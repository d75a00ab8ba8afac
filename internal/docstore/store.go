// Package docstore persists document and chunk metadata in a relational
// database. SQLite is the default for single-host deployments; Postgres is
// selected when the DSN is a postgres:// URL. Both dialects share one query
// set written with '?' placeholders and rebound per dialect.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/54b3r/docindex-go/internal/rag"
)

// dialect names the SQL flavour a Store speaks.
type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

// maxInParams caps the number of placeholders in one IN (...) clause.
const maxInParams = 500

// Store implements rag.DocumentStore on top of database/sql.
type Store struct {
	db      *sql.DB
	dialect dialect
}

var _ rag.DocumentStore = (*Store)(nil)

// DB exposes the underlying pool, mainly for health checks and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns "sqlite" or "postgres".
func (s *Store) Dialect() string { return string(s.dialect) }

// rebind rewrites '?' placeholders to '$n' for Postgres.
func (s *Store) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// migrate applies every NNN_*.sql file in fsys whose version is newer than
// the highest recorded in schema_migrations.
func (s *Store) migrate(fsys fs.FS) error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    applied_at BIGINT  NOT NULL
)`); err != nil {
		return fmt.Errorf("docstore: create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("docstore: read schema version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("docstore: read migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		ddl, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("docstore: read migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(ddl)); err != nil {
			return fmt.Errorf("docstore: apply migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(s.rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`),
			version, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("docstore: record migration %s: %w", name, err)
		}
	}
	return nil
}

const documentColumns = `id, filename, content_type, size, object_key, status,
    extraction_error, processing_error, extracted_text, page_count,
    chunk_count, metadata, created_at, updated_at, completed_at`

// CreateDocument inserts a new document record.
func (s *Store) CreateDocument(ctx context.Context, doc *rag.Document) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("docstore: create document: missing id: %w", rag.ErrInvalidInput)
	}
	if !doc.Status.Valid() {
		return fmt.Errorf("docstore: create document %s: status %q: %w", doc.ID, doc.Status, rag.ErrInvalidInput)
	}
	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return fmt.Errorf("docstore: create document %s: %w", doc.ID, err)
	}
	q := s.rebind(`INSERT INTO documents (` + documentColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, q,
		doc.ID, doc.Filename, doc.ContentType, doc.Size, doc.ObjectKey, string(doc.Status),
		doc.ExtractionError, doc.ProcessingError, nullString(doc.ExtractedText), nullInt(doc.PageCount),
		doc.ChunkCount, meta, millis(doc.CreatedAt), millis(doc.UpdatedAt), nullMillis(doc.CompletedAt))
	if err != nil {
		return fmt.Errorf("docstore: create document %s: %w", doc.ID, err)
	}
	return nil
}

// UpdateDocument persists every mutable field of doc.
func (s *Store) UpdateDocument(ctx context.Context, doc *rag.Document) error {
	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return fmt.Errorf("docstore: update document %s: %w", doc.ID, err)
	}
	q := s.rebind(`UPDATE documents SET
    filename = ?, content_type = ?, size = ?, object_key = ?, status = ?,
    extraction_error = ?, processing_error = ?, extracted_text = ?, page_count = ?,
    chunk_count = ?, metadata = ?, updated_at = ?, completed_at = ?
WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q,
		doc.Filename, doc.ContentType, doc.Size, doc.ObjectKey, string(doc.Status),
		doc.ExtractionError, doc.ProcessingError, nullString(doc.ExtractedText), nullInt(doc.PageCount),
		doc.ChunkCount, meta, millis(doc.UpdatedAt), nullMillis(doc.CompletedAt),
		doc.ID)
	if err != nil {
		return fmt.Errorf("docstore: update document %s: %w", doc.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("docstore: update document %s: %w", doc.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("docstore: update document %s: %w", doc.ID, rag.ErrNotFound)
	}
	return nil
}

// GetDocument returns the document record or rag.ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, id string) (*rag.Document, error) {
	q := s.rebind(`SELECT ` + documentColumns + ` FROM documents WHERE id = ?`)
	doc, err := scanDocument(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("docstore: document %s: %w", id, rag.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: get document %s: %w", id, err)
	}
	return doc, nil
}

// ListDocuments returns documents newest first. An empty status lists every
// document; a non-positive limit means no limit.
func (s *Store) ListDocuments(ctx context.Context, status rag.Status, limit int) ([]rag.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("docstore: list documents: %w", err)
	}
	defer rows.Close()

	var docs []rag.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("docstore: list documents scan: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: list documents rows: %w", err)
	}
	return docs, nil
}

// DeleteDocument removes the document and its chunks in one transaction.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("docstore: delete document %s: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM chunks WHERE document_id = ?`), id); err != nil {
		return fmt.Errorf("docstore: delete document %s chunks: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM documents WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("docstore: delete document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("docstore: delete document %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("docstore: delete document %s: %w", id, rag.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("docstore: delete document %s: commit: %w", id, err)
	}
	return nil
}

const chunkColumns = `id, document_id, chunk_index, content, embedding,
    start_offset, end_offset, overlap, metadata`

// ReplaceChunks atomically swaps the chunk set of documentID for chunks.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []rag.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("docstore: replace chunks %s: begin: %w", documentID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM chunks WHERE document_id = ?`), documentID); err != nil {
		return fmt.Errorf("docstore: replace chunks %s: clear: %w", documentID, err)
	}

	if len(chunks) > 0 {
		stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO chunks (`+chunkColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return fmt.Errorf("docstore: replace chunks %s: prepare: %w", documentID, err)
		}
		defer stmt.Close()

		for _, c := range chunks {
			if c.DocumentID != documentID {
				return fmt.Errorf("docstore: chunk %s belongs to %q, not %q: %w",
					c.ID, c.DocumentID, documentID, rag.ErrInvalidInput)
			}
			meta, err := encodeMetadata(c.Metadata)
			if err != nil {
				return fmt.Errorf("docstore: chunk %s: %w", c.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.Index, c.Content,
				float32SliceToBytes(c.Embedding), c.Start, c.End, c.Overlap, meta); err != nil {
				return fmt.Errorf("docstore: insert chunk %s: %w", c.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("docstore: replace chunks %s: commit: %w", documentID, err)
	}
	return nil
}

// DeleteChunks removes all chunks of documentID.
func (s *Store) DeleteChunks(ctx context.Context, documentID string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM chunks WHERE document_id = ?`), documentID)
	if err != nil {
		return 0, fmt.Errorf("docstore: delete chunks %s: %w", documentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("docstore: delete chunks %s: %w", documentID, err)
	}
	return int(n), nil
}

// ListChunks returns the chunks of documentID ordered by index.
func (s *Store) ListChunks(ctx context.Context, documentID string) ([]rag.Chunk, error) {
	q := s.rebind(`SELECT ` + chunkColumns + ` FROM chunks WHERE document_id = ? ORDER BY chunk_index`)
	rows, err := s.db.QueryContext(ctx, q, documentID)
	if err != nil {
		return nil, fmt.Errorf("docstore: list chunks %s: %w", documentID, err)
	}
	defer rows.Close()

	var out []rag.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("docstore: list chunks %s scan: %w", documentID, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: list chunks %s rows: %w", documentID, err)
	}
	return out, nil
}

// GetChunks resolves ids to chunks. Ids with no stored chunk are absent from
// the result.
func (s *Store) GetChunks(ctx context.Context, ids []string) (map[string]rag.Chunk, error) {
	out := make(map[string]rag.Chunk, len(ids))
	for start := 0; start < len(ids); start += maxInParams {
		batch := ids[start:min(start+maxInParams, len(ids))]
		q := `SELECT ` + chunkColumns + ` FROM chunks WHERE id IN (` + placeholders(len(batch)) + `)`
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		if err := s.collectChunks(ctx, s.rebind(q), args, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) collectChunks(ctx context.Context, q string, args []any, out map[string]rag.Chunk) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("docstore: get chunks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return fmt.Errorf("docstore: get chunks scan: %w", err)
		}
		out[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("docstore: get chunks rows: %w", err)
	}
	return nil
}

// ForEachEmbedding streams every stored chunk vector to fn in a stable order.
// fn must not call back into the store: the SQLite backend holds its only
// connection while rows are open.
func (s *Store) ForEachEmbedding(ctx context.Context, fn func(rag.IndexEntry) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, document_id, embedding FROM chunks ORDER BY document_id, chunk_index`)
	if err != nil {
		return fmt.Errorf("docstore: scan embeddings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e    rag.IndexEntry
			blob []byte
		)
		if err := rows.Scan(&e.ID, &e.DocumentID, &blob); err != nil {
			return fmt.Errorf("docstore: scan embeddings: %w", err)
		}
		e.Vector = bytesToFloat32Slice(blob)
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("docstore: scan embeddings rows: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("docstore: ping %s: %w", s.dialect, err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("docstore: close: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (*rag.Document, error) {
	var (
		doc              rag.Document
		status, meta     string
		text             sql.NullString
		pages            sql.NullInt64
		created, updated int64
		completed        sql.NullInt64
	)
	if err := r.Scan(&doc.ID, &doc.Filename, &doc.ContentType, &doc.Size, &doc.ObjectKey, &status,
		&doc.ExtractionError, &doc.ProcessingError, &text, &pages,
		&doc.ChunkCount, &meta, &created, &updated, &completed); err != nil {
		return nil, err
	}
	doc.Status = rag.Status(status)
	if text.Valid {
		doc.ExtractedText = &text.String
	}
	if pages.Valid {
		p := int(pages.Int64)
		doc.PageCount = &p
	}
	md, err := decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	doc.Metadata = md
	doc.CreatedAt = time.UnixMilli(created).UTC()
	doc.UpdatedAt = time.UnixMilli(updated).UTC()
	if completed.Valid {
		t := time.UnixMilli(completed.Int64).UTC()
		doc.CompletedAt = &t
	}
	return &doc, nil
}

func scanChunk(r rowScanner) (rag.Chunk, error) {
	var (
		c    rag.Chunk
		blob []byte
		meta string
	)
	if err := r.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Content, &blob,
		&c.Start, &c.End, &c.Overlap, &meta); err != nil {
		return rag.Chunk{}, err
	}
	c.Embedding = bytesToFloat32Slice(blob)
	md, err := decodeMetadata(meta)
	if err != nil {
		return rag.Chunk{}, err
	}
	c.Metadata = md
	return c, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}
