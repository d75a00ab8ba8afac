// Package ingestion implements the document ingestion pipeline. An upload is
// stored and recorded as a pending document; ingestion then extracts its
// text, chunks it, embeds every chunk, persists the chunks and inserts their
// vectors into the index. A document only reaches completed once all of that
// succeeded; any failure rolls back every chunk and index entry it wrote.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/docindex-go/internal/chunker"
	"github.com/54b3r/docindex-go/internal/extract"
	"github.com/54b3r/docindex-go/internal/rag"
)

// ErrClosed is returned by Submit after Close, or before Start.
var ErrClosed = errors.New("ingestion: pipeline not running")

// cleanupTimeout bounds rollback and status bookkeeping that must run even
// after the caller's context was cancelled.
const cleanupTimeout = 30 * time.Second

// Extractor turns raw bytes into text.
type Extractor interface {
	Extract(ctx context.Context, data []byte, contentType, filename string) (extract.Result, error)
}

// Splitter cuts text into ordered segments.
type Splitter interface {
	Split(text string) []chunker.Segment
}

// Embedder returns one vector per input text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Deps are the collaborators a Pipeline orchestrates.
type Deps struct {
	Documents rag.DocumentStore
	Objects   rag.ObjectStore
	Extractor Extractor
	Chunker   Splitter
	Embedder  Embedder
	Index     rag.VectorIndex

	Logger     *slog.Logger
	Registerer prometheus.Registerer

	// Now overrides the clock used for document timestamps.
	Now func() time.Time
}

// Upload is a file handed to Accept.
type Upload struct {
	Filename string

	// ContentType may be empty or application/octet-stream, in which case it
	// is inferred from the filename extension.
	ContentType string

	Data []byte

	// Metadata is stored on the document, overriding inferred keys.
	Metadata map[string]string
}

// slot marks a document id as claimed by a queued or running ingestion, or
// by a delete in progress.
type slot struct {
	// cancel is nil until the ingestion starts running.
	cancel context.CancelFunc

	// cancelled tells a queued ingestion not to start.
	cancelled bool

	// done is closed when the claim is released.
	done chan struct{}
}

type job struct {
	id string
	s  *slot
}

// Pipeline orchestrates extract → chunk → embed → persist → index for
// uploaded documents. It is safe for concurrent use; ingestions of different
// documents run independently, and at most one ingestion per document id is
// active at any time.
type Pipeline struct {
	docs      rag.DocumentStore
	objects   rag.ObjectStore
	extractor Extractor
	chunker   Splitter
	embedder  Embedder
	index     rag.VectorIndex

	cfg     Config
	log     *slog.Logger
	now     func() time.Time
	metrics *metrics

	mu      sync.Mutex
	slots   map[string]*slot
	queue   chan job
	started bool
	closed  bool
	stop    context.CancelFunc
	workers sync.WaitGroup
	queued  atomic.Int64
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Documents == nil:
		return nil, fmt.Errorf("ingestion: document store must not be nil")
	case deps.Objects == nil:
		return nil, fmt.Errorf("ingestion: object store must not be nil")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("ingestion: extractor must not be nil")
	case deps.Chunker == nil:
		return nil, fmt.Errorf("ingestion: chunker must not be nil")
	case deps.Embedder == nil:
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	case deps.Index == nil:
		return nil, fmt.Errorf("ingestion: index must not be nil")
	}
	cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	p := &Pipeline{
		docs:      deps.Documents,
		objects:   deps.Objects,
		extractor: deps.Extractor,
		chunker:   deps.Chunker,
		embedder:  deps.Embedder,
		index:     deps.Index,
		cfg:       cfg,
		log:       deps.Logger,
		now:       func() time.Time { return deps.Now().UTC() },
		slots:     make(map[string]*slot),
	}
	p.metrics = newMetrics(deps.Registerer, p)
	return p, nil
}

// Accept validates an upload, stores its bytes and records a pending
// document. It does not start ingestion.
func (p *Pipeline) Accept(ctx context.Context, up Upload) (*rag.Document, error) {
	name := filepath.Base(strings.ReplaceAll(up.Filename, `\`, "/"))
	if up.Filename == "" || name == "." || name == "/" {
		return nil, fmt.Errorf("ingestion: filename is required: %w", rag.ErrInvalidInput)
	}
	if len(up.Data) == 0 {
		return nil, fmt.Errorf("ingestion: %s is empty: %w", name, rag.ErrInvalidInput)
	}
	if int64(len(up.Data)) > p.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("ingestion: %s is %d bytes, limit %d: %w",
			name, len(up.Data), p.cfg.MaxUploadBytes, rag.ErrTooLarge)
	}
	ct := extract.Resolve(up.ContentType, name)
	if !p.cfg.allowed(ct) {
		return nil, fmt.Errorf("ingestion: %s: content type %q: %w", name, ct, rag.ErrUnsupportedType)
	}

	key, err := p.objects.Put(ctx, name, up.Data, ct)
	if err != nil {
		return nil, fmt.Errorf("ingestion: store %s: %w", name, err)
	}

	now := p.now()
	doc := &rag.Document{
		ID:          uuid.NewString(),
		Filename:    name,
		ContentType: ct,
		Size:        int64(len(up.Data)),
		ObjectKey:   key,
		Status:      rag.StatusPending,
		Metadata:    mergeMetadata(InferMetadata(name, ct), up.Metadata),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.docs.CreateDocument(ctx, doc); err != nil {
		if derr := p.objects.Delete(context.WithoutCancel(ctx), key); derr != nil {
			p.log.Warn("ingestion: orphaned object after failed create",
				slog.String("object_key", key), slog.String("error", derr.Error()))
		}
		return nil, fmt.Errorf("ingestion: record %s: %w", name, err)
	}

	p.log.Info("ingestion: document accepted",
		slog.String("document_id", doc.ID),
		slog.String("filename", name),
		slog.String("content_type", ct),
		slog.Int64("size", doc.Size),
	)
	return doc, nil
}

// Start launches the worker pool that drains Submit's queue. Workers stop
// when ctx is cancelled or Close is called.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.started {
		return nil
	}

	ctx, p.stop = context.WithCancel(ctx)
	p.queue = make(chan job, p.cfg.QueueSize)
	for range p.cfg.Workers {
		p.workers.Add(1)
		go func() {
			defer p.workers.Done()
			p.work(ctx)
		}()
	}
	p.started = true
	p.log.Info("ingestion: workers started", slog.Int("workers", p.cfg.Workers), slog.Int("queue", p.cfg.QueueSize))
	return nil
}

// Close stops accepting submissions, cancels running ingestions (which roll
// back and are marked failed) and waits for the workers to exit. Documents
// still queued stay pending and can be submitted again.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.started {
		close(p.queue)
	}
	stop := p.stop
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	p.workers.Wait()
	return nil
}

func (p *Pipeline) work(ctx context.Context) {
	for j := range p.queue {
		p.queued.Add(-1)
		if ctx.Err() != nil {
			p.release(j.id, j.s)
			continue
		}
		// Errors are recorded on the document and logged by run.
		_, _ = p.run(ctx, j.id, j.s)
	}
}

// Submit queues docID for asynchronous ingestion and returns immediately.
// Poll the document's Status to follow progress.
func (p *Pipeline) Submit(ctx context.Context, docID string) error {
	doc, err := p.docs.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if doc.Status == rag.StatusProcessing {
		return fmt.Errorf("ingestion: %s: %w", docID, rag.ErrAlreadyProcessing)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.closed {
		return ErrClosed
	}
	if _, busy := p.slots[docID]; busy {
		return fmt.Errorf("ingestion: %s: %w", docID, rag.ErrAlreadyProcessing)
	}
	s := &slot{done: make(chan struct{})}
	select {
	case p.queue <- job{id: docID, s: s}:
		p.slots[docID] = s
		p.queued.Add(1)
		return nil
	default:
		return fmt.Errorf("ingestion: queue full (%d pending): %w", cap(p.queue), rag.ErrIndexBusy)
	}
}

// Ingest runs the full pipeline for docID synchronously and returns the
// document in its final state. A second call for a document that is already
// being ingested fails with rag.ErrAlreadyProcessing.
func (p *Pipeline) Ingest(ctx context.Context, docID string) (*rag.Document, error) {
	s, err := p.claim(docID)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, docID, s)
}

func (p *Pipeline) claim(docID string) (*slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.slots[docID]; busy {
		return nil, fmt.Errorf("ingestion: %s: %w", docID, rag.ErrAlreadyProcessing)
	}
	s := &slot{done: make(chan struct{})}
	p.slots[docID] = s
	return s, nil
}

// release drops the claim s on docID if it still holds it and wakes waiters.
// It must be called exactly once per slot.
func (p *Pipeline) release(docID string, s *slot) {
	p.mu.Lock()
	if p.slots[docID] == s {
		delete(p.slots, docID)
	}
	p.mu.Unlock()
	close(s.done)
}

// Active reports whether docID is queued, ingesting or being deleted.
func (p *Pipeline) Active(docID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.slots[docID]
	return ok
}

func (p *Pipeline) run(ctx context.Context, docID string, s *slot) (*rag.Document, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if s.cancelled {
		p.mu.Unlock()
		p.release(docID, s)
		return nil, fmt.Errorf("ingestion: %s: %w", docID, context.Canceled)
	}
	s.cancel = cancel
	p.mu.Unlock()
	defer p.release(docID, s)

	p.metrics.active.Inc()
	defer p.metrics.active.Dec()

	start := time.Now()
	doc, err := p.ingest(ctx, docID)

	outcome := rag.Kind(err)
	if errors.Is(err, context.Canceled) {
		outcome = "canceled"
	}
	p.metrics.ingestions.WithLabelValues(outcome).Inc()
	p.metrics.duration.Observe(time.Since(start).Seconds())
	return doc, err
}

func (p *Pipeline) ingest(ctx context.Context, docID string) (*rag.Document, error) {
	doc, err := p.docs.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if err := rag.Transition(doc, rag.StatusProcessing, p.now()); err != nil {
		return doc, err
	}
	if err := p.docs.UpdateDocument(ctx, doc); err != nil {
		return doc, fmt.Errorf("ingestion: mark %s processing: %w", docID, err)
	}

	log := p.log.With(slog.String("document_id", docID))
	log.Info("ingestion: started", slog.String("filename", doc.Filename))
	start := time.Now()

	n, err := p.process(ctx, doc)
	if err == nil {
		done := *doc
		done.ChunkCount = n
		if err = rag.Transition(&done, rag.StatusCompleted, p.now()); err == nil {
			err = p.docs.UpdateDocument(ctx, &done)
		}
		if err == nil {
			*doc = done
		}
	}
	if err != nil {
		p.fail(ctx, doc, err, log)
		return doc, err
	}

	p.metrics.chunks.Add(float64(n))
	log.Info("ingestion: completed",
		slog.Int("chunks", n),
		slog.Duration("elapsed", time.Since(start)),
	)
	return doc, nil
}

// process does the work between processing and completed and returns the
// number of chunks indexed.
func (p *Pipeline) process(ctx context.Context, doc *rag.Document) (int, error) {
	// Re-ingestion starts from an empty slate.
	if err := p.clear(ctx, doc.ID); err != nil {
		return 0, err
	}

	text, err := p.text(ctx, doc)
	if err != nil {
		return 0, err
	}
	segs := p.chunker.Split(text)
	if len(segs) == 0 {
		return 0, nil
	}

	texts := make([]string, len(segs))
	for i, s := range segs {
		texts[i] = s.Text
	}
	vecs, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("ingestion: embed %s: %w", doc.ID, err)
	}
	if len(vecs) != len(segs) {
		return 0, fmt.Errorf("ingestion: embed %s: got %d vectors for %d chunks: %w",
			doc.ID, len(vecs), len(segs), rag.ErrProviderUnavailable)
	}

	dim := p.index.Dimension()
	chunks := make([]rag.Chunk, len(segs))
	entries := make([]rag.IndexEntry, len(segs))
	for i, s := range segs {
		if len(vecs[i]) != dim {
			return 0, fmt.Errorf("ingestion: chunk %d of %s has %d dimensions, index expects %d: %w",
				i, doc.ID, len(vecs[i]), dim, rag.ErrDimensionMismatch)
		}
		id := chunkID(doc.ID, i)
		chunks[i] = rag.Chunk{
			ID:         id,
			DocumentID: doc.ID,
			Index:      s.Index,
			Content:    s.Text,
			Embedding:  vecs[i],
			Start:      s.Start,
			End:        s.End,
			Overlap:    s.Overlap,
			Metadata:   map[string]string{"token_estimate": strconv.Itoa(chunker.EstimateTokens(s.Text))},
		}
		entries[i] = rag.IndexEntry{ID: id, DocumentID: doc.ID, Vector: vecs[i]}
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := p.docs.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return 0, fmt.Errorf("ingestion: persist chunks of %s: %w", doc.ID, err)
	}
	if err := p.index.Insert(ctx, entries...); err != nil {
		return 0, fmt.Errorf("ingestion: index chunks of %s: %w", doc.ID, err)
	}
	return len(chunks), nil
}

// text returns the document's extracted text, extracting it from the stored
// object on first use.
func (p *Pipeline) text(ctx context.Context, doc *rag.Document) (string, error) {
	if doc.ExtractedText != nil {
		return *doc.ExtractedText, nil
	}
	data, err := p.objects.Get(ctx, doc.ObjectKey)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, rag.ErrNotFound) {
			return "", fmt.Errorf("ingestion: source object %s: %w: %w", doc.ObjectKey, rag.ErrExtractionFailure, err)
		}
		return "", fmt.Errorf("ingestion: fetch %s: %w", doc.ObjectKey, err)
	}
	res, err := p.extractor.Extract(ctx, data, doc.ContentType, doc.Filename)
	if err != nil {
		return "", err
	}
	doc.ExtractedText = &res.Text
	doc.PageCount = &res.PageCount
	return res.Text, nil
}

// fail rolls back everything the ingestion wrote and records the failure on
// the document.
func (p *Pipeline) fail(ctx context.Context, doc *rag.Document, cause error, log *slog.Logger) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := p.clear(bg, doc.ID); err != nil {
		log.Error("ingestion: rollback failed", slog.String("error", err.Error()))
	}

	if errors.Is(cause, rag.ErrExtractionFailure) {
		doc.ExtractionError = cause.Error()
	} else {
		doc.ProcessingError = cause.Error()
	}
	doc.ChunkCount = 0
	if err := rag.Transition(doc, rag.StatusFailed, p.now()); err != nil {
		log.Error("ingestion: mark failed", slog.String("error", err.Error()))
		return
	}
	if err := p.docs.UpdateDocument(bg, doc); err != nil && !errors.Is(err, rag.ErrNotFound) {
		log.Error("ingestion: record failure", slog.String("error", err.Error()))
	}
	log.Warn("ingestion: failed",
		slog.String("kind", rag.Kind(cause)),
		slog.String("error", cause.Error()),
	)
}

// clear removes every index entry and chunk of docID. Index removal is
// retried while a rebuild holds the index.
func (p *Pipeline) clear(ctx context.Context, docID string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = cleanupTimeout

	op := func() error {
		err := p.index.DeleteDocument(ctx, docID)
		if err == nil || errors.Is(err, rag.ErrIndexBusy) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("ingestion: remove index entries of %s: %w", docID, err)
	}
	if _, err := p.docs.DeleteChunks(ctx, docID); err != nil {
		return fmt.Errorf("ingestion: remove chunks of %s: %w", docID, err)
	}
	return nil
}

// Delete cancels any in-flight ingestion of docID, waits for its rollback,
// then removes the index entries, the chunks and document record, and the
// stored object.
func (p *Pipeline) Delete(ctx context.Context, docID string) error {
	s, err := p.preempt(ctx, docID)
	if err != nil {
		return err
	}
	defer p.release(docID, s)

	doc, err := p.docs.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if err := p.clear(ctx, docID); err != nil {
		return err
	}
	if err := p.docs.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("ingestion: delete %s: %w", docID, err)
	}
	if doc.ObjectKey != "" {
		if err := p.objects.Delete(ctx, doc.ObjectKey); err != nil && !errors.Is(err, rag.ErrNotFound) {
			p.log.Warn("ingestion: could not delete stored object",
				slog.String("document_id", docID),
				slog.String("object_key", doc.ObjectKey),
				slog.String("error", err.Error()),
			)
		}
	}
	p.log.Info("ingestion: document deleted", slog.String("document_id", docID))
	return nil
}

// preempt takes the claim on docID for a delete. A queued ingestion is
// cancelled before it starts; a running one is cancelled and awaited.
func (p *Pipeline) preempt(ctx context.Context, docID string) (*slot, error) {
	for {
		p.mu.Lock()
		cur, busy := p.slots[docID]
		if !busy || cur.cancel == nil && !cur.cancelled {
			if busy {
				// Queued but not started: the worker sees the flag and skips it.
				cur.cancelled = true
			}
			own := &slot{cancelled: true, done: make(chan struct{})}
			p.slots[docID] = own
			p.mu.Unlock()
			return own, nil
		}
		cur.cancelled = true
		if cur.cancel != nil {
			cur.cancel()
		}
		done := cur.done
		p.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Recover marks documents left in processing by a crash as failed and
// removes their partial chunks and index entries. It returns how many
// documents were recovered.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	stuck, err := p.docs.ListDocuments(ctx, rag.StatusProcessing, 0)
	if err != nil {
		return 0, fmt.Errorf("ingestion: recover: %w", err)
	}
	n := 0
	for i := range stuck {
		doc := &stuck[i]
		if p.Active(doc.ID) {
			continue
		}
		if err := p.clear(ctx, doc.ID); err != nil {
			return n, fmt.Errorf("ingestion: recover %s: %w", doc.ID, err)
		}
		doc.ProcessingError = "ingestion interrupted before completion"
		doc.ChunkCount = 0
		if err := rag.Transition(doc, rag.StatusFailed, p.now()); err != nil {
			return n, err
		}
		if err := p.docs.UpdateDocument(ctx, doc); err != nil {
			return n, fmt.Errorf("ingestion: recover %s: %w", doc.ID, err)
		}
		p.log.Warn("ingestion: recovered interrupted document", slog.String("document_id", doc.ID))
		n++
	}
	return n, nil
}

// Restore brings the index in line with the metadata store after a restart.
// An empty index is loaded with every persisted chunk embedding. A populated
// index, typically loaded from a snapshot, is reconciled when it implements
// rag.Inventory: documents whose entries are missing, extra or carry another
// vector are reloaded from the store, and documents the store no longer has
// are dropped. Other populated indexes are left alone. The returned count is
// the number of entries inserted.
func (p *Pipeline) Restore(ctx context.Context) (int, error) {
	have, err := p.index.Count(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("ingestion: restore: %w", err)
	}
	inv, reconcile := p.index.(rag.Inventory)
	if have > 0 && !reconcile {
		return 0, nil
	}
	reconcile = reconcile && have > 0

	var (
		doc      string
		group    []rag.IndexEntry
		stale    bool
		seen     = make(map[string]struct{})
		inserted int
		reloaded int
	)
	// settle runs once per document, after all its entries were streamed.
	// It touches only the index: the store is busy streaming rows.
	settle := func() error {
		if doc == "" {
			return nil
		}
		seen[doc] = struct{}{}
		if reconcile {
			n, err := p.index.Count(ctx, doc)
			if err != nil {
				return err
			}
			if !stale && n == len(group) {
				return nil
			}
			if err := p.index.DeleteDocument(ctx, doc); err != nil {
				return err
			}
			reloaded++
		}
		if err := p.index.Insert(ctx, group...); err != nil {
			return err
		}
		inserted += len(group)
		return nil
	}
	err = p.docs.ForEachEmbedding(ctx, func(e rag.IndexEntry) error {
		if e.DocumentID != doc {
			if err := settle(); err != nil {
				return err
			}
			doc, group, stale = e.DocumentID, nil, false
		}
		group = append(group, e)
		if reconcile && !stale {
			held, err := inv.Holds(ctx, e)
			if err != nil {
				return err
			}
			stale = !held
		}
		return nil
	})
	if err == nil {
		err = settle()
	}
	if err != nil {
		return inserted, fmt.Errorf("ingestion: restore: %w", err)
	}

	if !reconcile {
		p.log.Info("ingestion: index restored from metadata store", slog.Int("entries", inserted))
		return inserted, nil
	}

	indexed, err := inv.Documents(ctx)
	if err != nil {
		return inserted, fmt.Errorf("ingestion: restore: %w", err)
	}
	removed := 0
	for _, id := range indexed {
		if _, ok := seen[id]; ok {
			continue
		}
		if err := p.index.DeleteDocument(ctx, id); err != nil {
			return inserted, fmt.Errorf("ingestion: restore: drop %s: %w", id, err)
		}
		removed++
	}
	p.log.Info("ingestion: index reconciled with metadata store",
		slog.Int("documents_reloaded", reloaded),
		slog.Int("documents_removed", removed),
		slog.Int("entries", inserted),
	)
	return inserted, nil
}

// chunkID derives a stable UUID for chunk index of docID so the same id is
// valid for every index backend.
func chunkID(docID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s#%d", docID, index)).String()
}
