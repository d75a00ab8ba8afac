package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/54b3r/docindex-go/internal/chunker"
	"github.com/54b3r/docindex-go/internal/docstore"
	"github.com/54b3r/docindex-go/internal/extract"
	"github.com/54b3r/docindex-go/internal/index"
	"github.com/54b3r/docindex-go/internal/objectstore"
	"github.com/54b3r/docindex-go/internal/rag"
)

const testDims = 8

// fakeEmbedder returns deterministic vectors derived from the text. When
// block is set, Embed signals entered and waits for release or cancellation.
type fakeEmbedder struct {
	dims    int
	err     error
	block   bool
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{dims: testDims, entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.block {
		f.entered <- struct{}{}
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		h := fnv.New64a()
		_, _ = h.Write([]byte(t))
		sum := h.Sum64()
		v := make([]float32, f.dims)
		for j := range v {
			v[j] = float32((sum>>(j*4))&0xf) + 1
		}
		out[i] = v
	}
	return out, nil
}

type harness struct {
	p     *Pipeline
	store *docstore.Store
	objs  *objectstore.FSStore
	ix    *index.IVF
	emb   *fakeEmbedder
	reg   *prometheus.Registry
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := docstore.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	objs, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("object store: %v", err)
	}
	ix, err := index.New(index.Config{Dimensions: testDims, Lists: 4, BusyWait: 5 * time.Second})
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	t.Cleanup(func() { _ = ix.Close() })

	ch, err := chunker.New(chunker.Config{Size: 60, Overlap: 10})
	if err != nil {
		t.Fatalf("chunker: %v", err)
	}

	emb := newFakeEmbedder()
	reg := prometheus.NewRegistry()
	p, err := NewPipeline(Deps{
		Documents:  store,
		Objects:    objs,
		Extractor:  extract.New(),
		Chunker:    ch,
		Embedder:   emb,
		Index:      ix,
		Registerer: reg,
	}, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return &harness{p: p, store: store, objs: objs, ix: ix, emb: emb, reg: reg}
}

// pipelineWith builds a second pipeline over the harness stores and ix.
func (h *harness) pipelineWith(t *testing.T, ix rag.VectorIndex) *Pipeline {
	t.Helper()
	p, err := NewPipeline(Deps{
		Documents: h.store,
		Objects:   h.objs,
		Extractor: extract.New(),
		Chunker:   h.p.chunker,
		Embedder:  h.emb,
		Index:     ix,
	}, Config{})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func (h *harness) accept(t *testing.T, name, body string) *rag.Document {
	t.Helper()
	doc, err := h.p.Accept(context.Background(), Upload{Filename: name, Data: []byte(body)})
	if err != nil {
		t.Fatalf("accept %s: %v", name, err)
	}
	return doc
}

func (h *harness) indexCount(t *testing.T, docID string) int {
	t.Helper()
	n, err := h.ix.Count(context.Background(), docID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func (h *harness) chunkCount(t *testing.T, docID string) int {
	t.Helper()
	chunks, err := h.store.ListChunks(context.Background(), docID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	return len(chunks)
}

func (h *harness) waitStatus(t *testing.T, docID string, want rag.Status) *rag.Document {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		doc, err := h.store.GetDocument(context.Background(), docID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if doc.Status == want {
			return doc
		}
		if time.Now().After(deadline) {
			t.Fatalf("document %s: want status %s, still %s", docID, want, doc.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

const refundText = `Refund policy

Customers may request a refund within thirty days of purchase. Refunds are issued to the original payment method.

Shipping

Orders ship within two business days. International shipping takes longer.`

func Test_Pipeline_IngestCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	doc := h.accept(t, "policy.txt", refundText)
	if doc.Status != rag.StatusPending {
		t.Fatalf("accepted document: want pending, got %s", doc.Status)
	}
	if doc.ContentType != extract.TypeText {
		t.Errorf("content type: want inferred %s, got %s", extract.TypeText, doc.ContentType)
	}

	got, err := h.p.Ingest(ctx, doc.ID)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got.Status != rag.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("want completed with timestamp, got %s / %v", got.Status, got.CompletedAt)
	}
	if got.ChunkCount < 2 {
		t.Fatalf("want several chunks, got %d", got.ChunkCount)
	}

	stored, err := h.store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != rag.StatusCompleted || stored.ChunkCount != got.ChunkCount {
		t.Errorf("stored document out of sync: %+v", stored)
	}
	if stored.ExtractedText == nil || *stored.ExtractedText != refundText {
		t.Error("extracted text not persisted")
	}
	if stored.PageCount == nil || *stored.PageCount != 1 {
		t.Errorf("page count: got %v", stored.PageCount)
	}
	if n := h.chunkCount(t, doc.ID); n != got.ChunkCount {
		t.Errorf("chunks in store: want %d, got %d", got.ChunkCount, n)
	}
	chunks, err := h.store.ListChunks(ctx, doc.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	for _, c := range chunks {
		want := strconv.Itoa(chunker.EstimateTokens(c.Content))
		if c.Metadata["token_estimate"] != want {
			t.Errorf("chunk %d token_estimate: want %s, got %q", c.Index, want, c.Metadata["token_estimate"])
		}
	}
	if n := h.indexCount(t, doc.ID); n != got.ChunkCount {
		t.Errorf("entries in index: want %d, got %d", got.ChunkCount, n)
	}
	if v := testutil.ToFloat64(h.p.metrics.ingestions.WithLabelValues("ok")); v != 1 {
		t.Errorf("ingestions_total{outcome=ok}: want 1, got %v", v)
	}
}

func Test_Pipeline_ChunksCoverText(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	doc := h.accept(t, "policy.md", refundText)
	if _, err := h.p.Ingest(ctx, doc.ID); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	chunks, err := h.store.ListChunks(ctx, doc.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	segs := make([]chunker.Segment, len(chunks))
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
		if len(c.Embedding) != testDims {
			t.Fatalf("chunk %d embedding has %d dims", i, len(c.Embedding))
		}
		segs[i] = chunker.Segment{Index: c.Index, Text: c.Content, Start: c.Start, End: c.End, Overlap: c.Overlap}
	}
	if got := chunker.Reconstruct(segs); got != refundText {
		t.Errorf("chunks do not reconstruct the text:\n%q", got)
	}
}

func Test_Pipeline_AcceptValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxUploadBytes: 16})
	ctx := context.Background()

	tests := []struct {
		name string
		up   Upload
		want error
	}{
		{"missing filename", Upload{Data: []byte("x")}, rag.ErrInvalidInput},
		{"empty data", Upload{Filename: "a.txt"}, rag.ErrInvalidInput},
		{"too large", Upload{Filename: "a.txt", Data: []byte(strings.Repeat("x", 17))}, rag.ErrTooLarge},
		{"unsupported", Upload{Filename: "a.png", Data: []byte("png")}, rag.ErrUnsupportedType},
		{"declared unsupported", Upload{Filename: "a.txt", ContentType: "image/png", Data: []byte("x")}, rag.ErrUnsupportedType},
	}
	for _, tc := range tests {
		if _, err := h.p.Accept(ctx, tc.up); !errors.Is(err, tc.want) {
			t.Errorf("%s: want %v, got %v", tc.name, tc.want, err)
		}
	}
	docs, err := h.store.ListDocuments(ctx, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("rejected uploads must not create documents, got %d", len(docs))
	}
}

func Test_Pipeline_AcceptMetadata(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	doc, err := h.p.Accept(context.Background(), Upload{
		Filename: "refund_policy.md",
		Data:     []byte("# Refunds"),
		Metadata: map[string]string{"owner": "support"},
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if doc.Metadata["title"] != "refund policy" || doc.Metadata["owner"] != "support" || doc.Metadata["format"] != "markdown" {
		t.Errorf("unexpected metadata: %v", doc.Metadata)
	}
	if !strings.HasPrefix(doc.ObjectKey, "documents/") || !strings.HasSuffix(doc.ObjectKey, "_refund_policy.md") {
		t.Errorf("unexpected object key %q", doc.ObjectKey)
	}
}

func Test_Pipeline_EmbeddingFailureRollsBack(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.emb.err = errors.Join(rag.ErrProviderUnavailable, errors.New("connection refused"))

	doc := h.accept(t, "policy.txt", refundText)
	_, err := h.p.Ingest(context.Background(), doc.ID)
	if !errors.Is(err, rag.ErrProviderUnavailable) {
		t.Fatalf("want ErrProviderUnavailable, got %v", err)
	}

	stored := h.waitStatus(t, doc.ID, rag.StatusFailed)
	if stored.ProcessingError == "" || stored.ExtractionError != "" {
		t.Errorf("want processing error only, got %+v", stored)
	}
	if stored.CompletedAt == nil {
		t.Error("failed document must carry completed_at")
	}
	if n := h.indexCount(t, doc.ID); n != 0 {
		t.Errorf("want 0 index entries after failure, got %d", n)
	}
	if n := h.chunkCount(t, doc.ID); n != 0 {
		t.Errorf("want 0 chunks after failure, got %d", n)
	}
}

func Test_Pipeline_DimensionMismatchFailsClosed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.emb.dims = testDims / 2

	doc := h.accept(t, "policy.txt", refundText)
	_, err := h.p.Ingest(context.Background(), doc.ID)
	if !errors.Is(err, rag.ErrDimensionMismatch) {
		t.Fatalf("want ErrDimensionMismatch, got %v", err)
	}
	h.waitStatus(t, doc.ID, rag.StatusFailed)
	if n := h.indexCount(t, ""); n != 0 {
		t.Errorf("want empty index, got %d", n)
	}
}

func Test_Pipeline_ExtractionFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	doc := h.accept(t, "scan.pdf", "this is not a pdf")
	_, err := h.p.Ingest(context.Background(), doc.ID)
	if !errors.Is(err, rag.ErrExtractionFailure) {
		t.Fatalf("want ErrExtractionFailure, got %v", err)
	}
	stored := h.waitStatus(t, doc.ID, rag.StatusFailed)
	if stored.ExtractionError == "" {
		t.Error("extraction error not recorded")
	}
	if h.emb.calls != 0 {
		t.Error("embedder must not run after extraction failure")
	}
}

func Test_Pipeline_WhitespaceCompletesEmpty(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	doc := h.accept(t, "blank.txt", "   \n\n\t  ")
	got, err := h.p.Ingest(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got.Status != rag.StatusCompleted || got.ChunkCount != 0 {
		t.Errorf("want completed with 0 chunks, got %s/%d", got.Status, got.ChunkCount)
	}
}

func Test_Pipeline_ReingestReplaces(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	doc := h.accept(t, "policy.txt", refundText)
	first, err := h.p.Ingest(ctx, doc.ID)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	second, err := h.p.Ingest(ctx, doc.ID)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.ChunkCount != first.ChunkCount {
		t.Errorf("chunk count changed: %d -> %d", first.ChunkCount, second.ChunkCount)
	}
	if n := h.indexCount(t, doc.ID); n != first.ChunkCount {
		t.Errorf("re-ingest must not duplicate entries: want %d, got %d", first.ChunkCount, n)
	}
}

func Test_Pipeline_FailedDocumentCanBeRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.emb.err = rag.ErrProviderUnavailable

	doc := h.accept(t, "policy.txt", refundText)
	if _, err := h.p.Ingest(ctx, doc.ID); err == nil {
		t.Fatal("first ingest should fail")
	}
	h.emb.err = nil
	got, err := h.p.Ingest(ctx, doc.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.Status != rag.StatusCompleted || got.ProcessingError != "" {
		t.Errorf("retry should complete and clear the error, got %s / %q", got.Status, got.ProcessingError)
	}
}

func Test_Pipeline_SecondIngestRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.emb.block = true
	doc := h.accept(t, "policy.txt", refundText)

	errc := make(chan error, 1)
	go func() {
		_, err := h.p.Ingest(context.Background(), doc.ID)
		errc <- err
	}()
	<-h.emb.entered

	if _, err := h.p.Ingest(context.Background(), doc.ID); !errors.Is(err, rag.ErrAlreadyProcessing) {
		t.Errorf("second ingest: want ErrAlreadyProcessing, got %v", err)
	}
	close(h.emb.release)
	if err := <-errc; err != nil {
		t.Fatalf("first ingest: %v", err)
	}
}

func Test_Pipeline_DeleteCancelsInFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.emb.block = true
	ctx := context.Background()
	doc := h.accept(t, "policy.txt", refundText)

	errc := make(chan error, 1)
	go func() {
		_, err := h.p.Ingest(ctx, doc.ID)
		errc <- err
	}()
	<-h.emb.entered

	if err := h.p.Delete(ctx, doc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("ingest: want context.Canceled, got %v", err)
	}
	if _, err := h.store.GetDocument(ctx, doc.ID); !errors.Is(err, rag.ErrNotFound) {
		t.Errorf("document should be gone, got %v", err)
	}
	if n := h.indexCount(t, doc.ID); n != 0 {
		t.Errorf("want 0 entries, got %d", n)
	}
	if _, err := h.objs.Get(ctx, doc.ObjectKey); !errors.Is(err, rag.ErrNotFound) {
		t.Errorf("object should be gone, got %v", err)
	}
}

func Test_Pipeline_DeleteCompleted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	keep := h.accept(t, "keep.txt", refundText)
	drop := h.accept(t, "drop.txt", "Shipping takes two days. Returns are free.")
	for _, d := range []*rag.Document{keep, drop} {
		if _, err := h.p.Ingest(ctx, d.ID); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	if err := h.p.Delete(ctx, drop.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := h.indexCount(t, drop.ID); n != 0 {
		t.Errorf("deleted document still has %d entries", n)
	}
	if n := h.indexCount(t, keep.ID); n == 0 {
		t.Error("other document lost its entries")
	}
	if err := h.p.Delete(ctx, drop.ID); !errors.Is(err, rag.ErrNotFound) {
		t.Errorf("second delete: want ErrNotFound, got %v", err)
	}
}

func Test_Pipeline_SubmitRunsAsync(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 2})
	ctx := context.Background()

	doc := h.accept(t, "policy.txt", refundText)
	if err := h.p.Submit(ctx, doc.ID); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit before start: want ErrClosed, got %v", err)
	}
	if err := h.p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.p.Submit(ctx, doc.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := h.waitStatus(t, doc.ID, rag.StatusCompleted)
	if got.ChunkCount == 0 {
		t.Error("want chunks after async ingestion")
	}
	if err := h.p.Submit(ctx, "missing"); !errors.Is(err, rag.ErrNotFound) {
		t.Errorf("submit unknown: want ErrNotFound, got %v", err)
	}
}

func Test_Pipeline_SubmitQueueFull(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1, QueueSize: 1})
	h.emb.block = true
	ctx := context.Background()
	if err := h.p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	a := h.accept(t, "a.txt", "alpha document body")
	b := h.accept(t, "b.txt", "beta document body")
	c := h.accept(t, "c.txt", "gamma document body")

	if err := h.p.Submit(ctx, a.ID); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	<-h.emb.entered
	if err := h.p.Submit(ctx, a.ID); !errors.Is(err, rag.ErrAlreadyProcessing) {
		t.Errorf("resubmit a: want ErrAlreadyProcessing, got %v", err)
	}
	if err := h.p.Submit(ctx, b.ID); err != nil {
		t.Fatalf("submit b: %v", err)
	}
	if err := h.p.Submit(ctx, c.ID); !errors.Is(err, rag.ErrIndexBusy) {
		t.Errorf("submit c: want ErrIndexBusy, got %v", err)
	}

	close(h.emb.release)
	h.waitStatus(t, a.ID, rag.StatusCompleted)
	h.waitStatus(t, b.ID, rag.StatusCompleted)
}

func Test_Pipeline_DeleteQueued(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1, QueueSize: 4})
	h.emb.block = true
	ctx := context.Background()
	if err := h.p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	a := h.accept(t, "a.txt", "alpha document body")
	b := h.accept(t, "b.txt", "beta document body")
	if err := h.p.Submit(ctx, a.ID); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	<-h.emb.entered
	if err := h.p.Submit(ctx, b.ID); err != nil {
		t.Fatalf("submit b: %v", err)
	}

	if err := h.p.Delete(ctx, b.ID); err != nil {
		t.Fatalf("delete queued: %v", err)
	}
	close(h.emb.release)
	h.waitStatus(t, a.ID, rag.StatusCompleted)
	if _, err := h.store.GetDocument(ctx, b.ID); !errors.Is(err, rag.ErrNotFound) {
		t.Errorf("queued document should be deleted, got %v", err)
	}
	if n := h.indexCount(t, b.ID); n != 0 {
		t.Errorf("queued document must never be indexed, got %d entries", n)
	}
}

func Test_Pipeline_Recover(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	doc := h.accept(t, "policy.txt", refundText)
	if err := rag.Transition(doc, rag.StatusProcessing, time.Now()); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := h.store.UpdateDocument(ctx, doc); err != nil {
		t.Fatalf("update: %v", err)
	}

	n, err := h.p.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 recovered, got %d", n)
	}
	got := h.waitStatus(t, doc.ID, rag.StatusFailed)
	if got.ProcessingError == "" {
		t.Error("recovered document should explain the failure")
	}
	if _, err := h.p.Ingest(ctx, doc.ID); err != nil {
		t.Errorf("recovered document should be re-ingestible: %v", err)
	}
}

func Test_Pipeline_Restore(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	doc := h.accept(t, "policy.txt", refundText)
	done, err := h.p.Ingest(ctx, doc.ID)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	fresh, err := index.New(index.Config{Dimensions: testDims, Lists: 4})
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	defer fresh.Close()
	p2 := h.pipelineWith(t, fresh)

	n, err := p2.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != done.ChunkCount {
		t.Errorf("restored %d entries, want %d", n, done.ChunkCount)
	}
	if again, err := p2.Restore(ctx); err != nil || again != 0 {
		t.Errorf("restore into up-to-date index: want 0/nil, got %d/%v", again, err)
	}
	if got, _ := fresh.Count(ctx, ""); got != done.ChunkCount {
		t.Errorf("index holds %d entries after second restore, want %d", got, done.ChunkCount)
	}
}

func Test_Pipeline_RestoreReconcilesSnapshot(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	kept := h.accept(t, "policy.txt", refundText)
	if _, err := h.p.Ingest(ctx, kept.ID); err != nil {
		t.Fatalf("ingest kept: %v", err)
	}
	gone := h.accept(t, "faq.txt", "Questions and answers about delivery windows and returns.")
	if _, err := h.p.Ingest(ctx, gone.ID); err != nil {
		t.Fatalf("ingest gone: %v", err)
	}

	var snap bytes.Buffer
	if err := h.ix.Save(&snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Work done after the snapshot was taken.
	late := h.accept(t, "late.txt", "Warranty claims are handled by the manufacturer for two years after delivery.")
	if _, err := h.p.Ingest(ctx, late.ID); err != nil {
		t.Fatalf("ingest late: %v", err)
	}
	if err := h.p.Delete(ctx, gone.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	loaded, err := index.Load(&snap, index.Config{Dimensions: testDims, Lists: 4})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer loaded.Close()
	if n, _ := loaded.Count(ctx, late.ID); n != 0 {
		t.Fatalf("snapshot should predate late document, holds %d of its entries", n)
	}

	p2 := h.pipelineWith(t, loaded)
	n, err := p2.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	lateChunks := h.chunkCount(t, late.ID)
	if n != lateChunks {
		t.Errorf("restore inserted %d entries, want %d", n, lateChunks)
	}
	for _, tc := range []struct {
		name, id string
		want     int
	}{
		{"kept", kept.ID, h.chunkCount(t, kept.ID)},
		{"late", late.ID, lateChunks},
		{"deleted", gone.ID, 0},
	} {
		if got, _ := loaded.Count(ctx, tc.id); got != tc.want {
			t.Errorf("%s document: index holds %d entries, want %d", tc.name, got, tc.want)
		}
	}
	if total, _ := loaded.Count(ctx, ""); total != h.chunkCount(t, kept.ID)+lateChunks {
		t.Errorf("index total %d does not match the store", total)
	}
	docs, err := loaded.Documents(ctx)
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("want 2 indexed documents, got %v", docs)
	}
}

// busyIndex fails every insert as if a rebuild held the index.
type busyIndex struct {
	*index.IVF
}

func (busyIndex) Insert(context.Context, ...rag.IndexEntry) error {
	return fmt.Errorf("index: swap in progress: %w", rag.ErrIndexBusy)
}

func Test_Pipeline_IndexInsertFailureRollsBack(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	p := h.pipelineWith(t, busyIndex{h.ix})

	doc, err := p.Accept(ctx, Upload{Filename: "policy.txt", Data: []byte(refundText)})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err = p.Ingest(ctx, doc.ID)
	if !errors.Is(err, rag.ErrIndexBusy) {
		t.Fatalf("want ErrIndexBusy, got %v", err)
	}

	stored := h.waitStatus(t, doc.ID, rag.StatusFailed)
	if stored.ProcessingError == "" {
		t.Error("processing error not recorded")
	}
	if stored.ChunkCount != 0 {
		t.Errorf("chunk count: want 0, got %d", stored.ChunkCount)
	}
	if n := h.chunkCount(t, doc.ID); n != 0 {
		t.Errorf("chunks persisted before the insert must be rolled back, got %d", n)
	}
	if n := h.indexCount(t, ""); n != 0 {
		t.Errorf("want empty index, got %d", n)
	}
}

func Test_Pipeline_NilDeps(t *testing.T) {
	t.Parallel()
	if _, err := NewPipeline(Deps{}, Config{}); err == nil {
		t.Fatal("want error for missing dependencies")
	}
}
