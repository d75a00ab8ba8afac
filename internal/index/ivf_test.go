package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/54b3r/docindex-go/internal/rag"
)

func newTestIndex(t *testing.T, dims, lists int) *IVF {
	t.Helper()
	ix, err := New(Config{Dimensions: dims, Lists: lists, NProbe: lists, Seed: 7, BusyWait: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	return ix
}

func randVec(rng *rand.Rand, dims int) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}

func unit(dims, axis int) []float32 {
	v := make([]float32, dims)
	v[axis] = 1
	return v
}

func fill(t *testing.T, ix *IVF, n int, seed uint64) []rag.IndexEntry {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed))
	entries := make([]rag.IndexEntry, n)
	for i := range entries {
		entries[i] = rag.IndexEntry{
			ID:         fmt.Sprintf("c%04d", i),
			DocumentID: fmt.Sprintf("d%d", i%5),
			Vector:     randVec(rng, ix.Dimension()),
		}
	}
	if err := ix.Insert(context.Background(), entries...); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return entries
}

func TestNew_RejectsBadDimensions(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Dimensions: 0}); !errors.Is(err, rag.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestInsert_DimensionMismatchLeavesIndexEmpty(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t, 1024, 8)
	err := ix.Insert(context.Background(), rag.IndexEntry{ID: "c1", DocumentID: "d1", Vector: make([]float32, 512)})
	if !errors.Is(err, rag.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if n, _ := ix.Count(context.Background(), ""); n != 0 {
		t.Errorf("entries after failed insert: %d", n)
	}
}

func TestInsert_AllOrNothing(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t, 4, 2)
	ctx := context.Background()

	tests := []struct {
		name    string
		entries []rag.IndexEntry
		want    error
	}{
		{"zero norm", []rag.IndexEntry{
			{ID: "a", Vector: unit(4, 0)},
			{ID: "b", Vector: make([]float32, 4)},
		}, rag.ErrInvalidInput},
		{"duplicate in batch", []rag.IndexEntry{
			{ID: "a", Vector: unit(4, 0)},
			{ID: "a", Vector: unit(4, 1)},
		}, rag.ErrInvalidInput},
		{"wrong dimension", []rag.IndexEntry{
			{ID: "a", Vector: unit(4, 0)},
			{ID: "b", Vector: unit(3, 0)},
		}, rag.ErrDimensionMismatch},
		{"missing id", []rag.IndexEntry{{Vector: unit(4, 0)}}, rag.ErrInvalidInput},
	}
	for _, tt := range tests {
		if err := ix.Insert(ctx, tt.entries...); !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
		if n, _ := ix.Count(ctx, ""); n != 0 {
			t.Fatalf("%s: %d entries left behind", tt.name, n)
		}
	}

	if err := ix.Insert(ctx, rag.IndexEntry{ID: "a", Vector: unit(4, 0)}); err != nil {
		t.Fatal(err)
	}
	err := ix.Insert(ctx, rag.IndexEntry{ID: "b", Vector: unit(4, 1)}, rag.IndexEntry{ID: "a", Vector: unit(4, 2)})
	if !errors.Is(err, rag.ErrInvalidInput) {
		t.Fatalf("re-inserting an existing id: got %v", err)
	}
	if n, _ := ix.Count(ctx, ""); n != 1 {
		t.Errorf("entries: got %d, want 1", n)
	}
}

func TestSearch_OrderingAndTies(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t, 3, 2)
	ctx := context.Background()

	entries := []rag.IndexEntry{
		{ID: "z", DocumentID: "d1", Vector: []float32{1, 0, 0}},
		{ID: "b", DocumentID: "d1", Vector: []float32{2, 0, 0}},
		{ID: "m", DocumentID: "d2", Vector: []float32{1, 1, 0}},
		{ID: "q", DocumentID: "d2", Vector: []float32{0, 0, 1}},
		{ID: "n", DocumentID: "d2", Vector: []float32{-1, 0, 0}},
	}
	if err := ix.Insert(ctx, entries...); err != nil {
		t.Fatal(err)
	}

	hits, err := ix.Search(ctx, []float32{3, 0, 0}, 10, rag.SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	wantIDs := []string{"b", "z", "m", "q", "n"}
	if len(hits) != len(wantIDs) {
		t.Fatalf("hits: got %d, want %d", len(hits), len(wantIDs))
	}
	for i, id := range wantIDs {
		if hits[i].ID != id {
			t.Errorf("rank %d: got %s, want %s", i, hits[i].ID, id)
		}
	}
	if hits[0].Score != 1 || hits[4].Score != -1 {
		t.Errorf("scores: first %v last %v", hits[0].Score, hits[4].Score)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Fatalf("scores not descending at %d", i)
		}
	}

	hits, err = ix.Search(ctx, []float32{1, 0, 0}, 2, rag.SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 || hits[0].ID != "b" || hits[1].ID != "z" {
		t.Errorf("top-2 with tie: %+v", hits)
	}
}

func TestSearch_Validation(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t, 3, 2)
	ctx := context.Background()

	if _, err := ix.Search(ctx, []float32{1, 0}, 1, rag.SearchOptions{}); !errors.Is(err, rag.ErrDimensionMismatch) {
		t.Errorf("short query: got %v", err)
	}
	if _, err := ix.Search(ctx, []float32{0, 0, 0}, 1, rag.SearchOptions{}); !errors.Is(err, rag.ErrInvalidInput) {
		t.Errorf("zero query: got %v", err)
	}
	if _, err := ix.Search(ctx, []float32{1, 0, 0}, -1, rag.SearchOptions{}); !errors.Is(err, rag.ErrInvalidInput) {
		t.Errorf("negative k: got %v", err)
	}
	hits, err := ix.Search(ctx, []float32{1, 0, 0}, 5, rag.SearchOptions{})
	if err != nil || len(hits) != 0 {
		t.Errorf("empty index: %v %v", hits, err)
	}
}

func TestSearch_AtMostK(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t, 16, 4)
	fill(t, ix, 50, 1)
	rng := rand.New(rand.NewPCG(9, 9))

	for _, k := range []int{0, 1, 7, 50, 80} {
		hits, err := ix.Search(context.Background(), randVec(rng, 16), k, rag.SearchOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) > k {
			t.Errorf("k=%d: got %d hits", k, len(hits))
		}
		for _, h := range hits {
			if h.Score < -1 || h.Score > 1 {
				t.Errorf("score out of range: %v", h.Score)
			}
		}
	}
}

func TestSearch_ScopedToDocument(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t, 16, 4)
	fill(t, ix, 100, 2)

	hits, err := ix.Search(context.Background(), randVec(rand.New(rand.NewPCG(3, 3)), 16), 100, rag.SearchOptions{DocumentID: "d3"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 20 {
		t.Errorf("scoped hits: got %d, want all 20 of d3", len(hits))
	}
	for _, h := range hits {
		if h.DocumentID != "d3" {
			t.Fatalf("hit from %s in scoped search", h.DocumentID)
		}
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t, 8, 4)
	ctx := context.Background()
	entries := fill(t, ix, 40, 3)

	if err := ix.Delete(ctx, entries[0].ID, "missing"); !errors.Is(err, rag.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n, _ := ix.Count(ctx, ""); n != 40 {
		t.Fatalf("failed delete removed entries: %d left", n)
	}

	if err := ix.Delete(ctx, entries[0].ID, entries[1].ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := ix.Count(ctx, ""); n != 38 {
		t.Errorf("after delete: %d entries", n)
	}

	hits, err := ix.Search(ctx, entries[0].Vector, 40, rag.SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		if h.ID == entries[0].ID || h.ID == entries[1].ID {
			t.Fatalf("deleted id %s still returned", h.ID)
		}
	}

	if err := ix.DeleteDocument(ctx, "d2"); err != nil {
		t.Fatal(err)
	}
	if n, _ := ix.Count(ctx, "d2"); n != 0 {
		t.Errorf("d2 entries after DeleteDocument: %d", n)
	}
	if n, _ := ix.Count(ctx, ""); n != 30 {
		t.Errorf("total after DeleteDocument: %d, want 30", n)
	}
	if err := ix.DeleteDocument(ctx, "unknown"); err != nil {
		t.Errorf("unknown document: %v", err)
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t, 32, 6)
	ctx := context.Background()
	fill(t, ix, 300, 4)
	if err := ix.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ix.Delete(ctx, "c0001"); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := ix.Save(&buf); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(&buf, Config{NProbe: 6})
	if err != nil {
		t.Fatal(err)
	}

	want, _ := ix.Stats(ctx)
	got, _ := loaded.Stats(ctx)
	if fmt.Sprint(want) != fmt.Sprint(got) {
		t.Errorf("stats differ:\n got %+v\nwant %+v", got, want)
	}

	rng := rand.New(rand.NewPCG(5, 5))
	for i := 0; i < 20; i++ {
		q := randVec(rng, 32)
		for _, nprobe := range []int{1, 3} {
			a, err := ix.Search(ctx, q, 10, rag.SearchOptions{NProbe: nprobe})
			if err != nil {
				t.Fatal(err)
			}
			b, err := loaded.Search(ctx, q, 10, rag.SearchOptions{NProbe: nprobe})
			if err != nil {
				t.Fatal(err)
			}
			if fmt.Sprint(a) != fmt.Sprint(b) {
				t.Fatalf("query %d nprobe %d: results differ after reload", i, nprobe)
			}
		}
	}
}

func TestSnapshot_File(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t, 8, 2)
	fill(t, ix, 10, 6)
	path := filepath.Join(t.TempDir(), "snap", "index.divf")

	if err := ix.SaveFile(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadFile(path, Config{Dimensions: 8})
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := loaded.Count(context.Background(), ""); n != 10 {
		t.Errorf("loaded entries: %d", n)
	}

	if _, err := LoadFile(path, Config{Dimensions: 16}); !errors.Is(err, rag.ErrDimensionMismatch) {
		t.Errorf("dimension check on load: got %v", err)
	}
	if _, err := Load(bytes.NewReader([]byte("nope, not a snapshot")), Config{}); !errors.Is(err, rag.ErrInvalidInput) {
		t.Errorf("bad magic: got %v", err)
	}
}

func TestRebuild_KeepsEveryEntryReachable(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t, 16, 8)
	ctx := context.Background()
	entries := fill(t, ix, 400, 8)

	if err := ix.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	st, err := ix.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Trained || st.Entries != 400 || st.ActiveLists != 8 {
		t.Fatalf("unexpected stats after rebuild: %+v", st)
	}

	// A stored vector lives in the list whose centroid is nearest to it, so
	// probing a single list must still find it.
	for _, e := range entries[:50] {
		hits, err := ix.Search(ctx, e.Vector, 1, rag.SearchOptions{NProbe: 1})
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) != 1 || hits[0].ID != e.ID {
			t.Fatalf("self-query for %s returned %+v", e.ID, hits)
		}
	}
}

func TestRebuild_Busy(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t, 4, 2)
	ix.rebuildMu.Lock()
	defer ix.rebuildMu.Unlock()

	if err := ix.Rebuild(context.Background()); !errors.Is(err, rag.ErrIndexBusy) {
		t.Fatalf("expected ErrIndexBusy, got %v", err)
	}
}

func TestOperations_BusyDuringSwap(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t, 4, 2)
	ctx := context.Background()
	if err := ix.Insert(ctx, rag.IndexEntry{ID: "a", Vector: unit(4, 0)}); err != nil {
		t.Fatal(err)
	}

	ix.mu.Lock()
	start := time.Now()
	_, searchErr := ix.Search(ctx, unit(4, 0), 1, rag.SearchOptions{})
	insertErr := ix.Insert(ctx, rag.IndexEntry{ID: "b", Vector: unit(4, 1)})
	ix.mu.Unlock()

	if !errors.Is(searchErr, rag.ErrIndexBusy) || !errors.Is(insertErr, rag.ErrIndexBusy) {
		t.Fatalf("expected ErrIndexBusy, got search=%v insert=%v", searchErr, insertErr)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("busy callers waited %v", elapsed)
	}
	if n, _ := ix.Count(ctx, ""); n != 1 {
		t.Errorf("busy insert changed the index: %d entries", n)
	}
}

func TestNeedsRebuild(t *testing.T) {
	t.Parallel()

	ix, err := New(Config{Dimensions: 8, Lists: 4, MinRebuildSize: 20})
	if err != nil {
		t.Fatal(err)
	}
	fill(t, ix, 10, 10)
	if ix.NeedsRebuild() {
		t.Error("below MinRebuildSize should not need a rebuild")
	}
	fill2 := make([]rag.IndexEntry, 20)
	rng := rand.New(rand.NewPCG(11, 11))
	for i := range fill2 {
		fill2[i] = rag.IndexEntry{ID: fmt.Sprintf("x%d", i), DocumentID: "dx", Vector: randVec(rng, 8)}
	}
	if err := ix.Insert(context.Background(), fill2...); err != nil {
		t.Fatal(err)
	}
	if !ix.NeedsRebuild() {
		t.Error("untrained index above MinRebuildSize should need a rebuild")
	}
	if err := ix.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ix.NeedsRebuild() {
		t.Error("freshly rebuilt index should not need another rebuild")
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t, 16, 8)
	ix.cfg.BusyWait = 10 * time.Second
	ctx := context.Background()
	fill(t, ix, 200, 12)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	report := func(err error) {
		if err != nil && !errors.Is(err, rag.ErrIndexBusy) {
			errs <- err
		}
	}

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 99))
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				report(ix.Insert(ctx, rag.IndexEntry{ID: id, DocumentID: fmt.Sprintf("doc-w%d", w), Vector: randVec(rng, 16)}))
			}
		}()
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(r), 7))
			for i := 0; i < 50; i++ {
				hits, err := ix.Search(ctx, randVec(rng, 16), 5, rag.SearchOptions{})
				report(err)
				if len(hits) > 5 {
					errs <- fmt.Errorf("%d hits for k=5", len(hits))
				}
			}
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		report(ix.DeleteDocument(ctx, "d0"))
	}()
	go func() {
		defer wg.Done()
		report(ix.Rebuild(ctx))
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if n, _ := ix.Count(ctx, "d0"); n != 0 {
		t.Errorf("d0 entries after concurrent delete: %d", n)
	}
	st, err := ix.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	total, _ := ix.Count(ctx, "")
	if st.Entries != total {
		t.Errorf("list sizes sum to %d, id map holds %d", st.Entries, total)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t, 4, 2)
	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ix.Insert(context.Background(), rag.IndexEntry{ID: "a", Vector: unit(4, 0)}); !errors.Is(err, ErrClosed) {
		t.Errorf("insert after close: %v", err)
	}
}

func TestInventory(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t, 4, 2)
	ctx := context.Background()
	e := rag.IndexEntry{ID: "c1", DocumentID: "d1", Vector: []float32{3, 4, 0, 0}}
	if err := ix.Insert(ctx, e, rag.IndexEntry{ID: "c2", DocumentID: "d2", Vector: unit(4, 2)}); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name  string
		entry rag.IndexEntry
		want  bool
	}{
		{"same vector", e, true},
		{"other vector", rag.IndexEntry{ID: "c1", DocumentID: "d1", Vector: unit(4, 1)}, false},
		{"other document", rag.IndexEntry{ID: "c1", DocumentID: "d2", Vector: e.Vector}, false},
		{"unknown id", rag.IndexEntry{ID: "c9", DocumentID: "d1", Vector: e.Vector}, false},
		{"zero vector", rag.IndexEntry{ID: "c1", DocumentID: "d1", Vector: make([]float32, 4)}, false},
	}
	for _, tc := range cases {
		got, err := ix.Holds(ctx, tc.entry)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: Holds = %v, want %v", tc.name, got, tc.want)
		}
	}

	if err := ix.DeleteDocument(ctx, "d2"); err != nil {
		t.Fatal(err)
	}
	docs, err := ix.Documents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0] != "d1" {
		t.Errorf("Documents after delete: got %v, want [d1]", docs)
	}
}

func TestRebuild_ReinsertedDuringTraining(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t, 4, 2)
	ctx := context.Background()
	var entries []rag.IndexEntry
	for i := range 10 {
		entries = append(entries,
			rag.IndexEntry{ID: fmt.Sprintf("a%d", i), DocumentID: "da", Vector: unit(4, 0)},
			rag.IndexEntry{ID: fmt.Sprintf("b%d", i), DocumentID: "db", Vector: unit(4, 1)},
		)
	}
	entries = append(entries, rag.IndexEntry{ID: "x", DocumentID: "dx", Vector: unit(4, 0)})
	if err := ix.Insert(ctx, entries...); err != nil {
		t.Fatal(err)
	}

	pl, err := ix.train(ctx)
	if err != nil {
		t.Fatal(err)
	}
	stale := pl.assigned["x"].list
	want := nearest(pl.centroids, unit(4, 1))
	if stale == want {
		t.Fatalf("training did not separate the clusters: %v", pl.centroids)
	}

	// x moves to the other cluster while the plan is pending.
	if err := ix.Delete(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	if err := ix.Insert(ctx, rag.IndexEntry{ID: "x", DocumentID: "dx", Vector: unit(4, 1)}); err != nil {
		t.Fatal(err)
	}
	if err := ix.swap(pl); err != nil {
		t.Fatal(err)
	}

	if got := ix.loc["x"]; got != want {
		t.Errorf("x swapped into list %d, want %d", got, want)
	}
	hits, err := ix.Search(ctx, unit(4, 1), len(entries), rag.SearchOptions{NProbe: 1})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, h := range hits {
		found = found || h.ID == "x"
	}
	if !found {
		t.Errorf("single-list search missed the re-inserted entry: %+v", hits)
	}
}
