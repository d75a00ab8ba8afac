// Package index implements an inverted-file (IVF) approximate nearest
// neighbour index over unit-normalised float32 vectors scored by cosine
// similarity.
//
// Vectors are partitioned into L lists, each owning a centroid. A search
// ranks the centroids against the query, scans the n_probe best lists
// exhaustively, and merges a global top-k. Centroids start as the first L
// inserted vectors and are retrained with k-means by Rebuild, which swaps in
// the new partition atomically.
//
// Locking: the index-level RWMutex is held shared by every insert, delete and
// search, and exclusively only while a rebuild swaps partitions. Each list
// has its own RWMutex, exclusive for mutation and shared for scans. Lock
// order is list.mu then locMu.
package index

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/54b3r/docindex-go/internal/rag"
)

// ErrClosed is returned by operations on a closed index.
var ErrClosed = errors.New("index: closed")

type list struct {
	mu       sync.RWMutex
	centroid []float32

	ids  []string
	docs []string
	vecs [][]float32
	pos  map[string]int
}

func newList(centroid []float32) *list {
	return &list{centroid: centroid, pos: make(map[string]int)}
}

func (l *list) add(id, doc string, vec []float32) {
	l.pos[id] = len(l.ids)
	l.ids = append(l.ids, id)
	l.docs = append(l.docs, doc)
	l.vecs = append(l.vecs, vec)
}

// remove swap-deletes id and returns its document.
func (l *list) remove(id string) (string, bool) {
	p, ok := l.pos[id]
	if !ok {
		return "", false
	}
	doc := l.docs[p]
	last := len(l.ids) - 1
	if p != last {
		l.ids[p], l.docs[p], l.vecs[p] = l.ids[last], l.docs[last], l.vecs[last]
		l.pos[l.ids[p]] = p
	}
	l.ids, l.docs, l.vecs = l.ids[:last], l.docs[:last], l.vecs[:last]
	delete(l.pos, id)
	return doc, true
}

// IVF is the in-process vector index. It is safe for concurrent use.
type IVF struct {
	cfg Config

	mu     sync.RWMutex
	closed bool

	// lists has capacity L; only lists[:active] are populated.
	lists  []*list
	active atomic.Int32
	seedMu sync.Mutex

	locMu sync.Mutex
	loc   map[string]int
	byDoc map[string]map[string]struct{}

	rebuildMu sync.Mutex
	trained   atomic.Bool
	mutations atomic.Int64
	kick      chan struct{}

	metrics *metrics
}

var (
	_ rag.VectorIndex    = (*IVF)(nil)
	_ rag.ScopedSearcher = (*IVF)(nil)
	_ rag.Inventory      = (*IVF)(nil)
)

// New returns an empty index.
func New(cfg Config) (*IVF, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("index: dimensions must be positive, got %d: %w", cfg.Dimensions, rag.ErrInvalidInput)
	}
	cfg.withDefaults()
	ix := &IVF{
		cfg:   cfg,
		lists: make([]*list, cfg.Lists),
		loc:   make(map[string]int),
		byDoc: make(map[string]map[string]struct{}),
		kick:  make(chan struct{}, 1),
	}
	ix.metrics = newMetrics(cfg.Registerer, ix)
	return ix, nil
}

// Dimension returns D.
func (ix *IVF) Dimension() int { return ix.cfg.Dimensions }

// SupportsScopedSearch reports that SearchOptions.DocumentID is honoured natively.
func (ix *IVF) SupportsScopedSearch() bool { return true }

// acquire takes the shared index lock, waiting at most BusyWait for a
// rebuild swap to finish.
func (ix *IVF) acquire(ctx context.Context) error {
	if !ix.mu.TryRLock() {
		if err := ix.waitShared(ctx); err != nil {
			return err
		}
	}
	if ix.closed {
		ix.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

func (ix *IVF) waitShared(ctx context.Context) error {
	deadline := time.NewTimer(ix.cfg.BusyWait)
	defer deadline.Stop()
	poll := time.NewTicker(time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			ix.metrics.busy.Inc()
			return fmt.Errorf("index: rebuild in progress: %w", rag.ErrIndexBusy)
		case <-poll.C:
			if ix.mu.TryRLock() {
				return nil
			}
		}
	}
}

type prepared struct {
	id, doc string
	vec     []float32
}

// Insert adds entries. Vectors are validated and normalised up front; if any
// entry is rejected nothing is inserted.
func (ix *IVF) Insert(ctx context.Context, entries ...rag.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := make([]prepared, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if len(e.Vector) != ix.cfg.Dimensions {
			return fmt.Errorf("index: entry %q has %d dimensions, want %d: %w", e.ID, len(e.Vector), ix.cfg.Dimensions, rag.ErrDimensionMismatch)
		}
		if e.ID == "" {
			return fmt.Errorf("index: entry without id: %w", rag.ErrInvalidInput)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("index: duplicate id %q in batch: %w", e.ID, rag.ErrInvalidInput)
		}
		seen[e.ID] = struct{}{}
		vec, ok := normalized(e.Vector)
		if !ok {
			return fmt.Errorf("index: entry %q has zero norm: %w", e.ID, rag.ErrInvalidInput)
		}
		batch[i] = prepared{id: e.ID, doc: e.DocumentID, vec: vec}
	}

	if err := ix.acquire(ctx); err != nil {
		return err
	}
	defer ix.mu.RUnlock()

	ix.locMu.Lock()
	for _, p := range batch {
		if _, exists := ix.loc[p.id]; exists {
			ix.locMu.Unlock()
			return fmt.Errorf("index: id %q already indexed: %w", p.id, rag.ErrInvalidInput)
		}
	}
	ix.locMu.Unlock()

	for i, p := range batch {
		if err := ix.insertOne(p); err != nil {
			for _, done := range batch[:i] {
				ix.deleteOne(done.id)
			}
			return err
		}
	}

	ix.mutations.Add(int64(len(batch)))
	ix.metrics.inserted.Add(float64(len(batch)))
	select {
	case ix.kick <- struct{}{}:
	default:
	}
	return nil
}

func (ix *IVF) insertOne(p prepared) error {
	li := ix.assign(p.vec)
	l := ix.lists[li]

	l.mu.Lock()
	defer l.mu.Unlock()

	ix.locMu.Lock()
	if _, exists := ix.loc[p.id]; exists {
		ix.locMu.Unlock()
		return fmt.Errorf("index: id %q already indexed: %w", p.id, rag.ErrInvalidInput)
	}
	ix.loc[p.id] = li
	ids := ix.byDoc[p.doc]
	if ids == nil {
		ids = make(map[string]struct{})
		ix.byDoc[p.doc] = ids
	}
	ids[p.id] = struct{}{}
	ix.locMu.Unlock()

	l.add(p.id, p.doc, p.vec)
	return nil
}

// assign returns the list for vec, seeding a new list with vec as its
// centroid while fewer than L lists exist. Caller holds mu shared.
func (ix *IVF) assign(vec []float32) int {
	if n := int(ix.active.Load()); n < len(ix.lists) {
		ix.seedMu.Lock()
		defer ix.seedMu.Unlock()
		if n = int(ix.active.Load()); n < len(ix.lists) {
			ix.lists[n] = newList(clone(vec))
			ix.active.Store(int32(n + 1))
			return n
		}
	}
	return ix.nearestList(vec)
}

func (ix *IVF) nearestList(vec []float32) int {
	n := int(ix.active.Load())
	best, bestScore := 0, float32(-2)
	for i := 0; i < n; i++ {
		if s := dot(ix.lists[i].centroid, vec); s > bestScore {
			best, bestScore = i, s
		}
	}
	return best
}

// Delete removes entries by id. Unknown ids fail the whole call with
// rag.ErrNotFound before anything is removed.
func (ix *IVF) Delete(ctx context.Context, ids ...string) error {
	if err := ix.acquire(ctx); err != nil {
		return err
	}
	defer ix.mu.RUnlock()

	ix.locMu.Lock()
	for _, id := range ids {
		if _, ok := ix.loc[id]; !ok {
			ix.locMu.Unlock()
			return fmt.Errorf("index: id %q: %w", id, rag.ErrNotFound)
		}
	}
	ix.locMu.Unlock()

	removed := 0
	for _, id := range ids {
		if ix.deleteOne(id) {
			removed++
		}
	}
	ix.mutations.Add(int64(removed))
	ix.metrics.deleted.Add(float64(removed))
	return nil
}

// DeleteDocument removes every entry owned by documentID. Unknown
// documents are a no-op.
func (ix *IVF) DeleteDocument(ctx context.Context, documentID string) error {
	if err := ix.acquire(ctx); err != nil {
		return err
	}
	defer ix.mu.RUnlock()

	ix.locMu.Lock()
	ids := make([]string, 0, len(ix.byDoc[documentID]))
	for id := range ix.byDoc[documentID] {
		ids = append(ids, id)
	}
	ix.locMu.Unlock()

	removed := 0
	for _, id := range ids {
		if ix.deleteOne(id) {
			removed++
		}
	}
	ix.mutations.Add(int64(removed))
	ix.metrics.deleted.Add(float64(removed))
	return nil
}

// deleteOne removes id if present. Caller holds mu shared.
func (ix *IVF) deleteOne(id string) bool {
	ix.locMu.Lock()
	li, ok := ix.loc[id]
	ix.locMu.Unlock()
	if !ok {
		return false
	}

	l := ix.lists[li]
	l.mu.Lock()
	defer l.mu.Unlock()

	ix.locMu.Lock()
	defer ix.locMu.Unlock()
	if cur, ok := ix.loc[id]; !ok || cur != li {
		return false
	}
	doc, ok := l.remove(id)
	if !ok {
		return false
	}
	delete(ix.loc, id)
	if ids := ix.byDoc[doc]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(ix.byDoc, doc)
		}
	}
	return true
}

// Search returns up to k hits ordered by score descending, ties by id.
// With opts.DocumentID set the search is exact over that document's entries.
func (ix *IVF) Search(ctx context.Context, query []float32, k int, opts rag.SearchOptions) ([]rag.Hit, error) {
	if len(query) != ix.cfg.Dimensions {
		return nil, fmt.Errorf("index: query has %d dimensions, want %d: %w", len(query), ix.cfg.Dimensions, rag.ErrDimensionMismatch)
	}
	if k < 0 {
		return nil, fmt.Errorf("index: negative k %d: %w", k, rag.ErrInvalidInput)
	}
	q, ok := normalized(query)
	if !ok {
		return nil, fmt.Errorf("index: query has zero norm: %w", rag.ErrInvalidInput)
	}
	if k == 0 {
		return []rag.Hit{}, nil
	}

	start := time.Now()
	if err := ix.acquire(ctx); err != nil {
		return nil, err
	}
	defer ix.mu.RUnlock()

	top := newTopK(k)
	if opts.DocumentID != "" {
		ix.scanDocument(q, opts.DocumentID, top)
	} else {
		nprobe := opts.NProbe
		if nprobe <= 0 {
			nprobe = ix.cfg.NProbe
		}
		for _, li := range ix.probe(q, nprobe) {
			ix.scanList(ix.lists[li], q, top)
		}
	}

	ix.metrics.searchSeconds.Observe(time.Since(start).Seconds())
	return top.sorted(), nil
}

// probe returns the nprobe lists whose centroids are most similar to q.
func (ix *IVF) probe(q []float32, nprobe int) []int {
	n := int(ix.active.Load())
	order := make([]int, n)
	scores := make([]float32, n)
	for i := 0; i < n; i++ {
		order[i] = i
		scores[i] = dot(ix.lists[i].centroid, q)
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	if nprobe < n {
		order = order[:nprobe]
	}
	return order
}

func (ix *IVF) scanList(l *list, q []float32, top *topK) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i, v := range l.vecs {
		top.offer(rag.Hit{ID: l.ids[i], DocumentID: l.docs[i], Score: clampScore(dot(q, v))})
	}
}

func (ix *IVF) scanDocument(q []float32, documentID string, top *topK) {
	ix.locMu.Lock()
	byList := make(map[int][]string)
	for id := range ix.byDoc[documentID] {
		li := ix.loc[id]
		byList[li] = append(byList[li], id)
	}
	ix.locMu.Unlock()

	for li, ids := range byList {
		l := ix.lists[li]
		l.mu.RLock()
		for _, id := range ids {
			if p, ok := l.pos[id]; ok {
				top.offer(rag.Hit{ID: id, DocumentID: documentID, Score: clampScore(dot(q, l.vecs[p]))})
			}
		}
		l.mu.RUnlock()
	}
}

// Count returns the entries owned by documentID, or all entries when it is empty.
func (ix *IVF) Count(_ context.Context, documentID string) (int, error) {
	ix.locMu.Lock()
	defer ix.locMu.Unlock()
	if documentID == "" {
		return len(ix.loc), nil
	}
	return len(ix.byDoc[documentID]), nil
}

// Documents returns the ids of every document with indexed entries, in no
// particular order.
func (ix *IVF) Documents(_ context.Context) ([]string, error) {
	ix.locMu.Lock()
	defer ix.locMu.Unlock()
	out := make([]string, 0, len(ix.byDoc))
	for doc, ids := range ix.byDoc {
		if len(ids) > 0 {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Holds reports whether e.ID is indexed under e.DocumentID with a vector
// equal to e.Vector after normalisation.
func (ix *IVF) Holds(ctx context.Context, e rag.IndexEntry) (bool, error) {
	want, ok := normalized(e.Vector)
	if !ok || len(want) != ix.cfg.Dimensions {
		return false, nil
	}
	if err := ix.acquire(ctx); err != nil {
		return false, err
	}
	defer ix.mu.RUnlock()

	ix.locMu.Lock()
	li, ok := ix.loc[e.ID]
	ix.locMu.Unlock()
	if !ok {
		return false, nil
	}

	l := ix.lists[li]
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.pos[e.ID]
	if !ok || l.docs[p] != e.DocumentID {
		return false, nil
	}
	return slices.Equal(l.vecs[p], want), nil
}

// Stats describes the current partition.
type Stats struct {
	Dimensions  int     `json:"dimensions"`
	Lists       int     `json:"lists"`
	ActiveLists int     `json:"active_lists"`
	Entries     int     `json:"entries"`
	Documents   int     `json:"documents"`
	ListSizes   []int   `json:"list_sizes"`
	Imbalance   float64 `json:"imbalance"`
	Trained     bool    `json:"trained"`
}

// Stats returns a point-in-time description of the index.
func (ix *IVF) Stats(ctx context.Context) (Stats, error) {
	if err := ix.acquire(ctx); err != nil {
		return Stats{}, err
	}
	defer ix.mu.RUnlock()
	return ix.statsLocked(), nil
}

func (ix *IVF) statsLocked() Stats {
	n := int(ix.active.Load())
	st := Stats{
		Dimensions:  ix.cfg.Dimensions,
		Lists:       len(ix.lists),
		ActiveLists: n,
		ListSizes:   make([]int, n),
		Trained:     ix.trained.Load(),
	}
	largest := 0
	for i := 0; i < n; i++ {
		l := ix.lists[i]
		l.mu.RLock()
		size := len(l.ids)
		l.mu.RUnlock()
		st.ListSizes[i] = size
		st.Entries += size
		largest = max(largest, size)
	}
	if st.Entries > 0 {
		st.Imbalance = float64(largest) / (float64(st.Entries) / float64(n))
	}
	ix.locMu.Lock()
	st.Documents = len(ix.byDoc)
	ix.locMu.Unlock()
	return st
}

// Close marks the index closed. Subsequent operations return ErrClosed.
func (ix *IVF) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.closed = true
	return nil
}
