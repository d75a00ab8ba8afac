package index

import (
	"container/heap"
	"sort"

	"github.com/54b3r/docindex-go/internal/rag"
)

// better reports whether a ranks ahead of b: higher score first, then
// lower id.
func better(a, b rag.Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// hitHeap is a min-heap with the worst-ranked hit at the root.
type hitHeap []rag.Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(rag.Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topK keeps the k best hits seen so far.
type topK struct {
	k int
	h hitHeap
}

func newTopK(k int) *topK {
	return &topK{k: k, h: make(hitHeap, 0, k)}
}

func (t *topK) offer(hit rag.Hit) {
	if t.k <= 0 {
		return
	}
	if len(t.h) < t.k {
		heap.Push(&t.h, hit)
		return
	}
	if better(hit, t.h[0]) {
		t.h[0] = hit
		heap.Fix(&t.h, 0)
	}
}

// sorted returns the kept hits best first.
func (t *topK) sorted() []rag.Hit {
	out := make([]rag.Hit, len(t.h))
	copy(out, t.h)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}
