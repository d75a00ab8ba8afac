package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/54b3r/docindex-go/internal/rag"
)

// NeedsRebuild reports whether the partition should be retrained: the index
// holds at least MinRebuildSize entries and either was never trained or its
// largest list exceeds ImbalanceThreshold times the mean after a meaningful
// number of mutations since the last rebuild.
func (ix *IVF) NeedsRebuild() bool {
	if !ix.mu.TryRLock() {
		return false
	}
	defer ix.mu.RUnlock()
	if ix.closed {
		return false
	}

	st := ix.statsLocked()
	if st.Entries < ix.cfg.MinRebuildSize {
		return false
	}
	if !st.Trained {
		return true
	}
	if st.Imbalance <= ix.cfg.ImbalanceThreshold {
		return false
	}
	return ix.mutations.Load() >= int64(max(1, st.Entries/10))
}

// Rebuild retrains the centroids with k-means and redistributes every entry.
// Training runs against a snapshot while the index keeps serving; only the
// final redistribution holds the index exclusively. Entries inserted after
// the snapshot are assigned during the swap, deleted ones are dropped.
// A second concurrent Rebuild fails with rag.ErrIndexBusy.
func (ix *IVF) Rebuild(ctx context.Context) error {
	if !ix.rebuildMu.TryLock() {
		ix.metrics.busy.Inc()
		return fmt.Errorf("index: rebuild already running: %w", rag.ErrIndexBusy)
	}
	defer ix.rebuildMu.Unlock()

	start := time.Now()
	err := ix.rebuild(ctx)
	ix.metrics.rebuildSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		ix.metrics.rebuilds.WithLabelValues("error").Inc()
		return err
	}
	ix.metrics.rebuilds.WithLabelValues("ok").Inc()
	return nil
}

func (ix *IVF) rebuild(ctx context.Context) error {
	pl, err := ix.train(ctx)
	if err != nil || pl == nil {
		return err
	}
	return ix.swap(pl)
}

// plan is a trained partition waiting to be swapped in. Each assignment
// keeps the vector it was computed from.
type plan struct {
	centroids [][]float32
	assigned  map[string]assignment
}

type assignment struct {
	list int
	vec  []float32
}

// train runs k-means over a snapshot of the index without blocking it. It
// returns nil for an empty index.
func (ix *IVF) train(ctx context.Context) (*plan, error) {
	ids, vecs, err := ix.snapshotVectors(ctx)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, nil
	}

	rng := rand.New(rand.NewPCG(ix.cfg.Seed, ix.cfg.Seed^0x9e3779b97f4a7c15))
	train := vecs
	if len(train) > ix.cfg.MaxTrainingSize {
		train = sample(vecs, ix.cfg.MaxTrainingSize, rng)
	}

	centroids, err := kmeans(ctx, train, min(len(ix.lists), len(train)), ix.cfg.KMeansIterations, rng)
	if err != nil {
		return nil, fmt.Errorf("index: train centroids: %w", err)
	}

	assigned := make(map[string]assignment, len(ids))
	for i, id := range ids {
		if i%1024 == 0 && ctx.Err() != nil {
			return nil, fmt.Errorf("index: assign entries: %w", ctx.Err())
		}
		assigned[id] = assignment{list: nearest(centroids, vecs[i]), vec: vecs[i]}
	}
	return &plan{centroids: centroids, assigned: assigned}, nil
}

// swap redistributes every entry into the planned lists under the exclusive
// lock. Entries inserted after training, or deleted and re-inserted with a
// new vector, are assigned afresh.
func (ix *IVF) swap(pl *plan) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}

	lists := make([]*list, len(ix.lists))
	for c, centroid := range pl.centroids {
		lists[c] = newList(centroid)
	}
	loc := make(map[string]int, len(pl.assigned))
	for i := 0; i < int(ix.active.Load()); i++ {
		old := ix.lists[i]
		for j, id := range old.ids {
			vec := old.vecs[j]
			a, ok := pl.assigned[id]
			c := a.list
			if !ok || !sameVector(a.vec, vec) {
				c = nearest(pl.centroids, vec)
			}
			lists[c].add(id, old.docs[j], vec)
			loc[id] = c
		}
	}

	ix.locMu.Lock()
	ix.loc = loc
	ix.locMu.Unlock()
	ix.lists = lists
	ix.active.Store(int32(len(pl.centroids)))
	ix.trained.Store(true)
	ix.mutations.Store(0)
	return nil
}

// sameVector reports whether a and b share backing storage. Stored vectors
// are never mutated, so a re-inserted entry always has a new slice.
func sameVector(a, b []float32) bool {
	return len(a) == len(b) && len(a) > 0 && &a[0] == &b[0]
}

// snapshotVectors copies the ids and vector references of every entry.
// Stored vectors are never mutated, so sharing them is safe.
func (ix *IVF) snapshotVectors(ctx context.Context) ([]string, [][]float32, error) {
	if err := ix.acquire(ctx); err != nil {
		return nil, nil, err
	}
	defer ix.mu.RUnlock()

	var (
		ids  []string
		vecs [][]float32
	)
	for i := 0; i < int(ix.active.Load()); i++ {
		l := ix.lists[i]
		l.mu.RLock()
		ids = append(ids, l.ids...)
		vecs = append(vecs, l.vecs...)
		l.mu.RUnlock()
	}
	return ids, vecs, nil
}

// sample returns n vectors chosen uniformly without replacement.
func sample(vecs [][]float32, n int, rng *rand.Rand) [][]float32 {
	idx := rng.Perm(len(vecs))[:n]
	out := make([][]float32, n)
	for i, j := range idx {
		out[i] = vecs[j]
	}
	return out
}

// AutoRebuild runs until ctx is cancelled, rebuilding whenever NeedsRebuild
// reports true after an insert or on every interval tick. A zero interval
// disables the ticker.
func (ix *IVF) AutoRebuild(ctx context.Context, interval time.Duration, log *slog.Logger) {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ix.kick:
		case <-tick:
		}
		if !ix.NeedsRebuild() {
			continue
		}

		start := time.Now()
		err := ix.Rebuild(ctx)
		switch {
		case err == nil:
			st, _ := ix.Stats(ctx)
			log.Info("index: rebuild complete",
				slog.Int("entries", st.Entries),
				slog.Int("lists", st.ActiveLists),
				slog.Float64("imbalance", st.Imbalance),
				slog.Duration("elapsed", time.Since(start)),
			)
		case errors.Is(err, rag.ErrIndexBusy), ctx.Err() != nil:
		default:
			log.Error("index: rebuild failed", slog.String("error", err.Error()))
		}
	}
}
