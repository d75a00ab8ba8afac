package index

import (
	"context"
	"math/rand/v2"
)

// kmeans clusters unit vectors into k groups by cosine similarity
// (spherical k-means) and returns unit-length centroids. Initial centroids
// are chosen with k-means++ seeding from rng. Clusters that end up empty
// are re-seeded with the point least similar to its current centroid, taken
// from a cluster that keeps other members.
func kmeans(ctx context.Context, vecs [][]float32, k, iterations int, rng *rand.Rand) ([][]float32, error) {
	if k > len(vecs) {
		k = len(vecs)
	}
	dim := len(vecs[0])
	centroids := seedPlusPlus(vecs, k, rng)
	assign := make([]int, len(vecs))

	for iter := 0; iter < iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		changed := false
		for i, v := range vecs {
			if c := nearest(centroids, v); iter == 0 || c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][]float32, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float32, dim)
		}
		for i, v := range vecs {
			c := assign[i]
			counts[c]++
			for j, x := range v {
				sums[c][j] += x
			}
		}

		reseedEmpty(vecs, centroids, assign, sums, counts)
		for c := range centroids {
			normalizeInPlace(sums[c])
			centroids[c] = sums[c]
		}
	}
	return centroids, nil
}

// reseedEmpty moves one point into every empty cluster, taking the point
// least similar to its centroid among clusters that keep at least one other
// member. The point's contribution moves from its donor's sum to the new one.
func reseedEmpty(vecs, centroids [][]float32, assign []int, sums [][]float32, counts []int) {
	for c := range counts {
		if counts[c] > 0 {
			continue
		}
		far := farthestPoint(vecs, centroids, assign, counts)
		if far < 0 {
			return
		}
		donor := assign[far]
		for j, x := range vecs[far] {
			sums[donor][j] -= x
		}
		counts[donor]--
		copy(sums[c], vecs[far])
		counts[c] = 1
		assign[far] = c
	}
}

// seedPlusPlus picks k initial centroids, each new one sampled with
// probability proportional to its distance (1 - cosine) from the nearest
// centroid chosen so far.
func seedPlusPlus(vecs [][]float32, k int, rng *rand.Rand) [][]float32 {
	centroids := make([][]float32, 0, k)
	first := vecs[rng.IntN(len(vecs))]
	centroids = append(centroids, clone(first))

	dist := make([]float64, len(vecs))
	for i, v := range vecs {
		dist[i] = distance(first, v)
	}

	for len(centroids) < k {
		var total float64
		for _, d := range dist {
			total += d
		}

		pick := 0
		if total > 0 {
			r := rng.Float64() * total
			for i, d := range dist {
				r -= d
				if r <= 0 {
					pick = i
					break
				}
			}
		} else {
			pick = rng.IntN(len(vecs))
		}

		c := clone(vecs[pick])
		centroids = append(centroids, c)
		for i, v := range vecs {
			if d := distance(c, v); d < dist[i] {
				dist[i] = d
			}
		}
	}
	return centroids
}

// farthestPoint returns the index of the vector least similar to its
// assigned centroid, skipping clusters with a single member. It returns -1
// when every cluster has at most one member.
func farthestPoint(vecs, centroids [][]float32, assign []int, counts []int) int {
	worst, worstScore := -1, float32(2)
	for i, v := range vecs {
		if counts[assign[i]] <= 1 {
			continue
		}
		if s := dot(centroids[assign[i]], v); s < worstScore {
			worst, worstScore = i, s
		}
	}
	return worst
}

func distance(a, b []float32) float64 {
	d := 1 - float64(dot(a, b))
	if d < 0 {
		return 0
	}
	return d
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
