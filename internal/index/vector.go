package index

import "math"

// dot returns the inner product of a and b, which must have equal length.
func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// normalized returns a unit-length copy of v and false when v has zero norm.
func normalized(v []float32) ([]float32, bool) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, false
	}
	inv := float32(1 / math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * inv
	}
	return out, true
}

// normalizeInPlace scales v to unit length; zero vectors are left unchanged.
func normalizeInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

// clampScore keeps rounding error from pushing cosine similarity outside [-1, 1].
func clampScore(s float32) float32 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	default:
		return s
	}
}

// nearest returns the index of the centroid with the highest similarity to v.
// Ties go to the lower index.
func nearest(centroids [][]float32, v []float32) int {
	best, bestScore := 0, float32(math.Inf(-1))
	for i, c := range centroids {
		if s := dot(c, v); s > bestScore {
			best, bestScore = i, s
		}
	}
	return best
}
