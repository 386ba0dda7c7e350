// Package vecx provides float32 vector math for embedding scoring.
package vecx

import (
	"math"
	"sort"
)

// Dot returns the dot product of a and b. Mismatched lengths score zero.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// Norm returns the Euclidean norm of v.
func Norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

// Normalize returns a unit-length copy of v. Zero vectors are returned as-is.
func Normalize(v []float32) []float32 {
	n := Norm(v)
	out := make([]float32, len(v))
	if n == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// Cosine returns the cosine similarity of a and b.
func Cosine(a, b []float32) float64 {
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return Dot(a, b) / (na * nb)
}

// Mean returns the element-wise mean of vectors. All vectors must share the
// dimension of the first; shorter or longer ones are skipped.
func Mean(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	var n int
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]float32, dim)
	for i, s := range sum {
		out[i] = float32(s / float64(n))
	}
	return out
}

// Centroid returns the normalized mean of vectors.
func Centroid(vectors [][]float32) []float32 {
	m := Mean(vectors)
	if m == nil {
		return nil
	}
	return Normalize(m)
}

// TopKMeanDot scores v against samples as the mean of the k highest dot
// products. Returns 0 when there are no comparable samples.
func TopKMeanDot(v []float32, samples [][]float32, k int) float64 {
	if k <= 0 || len(samples) == 0 {
		return 0
	}
	scores := make([]float64, 0, len(samples))
	for _, s := range samples {
		if len(s) != len(v) {
			continue
		}
		scores = append(scores, Dot(v, s))
	}
	if len(scores) == 0 {
		return 0
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	if k > len(scores) {
		k = len(scores)
	}
	var sum float64
	for _, s := range scores[:k] {
		sum += s
	}
	return sum / float64(k)
}

// Percentile returns the p-th percentile (0..100) of values using linear
// interpolation. The input slice is not modified.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
