// Package similarity holds in-memory vector indexes searched by linear
// cosine k-NN.
package similarity

import (
	"log/slog"
	"math"
	"slices"
	"sync"
)

// Result is one search hit.
type Result[M any] struct {
	ID         string
	Similarity float64
	Meta       M
}

// Index keeps vectors, metadata and ids in three parallel slices. All
// mutation goes through Add so the slices never diverge in length.
type Index[M any] struct {
	mu       sync.RWMutex
	vectors  [][]float32
	metadata []M
	ids      []string
}

func NewIndex[M any]() *Index[M] {
	return &Index[M]{}
}

func (ix *Index[M]) Add(vec []float32, meta M, id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.vectors = append(ix.vectors, vec)
	ix.metadata = append(ix.metadata, meta)
	ix.ids = append(ix.ids, id)
}

// Has reports whether an entry with id is present.
func (ix *Index[M]) Has(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return slices.Contains(ix.ids, id)
}

// Len returns the number of entries. It panics if the parallel slices have
// diverged.
func (ix *Index[M]) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.vectors) != len(ix.metadata) || len(ix.vectors) != len(ix.ids) {
		panic("similarity: index slices out of sync")
	}
	return len(ix.ids)
}

// Search scans every entry accepted by filter (nil accepts all) and returns
// up to k results with similarity >= threshold, highest first. Equal scores
// keep insertion order.
func (ix *Index[M]) Search(q []float32, k int, threshold float64, filter func(M) bool) []Result[M] {
	if k <= 0 {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var results []Result[M]
	for i, vec := range ix.vectors {
		if filter != nil && !filter(ix.metadata[i]) {
			continue
		}
		sim, ok := cosine(q, vec)
		if !ok {
			slog.Warn("skipping malformed vector in similarity search",
				"id", ix.ids[i], "query_dims", len(q), "entry_dims", len(vec))
			continue
		}
		if sim < threshold {
			continue
		}
		results = append(results, Result[M]{ID: ix.ids[i], Similarity: sim, Meta: ix.metadata[i]})
	}

	slices.SortStableFunc(results, func(a, b Result[M]) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Cosine returns the cosine similarity of a and b computed in float64. Zero
// vectors and mismatched dimensions yield 0.
func Cosine(a, b []float32) float64 {
	sim, _ := cosine(a, b)
	return sim
}

func cosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(sim) {
		return 0, false
	}
	return sim, true
}
