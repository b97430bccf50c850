package retrieval

import (
	"context"
	"fmt"
	"sort"
)

// Hit is one search result: the position of a document in the corpus and its
// distance from the query vector.
type Hit struct {
	Distance float32
	Position int
}

// Index answers k-nearest-neighbour queries. Hits are ordered by ascending
// distance. Fewer than k hits is not an error.
type Index interface {
	Search(ctx context.Context, vec []float32, k int) ([]Hit, error)
}

// FlatIndex is an exact squared-L2 index over vectors held in memory. It is
// read-only after construction and safe for concurrent use.
type FlatIndex struct {
	dim     int
	vectors [][]float32
}

// NewFlatIndex builds an index over vectors, which must all share a dimension.
// Position i in vectors corresponds to document i in the corpus.
func NewFlatIndex(vectors [][]float32) (*FlatIndex, error) {
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dim)
		}
	}
	return &FlatIndex{dim: dim, vectors: vectors}, nil
}

// Len returns the number of indexed vectors.
func (f *FlatIndex) Len() int { return len(f.vectors) }

// Dimension returns the vector dimension, 0 for an empty index.
func (f *FlatIndex) Dimension() int { return f.dim }

// Search returns the k closest vectors to vec.
func (f *FlatIndex) Search(_ context.Context, vec []float32, k int) ([]Hit, error) {
	if k <= 0 || len(f.vectors) == 0 {
		return nil, nil
	}
	if len(vec) != f.dim {
		return nil, fmt.Errorf("query dimension %d, index dimension %d", len(vec), f.dim)
	}

	hits := make([]Hit, len(f.vectors))
	for i, v := range f.vectors {
		var d float32
		for j := range v {
			diff := v[j] - vec[j]
			d += diff * diff
		}
		hits[i] = Hit{Distance: d, Position: i}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Distance < hits[b].Distance })

	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}
