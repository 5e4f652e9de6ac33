// Package vector provides an in-memory cosine-similarity index with disk
// persistence. Vectors are L2-normalised on insert for scoring; the
// originals are preserved and written back out on Save.
package vector

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// index dimension fixed at construction.
var ErrDimensionMismatch = errors.New("vector: dimension mismatch")

// ErrNotFound is returned when an id is not in the index.
var ErrNotFound = errors.New("vector: id not found")

// Result is one search hit.
type Result struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// Index is a fixed-dimension cosine index. All methods are safe for
// concurrent use.
type Index struct {
	mu        sync.RWMutex
	dimension int
	ids       []string
	originals map[string][]float32
	normed    map[string][]float32
	metadata  map[string]map[string]string
}

// NewIndex creates an index for vectors of the given dimension.
func NewIndex(dimension int) (*Index, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("vector: dimension must be positive, got %d", dimension)
	}
	return &Index{
		dimension: dimension,
		originals: make(map[string][]float32),
		normed:    make(map[string][]float32),
		metadata:  make(map[string]map[string]string),
	}, nil
}

// Dimension returns the fixed vector dimension.
func (ix *Index) Dimension() int { return ix.dimension }

// Len returns the number of stored vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// Add inserts a vector. Adding an existing id is an error; use Update.
func (ix *Index) Add(id string, vec []float32, meta map[string]string) error {
	if len(vec) != ix.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), ix.dimension)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, exists := ix.originals[id]; exists {
		return fmt.Errorf("vector: id %q already indexed", id)
	}

	ix.ids = append(ix.ids, id)
	ix.originals[id] = append([]float32(nil), vec...)
	ix.normed[id] = normalise(vec)
	if meta != nil {
		ix.metadata[id] = meta
	}
	return nil
}

// AddBatch inserts many vectors; it stops at the first error.
func (ix *Index) AddBatch(ids []string, vecs [][]float32, metas []map[string]string) error {
	if len(ids) != len(vecs) {
		return fmt.Errorf("vector: %d ids but %d vectors", len(ids), len(vecs))
	}
	for i, id := range ids {
		var meta map[string]string
		if i < len(metas) {
			meta = metas[i]
		}
		if err := ix.Add(id, vecs[i], meta); err != nil {
			return err
		}
	}
	return nil
}

// Update replaces the vector and metadata for an existing id.
func (ix *Index) Update(id string, vec []float32, meta map[string]string) error {
	if len(vec) != ix.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), ix.dimension)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, exists := ix.originals[id]; !exists {
		return ErrNotFound
	}
	ix.originals[id] = append([]float32(nil), vec...)
	ix.normed[id] = normalise(vec)
	if meta != nil {
		ix.metadata[id] = meta
	}
	return nil
}

// Remove deletes an id from the index.
func (ix *Index) Remove(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, exists := ix.originals[id]; !exists {
		return ErrNotFound
	}
	delete(ix.originals, id)
	delete(ix.normed, id)
	delete(ix.metadata, id)
	for i, existing := range ix.ids {
		if existing == id {
			ix.ids = append(ix.ids[:i], ix.ids[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the original (un-normalised) vector for an id.
func (ix *Index) Get(id string) ([]float32, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	vec, ok := ix.originals[id]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), vec...), true
}

// Search returns the k nearest vectors by cosine similarity, highest first.
// When filter is non-nil, only entries whose metadata it accepts are
// considered.
func (ix *Index) Search(query []float32, k int, filter func(meta map[string]string) bool) ([]Result, error) {
	if len(query) != ix.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), ix.dimension)
	}
	if k <= 0 {
		k = 10
	}

	q := normalise(query)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	results := make([]Result, 0, len(ix.ids))
	for _, id := range ix.ids {
		if filter != nil && !filter(ix.metadata[id]) {
			continue
		}
		results = append(results, Result{
			ID:       id,
			Score:    dot(q, ix.normed[id]),
			Metadata: ix.metadata[id],
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func normalise(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	if norm == 0 {
		return out
	}
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
