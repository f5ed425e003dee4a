// Package corpus holds the reference food corpus: an immutable in-memory
// set of embedding vectors with per-100g nutrition facts, queried by cosine
// similarity. A Store never mutates after construction; refresh happens by
// building a new Store and swapping the Snapshot reference.
package corpus

import (
	"fmt"
	"math"
	"sync/atomic"

	"nutrimind"
)

// ReferenceFood is one corpus entry: stable id, display name, and
// nutrition per 100g.
type ReferenceFood struct {
	ID      string                   `json:"id"`
	Name    string                   `json:"name"`
	Per100g nutrimind.NutritionFacts `json:"per_100g"`
}

// Match is a successful corpus query result.
type Match struct {
	Food  ReferenceFood
	Score float64
}

// Store is an immutable snapshot of the corpus. Vectors are stored
// row-major and L2-normalized at construction so that similarity is a
// plain dot product bounded in [-1, 1].
type Store struct {
	dim     int
	vectors []float32
	foods   []ReferenceFood
}

// NewStore builds a Store from parallel foods and vectors. Vectors are
// normalized in place of the internal copy; the inputs are not retained.
func NewStore(foods []ReferenceFood, vectors [][]float32) (*Store, error) {
	if len(foods) == 0 {
		return nil, fmt.Errorf("corpus is empty")
	}
	if len(foods) != len(vectors) {
		return nil, fmt.Errorf("foods/vectors length mismatch: %d vs %d", len(foods), len(vectors))
	}

	dim := len(vectors[0])
	if dim == 0 {
		return nil, fmt.Errorf("zero-dimensional vectors")
	}

	s := &Store{
		dim:     dim,
		vectors: make([]float32, 0, dim*len(vectors)),
		foods:   make([]ReferenceFood, len(foods)),
	}
	copy(s.foods, foods)

	for i, vec := range vectors {
		if len(vec) != dim {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(vec), dim)
		}
		s.vectors = append(s.vectors, normalize(vec)...)
	}

	return s, nil
}

// Len returns the number of corpus entries.
func (s *Store) Len() int { return len(s.foods) }

// Dim returns the embedding dimensionality.
func (s *Store) Dim() int { return s.dim }

// Foods returns a copy of the corpus entries in insertion order.
func (s *Store) Foods() []ReferenceFood {
	out := make([]ReferenceFood, len(s.foods))
	copy(out, s.foods)
	return out
}

// Query scans the corpus for the entry most similar to vec and returns it
// if its cosine similarity meets the threshold. Ties keep the earliest
// entry in corpus insertion order, so identical inputs always yield the
// identical match. Read-only; safe for concurrent use.
func (s *Store) Query(vec []float32, threshold float64) (Match, bool) {
	if len(vec) != s.dim {
		return Match{}, false
	}

	q := normalize(vec)

	bestIdx := -1
	bestScore := math.Inf(-1)
	for i := range s.foods {
		row := s.vectors[i*s.dim : (i+1)*s.dim]
		score := dot(row, q)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}

	if bestIdx < 0 || bestScore < threshold {
		return Match{}, false
	}
	return Match{Food: s.foods[bestIdx], Score: bestScore}, true
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// normalize returns an L2-normalized copy of vec. A zero vector is
// returned as-is rather than dividing by zero.
func normalize(vec []float32) []float32 {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	out := make([]float32, len(vec))
	if sumSq == 0 {
		copy(out, vec)
		return out
	}
	norm := math.Sqrt(sumSq)
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// Snapshot holds the current Store reference. Reads are lock-free; a
// corpus refresh builds a fresh Store and swaps the pointer atomically.
// A nil Store means the corpus is unavailable and the pipeline runs in
// fallback-only degraded mode.
type Snapshot struct {
	ptr atomic.Pointer[Store]
}

// NewSnapshot creates a snapshot holding the given store (may be nil).
func NewSnapshot(s *Store) *Snapshot {
	sn := &Snapshot{}
	if s != nil {
		sn.ptr.Store(s)
	}
	return sn
}

// Current returns the active store, or nil when unavailable.
func (sn *Snapshot) Current() *Store { return sn.ptr.Load() }

// Available reports whether a corpus is loaded.
func (sn *Snapshot) Available() bool { return sn.ptr.Load() != nil }

// Swap atomically replaces the active store. In-flight queries keep using
// the store they already resolved; no locking is required.
func (sn *Snapshot) Swap(s *Store) { sn.ptr.Store(s) }
