// Package index provides an in-memory vector index over obligation and
// clause embeddings. Search is brute-force cosine distance: corpora here are
// thousands of obligations at most, and exactness keeps review runs
// reproducible. The index is safe for concurrent reads during a review run;
// upserts are serialized by an internal lock.
package index

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// EntityKind distinguishes what an embedding belongs to.
type EntityKind string

const (
	KindObligation EntityKind = "obligation"
	KindClause     EntityKind = "clause"
)

// ErrDimensionMismatch is returned by Upsert when a vector's dimensionality
// differs from the index's. Vectors are never truncated or padded: a vector's
// meaning is embedding-model-generation-specific, and mixing dimensions would
// corrupt nearest-neighbour distances.
var ErrDimensionMismatch = errors.New("index: embedding dimension mismatch")

// Record is one stored embedding.
type Record struct {
	EntityID int64
	Vector   []float32
	Kind     EntityKind
}

// Result is one search hit. Distance is cosine distance (1 - cosine
// similarity), so smaller is closer.
type Result struct {
	EntityID int64
	Kind     EntityKind
	Distance float64
}

// recordKey identifies a record. Obligation and clause IDs come from
// separate sequences, so the kind is part of the identity.
type recordKey struct {
	id   int64
	kind EntityKind
}

// Index is an incremental vector index with a fixed dimensionality.
type Index struct {
	mu      sync.RWMutex
	dim     int
	records map[recordKey]Record
}

// New creates an index for vectors of the given dimensionality.
func New(dim int) *Index {
	return &Index{dim: dim, records: make(map[recordKey]Record)}
}

// Dim returns the index's vector dimensionality.
func (x *Index) Dim() int {
	return x.dim
}

// Len returns the number of stored records.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.records)
}

// Upsert stores or replaces the embedding for an entity. The vector is
// copied, so the caller may reuse its slice.
func (x *Index) Upsert(entityID int64, vector []float32, kind EntityKind) error {
	if len(vector) != x.dim {
		return fmt.Errorf("%w: got %d, index expects %d", ErrDimensionMismatch, len(vector), x.dim)
	}
	v := make([]float32, len(vector))
	copy(v, vector)

	x.mu.Lock()
	defer x.mu.Unlock()
	x.records[recordKey{id: entityID, kind: kind}] = Record{EntityID: entityID, Vector: v, Kind: kind}
	return nil
}

// Search returns the k nearest entities to the query vector by cosine
// distance, optionally filtered by kind (empty kindFilter matches all).
// Ordering is deterministic: ascending distance, ties broken by ascending
// entity ID.
func (x *Index) Search(query []float32, k int, kindFilter EntityKind) ([]Result, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: query has %d, index expects %d", ErrDimensionMismatch, len(query), x.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	results := make([]Result, 0, len(x.records))
	for _, r := range x.records {
		if kindFilter != "" && r.Kind != kindFilter {
			continue
		}
		results = append(results, Result{
			EntityID: r.EntityID,
			Kind:     r.Kind,
			Distance: cosineDistance(query, r.Vector),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].EntityID < results[j].EntityID
	})

	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// cosineDistance computes 1 - cosine similarity. Zero vectors are treated
// as maximally distant.
func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
