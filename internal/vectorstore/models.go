// Package vectorstore stores embeddings with metadata and answers
// nearest-neighbor queries, via a remote Qdrant backend when reachable and
// an exhaustive local scan otherwise.
package vectorstore

import (
	"errors"
	"math"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEntityNotFound is returned when no embedding exists for an entity.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrBackendUnavailable indicates the remote backend could not be
	// reached; callers fall back rather than fail.
	ErrBackendUnavailable = errors.New("similarity backend unavailable")
)

// Embedding is one stored vector with its provenance. Exactly one embedding
// exists per entity; re-embedding replaces the vector in place.
type Embedding struct {
	EntityID   string            `json:"entity_id"`
	Vector     []float32         `json:"vector"`
	SourceText string            `json:"source_text,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SearchResult is a ranked match from a similarity query. Derived, never
// persisted.
type SearchResult struct {
	EntityID   string            `json:"entity_id"`
	Score      float32           `json:"similarity_score"`
	SourceText string            `json:"source_text,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// CosineSimilarity computes dot(a,b)/(|a|*|b|) over the minimum common
// length of the two vectors, which guards against model-version dimension
// mismatches. A zero-norm vector scores 0 against anything.
func CosineSimilarity(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dot, magA, magB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}

	magA = math.Sqrt(magA)
	magB = math.Sqrt(magB)
	if magA == 0 || magB == 0 {
		return 0
	}

	return float32(dot / (magA * magB))
}
