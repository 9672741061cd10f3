package vectorstore

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *LocalIndex {
	t.Helper()
	idx, err := OpenLocalIndex(filepath.Join(t.TempDir(), "index.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestCosineSimilarity(t *testing.T) {
	v := []float32{0.3, -0.7, 0.2, 0.9}

	assert.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-6)

	neg := make([]float32, len(v))
	for i, f := range v {
		neg[i] = -f
	}
	assert.InDelta(t, -1.0, CosineSimilarity(v, neg), 1e-6)

	assert.Equal(t, float32(0), CosineSimilarity(v, []float32{0, 0, 0, 0}))
	assert.Equal(t, float32(0), CosineSimilarity(nil, v))

	// Orthogonal.
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
}

func TestCosineSimilarity_DimensionMismatch(t *testing.T) {
	// Scored over the common prefix, not an error.
	a := []float32{1, 0, 0, 0}
	b := []float32{1, 0}
	assert.InDelta(t, 1.0, CosineSimilarity(a, b), 1e-6)
}

func TestLocalIndex_QueryRanking(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "far", Vector: []float32{0, 1, 0}}))
	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "near", Vector: []float32{1, 0.1, 0}}))
	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "exact", Vector: []float32{1, 0, 0}, SourceText: "hello"}))

	results, err := idx.Query(ctx, []float32{1, 0, 0}, 10, -1)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "exact", results[0].EntityID)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-6)
	assert.Equal(t, "hello", results[0].SourceText)
	assert.Equal(t, "near", results[1].EntityID)
	assert.Equal(t, "far", results[2].EntityID)
}

func TestLocalIndex_QueryThresholdAndLimit(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "a", Vector: []float32{1, 0}}))
	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "b", Vector: []float32{0.9, 0.1}}))
	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "c", Vector: []float32{0, 1}}))

	results, err := idx.Query(ctx, []float32{1, 0}, 10, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, float32(0.5))
	}

	results, err = idx.Query(ctx, []float32{1, 0}, 1, -1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, "a", results[0].EntityID)
}

func TestLocalIndex_TieBreakByInsertionOrder(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	// Identical vectors score identically; earliest inserted ranks first.
	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "first", Vector: []float32{1, 1}}))
	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "second", Vector: []float32{1, 1}}))
	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "third", Vector: []float32{1, 1}}))

	for i := 0; i < 5; i++ {
		results, err := idx.Query(ctx, []float32{1, 1}, 10, -1)
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, "first", results[0].EntityID)
		assert.Equal(t, "second", results[1].EntityID)
		assert.Equal(t, "third", results[2].EntityID)
	}
}

func TestLocalIndex_UpsertReplaces(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "e", Vector: []float32{1, 0}}))
	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "anchor", Vector: []float32{1, 1}}))
	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "e", Vector: []float32{0, 1}, Metadata: map[string]string{"v": "2"}}))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	vec, err := idx.GetVector(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, vec)

	// Replacement keeps the original seq, so "e" still ties ahead of later
	// inserts when scores match.
	results, err := idx.Query(ctx, []float32{0, 1}, 10, -1)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "e", results[0].EntityID)
	assert.Equal(t, map[string]string{"v": "2"}, results[0].Metadata)
}

func TestLocalIndex_GetVectorNotFound(t *testing.T) {
	idx := openTestIndex(t)

	_, err := idx.GetVector(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestLocalIndex_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")
	ctx := context.Background()

	idx, err := OpenLocalIndex(path, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "kept", Vector: []float32{0.5, 0.5}}))
	require.NoError(t, idx.Close())

	idx, err = OpenLocalIndex(path, nil)
	require.NoError(t, err)
	defer idx.Close()

	vec, err := idx.GetVector(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, vec)
}

func TestEncodeDecodeVector(t *testing.T) {
	v := []float32{0, 1, -1, 0.5, float32(math.Pi)}
	decoded, err := decodeVector(encodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, decoded)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}
