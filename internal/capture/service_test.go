package capture

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/buffer"
	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/patterns"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// stubProvider returns a fixed-direction vector scaled by text length so
// similarity ordering in tests is predictable.
type stubProvider struct{}

func (stubProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1, 0}, nil
}

func (stubProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0}
	}
	return out, nil
}

func (stubProvider) Dimension() int { return 3 }
func (stubProvider) Name() string   { return "stub" }
func (stubProvider) Close() error   { return nil }

// downQdrantConfig points at a port nothing listens on, forcing every
// query through the local scan.
func downQdrantConfig() config.QdrantConfig {
	return config.QdrantConfig{
		URL:            "http://127.0.0.1:1",
		Collection:     "interactions",
		VectorSize:     3,
		ProbeTimeout:   config.Duration(100 * time.Millisecond),
		RequestTimeout: config.Duration(time.Second),
	}
}

func newTestService(t *testing.T) (*Service, *Ledger, *buffer.Buffer) {
	t.Helper()

	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"),
		patterns.NewExtractor(patterns.DefaultRules()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	buf, err := buffer.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })

	svc, err := NewService(ledger, buf, nil, nil, nil)
	require.NoError(t, err)
	return svc, ledger, buf
}

// newIndexedService also wires the stub embedding provider and a local
// index with an unreachable remote.
func newIndexedService(t *testing.T) (*Service, *vectorstore.Index) {
	t.Helper()
	dir := t.TempDir()

	ledger, err := OpenLedger(filepath.Join(dir, "ledger.db"),
		patterns.NewExtractor(patterns.DefaultRules()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	buf, err := buffer.Open(filepath.Join(dir, "buffer"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })

	local, err := vectorstore.OpenLocalIndex(filepath.Join(dir, "index.db"), nil)
	require.NoError(t, err)
	remote, err := vectorstore.NewQdrantIndex(downQdrantConfig(), nil)
	require.NoError(t, err)
	index, err := vectorstore.NewIndex(remote, local, nil)
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	svc, err := NewService(ledger, buf, stubProvider{}, index, nil)
	require.NoError(t, err)
	return svc, index
}

func TestService_SubmitStoresAndDeduplicates(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	in := Interaction{SessionID: "s1", UserText: "please fix the async bug", ResponseText: "fixed"}

	result, err := svc.Submit(ctx, in)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Positive(t, result.PatternsFound)

	result, err = svc.Submit(ctx, in)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.False(t, result.Accepted)
}

func TestService_SubmitBuffersOnPersistenceFailure(t *testing.T) {
	svc, ledger, buf := newTestService(t)
	ctx := context.Background()

	// A closed database makes every write fail the way a disk or lock
	// outage would.
	require.NoError(t, ledger.Close())

	result, err := svc.Submit(ctx, Interaction{
		SessionID: "s1", UserText: "remember this", ResponseText: "ok",
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, result.Buffered)
	assert.False(t, result.Accepted)

	pending, err := buf.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestService_DrainReplaysBufferedInteraction(t *testing.T) {
	extractor := patterns.NewExtractor(patterns.DefaultRules())

	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.db")

	buf, err := buffer.Open(filepath.Join(dir, "buffer"), nil)
	require.NoError(t, err)
	defer buf.Close()

	// Storage down at submission time.
	ledger, err := OpenLedger(ledgerPath, extractor, nil)
	require.NoError(t, err)
	require.NoError(t, ledger.Close())

	svc, err := NewService(ledger, buf, nil, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	result, err := svc.Submit(ctx, Interaction{SessionID: "s1", UserText: "buffered exchange", ResponseText: "ok"})
	require.NoError(t, err)
	require.True(t, result.Buffered)

	// Storage recovers; the drain lands the record in the ledger.
	ledger, err = OpenLedger(ledgerPath, extractor, nil)
	require.NoError(t, err)
	defer ledger.Close()

	svc, err = NewService(ledger, buf, nil, nil, nil)
	require.NoError(t, err)

	drained, err := svc.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drained)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalInteractions)

	// Nothing left to drain.
	drained, err = svc.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, drained)
}

func TestService_DrainDuplicateCountsAsSuccess(t *testing.T) {
	svc, _, buf := newTestService(t)
	ctx := context.Background()

	in := Interaction{SessionID: "s1", UserText: "same content", ResponseText: "ok"}
	_, err := svc.Submit(ctx, in)
	require.NoError(t, err)

	// The same content also sits in the buffer, as after a retried
	// submission where the first attempt landed.
	require.NoError(t, buf.Enqueue(buffer.Record{
		SessionID: in.SessionID, UserText: in.UserText, ResponseText: in.ResponseText,
	}))

	drained, err := svc.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drained)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalInteractions)
}

func TestService_SearchTextRanksBySimilarity(t *testing.T) {
	svc, index := newIndexedService(t)
	ctx := context.Background()

	// Index directly rather than through Submit's async path to keep the
	// test deterministic.
	for _, text := range []string{"short", "a much longer interaction text"} {
		vec, err := stubProvider{}.EmbedQuery(ctx, text)
		require.NoError(t, err)
		require.NoError(t, index.Upsert(ctx, vectorstore.Embedding{
			EntityID: text, Vector: vec, SourceText: text,
		}))
	}

	results, err := svc.SearchText(ctx, "short", 10, -1)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "short", results[0].EntityID)

	_, err = svc.SearchText(ctx, "   ", 10, -1)
	assert.Error(t, err)
}

func TestService_SubmitEventuallyIndexes(t *testing.T) {
	svc, _ := newIndexedService(t)
	ctx := context.Background()

	in := Interaction{SessionID: "s1", UserText: "index me", ResponseText: "done"}
	result, err := svc.Submit(ctx, in)
	require.NoError(t, err)
	require.True(t, result.Accepted)

	// SearchEntity fails with "entity not found" until the background
	// embed lands.
	require.Eventually(t, func() bool {
		_, err := svc.SearchEntity(ctx, in.ContentHash(), 5)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond, "interaction never appeared in the index")
}

func TestService_IndexEntity(t *testing.T) {
	svc, index := newIndexedService(t)
	ctx := context.Background()

	meta := embeddings.EntityMeta{
		Type:      "function",
		Name:      "Drain",
		Signature: "func (b *Buffer) Drain(ctx context.Context) (int, error)",
		Location:  "buffer.go:118",
	}
	require.NoError(t, svc.IndexEntity(ctx, "buffer.Drain", meta))

	// The stored vector comes from the canonical projection, so querying
	// with the same projection text is an exact match.
	results, err := svc.SearchText(ctx, embeddings.EntityText(meta), 5, -1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "buffer.Drain", results[0].EntityID)
	assert.Equal(t, "function", results[0].Metadata["type"])
	assert.Equal(t, "buffer.go:118", results[0].Metadata["location"])

	// Re-indexing replaces rather than duplicates.
	require.NoError(t, svc.IndexEntity(ctx, "buffer.Drain", meta))
	results, err = svc.SearchText(ctx, embeddings.EntityText(meta), 5, -1)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	neighbors, err := index.QueryByEntity(ctx, "buffer.Drain", 5)
	require.NoError(t, err)
	assert.Empty(t, neighbors)
}

func TestService_IndexEntityValidation(t *testing.T) {
	svc, _ := newIndexedService(t)
	ctx := context.Background()

	err := svc.IndexEntity(ctx, "", embeddings.EntityMeta{Name: "x"})
	assert.Error(t, err)

	err = svc.IndexEntity(ctx, "empty", embeddings.EntityMeta{})
	assert.ErrorIs(t, err, embeddings.ErrEmptyInput)
}

func TestService_CheckHealth(t *testing.T) {
	svc, _ := newIndexedService(t)

	h := svc.CheckHealth(context.Background())
	assert.True(t, h.Ledger)
	assert.Equal(t, "stub", h.EmbeddingBackend)
	assert.Equal(t, "local", h.SearchBackend)
	assert.Zero(t, h.BufferPending)
}

func TestEmbedText(t *testing.T) {
	in := Interaction{UserText: "  question  ", ResponseText: "\nanswer\n"}
	text := embedText(in)
	assert.Equal(t, "question\nanswer", text)
	assert.False(t, strings.HasSuffix(text, "\n"))
}
