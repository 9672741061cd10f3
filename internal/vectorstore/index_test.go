package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

// fakeQdrant serves the minimal REST surface the remote backend touches.
type fakeQdrant struct {
	srv      *httptest.Server
	alive    atomic.Bool
	upserts  atomic.Int64
	searches atomic.Int64
	// results returned from every search call.
	results []SearchResult
}

func newFakeQdrant(t *testing.T) *fakeQdrant {
	t.Helper()
	f := &fakeQdrant{}
	f.alive.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !f.alive.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/collections/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Query().Get("wait") == "true":
			f.upserts.Add(1)
		case r.Method == http.MethodPost:
			f.searches.Add(1)
			resp := qdrantSearchResponse{}
			for _, res := range f.results {
				resp.Result = append(resp.Result, struct {
					Score   float32                `json:"score"`
					Payload map[string]interface{} `json:"payload"`
				}{
					Score: res.Score,
					Payload: map[string]interface{}{
						"entity_id":   res.EntityID,
						"source_text": res.SourceText,
					},
				})
			}
			json.NewEncoder(w).Encode(resp)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeQdrant) config() config.QdrantConfig {
	return config.QdrantConfig{
		URL:            f.srv.URL,
		Collection:     "interactions",
		VectorSize:     3,
		ProbeTimeout:   config.Duration(500 * time.Millisecond),
		RequestTimeout: config.Duration(2 * time.Second),
	}
}

func newTestIndex(t *testing.T, fake *fakeQdrant) *Index {
	t.Helper()
	remote, err := NewQdrantIndex(fake.config(), nil)
	require.NoError(t, err)
	local, err := OpenLocalIndex(filepath.Join(t.TempDir(), "index.db"), nil)
	require.NoError(t, err)
	idx, err := NewIndex(remote, local, nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestIndex_UpsertMirrorsToRemote(t *testing.T) {
	fake := newFakeQdrant(t)
	idx := newTestIndex(t, fake)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "e1", Vector: []float32{1, 0, 0}}))

	assert.EqualValues(t, 1, fake.upserts.Load())

	// The local copy exists regardless of the mirror.
	vec, err := idx.local.GetVector(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
}

func TestIndex_UpsertSurvivesRemoteDown(t *testing.T) {
	fake := newFakeQdrant(t)
	fake.alive.Store(false)
	idx := newTestIndex(t, fake)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "e1", Vector: []float32{1, 0, 0}}))

	assert.EqualValues(t, 0, fake.upserts.Load())
	_, err := idx.local.GetVector(ctx, "e1")
	assert.NoError(t, err)
}

func TestIndex_QueryUsesRemoteWhenAlive(t *testing.T) {
	fake := newFakeQdrant(t)
	fake.results = []SearchResult{{EntityID: "remote-hit", Score: 0.9}}
	idx := newTestIndex(t, fake)

	results, err := idx.Query(context.Background(), []float32{1, 0, 0}, 5, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "remote-hit", results[0].EntityID)
	assert.EqualValues(t, 1, fake.searches.Load())
	assert.Equal(t, "qdrant", idx.Backend(context.Background()))
}

func TestIndex_QueryFallsBackWhenRemoteDown(t *testing.T) {
	fake := newFakeQdrant(t)
	idx := newTestIndex(t, fake)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "local-hit", Vector: []float32{1, 0, 0}}))

	fake.alive.Store(false)

	results, err := idx.Query(ctx, []float32{1, 0, 0}, 5, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "local-hit", results[0].EntityID)
	assert.EqualValues(t, 0, fake.searches.Load())
	assert.Equal(t, "local", idx.Backend(ctx))
}

func TestIndex_QueryByEntityExcludesSelf(t *testing.T) {
	fake := newFakeQdrant(t)
	fake.alive.Store(false)
	idx := newTestIndex(t, fake)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "anchor", Vector: []float32{1, 0, 0}}))
	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "near", Vector: []float32{1, 0.1, 0}}))
	require.NoError(t, idx.Upsert(ctx, Embedding{EntityID: "far", Vector: []float32{0, 1, 0}}))

	results, err := idx.QueryByEntity(ctx, "anchor", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "near", results[0].EntityID)
	assert.Equal(t, "far", results[1].EntityID)
	for _, r := range results {
		assert.NotEqual(t, "anchor", r.EntityID)
	}
}

func TestIndex_QueryByEntityUnknown(t *testing.T) {
	fake := newFakeQdrant(t)
	idx := newTestIndex(t, fake)

	_, err := idx.QueryByEntity(context.Background(), "nope", 5)
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestQdrantIndex_PointIDDeterministic(t *testing.T) {
	assert.Equal(t, pointID("abc"), pointID("abc"))
	assert.NotEqual(t, pointID("abc"), pointID("abd"))
}
