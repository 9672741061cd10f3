package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

// QdrantIndex talks to a Qdrant instance over its REST API.
//
// Availability is probed per call rather than cached: the service may come
// and go, and a stale "healthy" answer would turn transient outages into
// request failures instead of fallbacks.
type QdrantIndex struct {
	cfg    config.QdrantConfig
	client *http.Client
	logger *zap.Logger

	ensureMu sync.Mutex
	ensured  bool
}

// NewQdrantIndex creates the remote backend. The service being down at
// construction time is not an error; it is probed again on every call.
func NewQdrantIndex(cfg config.QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: qdrant url required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QdrantIndex{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger.Named("qdrant"),
	}, nil
}

// Alive probes the Qdrant liveness endpoint with a short timeout. Timeout
// or connection failure means unavailable, never an error.
func (q *QdrantIndex) Alive(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, q.cfg.ProbeTimeout.Duration())
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, q.cfg.URL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// pointID derives the deterministic Qdrant point ID for an entity. Qdrant
// only accepts UUIDs or integers as IDs, so the opaque entity ID is mapped
// through UUIDv5 and kept in the payload.
func pointID(entityID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(entityID)).String()
}

// ensureCollection creates the collection on first use.
func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	q.ensureMu.Lock()
	defer q.ensureMu.Unlock()
	if q.ensured {
		return nil
	}

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     q.cfg.VectorSize,
			"distance": "Cosine",
		},
	}
	// PUT is idempotent here; an already-exists conflict is fine.
	resp, err := q.do(ctx, http.MethodPut, "/collections/"+q.cfg.Collection, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("%w: create collection returned status %d", ErrBackendUnavailable, resp.StatusCode)
	}
	q.ensured = true
	return nil
}

// Upsert writes one embedding point, replacing any existing point for the
// same entity.
func (q *QdrantIndex) Upsert(ctx context.Context, emb Embedding) error {
	if err := q.ensureCollection(ctx); err != nil {
		return err
	}

	payload := map[string]interface{}{
		"entity_id":   emb.EntityID,
		"source_text": emb.SourceText,
	}
	for k, v := range emb.Metadata {
		payload[k] = v
	}

	body := map[string]interface{}{
		"points": []map[string]interface{}{{
			"id":      pointID(emb.EntityID),
			"vector":  emb.Vector,
			"payload": payload,
		}},
	}

	resp, err := q.do(ctx, http.MethodPut, "/collections/"+q.cfg.Collection+"/points?wait=true", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: upsert returned status %d: %s", ErrBackendUnavailable, resp.StatusCode, string(respBody))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// qdrantSearchResponse is the shape of POST /points/search responses.
type qdrantSearchResponse struct {
	Result []struct {
		Score   float32                `json:"score"`
		Payload map[string]interface{} `json:"payload"`
	} `json:"result"`
}

// Query runs a similarity search with the given score threshold and limit.
func (q *QdrantIndex) Query(ctx context.Context, vector []float32, limit int, threshold float32) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	body := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if threshold > 0 {
		body["score_threshold"] = threshold
	}

	resp, err := q.do(ctx, http.MethodPost, "/collections/"+q.cfg.Collection+"/points/search", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: search returned status %d: %s", ErrBackendUnavailable, resp.StatusCode, string(respBody))
	}

	var parsed qdrantSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("qdrant: decoding search response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Result))
	for _, r := range parsed.Result {
		if r.Score < threshold {
			continue
		}
		res := SearchResult{Score: r.Score, Metadata: make(map[string]string)}
		for k, v := range r.Payload {
			s, ok := v.(string)
			if !ok {
				continue
			}
			switch k {
			case "entity_id":
				res.EntityID = s
			case "source_text":
				res.SourceText = s
			default:
				res.Metadata[k] = s
			}
		}
		if len(res.Metadata) == 0 {
			res.Metadata = nil
		}
		results = append(results, res)
	}
	return results, nil
}

// do issues one JSON request with the configured request timeout.
func (q *QdrantIndex) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("qdrant: marshaling request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, q.cfg.RequestTimeout.Duration())
	req, err := http.NewRequestWithContext(reqCtx, method, q.cfg.URL+path, bytes.NewReader(encoded))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("qdrant: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	// The timeout must outlive this function so the caller can read the
	// body; tie cancellation to body close instead.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// Close is a no-op for the REST client.
func (q *QdrantIndex) Close() error {
	return nil
}
