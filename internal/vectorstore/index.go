package vectorstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Index is the similarity index consumed by the capture and search paths.
// It writes every embedding to the durable local store, mirrors to Qdrant
// when reachable, and serves queries from whichever backend answers.
type Index struct {
	remote *QdrantIndex
	local  *LocalIndex
	logger *zap.Logger
}

// NewIndex wraps the remote and local backends.
func NewIndex(remote *QdrantIndex, local *LocalIndex, logger *zap.Logger) (*Index, error) {
	if remote == nil {
		return nil, fmt.Errorf("%w: remote index required", ErrInvalidConfig)
	}
	if local == nil {
		return nil, fmt.Errorf("%w: local index required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{remote: remote, local: local, logger: logger.Named("index")}, nil
}

// Upsert stores the embedding locally (the durable record) and mirrors it
// to Qdrant when the service is up. A remote failure is absorbed: the local
// write already succeeded and the next upsert or query falls back cleanly.
func (ix *Index) Upsert(ctx context.Context, emb Embedding) error {
	if err := ix.local.Upsert(ctx, emb); err != nil {
		return err
	}

	if !ix.remote.Alive(ctx) {
		ix.logger.Debug("qdrant down, embedding stored locally only",
			zap.String("entity_id", emb.EntityID))
		return nil
	}
	if err := ix.remote.Upsert(ctx, emb); err != nil {
		ix.logger.Warn("qdrant upsert failed, embedding stored locally only",
			zap.String("entity_id", emb.EntityID), zap.Error(err))
	}
	return nil
}

// Query vectorizes against the remote backend when a per-call probe says it
// is up, otherwise scans the local store. Remote errors mid-flight also
// fall back rather than surfacing.
func (ix *Index) Query(ctx context.Context, vector []float32, limit int, threshold float32) ([]SearchResult, error) {
	if ix.remote.Alive(ctx) {
		results, err := ix.remote.Query(ctx, vector, limit, threshold)
		if err == nil {
			return results, nil
		}
		ix.logger.Warn("qdrant search failed, using local scan", zap.Error(err))
	}
	return ix.local.Query(ctx, vector, limit, threshold)
}

// QueryByEntity finds neighbors of a stored entity, excluding the entity
// itself. It requests one extra result because the stored vector matches
// itself with score 1.0.
func (ix *Index) QueryByEntity(ctx context.Context, entityID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	vector, err := ix.local.GetVector(ctx, entityID)
	if err != nil {
		return nil, err
	}

	results, err := ix.Query(ctx, vector, limit+1, -1)
	if err != nil {
		return nil, err
	}

	filtered := make([]SearchResult, 0, limit)
	for _, r := range results {
		if r.EntityID == entityID {
			continue
		}
		filtered = append(filtered, r)
		if len(filtered) == limit {
			break
		}
	}
	return filtered, nil
}

// Backend reports which backend a query issued now would use.
func (ix *Index) Backend(ctx context.Context) string {
	if ix.remote.Alive(ctx) {
		return "qdrant"
	}
	return "local"
}

// Close releases both backends.
func (ix *Index) Close() error {
	rErr := ix.remote.Close()
	lErr := ix.local.Close()
	if rErr != nil {
		return rErr
	}
	return lErr
}
