package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/buffer"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/metrics"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// embedTimeout bounds the background embedding of one interaction.
const embedTimeout = 30 * time.Second

// Service orchestrates the capture pipeline: ledger persistence with the
// recovery buffer as the fallback path, plus best-effort embedding and
// indexing of accepted interactions.
type Service struct {
	ledger   *Ledger
	buf      *buffer.Buffer
	provider embeddings.Provider
	index    *vectorstore.Index
	logger   *zap.Logger
}

// NewService wires the pipeline together. Provider and index may be nil in
// degraded deployments; capture then runs without similarity search.
func NewService(ledger *Ledger, buf *buffer.Buffer, provider embeddings.Provider, index *vectorstore.Index, logger *zap.Logger) (*Service, error) {
	if ledger == nil {
		return nil, fmt.Errorf("service: ledger is required")
	}
	if buf == nil {
		return nil, fmt.Errorf("service: recovery buffer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		ledger:   ledger,
		buf:      buf,
		provider: provider,
		index:    index,
		logger:   logger.Named("capture"),
	}, nil
}

// Submit runs one interaction through the pipeline. Persistence failures
// divert the record to the recovery buffer and still acknowledge the
// submission; the caller never loses data to a storage outage. Embedding
// happens in the background and never blocks or fails a submission.
func (s *Service) Submit(ctx context.Context, in Interaction) (SubmitResult, error) {
	start := time.Now()
	defer func() { metrics.SubmitDuration.Observe(time.Since(start).Seconds()) }()

	result, err := s.ledger.Submit(ctx, in)
	if errors.Is(err, ErrPersistence) {
		s.logger.Warn("persistence failed, buffering interaction",
			zap.String("session_id", in.SessionID), zap.Error(err))
		if bufErr := s.buf.Enqueue(toRecord(in)); bufErr != nil {
			// Both the ledger and the buffer failed; nothing durable holds
			// this record, so the caller has to hear about it.
			metrics.RecordSubmit("lost")
			return SubmitResult{}, errors.Join(err, bufErr)
		}
		metrics.BufferEnqueued.Inc()
		metrics.RecordSubmit("buffered")
		return SubmitResult{Buffered: true}, nil
	}
	if err != nil {
		return SubmitResult{}, err
	}

	switch {
	case result.Accepted:
		metrics.RecordSubmit("stored")
		s.embedAsync(in)
	case result.Duplicate:
		metrics.RecordSubmit("duplicate")
	case result.Skipped:
		metrics.RecordSubmit("skipped")
	}
	return result, nil
}

// embedAsync embeds and indexes an accepted interaction without blocking
// the submission path. Failures are logged; the ledger row is the durable
// record and the interaction can be re-indexed later.
func (s *Service) embedAsync(in Interaction) {
	if s.provider == nil || s.index == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), embedTimeout)
		defer cancel()

		text := embedText(in)
		vector, err := s.provider.EmbedDocuments(ctx, []string{text})
		if err != nil || len(vector) == 0 {
			metrics.RecordEmbedding(s.provider.Name(), false)
			s.logger.Warn("embedding failed", zap.String("content_hash", in.ContentHash()), zap.Error(err))
			return
		}
		metrics.RecordEmbedding(s.provider.Name(), true)

		emb := vectorstore.Embedding{
			EntityID:   in.ContentHash(),
			Vector:     vector[0],
			SourceText: text,
			Metadata:   map[string]string{"session_id": in.SessionID},
		}
		if err := s.index.Upsert(ctx, emb); err != nil {
			s.logger.Warn("indexing failed", zap.String("content_hash", in.ContentHash()), zap.Error(err))
		}
	}()
}

// IndexEntity embeds a structured entity through its canonical text
// projection and stores it in the similarity index. Unlike interaction
// embedding this is synchronous: the caller is an indexer that wants to
// know the entity is searchable.
func (s *Service) IndexEntity(ctx context.Context, entityID string, meta embeddings.EntityMeta) error {
	if s.provider == nil || s.index == nil {
		return fmt.Errorf("similarity search is not available")
	}
	if entityID == "" {
		return fmt.Errorf("entity id is required")
	}

	text := embeddings.EntityText(meta)
	if text == "" {
		return embeddings.ErrEmptyInput
	}

	vectors, err := s.provider.EmbedDocuments(ctx, []string{text})
	if err != nil {
		metrics.RecordEmbedding(s.provider.Name(), false)
		return err
	}
	if len(vectors) == 0 {
		metrics.RecordEmbedding(s.provider.Name(), false)
		return fmt.Errorf("%w: no vector produced", embeddings.ErrEmbeddingFailed)
	}
	metrics.RecordEmbedding(s.provider.Name(), true)

	md := map[string]string{}
	if meta.Type != "" {
		md["type"] = meta.Type
	}
	if meta.Name != "" {
		md["name"] = meta.Name
	}
	if meta.Location != "" {
		md["location"] = meta.Location
	}
	if len(md) == 0 {
		md = nil
	}

	return s.index.Upsert(ctx, vectorstore.Embedding{
		EntityID:   entityID,
		Vector:     vectors[0],
		SourceText: text,
		Metadata:   md,
	})
}

// SearchText embeds a free-text query and returns ranked matches.
func (s *Service) SearchText(ctx context.Context, query string, limit int, threshold float32) ([]vectorstore.SearchResult, error) {
	if s.provider == nil || s.index == nil {
		return nil, fmt.Errorf("similarity search is not available")
	}
	if strings.TrimSpace(query) == "" {
		return nil, embeddings.ErrEmptyInput
	}

	vector, err := s.provider.EmbedQuery(ctx, query)
	if err != nil {
		metrics.RecordEmbedding(s.provider.Name(), false)
		return nil, err
	}
	metrics.RecordEmbedding(s.provider.Name(), true)

	metrics.RecordSearch(s.index.Backend(ctx))
	return s.index.Query(ctx, vector, limit, threshold)
}

// SearchEntity returns the nearest neighbors of an already-indexed
// interaction, excluding the interaction itself.
func (s *Service) SearchEntity(ctx context.Context, entityID string, limit int) ([]vectorstore.SearchResult, error) {
	if s.index == nil {
		return nil, fmt.Errorf("similarity search is not available")
	}
	metrics.RecordSearch(s.index.Backend(ctx))
	return s.index.QueryByEntity(ctx, entityID, limit)
}

// Stats reports aggregate counters derived from persisted state.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.ledger.Stats(ctx)
}

// Replay is the recovery buffer's drain handler: a buffered record goes
// back through the full submission path. A duplicate outcome is success
// here; it means an earlier attempt landed after all.
func (s *Service) Replay(ctx context.Context, rec buffer.Record) error {
	result, err := s.ledger.Submit(ctx, fromRecord(rec))
	if err != nil {
		return err
	}
	metrics.BufferDrained.Inc()
	if result.Accepted {
		s.embedAsync(fromRecord(rec))
	}
	return nil
}

// Drain replays the recovery buffer now and reports how many records were
// handed off.
func (s *Service) Drain(ctx context.Context) (int, error) {
	drained, err := s.buf.Drain(ctx, s.Replay)
	if pending, lenErr := s.buf.Len(); lenErr == nil {
		metrics.BufferPending.Set(float64(pending))
	}
	return drained, err
}

// Health is a point-in-time snapshot of pipeline component status.
type Health struct {
	Ledger           bool   `json:"ledger"`
	EmbeddingBackend string `json:"embedding_backend,omitempty"`
	SearchBackend    string `json:"search_backend,omitempty"`
	BufferPending    int    `json:"buffer_pending"`
}

// CheckHealth probes each component.
func (s *Service) CheckHealth(ctx context.Context) Health {
	h := Health{}
	if _, err := s.ledger.Stats(ctx); err == nil {
		h.Ledger = true
	}
	if s.provider != nil {
		h.EmbeddingBackend = s.provider.Name()
	}
	if s.index != nil {
		h.SearchBackend = s.index.Backend(ctx)
	}
	if pending, err := s.buf.Len(); err == nil {
		h.BufferPending = pending
		metrics.BufferPending.Set(float64(pending))
	}
	return h
}

// toRecord converts an interaction for buffering.
func toRecord(in Interaction) buffer.Record {
	return buffer.Record{
		SessionID:    in.SessionID,
		UserText:     in.UserText,
		ResponseText: in.ResponseText,
		ToolsUsed:    in.ToolsUsed,
		Timestamp:    in.Timestamp,
	}
}

// fromRecord restores a buffered interaction.
func fromRecord(rec buffer.Record) Interaction {
	return Interaction{
		SessionID:    rec.SessionID,
		UserText:     rec.UserText,
		ResponseText: rec.ResponseText,
		ToolsUsed:    rec.ToolsUsed,
		Timestamp:    rec.Timestamp,
	}
}

// embedText is the canonical text embedded for an interaction: both sides
// of the exchange, normalized the same way as the content hash.
func embedText(in Interaction) string {
	return strings.TrimSpace(in.UserText) + "\n" + strings.TrimSpace(in.ResponseText)
}
