package vectorstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// LocalIndex persists embeddings in SQLite and answers queries with an
// exhaustive cosine scan. It is the durable system of record for vectors
// and the fallback search path when Qdrant is unreachable.
type LocalIndex struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenLocalIndex opens (creating if needed) the local embedding store.
func OpenLocalIndex(path string, logger *zap.Logger) (*LocalIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: index path required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("local index: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	// seq records insertion order for deterministic tie-breaking; replacing
	// a vector keeps the original seq.
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS embeddings (
        seq         INTEGER PRIMARY KEY AUTOINCREMENT,
        entity_id   TEXT NOT NULL UNIQUE,
        vector      BLOB NOT NULL,
        source_text TEXT,
        metadata    JSON,
        updated_at  DATETIME NOT NULL
    );`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("local index: ensure schema: %w", err)
	}

	return &LocalIndex{db: db, logger: logger.Named("local_index")}, nil
}

// Upsert stores one embedding per entity, replacing any existing vector.
func (l *LocalIndex) Upsert(ctx context.Context, emb Embedding) error {
	if emb.EntityID == "" {
		return fmt.Errorf("%w: entity id required", ErrInvalidConfig)
	}
	if len(emb.Vector) == 0 {
		return fmt.Errorf("%w: vector required", ErrInvalidConfig)
	}

	meta, err := json.Marshal(emb.Metadata)
	if err != nil {
		return fmt.Errorf("local index: encode metadata: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO embeddings (entity_id, vector, source_text, metadata, updated_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(entity_id)
         DO UPDATE SET vector = excluded.vector,
                       source_text = excluded.source_text,
                       metadata = excluded.metadata,
                       updated_at = excluded.updated_at`,
		emb.EntityID, encodeVector(emb.Vector), emb.SourceText, string(meta), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("local index: upsert %s: %w", emb.EntityID, err)
	}
	return nil
}

// Query scans every stored embedding, scoring with cosine similarity.
// Results are sorted by descending score with ties broken by insertion
// order (earliest wins), filtered by threshold, and capped at limit.
func (l *LocalIndex) Query(ctx context.Context, vector []float32, limit int, threshold float32) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, entity_id, vector, source_text, metadata FROM embeddings ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("local index: scan: %w", err)
	}
	defer rows.Close()

	type scored struct {
		result SearchResult
		seq    int64
	}
	var candidates []scored

	for rows.Next() {
		var (
			seq      int64
			entityID string
			blob     []byte
			source   sql.NullString
			metaJSON sql.NullString
		)
		if err := rows.Scan(&seq, &entityID, &blob, &source, &metaJSON); err != nil {
			return nil, fmt.Errorf("local index: scan row: %w", err)
		}

		stored, err := decodeVector(blob)
		if err != nil {
			l.logger.Warn("skipping undecodable vector",
				zap.String("entity_id", entityID), zap.Error(err))
			continue
		}

		score := CosineSimilarity(vector, stored)
		if score < threshold {
			continue
		}

		var meta map[string]string
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &meta); err != nil {
				meta = nil
			}
		}

		candidates = append(candidates, scored{
			result: SearchResult{
				EntityID:   entityID,
				Score:      score,
				SourceText: source.String,
				Metadata:   meta,
			},
			seq: seq,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("local index: scan: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].result.Score != candidates[j].result.Score {
			return candidates[i].result.Score > candidates[j].result.Score
		}
		return candidates[i].seq < candidates[j].seq
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	results := make([]SearchResult, len(candidates))
	for i, c := range candidates {
		results[i] = c.result
	}
	return results, nil
}

// GetVector returns the stored vector for an entity.
func (l *LocalIndex) GetVector(ctx context.Context, entityID string) ([]float32, error) {
	var blob []byte
	err := l.db.QueryRowContext(ctx,
		`SELECT vector FROM embeddings WHERE entity_id = ?`, entityID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("local index: get vector: %w", err)
	}
	return decodeVector(blob)
}

// Count returns the number of stored embeddings.
func (l *LocalIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("local index: count: %w", err)
	}
	return n, nil
}

// Close releases the database.
func (l *LocalIndex) Close() error {
	return l.db.Close()
}

// encodeVector packs float32s little-endian for BLOB storage.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks a BLOB written by encodeVector.
func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(blob))
	}
	v := make([]float32, len(blob)/4)
	r := bytes.NewReader(blob)
	if err := binary.Read(r, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return v, nil
}
