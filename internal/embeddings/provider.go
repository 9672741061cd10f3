// Package embeddings provides embedding generation via multiple backends.
//
// Backends are attempted in a fixed order at construction time: the local
// ONNX model first, then the remote TEI service. The first backend that
// initializes serves all calls for the process lifetime; if none initialize,
// construction fails and the caller treats that as fatal.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrNoBackend indicates no embedding backend could be initialized.
	// This is a startup-fatal condition, never a per-call one.
	ErrNoBackend = errors.New("no embedding backend available")
)

// Provider is the interface for embedding backends.
type Provider interface {
	// EmbedQuery generates an embedding for a single query text.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments generates embeddings for multiple texts, preserving
	// input order. Implementations batch internally for memory bounds;
	// batching never changes output order or values.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding dimension for the selected model.
	Dimension() int

	// Name identifies the backend ("fastembed" or "tei").
	Name() string

	// Close releases resources held by the provider.
	Close() error
}

// NewProvider selects a backend by trying each in order. Selection happens
// exactly once here; callers never see per-call backend switching.
func NewProvider(cfg config.EmbeddingsConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("embeddings")

	var errs []error

	local, err := NewFastEmbedProvider(FastEmbedConfig{
		Model:     cfg.Model,
		CacheDir:  cfg.CacheDir,
		MaxLength: cfg.MaxLength,
		BatchSize: cfg.BatchSize,
	})
	if err == nil {
		logger.Info("embedding backend selected",
			zap.String("backend", local.Name()),
			zap.String("model", cfg.Model),
			zap.Int("dimension", local.Dimension()))
		return local, nil
	}
	errs = append(errs, fmt.Errorf("fastembed: %w", err))
	logger.Warn("local embedding backend unavailable, trying TEI",
		zap.Error(err))

	remote, err := NewTEIProvider(TEIConfig{
		BaseURL:   cfg.BaseURL,
		Model:     cfg.Model,
		BatchSize: cfg.BatchSize,
		Timeout:   cfg.RequestTimeout.Duration(),
	})
	if err == nil {
		logger.Info("embedding backend selected",
			zap.String("backend", remote.Name()),
			zap.String("base_url", cfg.BaseURL),
			zap.Int("dimension", remote.Dimension()))
		return remote, nil
	}
	errs = append(errs, fmt.Errorf("tei: %w", err))

	return nil, fmt.Errorf("%w: %v", ErrNoBackend, errors.Join(errs...))
}

// detectDimensionFromModel returns the embedding dimension for a model name,
// falling back to 384 (bge-small) when the model is unknown.
func detectDimensionFromModel(model string) int {
	if dim, ok := fastEmbedModelDimension(model); ok {
		return dim
	}
	switch {
	case strings.Contains(model, "large"):
		return 1024
	case strings.Contains(model, "base"):
		return 768
	default:
		return 384
	}
}
