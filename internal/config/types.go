// Package config provides configuration loading for recalld.
package config

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration so YAML/env values like "30s" parse cleanly.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration for the recalld daemon.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Storage    StorageConfig    `koanf:"storage"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Qdrant     QdrantConfig     `koanf:"qdrant"`
	Buffer     BufferConfig     `koanf:"buffer"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`
	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// StorageConfig holds SQLite database locations.
type StorageConfig struct {
	// LedgerPath is the SQLite file for interactions, patterns, and traits.
	LedgerPath string `koanf:"ledger_path"`
	// IndexPath is the SQLite file for locally persisted embeddings.
	IndexPath string `koanf:"index_path"`
}

// EmbeddingsConfig holds embedding backend settings.
//
// Backends are attempted in order at startup: the local ONNX model first,
// then the remote TEI service. At least one must initialize.
type EmbeddingsConfig struct {
	// Model is the FastEmbed model name (e.g. BAAI/bge-small-en-v1.5).
	Model string `koanf:"model"`
	// CacheDir caches downloaded model files for the local backend.
	CacheDir string `koanf:"cache_dir"`
	// MaxLength is the maximum input sequence length for the local backend.
	MaxLength int `koanf:"max_length"`
	// BatchSize bounds how many texts are embedded per model call.
	BatchSize int `koanf:"batch_size"`
	// BaseURL is the TEI endpoint for the remote backend.
	BaseURL string `koanf:"base_url"`
	// RequestTimeout bounds each TEI HTTP call.
	RequestTimeout Duration `koanf:"request_timeout"`
}

// QdrantConfig holds settings for the remote similarity backend.
type QdrantConfig struct {
	// URL is the Qdrant REST endpoint.
	URL string `koanf:"url"`
	// Collection is the collection holding interaction embeddings.
	Collection string `koanf:"collection"`
	// VectorSize is the embedding dimensionality for collection creation.
	VectorSize int `koanf:"vector_size"`
	// ProbeTimeout bounds the per-call liveness probe.
	ProbeTimeout Duration `koanf:"probe_timeout"`
	// RequestTimeout bounds upsert and search calls.
	RequestTimeout Duration `koanf:"request_timeout"`
}

// BufferConfig holds recovery buffer settings.
type BufferConfig struct {
	// Path is the directory for the durable queue.
	Path string `koanf:"path"`
	// DrainInterval is how often the background drainer runs.
	DrainInterval Duration `koanf:"drain_interval"`
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging: format must be json or console, got %q", c.Logging.Format)
	}
	if c.Storage.LedgerPath == "" {
		return fmt.Errorf("storage: ledger_path is required")
	}
	if c.Storage.IndexPath == "" {
		return fmt.Errorf("storage: index_path is required")
	}
	if c.Embeddings.BatchSize < 1 {
		return fmt.Errorf("embeddings: batch_size must be positive, got %d", c.Embeddings.BatchSize)
	}
	if c.Qdrant.URL == "" {
		return fmt.Errorf("qdrant: url is required")
	}
	if c.Buffer.Path == "" {
		return fmt.Errorf("buffer: path is required")
	}
	if c.Buffer.DrainInterval.Duration() < time.Second {
		return fmt.Errorf("buffer: drain_interval must be at least 1s, got %s", c.Buffer.DrainInterval.Duration())
	}
	return nil
}
