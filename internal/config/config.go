// Package config provides configuration loading for marketd.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the marketd daemon.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	Provider      ProviderConfig      `koanf:"provider"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Cache         CacheConfig         `koanf:"cache"`
	Batch         BatchConfig         `koanf:"batch"`
}

// ServerConfig holds the HTTP health/metrics server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry export settings.
type ObservabilityConfig struct {
	Enabled        bool    `koanf:"enabled"`
	ServiceName    string  `koanf:"service_name"`
	ServiceVersion string  `koanf:"service_version"`
	Endpoint       string  `koanf:"endpoint"`
	Protocol       string  `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure       bool    `koanf:"insecure"`
	SampleRatio    float64 `koanf:"sample_ratio"`
}

// ProviderConfig holds the embedding/analysis provider settings.
type ProviderConfig struct {
	BaseURL           string   `koanf:"base_url"`
	EmbeddingModel    string   `koanf:"embedding_model"`
	AnalysisModel     string   `koanf:"analysis_model"`
	APIKey            Secret   `koanf:"api_key"`
	Timeout           Duration `koanf:"timeout"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
}

// VectorStoreConfig selects and configures the vector store backend.
type VectorStoreConfig struct {
	// Provider is one of "chromem", "qdrant", "memory".
	Provider string        `koanf:"provider"`
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded chromem-go store.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	VectorSize int    `koanf:"vector_size"`
}

// QdrantConfig configures the external Qdrant gRPC store.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"` // gRPC port (6334), not the HTTP port
	Collection string `koanf:"collection"`
	VectorSize int    `koanf:"vector_size"`
	UseTLS     bool   `koanf:"use_tls"`
	APIKey     Secret `koanf:"api_key"`
}

// CacheConfig selects the key-value backend for the embedding cache, sync
// status rows, and analysis cache entries.
type CacheConfig struct {
	// Backend is one of "memory", "nats".
	Backend string     `koanf:"backend"`
	NATS    NATSConfig `koanf:"nats"`
}

// NATSConfig configures the JetStream key-value backend.
type NATSConfig struct {
	URL          string `koanf:"url"`
	BucketPrefix string `koanf:"bucket_prefix"`
}

// BatchConfig holds embedding batch settings.
type BatchConfig struct {
	Workers      int `koanf:"workers"`
	MaxTokens    int `koanf:"max_tokens"`
	SafetyMargin int `koanf:"safety_margin"`
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant", "memory":
	default:
		return fmt.Errorf("unknown vectorstore provider %q", c.VectorStore.Provider)
	}

	switch c.Cache.Backend {
	case "memory", "nats":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "nats" && c.Cache.NATS.URL == "" {
		return fmt.Errorf("cache backend nats requires cache.nats.url")
	}

	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url required")
	}
	if c.Provider.RequestsPerSecond < 0 {
		return fmt.Errorf("provider.requests_per_second cannot be negative")
	}

	if c.Batch.MaxTokens <= c.Batch.SafetyMargin {
		return fmt.Errorf("batch.max_tokens (%d) must exceed batch.safety_margin (%d)",
			c.Batch.MaxTokens, c.Batch.SafetyMargin)
	}
	if c.Batch.Workers <= 0 {
		return fmt.Errorf("batch.workers must be positive")
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9180
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "marketd"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
	if cfg.Observability.SampleRatio == 0 {
		cfg.Observability.SampleRatio = 1.0
	}

	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Provider.EmbeddingModel == "" {
		cfg.Provider.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.Provider.AnalysisModel == "" {
		cfg.Provider.AnalysisModel = "gpt-4o-mini"
	}
	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = Duration(30 * time.Second)
	}
	if cfg.Provider.RequestsPerSecond == 0 {
		cfg.Provider.RequestsPerSecond = 5
	}
	if cfg.Provider.Burst == 0 {
		cfg.Provider.Burst = 10
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = "~/.local/share/marketd/vectorstore"
	}
	if cfg.VectorStore.Chromem.Collection == "" {
		cfg.VectorStore.Chromem.Collection = "market_documents"
	}
	if cfg.VectorStore.Chromem.VectorSize == 0 {
		cfg.VectorStore.Chromem.VectorSize = 1536 // text-embedding-3-small dimensions
	}
	if cfg.VectorStore.Qdrant.Host == "" {
		cfg.VectorStore.Qdrant.Host = "localhost"
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334
	}
	if cfg.VectorStore.Qdrant.Collection == "" {
		cfg.VectorStore.Qdrant.Collection = "market_documents"
	}
	if cfg.VectorStore.Qdrant.VectorSize == 0 {
		cfg.VectorStore.Qdrant.VectorSize = 1536
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.NATS.BucketPrefix == "" {
		cfg.Cache.NATS.BucketPrefix = "marketd"
	}

	if cfg.Batch.Workers == 0 {
		cfg.Batch.Workers = 4
	}
	if cfg.Batch.MaxTokens == 0 {
		cfg.Batch.MaxTokens = 8000
	}
	if cfg.Batch.SafetyMargin == 0 {
		cfg.Batch.SafetyMargin = 100
	}
}
