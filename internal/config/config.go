// Package config provides configuration loading for feedforward.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. See LoadWithFile for precedence rules.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete feedforward configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Source        SourceConfig        `koanf:"source"`
	Classify      ClassifyConfig      `koanf:"classify"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Qdrant        QdrantConfig        `koanf:"qdrant"`
	Store         StoreConfig         `koanf:"store"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Cluster       ClusterConfig       `koanf:"cluster"`
	Stories       StoriesConfig       `koanf:"stories"`
	Redact        RedactConfig        `koanf:"redact"`
	NATS          NATSConfig          `koanf:"nats"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPProtocol    string `koanf:"otlp_protocol"` // "grpc" or "http"
}

// SourceConfig holds support-platform API configuration.
type SourceConfig struct {
	BaseURL      string  `koanf:"base_url"`
	AccessToken  Secret  `koanf:"access_token"`
	PageSize     int     `koanf:"page_size"`
	RatePerSec   float64 `koanf:"rate_per_sec"`
	MaxRetries   int     `koanf:"max_retries"`
	TimeoutSecs  int     `koanf:"timeout_secs"`
	IncludeOpen  bool    `koanf:"include_open"` // also fetch conversations that are still open
	SourceName   string  `koanf:"source_name"`
}

// ClassifyConfig holds LLM classification configuration.
type ClassifyConfig struct {
	Provider string `koanf:"provider"` // "disabled", "heuristic", "anthropic", "openai"
	Model    string `koanf:"model"`
	APIKey   Secret `koanf:"api_key"`
	BaseURL  string `koanf:"base_url"`
	Timeout  int    `koanf:"timeout"` // seconds
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"` // "tei", "openai", "fastembed"
	BaseURL  string `koanf:"base_url"`
	Model    string `koanf:"model"`
	APIKey   Secret `koanf:"api_key"`
	CacheDir string `koanf:"cache_dir"`
}

// VectorStoreConfig selects and configures the vector store backend.
type VectorStoreConfig struct {
	Provider string        `koanf:"provider"` // "chromem" (default) or "qdrant"
	Chromem  ChromemConfig `koanf:"chromem"`
}

// ChromemConfig holds embedded chromem-go store configuration.
type ChromemConfig struct {
	Path              string `koanf:"path"`
	Compress          bool   `koanf:"compress"`
	DefaultCollection string `koanf:"default_collection"`
	VectorSize        int    `koanf:"vector_size"`
}

// QdrantConfig holds external Qdrant configuration.
type QdrantConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	APIKey         Secret `koanf:"api_key"`
	UseTLS         bool   `koanf:"use_tls"`
	CollectionName string `koanf:"collection_name"`
	VectorSize     int    `koanf:"vector_size"`
}

// StoreConfig holds relational store configuration.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// PipelineConfig holds batch pipeline configuration.
type PipelineConfig struct {
	Workers            int           `koanf:"workers"`
	CheckpointInterval int           `koanf:"checkpoint_interval"` // conversations between checkpoints
	StopGracePeriod    time.Duration `koanf:"stop_grace_period"`
	MaxConversations   int           `koanf:"max_conversations"` // 0 = unbounded
}

// ClusterConfig holds theme clustering configuration.
type ClusterConfig struct {
	AssignThreshold float64 `koanf:"assign_threshold"`
	MergeThreshold  float64 `koanf:"merge_threshold"`
	MinClusterSize  int     `koanf:"min_cluster_size"` // themes below this size are hidden from trending
}

// StoriesConfig holds story synthesis and Shortcut configuration.
type StoriesConfig struct {
	Threshold        int    `koanf:"threshold"` // conversations per window before a story is cut
	ShortcutBaseURL  string `koanf:"shortcut_base_url"`
	ShortcutToken    Secret `koanf:"shortcut_token"`
	ShortcutProject  int64  `koanf:"shortcut_project"`
	ShortcutWorkflow int64  `koanf:"shortcut_workflow"`
}

// RedactConfig holds secret-scrubbing configuration.
type RedactConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown timeout cannot be negative")
	}
	switch c.Classify.Provider {
	case "", "disabled", "heuristic", "anthropic", "openai":
	default:
		return fmt.Errorf("unknown classify provider: %q", c.Classify.Provider)
	}
	switch c.VectorStore.Provider {
	case "", "chromem", "qdrant":
	default:
		return fmt.Errorf("unknown vectorstore provider: %q", c.VectorStore.Provider)
	}
	if c.Cluster.AssignThreshold < 0 || c.Cluster.AssignThreshold > 1 {
		return fmt.Errorf("cluster assign threshold must be in [0,1]: %v", c.Cluster.AssignThreshold)
	}
	if c.Cluster.MergeThreshold < c.Cluster.AssignThreshold {
		return fmt.Errorf("cluster merge threshold must be >= assign threshold")
	}
	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline workers cannot be negative")
	}
	if c.Source.PageSize < 0 {
		return fmt.Errorf("source page size cannot be negative")
	}
	return nil
}
