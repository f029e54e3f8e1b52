package embeddings

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/feedforward/internal/vectorstore"
)

// Provider is the interface for embedding providers.
type Provider interface {
	vectorstore.Embedder
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	// Provider is the provider type: "tei", "openai", or "fastembed".
	Provider string
	// Model is the embedding model name.
	Model string
	// BaseURL is the inference server URL (tei and openai providers).
	BaseURL string
	// APIKey authenticates against the inference server when set.
	APIKey string
	// Dimension overrides model-based dimension detection when > 0.
	Dimension int
	// CacheDir is the model cache directory (fastembed only).
	CacheDir string
}

// FastEmbedConfig holds configuration for the local ONNX provider.
// Declared here rather than in fastembed.go so both build variants
// share it.
type FastEmbedConfig struct {
	// Model is the embedding model to use. Defaults to BAAI/bge-small-en-v1.5.
	Model string
	// CacheDir is the directory for cached model files.
	// Defaults to ~/.cache/feedforward/models.
	CacheDir string
	// MaxLength is the maximum input sequence length. Defaults to 512.
	MaxLength int
}

// knownModelDimensions covers the models we actually deploy against.
var knownModelDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-large-en-v1.5":                 1024,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
	"nomic-embed-text":                       768,
}

// detectDimensionFromModel returns the embedding dimension for a model name.
// Falls back to 384, the bge-small dimension, when the model is unknown.
func detectDimensionFromModel(model string) int {
	if dim, ok := knownModelDimensions[model]; ok {
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

// NewProvider creates an embedding provider based on the configuration.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	dim := cfg.Dimension
	if dim <= 0 {
		dim = detectDimensionFromModel(cfg.Model)
	}

	switch cfg.Provider {
	case "tei", "":
		svc, err := NewService(Config{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
		if err != nil {
			return nil, err
		}
		return &teiProvider{Service: svc, dimension: dim}, nil
	case "openai":
		svc, err := NewOpenAIService(Config{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
		if err != nil {
			return nil, err
		}
		return &openaiProvider{OpenAIService: svc, dimension: dim}, nil
	case "fastembed":
		return NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// teiProvider wraps Service to implement Provider.
type teiProvider struct {
	*Service
	dimension int
}

func (t *teiProvider) Dimension() int {
	return t.dimension
}

// Close is a no-op for TEI since it uses HTTP.
func (t *teiProvider) Close() error {
	return nil
}

// openaiProvider wraps OpenAIService to implement Provider.
type openaiProvider struct {
	*OpenAIService
	dimension int
}

func (o *openaiProvider) Dimension() int {
	return o.dimension
}

// Close is a no-op for the OpenAI provider since it uses HTTP.
func (o *openaiProvider) Close() error {
	return nil
}
