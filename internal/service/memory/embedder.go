// Package memory keeps embedded conversation turns per user and turns the
// most similar ones into a short context block for the system prompt.
package memory

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"dealscout/internal/config"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	defaultOpenAIEmbedModel = "text-embedding-3-small"
	defaultOllamaEmbedModel = "nomic-embed-text"
)

// NewEmbedder creates a langchaingo embedder for the configured provider.
func NewEmbedder(cfg config.MemoryConfig) (embeddings.Embedder, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.EmbedProvider))
	if provider == "" {
		provider = ProviderOpenAI
	}

	switch provider {
	case ProviderOllama:
		model := cfg.EmbedModel
		if model == "" {
			model = defaultOllamaEmbedModel
		}
		opts := []ollama.Option{ollama.WithModel(model)}
		if cfg.OllamaHost != "" {
			opts = append(opts, ollama.WithServerURL(cfg.OllamaHost))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		embedder, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}
		return embedder, nil

	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model := cfg.EmbedModel
		if model == "" {
			model = defaultOpenAIEmbedModel
		}
		llm, err := openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithEmbeddingModel(model),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		embedder, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create openai embedder: %w", err)
		}
		return embedder, nil

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.EmbedProvider)
	}
}
