package embedding

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"ragchat/internal/config"
)

// ProviderError reports an embedding provider failure (rate limit, network,
// auth). Callers retry with backoff; the gateway itself does not retry.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Embedder is the uniform vector-producing interface the rest of the system
// depends on. The core never branches on provider identity beyond the
// registry lookup in New.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type factory func(cfg *config.EmbeddingConfig) (*embeddings.EmbedderImpl, error)

var providers = map[string]factory{
	"openai": newOpenAI,
	"ollama": newOllama,
}

// New builds the embedder selected by cfg.Source.
func New(cfg *config.EmbeddingConfig) (Embedder, error) {
	f, ok := providers[cfg.Source]
	if !ok {
		return nil, fmt.Errorf("unknown embedding provider %q (available: %s)", cfg.Source, strings.Join(providerNames(), ", "))
	}
	impl, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing embedding provider %q: %w", cfg.Source, err)
	}
	return &gateway{
		impl:     impl,
		provider: cfg.Source,
		timeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
	}, nil
}

func providerNames() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newOpenAI(cfg *config.EmbeddingConfig) (*embeddings.EmbedderImpl, error) {
	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, err
	}
	return embeddings.NewEmbedder(llm, embeddings.WithBatchSize(cfg.BatchSize))
}

func newOllama(cfg *config.EmbeddingConfig) (*embeddings.EmbedderImpl, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, err
	}
	return embeddings.NewEmbedder(llm, embeddings.WithBatchSize(cfg.BatchSize))
}

// gateway wraps a langchaingo embedder with bounded timeouts and the
// provider-error taxonomy.
type gateway struct {
	impl     *embeddings.EmbedderImpl
	provider string
	timeout  time.Duration
}

func (g *gateway) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	vectors, err := g.impl.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, &ProviderError{Provider: g.provider, Err: err}
	}
	if len(vectors) != len(texts) {
		return nil, &ProviderError{Provider: g.provider, Err: fmt.Errorf("got %d vectors for %d texts", len(vectors), len(texts))}
	}
	return vectors, nil
}

func (g *gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	vector, err := g.impl.EmbedQuery(ctx, text)
	if err != nil {
		return nil, &ProviderError{Provider: g.provider, Err: err}
	}
	return vector, nil
}
