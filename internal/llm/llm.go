package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"ragchat/internal/config"
)

// ProviderError reports a generation provider failure, including timeouts.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("generation provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Generator invokes the configured language model. Stream produces ordered
// text fragments onto the supplied channel as they arrive and returns the
// full reassembled text; it never closes the channel, the caller owns it.
type Generator interface {
	Generate(ctx context.Context, messages []llms.MessageContent) (string, error)
	Stream(ctx context.Context, messages []llms.MessageContent, fragments chan<- string) (string, error)
}

type factory func(cfg *config.LLMConfig) (llms.Model, error)

var providers = map[string]factory{
	"openai": newOpenAI,
	"ollama": newOllama,
}

// New builds the generator selected by cfg.Source.
func New(cfg *config.LLMConfig) (Generator, error) {
	f, ok := providers[cfg.Source]
	if !ok {
		return nil, fmt.Errorf("unknown generation provider %q (available: %s)", cfg.Source, strings.Join(providerNames(), ", "))
	}
	model, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing generation provider %q: %w", cfg.Source, err)
	}
	return &client{
		model:       model,
		provider:    cfg.Source,
		temperature: cfg.Temperature,
		timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
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

func newOpenAI(cfg *config.LLMConfig) (llms.Model, error) {
	return openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
		openai.WithModel(cfg.Model),
	)
}

func newOllama(cfg *config.LLMConfig) (llms.Model, error) {
	return ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
}

type client struct {
	model       llms.Model
	provider    string
	temperature float64
	timeout     time.Duration
}

func (c *client) Generate(ctx context.Context, messages []llms.MessageContent) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.model.GenerateContent(ctx, messages, llms.WithTemperature(c.temperature))
	if err != nil {
		return "", &ProviderError{Provider: c.provider, Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: c.provider, Err: fmt.Errorf("empty response")}
	}
	return resp.Choices[0].Content, nil
}

func (c *client) Stream(ctx context.Context, messages []llms.MessageContent, fragments chan<- string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var full strings.Builder
	_, err := c.model.GenerateContent(ctx, messages,
		llms.WithTemperature(c.temperature),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			full.Write(chunk)
			select {
			case fragments <- string(chunk):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
	)
	if err != nil {
		return "", &ProviderError{Provider: c.provider, Err: err}
	}
	return full.String(), nil
}
