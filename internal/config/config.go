package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Insertion modes for the indexing reconciler.
const (
	InsertionModeNone        = "none"
	InsertionModeIncremental = "incremental"
	InsertionModeFull        = "full"
)

// Response modes for the answer pipeline.
const (
	ResponseModeSync   = "sync"
	ResponseModeStream = "stream"
	ResponseModeAsync  = "async"
)

type LLMConfig struct {
	Source         string  `yaml:"source"`
	BaseURL        string  `yaml:"base_url"`
	Key            string  `yaml:"key"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

type EmbeddingConfig struct {
	Source         string `yaml:"source"`
	BaseURL        string `yaml:"base_url"`
	Key            string `yaml:"key"`
	Model          string `yaml:"model"`
	BatchSize      int    `yaml:"batch_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// RetrieverConfig controls retrieval. ScoreThreshold is a pointer so an
// explicit 0 ("accept everything") is distinguishable from an absent key.
type RetrieverConfig struct {
	TopK           int      `yaml:"top_k"`
	ScoreThreshold *float32 `yaml:"score_threshold"`
}

// Threshold returns the similarity cutoff, defaulted when unset.
func (r *RetrieverConfig) Threshold() float32 {
	if r.ScoreThreshold == nil {
		return defaultThreshold
	}
	return *r.ScoreThreshold
}

type VectorStoreConfig struct {
	Source         string          `yaml:"source"`
	Path           string          `yaml:"path"`
	Namespace      string          `yaml:"namespace"`
	InsertionMode  string          `yaml:"insertion_mode"`
	Retriever      RetrieverConfig `yaml:"retriever"`
	TimeoutSeconds int             `yaml:"timeout_seconds"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Debug  bool   `yaml:"debug"`
}

// RAGConfig holds the chunking parameters used at ingestion time.
// ChunkOverlap is a pointer so an explicit 0 (no overlap) is distinguishable
// from an absent key.
type RAGConfig struct {
	ChunkSize    int  `yaml:"chunk_size"`
	ChunkOverlap *int `yaml:"chunk_overlap"`
}

// Overlap returns the chunk overlap, defaulted when unset.
func (r *RAGConfig) Overlap() int {
	if r.ChunkOverlap == nil {
		return defaultChunkOverlap
	}
	return *r.ChunkOverlap
}

type Config struct {
	LLM         LLMConfig         `yaml:"llm"`
	EmbedLLM    EmbeddingConfig   `yaml:"embedding_model"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Database    DatabaseConfig    `yaml:"database"`
	RAG         RAGConfig         `yaml:"rag"`

	ChatHistoryWindowSize int    `yaml:"chat_history_window_size"`
	MaxTokensLimit        int    `yaml:"max_tokens_limit"`
	ResponseMode          string `yaml:"response_mode"`
}

const (
	defaultChunkSize      = 1500
	defaultChunkOverlap   = 200
	defaultBatchSize      = 100
	defaultHistoryWindow  = 5
	defaultMaxTokensLimit = 3000
	defaultTopK           = 5
	defaultThreshold      = 0.5
	defaultTimeoutSeconds = 60
	defaultNamespace      = "default"
)

// LoadConfig reads a YAML config file, expands ${VAR} references against the
// process environment, applies defaults and validates. Invalid or missing
// required keys fail here, at startup, not at first use.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RAG.ChunkSize == 0 {
		c.RAG.ChunkSize = defaultChunkSize
	}
	if c.RAG.ChunkOverlap == nil {
		overlap := defaultChunkOverlap
		if overlap >= c.RAG.ChunkSize {
			overlap = c.RAG.ChunkSize / 8
		}
		c.RAG.ChunkOverlap = &overlap
	}
	if c.EmbedLLM.BatchSize == 0 {
		c.EmbedLLM.BatchSize = defaultBatchSize
	}
	if c.ChatHistoryWindowSize == 0 {
		c.ChatHistoryWindowSize = defaultHistoryWindow
	}
	if c.MaxTokensLimit == 0 {
		c.MaxTokensLimit = defaultMaxTokensLimit
	}
	if c.ResponseMode == "" {
		c.ResponseMode = ResponseModeSync
	}
	if c.VectorStore.InsertionMode == "" {
		c.VectorStore.InsertionMode = InsertionModeIncremental
	}
	if c.VectorStore.Namespace == "" {
		c.VectorStore.Namespace = defaultNamespace
	}
	if c.VectorStore.Retriever.TopK == 0 {
		c.VectorStore.Retriever.TopK = defaultTopK
	}
	if c.VectorStore.Retriever.ScoreThreshold == nil {
		threshold := float32(defaultThreshold)
		c.VectorStore.Retriever.ScoreThreshold = &threshold
	}
	for _, t := range []*int{
		&c.LLM.TimeoutSeconds,
		&c.EmbedLLM.TimeoutSeconds,
		&c.VectorStore.TimeoutSeconds,
	} {
		if *t == 0 {
			*t = defaultTimeoutSeconds
		}
	}
}

func (c *Config) Validate() error {
	if c.LLM.Source == "" {
		return fmt.Errorf("llm.source is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.EmbedLLM.Source == "" {
		return fmt.Errorf("embedding_model.source is required")
	}
	if c.EmbedLLM.Model == "" {
		return fmt.Errorf("embedding_model.model is required")
	}
	if c.VectorStore.Source == "" {
		return fmt.Errorf("vector_store.source is required")
	}
	switch c.VectorStore.InsertionMode {
	case InsertionModeNone, InsertionModeIncremental, InsertionModeFull:
	default:
		return fmt.Errorf("vector_store.insertion_mode must be one of none, incremental, full; got %q", c.VectorStore.InsertionMode)
	}
	switch c.ResponseMode {
	case ResponseModeSync, ResponseModeStream, ResponseModeAsync:
	default:
		return fmt.Errorf("response_mode must be one of sync, stream, async; got %q", c.ResponseMode)
	}
	if c.RAG.ChunkSize <= 0 {
		return fmt.Errorf("rag.chunk_size must be positive")
	}
	if overlap := c.RAG.Overlap(); overlap < 0 || overlap >= c.RAG.ChunkSize {
		return fmt.Errorf("rag.chunk_overlap must be in [0, chunk_size)")
	}
	if c.VectorStore.Source == "pgvector" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for the pgvector store")
	}
	return nil
}

// LLMTimeout returns the bounded timeout for generation calls.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

// EmbeddingTimeout returns the bounded timeout for embedding calls.
func (c *Config) EmbeddingTimeout() time.Duration {
	return time.Duration(c.EmbedLLM.TimeoutSeconds) * time.Second
}

// VectorStoreTimeout returns the bounded timeout for index calls.
func (c *Config) VectorStoreTimeout() time.Duration {
	return time.Duration(c.VectorStore.TimeoutSeconds) * time.Second
}
