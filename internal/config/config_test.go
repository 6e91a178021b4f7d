package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
llm:
  source: ollama
  model: llama3.2
embedding_model:
  source: ollama
  model: nomic-embed-text
vector_store:
  source: chromem
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 1500, cfg.RAG.ChunkSize)
	assert.Equal(t, 200, cfg.RAG.Overlap())
	assert.Equal(t, 100, cfg.EmbedLLM.BatchSize)
	assert.Equal(t, 5, cfg.ChatHistoryWindowSize)
	assert.Equal(t, 3000, cfg.MaxTokensLimit)
	assert.Equal(t, ResponseModeSync, cfg.ResponseMode)
	assert.Equal(t, InsertionModeIncremental, cfg.VectorStore.InsertionMode)
	assert.Equal(t, "default", cfg.VectorStore.Namespace)
	assert.Equal(t, 5, cfg.VectorStore.Retriever.TopK)
	assert.InDelta(t, 0.5, cfg.VectorStore.Retriever.Threshold(), 1e-6)
	assert.Equal(t, 60*time.Second, cfg.LLMTimeout())
	assert.Equal(t, 60*time.Second, cfg.EmbeddingTimeout())
	assert.Equal(t, 60*time.Second, cfg.VectorStoreTimeout())
}

func TestLoadConfigExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-secret")
	cfg, err := LoadConfig(writeConfig(t, `
llm:
  source: openai
  model: gpt-4o-mini
  key: ${TEST_LLM_KEY}
embedding_model:
  source: ollama
  model: nomic-embed-text
vector_store:
  source: chromem
`))
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", cfg.LLM.Key)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigRejectsMissingRequiredKeys(t *testing.T) {
	cases := map[string]string{
		"llm source": `
llm:
  model: llama3.2
embedding_model:
  source: ollama
  model: nomic-embed-text
vector_store:
  source: chromem
`,
		"embedding model": `
llm:
  source: ollama
  model: llama3.2
embedding_model:
  source: ollama
vector_store:
  source: chromem
`,
		"vector store source": `
llm:
  source: ollama
  model: llama3.2
embedding_model:
  source: ollama
  model: nomic-embed-text
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigRejectsUnknownInsertionMode(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
  insertion_mode: sideways
`))
	assert.Error(t, err)
}

func TestLoadConfigRejectsUnknownResponseMode(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
response_mode: telepathic
`))
	assert.Error(t, err)
}

func TestLoadConfigKeepsExplicitZeroThreshold(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
  retriever:
    score_threshold: 0
`))
	require.NoError(t, err)
	assert.Zero(t, cfg.VectorStore.Retriever.Threshold())
}

func TestLoadConfigKeepsExplicitZeroOverlap(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
rag:
  chunk_size: 1000
  chunk_overlap: 0
`))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.RAG.Overlap())
}

func TestLoadConfigDefaultsOverlapIndependentlyOfChunkSize(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
rag:
  chunk_size: 1000
`))
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.RAG.Overlap())

	// A chunk size below the standard overlap still gets a valid default.
	cfg, err = LoadConfig(writeConfig(t, minimalConfig+`
rag:
  chunk_size: 80
`))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.RAG.Overlap())
}

func TestLoadConfigRejectsInvalidOverlap(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
rag:
  chunk_size: 100
  chunk_overlap: 100
`))
	assert.Error(t, err)
}

func TestLoadConfigPGVectorRequiresDSN(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
llm:
  source: ollama
  model: llama3.2
embedding_model:
  source: ollama
  model: nomic-embed-text
vector_store:
  source: pgvector
`))
	assert.Error(t, err)
}
