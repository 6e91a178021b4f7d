package rag_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"ragchat/internal/config"
	"ragchat/internal/history"
	"ragchat/internal/models"
	"ragchat/internal/rag"
)

type fakeGenerator struct {
	prompts   []string
	responses []string
	failAt    int
	calls     int
}

func flatten(messages []llms.MessageContent) string {
	var b strings.Builder
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if tc, ok := part.(llms.TextContent); ok {
				b.WriteString(tc.Text)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func (g *fakeGenerator) next(messages []llms.MessageContent) (string, error) {
	g.calls++
	g.prompts = append(g.prompts, flatten(messages))
	if g.failAt == g.calls {
		return "", errors.New("model overloaded")
	}
	if len(g.responses) == 0 {
		return "", errors.New("no scripted response left")
	}
	resp := g.responses[0]
	g.responses = g.responses[1:]
	return resp, nil
}

func (g *fakeGenerator) Generate(_ context.Context, messages []llms.MessageContent) (string, error) {
	return g.next(messages)
}

func (g *fakeGenerator) Stream(_ context.Context, messages []llms.MessageContent, fragments chan<- string) (string, error) {
	resp, err := g.next(messages)
	if err != nil {
		return "", err
	}
	mid := len(resp) / 2
	fragments <- resp[:mid]
	fragments <- resp[mid:]
	return resp, nil
}

type fakeEmbedder struct {
	lastQuery string
	fail      bool
}

func (e *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embedding provider unavailable")
	}
	e.lastQuery = text
	return []float32{1, 0, 0}, nil
}

type fakeSearcher struct {
	results   []models.SearchResult
	namespace string
	k         int
	threshold float32
}

func (s *fakeSearcher) Search(_ context.Context, namespace string, _ []float32, k int, threshold float32, _ map[string]string) ([]models.SearchResult, error) {
	s.namespace = namespace
	s.k = k
	s.threshold = threshold
	return s.results, nil
}

type fakeChats struct {
	sessions    map[string]*history.Session
	messages    []history.Message
	failAppends int
}

func newFakeChats() *fakeChats {
	return &fakeChats{sessions: make(map[string]*history.Session)}
}

func (c *fakeChats) CreateSession(_ context.Context, owner string) (string, error) {
	id := fmt.Sprintf("session-%d", len(c.sessions)+1)
	c.sessions[id] = &history.Session{ID: id, Owner: owner}
	return id, nil
}

func (c *fakeChats) GetSession(_ context.Context, sessionID string) (*history.Session, error) {
	session, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", history.ErrSessionNotFound, sessionID)
	}
	return session, nil
}

func (c *fakeChats) Append(_ context.Context, msg *history.Message) error {
	if msg.Sender == history.SenderAssistant && c.failAppends > 0 {
		c.failAppends--
		return errors.New("database offline")
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("msg-%d", len(c.messages)+1)
	}
	c.messages = append(c.messages, *msg)
	return nil
}

func (c *fakeChats) History(_ context.Context, sessionID string) ([]history.Message, error) {
	var out []history.Message
	for _, msg := range c.messages {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (c *fakeChats) lastMessage() history.Message {
	return c.messages[len(c.messages)-1]
}

func testConfig() *config.Config {
	threshold := float32(0.6)
	return &config.Config{
		LLM:      config.LLMConfig{Source: "openai", Model: "gpt-4", TimeoutSeconds: 60},
		EmbedLLM: config.EmbeddingConfig{Source: "openai", Model: "text-embedding-3-small", TimeoutSeconds: 60},
		VectorStore: config.VectorStoreConfig{
			Source:         "chromem",
			Namespace:      "kb",
			TimeoutSeconds: 30,
			Retriever:      config.RetrieverConfig{TopK: 4, ScoreThreshold: &threshold},
		},
		ChatHistoryWindowSize: 5,
		MaxTokensLimit:        3000,
		ResponseMode:          config.ResponseModeSync,
	}
}

func searchResult(sourceID, content string, similarity float32) models.SearchResult {
	return models.SearchResult{
		Chunk: models.Chunk{
			Content:     content,
			SourceID:    sourceID,
			Fingerprint: models.Fingerprint(sourceID, content),
		},
		Similarity: similarity,
	}
}

func TestAnswerNewConversation(t *testing.T) {
	generator := &fakeGenerator{responses: []string{"Paris is the capital of France."}}
	embedder := &fakeEmbedder{}
	searcher := &fakeSearcher{results: []models.SearchResult{
		searchResult("geo.txt", "Paris is the capital and largest city of France.", 0.93),
	}}
	chats := newFakeChats()

	pipeline := rag.New(generator, embedder, searcher, chats, testConfig(), zerolog.Nop())
	resp, err := pipeline.Answer(context.Background(), "", "alice", "What is the capital of France?")
	require.NoError(t, err)

	assert.Equal(t, rag.StageCompleted, resp.Stage)
	assert.Equal(t, "Paris is the capital of France.", resp.Answer)
	assert.NotEmpty(t, resp.SessionID)
	assert.NotEmpty(t, resp.MessageID)
	assert.Equal(t, []string{"geo.txt"}, resp.Sources)
	assert.Empty(t, resp.IncidentID)

	// No prior turns, so condensation is skipped.
	assert.Equal(t, 1, generator.calls)
	assert.Equal(t, "What is the capital of France?", embedder.lastQuery)

	assert.Equal(t, "kb", searcher.namespace)
	assert.Equal(t, 4, searcher.k)
	assert.InDelta(t, 0.6, float64(searcher.threshold), 1e-6)

	require.Len(t, chats.messages, 2)
	assert.Equal(t, history.SenderUser, chats.messages[0].Sender)
	assert.Equal(t, "What is the capital of France?", chats.messages[0].Content)
	assert.Equal(t, history.SenderAssistant, chats.messages[1].Sender)
	assert.Equal(t, resp.Answer, chats.messages[1].Content)
}

func TestAnswerCondensesFollowUp(t *testing.T) {
	generator := &fakeGenerator{responses: []string{
		"What is the population of Paris?",
		"About 2.1 million people live in Paris.",
	}}
	embedder := &fakeEmbedder{}
	searcher := &fakeSearcher{results: []models.SearchResult{
		searchResult("geo.txt", "Paris has about 2.1 million inhabitants.", 0.9),
	}}
	chats := newFakeChats()

	ctx := context.Background()
	sessionID, err := chats.CreateSession(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, chats.Append(ctx, &history.Message{SessionID: sessionID, Sender: history.SenderUser, Content: "Tell me about Paris."}))
	require.NoError(t, chats.Append(ctx, &history.Message{SessionID: sessionID, Sender: history.SenderAssistant, Content: "Paris is the capital of France."}))

	pipeline := rag.New(generator, embedder, searcher, chats, testConfig(), zerolog.Nop())
	resp, err := pipeline.Answer(ctx, sessionID, "alice", "And how many people live there?")
	require.NoError(t, err)

	assert.Equal(t, rag.StageCompleted, resp.Stage)
	assert.Equal(t, sessionID, resp.SessionID)
	require.Equal(t, 2, generator.calls)

	// The condensation prompt sees the prior turns and the follow-up.
	assert.Contains(t, generator.prompts[0], "Tell me about Paris.")
	assert.Contains(t, generator.prompts[0], "And how many people live there?")

	// Retrieval runs on the standalone question, not the raw follow-up.
	assert.Equal(t, "What is the population of Paris?", embedder.lastQuery)
	assert.Contains(t, generator.prompts[1], "What is the population of Paris?")
}

func TestAnswerCondenseBlankFallsBackToOriginal(t *testing.T) {
	generator := &fakeGenerator{responses: []string{"   ", "An answer."}}
	embedder := &fakeEmbedder{}
	searcher := &fakeSearcher{}
	chats := newFakeChats()

	ctx := context.Background()
	sessionID, err := chats.CreateSession(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, chats.Append(ctx, &history.Message{SessionID: sessionID, Sender: history.SenderUser, Content: "earlier turn"}))

	pipeline := rag.New(generator, embedder, searcher, chats, testConfig(), zerolog.Nop())
	_, err = pipeline.Answer(ctx, sessionID, "alice", "the original question")
	require.NoError(t, err)

	assert.Equal(t, "the original question", embedder.lastQuery)
}

func TestAnswerUnknownSession(t *testing.T) {
	chats := newFakeChats()
	pipeline := rag.New(&fakeGenerator{}, &fakeEmbedder{}, &fakeSearcher{}, chats, testConfig(), zerolog.Nop())

	resp, err := pipeline.Answer(context.Background(), "no-such-session", "alice", "hello?")
	assert.ErrorIs(t, err, history.ErrSessionNotFound)
	// No response before the pipeline ran; callers must check err first.
	assert.Nil(t, resp)
	assert.Empty(t, chats.messages)

	stream, err := pipeline.AnswerStream(context.Background(), "no-such-session", "alice", "hello?")
	assert.ErrorIs(t, err, history.ErrSessionNotFound)
	assert.Nil(t, stream)
}

func TestAnswerEmptyRetrievalStillCompletes(t *testing.T) {
	generator := &fakeGenerator{responses: []string{"No relevant information was found."}}
	searcher := &fakeSearcher{}
	chats := newFakeChats()

	pipeline := rag.New(generator, &fakeEmbedder{}, searcher, chats, testConfig(), zerolog.Nop())
	resp, err := pipeline.Answer(context.Background(), "", "alice", "Something off-topic?")
	require.NoError(t, err)

	assert.Equal(t, rag.StageCompleted, resp.Stage)
	assert.Empty(t, resp.Sources)
	assert.Equal(t, 1, generator.calls)
}

func TestAnswerGenerationFailurePersistsIncident(t *testing.T) {
	generator := &fakeGenerator{failAt: 1}
	chats := newFakeChats()

	pipeline := rag.New(generator, &fakeEmbedder{}, &fakeSearcher{}, chats, testConfig(), zerolog.Nop())
	resp, err := pipeline.Answer(context.Background(), "", "alice", "a doomed question")
	require.Error(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, rag.StageFailed, resp.Stage)
	require.NotEmpty(t, resp.IncidentID)
	assert.Contains(t, resp.Answer, resp.IncidentID)

	// The incident answer is persisted like any other assistant turn.
	require.Len(t, chats.messages, 2)
	last := chats.lastMessage()
	assert.Equal(t, history.SenderAssistant, last.Sender)
	assert.Equal(t, resp.Answer, last.Content)
}

func TestAnswerEmbedFailureFails(t *testing.T) {
	chats := newFakeChats()
	pipeline := rag.New(&fakeGenerator{}, &fakeEmbedder{fail: true}, &fakeSearcher{}, chats, testConfig(), zerolog.Nop())

	resp, err := pipeline.Answer(context.Background(), "", "alice", "a question")
	require.Error(t, err)
	assert.Equal(t, rag.StageFailed, resp.Stage)
	assert.NotEmpty(t, resp.IncidentID)
	assert.Equal(t, history.SenderAssistant, chats.lastMessage().Sender)
}

func TestAnswerRetriesAssistantPersistenceOnce(t *testing.T) {
	generator := &fakeGenerator{responses: []string{"An answer."}}
	chats := newFakeChats()
	chats.failAppends = 1

	pipeline := rag.New(generator, &fakeEmbedder{}, &fakeSearcher{}, chats, testConfig(), zerolog.Nop())
	resp, err := pipeline.Answer(context.Background(), "", "alice", "a question")
	require.NoError(t, err)

	assert.NotEmpty(t, resp.MessageID)
	require.Len(t, chats.messages, 2)
	assert.Equal(t, "An answer.", chats.lastMessage().Content)
}

func TestAnswerSurvivesPersistenceGivingUp(t *testing.T) {
	generator := &fakeGenerator{responses: []string{"An answer."}}
	chats := newFakeChats()
	chats.failAppends = 2

	pipeline := rag.New(generator, &fakeEmbedder{}, &fakeSearcher{}, chats, testConfig(), zerolog.Nop())
	resp, err := pipeline.Answer(context.Background(), "", "alice", "a question")
	require.NoError(t, err)

	assert.Equal(t, "An answer.", resp.Answer)
	assert.Empty(t, resp.MessageID)
	require.Len(t, chats.messages, 1, "only the user turn was stored")
}

func TestAnswerStreamFragmentsReassemble(t *testing.T) {
	cfg := testConfig()
	cfg.ResponseMode = config.ResponseModeStream

	generator := &fakeGenerator{responses: []string{"Streamed answer text."}}
	chats := newFakeChats()

	pipeline := rag.New(generator, &fakeEmbedder{}, &fakeSearcher{}, chats, cfg, zerolog.Nop())
	stream, err := pipeline.AnswerStream(context.Background(), "", "alice", "a question")
	require.NoError(t, err)

	var fragments []string
	for frag := range stream.Fragments {
		fragments = append(fragments, frag)
	}
	resp := stream.Wait()

	assert.Equal(t, rag.StageCompleted, resp.Stage)
	assert.Equal(t, "Streamed answer text.", resp.Answer)
	assert.Equal(t, resp.Answer, strings.Join(fragments, ""))
	assert.Greater(t, len(fragments), 1)
	assert.Equal(t, resp.Answer, chats.lastMessage().Content)
}

func TestAnswerStreamFailureYieldsIncident(t *testing.T) {
	cfg := testConfig()
	cfg.ResponseMode = config.ResponseModeStream

	generator := &fakeGenerator{failAt: 1}
	chats := newFakeChats()

	pipeline := rag.New(generator, &fakeEmbedder{}, &fakeSearcher{}, chats, cfg, zerolog.Nop())
	stream, err := pipeline.AnswerStream(context.Background(), "", "alice", "a doomed question")
	require.NoError(t, err)

	for range stream.Fragments {
	}
	resp := stream.Wait()

	assert.Equal(t, rag.StageFailed, resp.Stage)
	assert.NotEmpty(t, resp.IncidentID)
	assert.Contains(t, resp.Answer, resp.IncidentID)
	assert.Equal(t, resp.Answer, chats.lastMessage().Content)
}

func TestAnswerAsyncBuffersFragments(t *testing.T) {
	cfg := testConfig()
	cfg.ResponseMode = config.ResponseModeAsync

	generator := &fakeGenerator{responses: []string{"Buffered answer."}}
	chats := newFakeChats()

	pipeline := rag.New(generator, &fakeEmbedder{}, &fakeSearcher{}, chats, cfg, zerolog.Nop())
	stream, err := pipeline.AnswerStream(context.Background(), "", "alice", "a question")
	require.NoError(t, err)

	// The pipeline finishes without anyone reading fragments yet.
	resp := stream.Wait()
	assert.Equal(t, rag.StageCompleted, resp.Stage)

	var fragments []string
	for frag := range stream.Fragments {
		fragments = append(fragments, frag)
	}
	assert.Equal(t, resp.Answer, strings.Join(fragments, ""))
}

func TestAnswerContextBudgetDropsLowestRanked(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTokensLimit = 1

	generator := &fakeGenerator{responses: []string{"An answer."}}
	searcher := &fakeSearcher{results: []models.SearchResult{
		searchResult("a.txt", strings.Repeat("relevant words ", 50), 0.95),
		searchResult("b.txt", strings.Repeat("more words ", 50), 0.80),
	}}
	chats := newFakeChats()

	pipeline := rag.New(generator, &fakeEmbedder{}, searcher, chats, cfg, zerolog.Nop())
	resp, err := pipeline.Answer(context.Background(), "", "alice", "a question")
	require.NoError(t, err)

	assert.Empty(t, resp.Sources, "no chunk fits a one-token budget")
	assert.NotContains(t, generator.prompts[0], "relevant words")
}

func TestAnswerContextIncludesSourcesOnce(t *testing.T) {
	generator := &fakeGenerator{responses: []string{"An answer."}}
	searcher := &fakeSearcher{results: []models.SearchResult{
		searchResult("a.txt", "first chunk from a", 0.95),
		searchResult("a.txt", "second chunk from a", 0.90),
		searchResult("b.txt", "chunk from b", 0.85),
	}}
	chats := newFakeChats()

	pipeline := rag.New(generator, &fakeEmbedder{}, searcher, chats, testConfig(), zerolog.Nop())
	resp, err := pipeline.Answer(context.Background(), "", "alice", "a question")
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt", "b.txt"}, resp.Sources)
	assert.Contains(t, generator.prompts[0], "first chunk from a")
	assert.Contains(t, generator.prompts[0], "second chunk from a")
	assert.Contains(t, generator.prompts[0], "chunk from b")
}
