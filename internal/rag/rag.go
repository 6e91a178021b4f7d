// Package rag orchestrates the answer pipeline: condense the question using
// conversation memory, retrieve relevant chunks, assemble a bounded context,
// generate the answer, and persist both turns of the exchange.
package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"

	"ragchat/internal/config"
	"ragchat/internal/helper"
	"ragchat/internal/history"
	"ragchat/internal/models"
)

// Stage identifies where a user message currently is in the pipeline.
type Stage string

const (
	StageReceived   Stage = "RECEIVED"
	StageCondensing Stage = "CONDENSING"
	StageRetrieving Stage = "RETRIEVING"
	StageAssembling Stage = "ASSEMBLING"
	StageGenerating Stage = "GENERATING"
	StageCompleted  Stage = "COMPLETED"
	StageFailed     Stage = "FAILED"
)

// Generator produces model output. Stream sends ordered fragments on the
// channel and returns the reassembled text.
type Generator interface {
	Generate(ctx context.Context, messages []llms.MessageContent) (string, error)
	Stream(ctx context.Context, messages []llms.MessageContent, fragments chan<- string) (string, error)
}

// Embedder produces the query vector for retrieval.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the vector index view the pipeline needs.
type Searcher interface {
	Search(ctx context.Context, namespace string, queryVector []float32, k int, threshold float32, filters map[string]string) ([]models.SearchResult, error)
}

// ChatStore persists sessions and messages and serves the bounded memory
// window.
type ChatStore interface {
	CreateSession(ctx context.Context, owner string) (string, error)
	GetSession(ctx context.Context, sessionID string) (*history.Session, error)
	Append(ctx context.Context, msg *history.Message) error
	History(ctx context.Context, sessionID string) ([]history.Message, error)
}

// Response is the outcome of one user message. On failure the answer is a
// user-safe message carrying the incident id; raw error detail only reaches
// the logs.
type Response struct {
	SessionID  string
	MessageID  string
	Answer     string
	Sources    []string
	Stage      Stage
	IncidentID string
}

// Stream is a running streaming answer. Fragments is an ordered, finite,
// non-restartable sequence; concatenating all fragments in yield order
// reassembles the answer. Wait blocks until the pipeline has finished and
// the assistant message is persisted.
type Stream struct {
	Fragments <-chan string
	done      <-chan *Response
}

func (s *Stream) Wait() *Response { return <-s.done }

// asyncBufferSize decouples fragment production from consumption in async
// response mode.
const asyncBufferSize = 64

// RAG executes the answer pipeline. Safe for concurrent use across sessions;
// the caller must not run two concurrent answers for the same session.
type RAG struct {
	generator Generator
	embedder  Embedder
	store     Searcher
	chats     ChatStore
	cfg       *config.Config
	logger    zerolog.Logger
}

func New(generator Generator, embedder Embedder, store Searcher, chats ChatStore, cfg *config.Config, logger zerolog.Logger) *RAG {
	return &RAG{
		generator: generator,
		embedder:  embedder,
		store:     store,
		chats:     chats,
		cfg:       cfg,
		logger:    logger,
	}
}

// prepared carries the state shared by all stages of one user message.
type prepared struct {
	sessionID string
	userMsgID string
	question  string
	history   []history.Message
}

// Answer runs the pipeline in blocking mode. A non-nil Response is returned
// even when err is non-nil: the FAILED outcome still carries the persisted
// incident answer.
func (r *RAG) Answer(ctx context.Context, sessionID, owner, question string) (*Response, error) {
	prep, err := r.prepare(ctx, sessionID, owner, question)
	if err != nil {
		return nil, err
	}

	answer, sources, stage, runErr := r.run(ctx, prep, nil)
	resp := r.finish(ctx, prep, answer, sources, stage, runErr)
	if runErr != nil {
		return resp, runErr
	}
	return resp, nil
}

// AnswerStream runs the pipeline in stream or async mode. The synchronous
// part (session setup, user message persistence) happens before returning so
// callers still fail fast on persistence problems.
//
// A consumer abandoning the stream does not cancel generation: the model runs
// to completion so the assistant message can be persisted for history
// continuity.
func (r *RAG) AnswerStream(ctx context.Context, sessionID, owner, question string) (*Stream, error) {
	prep, err := r.prepare(ctx, sessionID, owner, question)
	if err != nil {
		return nil, err
	}

	bufferSize := 0
	if r.cfg.ResponseMode == config.ResponseModeAsync {
		bufferSize = asyncBufferSize
	}
	out := make(chan string, bufferSize)
	done := make(chan *Response, 1)
	internal := make(chan string)

	// Forwarder: drains generator fragments and relays them to the consumer.
	// If the consumer goes away it keeps draining so generation never blocks.
	go func() {
		defer close(out)
		for frag := range internal {
			select {
			case out <- frag:
			case <-ctx.Done():
				for range internal {
				}
				return
			}
		}
	}()

	go func() {
		defer close(done)
		genCtx := context.WithoutCancel(ctx)
		answer, sources, stage, runErr := r.run(genCtx, prep, internal)
		close(internal)
		done <- r.finish(genCtx, prep, answer, sources, stage, runErr)
	}()

	return &Stream{Fragments: out, done: done}, nil
}

// prepare resolves the session, persists the user message and loads memory.
func (r *RAG) prepare(ctx context.Context, sessionID, owner, question string) (*prepared, error) {
	if sessionID == "" {
		id, err := r.chats.CreateSession(ctx, owner)
		if err != nil {
			return nil, err
		}
		sessionID = id
	} else if _, err := r.chats.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	// Memory is read before the user turn is appended so the condensation
	// prompt sees only prior turns.
	hist, err := r.chats.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	userMsg := &history.Message{
		SessionID: sessionID,
		Sender:    history.SenderUser,
		Content:   question,
	}
	if err := r.chats.Append(ctx, userMsg); err != nil {
		return nil, err
	}

	r.logger.Debug().
		Str("session_id", sessionID).
		Str("message_id", userMsg.ID).
		Str("stage", string(StageReceived)).
		Msg("user message received")

	return &prepared{
		sessionID: sessionID,
		userMsgID: userMsg.ID,
		question:  question,
		history:   hist,
	}, nil
}

// run executes the condense, retrieve, assemble and generate stages. When
// fragments is non-nil the generation stage streams onto it.
func (r *RAG) run(ctx context.Context, prep *prepared, fragments chan<- string) (answer string, sources []string, stage Stage, err error) {
	stage = StageCondensing
	standalone, err := r.condense(ctx, prep)
	if err != nil {
		return "", nil, stage, err
	}

	stage = StageRetrieving
	results, err := r.retrieve(ctx, standalone)
	if err != nil {
		return "", nil, stage, err
	}

	stage = StageAssembling
	contextText, sources := r.assemble(results)

	stage = StageGenerating
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, models.AnswerSystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, fmt.Sprintf(models.AnswerPromptTemplate, contextText, standalone)),
	}
	if fragments != nil {
		answer, err = r.generator.Stream(ctx, messages, fragments)
	} else {
		answer, err = r.generator.Generate(ctx, messages)
	}
	if err != nil {
		return "", sources, stage, err
	}
	return answer, sources, StageCompleted, nil
}

// condense rewrites the question into a standalone one using conversation
// memory. With no history the question passes through unchanged, saving a
// generation call.
func (r *RAG) condense(ctx context.Context, prep *prepared) (string, error) {
	if len(prep.history) == 0 {
		return prep.question, nil
	}

	prompt := fmt.Sprintf(models.CondensePromptTemplate, formatHistory(prep.history), prep.question)
	standalone, err := r.generator.Generate(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	})
	if err != nil {
		return "", err
	}
	standalone = strings.TrimSpace(standalone)
	if standalone == "" {
		standalone = prep.question
	}
	return standalone, nil
}

// retrieve embeds the standalone question and searches the configured
// namespace. Zero results above the threshold is not an error; the pipeline
// proceeds with empty context and the prompt instructs the model to decline.
func (r *RAG) retrieve(ctx context.Context, standalone string) ([]models.SearchResult, error) {
	queryVector, err := r.embedder.EmbedQuery(ctx, standalone)
	if err != nil {
		return nil, err
	}

	searchCtx, cancel := context.WithTimeout(ctx, r.cfg.VectorStoreTimeout())
	defer cancel()
	return r.store.Search(
		searchCtx,
		r.cfg.VectorStore.Namespace,
		queryVector,
		r.cfg.VectorStore.Retriever.TopK,
		r.cfg.VectorStore.Retriever.Threshold(),
		nil,
	)
}

// assemble concatenates retrieved chunks, each annotated with its source,
// keeping highest-scored chunks and dropping the rest once the token budget
// is reached.
func (r *RAG) assemble(results []models.SearchResult) (string, []string) {
	var blocks []string
	var sources []string
	seenSources := make(map[string]bool)
	budget := r.cfg.MaxTokensLimit
	used := 0

	for _, res := range results {
		block := fmt.Sprintf("Source: %s\n%s", res.Chunk.SourceID, res.Chunk.Content)
		tokens := llms.CountTokens(r.cfg.LLM.Model, block)
		if used+tokens > budget {
			break
		}
		used += tokens
		blocks = append(blocks, block)
		if !seenSources[res.Chunk.SourceID] {
			seenSources[res.Chunk.SourceID] = true
			sources = append(sources, res.Chunk.SourceID)
		}
	}
	return strings.Join(blocks, models.ContextSeparator), sources
}

// finish persists the assistant turn exactly once, success or failure, and
// builds the final response. Persistence failures are logged, retried once,
// and never crash the serving path.
func (r *RAG) finish(ctx context.Context, prep *prepared, answer string, sources []string, stage Stage, runErr error) *Response {
	resp := &Response{
		SessionID: prep.sessionID,
		Answer:    answer,
		Sources:   sources,
		Stage:     stage,
	}

	if runErr != nil {
		incidentID, idErr := helper.GenerateUUID()
		if idErr != nil {
			incidentID = prep.userMsgID
		}
		resp.Stage = StageFailed
		resp.IncidentID = incidentID
		resp.Answer = fmt.Sprintf(models.IncidentMessageTemplate, incidentID)
		r.logger.Error().
			Err(runErr).
			Str("session_id", prep.sessionID).
			Str("message_id", prep.userMsgID).
			Str("stage", string(stage)).
			Str("incident_id", incidentID).
			Msg("answer pipeline failed")
	} else {
		r.logger.Debug().
			Str("session_id", prep.sessionID).
			Str("message_id", prep.userMsgID).
			Str("stage", string(StageCompleted)).
			Msg("answer pipeline completed")
	}

	msg := &history.Message{
		SessionID: prep.sessionID,
		Sender:    history.SenderAssistant,
		Content:   resp.Answer,
	}
	persistCtx := context.WithoutCancel(ctx)
	if err := r.chats.Append(persistCtx, msg); err != nil {
		r.logger.Warn().Err(err).Str("session_id", prep.sessionID).Msg("retrying assistant message persistence")
		if err := r.chats.Append(persistCtx, msg); err != nil {
			r.logger.Error().
				Err(err).
				Str("session_id", prep.sessionID).
				Str("message_id", prep.userMsgID).
				Msg("giving up persisting assistant message; session history is incomplete")
			return resp
		}
	}
	resp.MessageID = msg.ID
	return resp
}

func formatHistory(msgs []history.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Sender)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}
