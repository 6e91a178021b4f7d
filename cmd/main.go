package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	_ "ragchat/internal/chromemdb"
	"ragchat/internal/chunker"
	"ragchat/internal/config"
	"ragchat/internal/db"
	"ragchat/internal/embedding"
	"ragchat/internal/history"
	"ragchat/internal/indexer"
	"ragchat/internal/ledger"
	"ragchat/internal/llm"
	"ragchat/internal/parser"
	"ragchat/internal/rag"
	"ragchat/internal/vectorstore"
)

const configFilePath = "./configs/config.yaml"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Caller().Logger()

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	configPath := flag.String("config", configFilePath, "Path to the config file")
	filePath := flag.String("file", "", "Path to a document file or directory to index")
	namespace := flag.String("namespace", "", "Namespace to index into or query (defaults to the configured one)")
	mode := flag.String("mode", "", "Insertion mode: none, incremental or full (defaults to the configured one)")
	query := flag.String("query", "", "Question to be answered")
	sessionID := flag.String("session", "", "Session id to continue a conversation (empty starts a new one)")
	owner := flag.String("owner", "", "Owner of the conversation session")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	if *namespace != "" {
		cfg.VectorStore.Namespace = *namespace
	}
	if *mode != "" {
		cfg.VectorStore.InsertionMode = *mode
	}

	ctx := context.Background()

	switch {
	case *filePath != "" && *query != "":
		log.Fatal().Msg("Please provide either a document file using the -file flag or a question using the -query flag, but not both")
	case *filePath != "":
		ingestDocuments(ctx, cfg, *filePath)
	case *query != "":
		askQuestion(ctx, cfg, *sessionID, *owner, *query)
	default:
		log.Fatal().Msg("Please provide either a document file using the -file flag or a question using the -query flag")
	}
}

// openStores connects the relational database and the vector index, creating
// schemas on first use.
func openStores(ctx context.Context, cfg *config.Config) (*bun.DB, vectorstore.Store) {
	dbConn, err := db.Connect(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Error connecting to database")
	}

	store, err := vectorstore.New(&cfg.VectorStore, dbConn)
	if err != nil {
		log.Fatal().Err(err).Msg("Error opening vector store")
	}
	if initer, ok := store.(interface{ Init(context.Context) error }); ok {
		if err := initer.Init(ctx); err != nil {
			log.Fatal().Err(err).Msg("Error initializing vector store schema")
		}
	}
	return dbConn, store
}

func ingestDocuments(ctx context.Context, cfg *config.Config, filePath string) {
	dbConn, store := openStores(ctx, cfg)
	defer dbConn.Close()

	ledgerStore := ledger.New(dbConn)
	if err := ledgerStore.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("Error initializing index ledger")
	}

	embedder, err := embedding.New(&cfg.EmbedLLM)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing embedder")
	}

	docs, err := parser.Load(ctx, filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading documents")
	}
	log.Info().Int("documents", len(docs)).Str("path", filePath).Msg("Loaded documents")

	splitter, err := chunker.New(cfg.RAG.ChunkSize, cfg.RAG.Overlap())
	if err != nil {
		log.Fatal().Err(err).Msg("Error creating chunker")
	}
	chunks, err := splitter.Split(docs)
	if err != nil {
		log.Fatal().Err(err).Msg("Error splitting documents")
	}

	ix := indexer.New(embedder, store, ledgerStore, cfg.EmbedLLM.BatchSize, log.Logger)
	result, err := ix.Reconcile(ctx, chunks, cfg.VectorStore.Namespace, cfg.VectorStore.InsertionMode)
	if err != nil {
		log.Fatal().Err(err).Msg("Error indexing documents")
	}

	log.Info().
		Str("batch_id", result.BatchID).
		Int("added", result.NumAdded).
		Int("skipped", result.NumSkipped).
		Int("deleted", result.NumDeleted).
		Msg("Indexing complete")
}

func askQuestion(ctx context.Context, cfg *config.Config, sessionID, owner, question string) {
	dbConn, store := openStores(ctx, cfg)
	defer dbConn.Close()

	chats := history.New(dbConn, cfg.ChatHistoryWindowSize)
	if err := chats.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("Error initializing chat history")
	}

	embedder, err := embedding.New(&cfg.EmbedLLM)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing embedder")
	}
	generator, err := llm.New(&cfg.LLM)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing LLM")
	}

	pipeline := rag.New(generator, embedder, store, chats, cfg, log.Logger)

	if cfg.ResponseMode == config.ResponseModeSync {
		resp, err := pipeline.Answer(ctx, sessionID, owner, question)
		if err != nil {
			// resp is nil when the request failed before the pipeline ran,
			// e.g. an unknown session id.
			evt := log.Error().Err(err)
			if resp != nil {
				evt = evt.Str("incident_id", resp.IncidentID)
			}
			evt.Msg("Error answering question")
		}
		printResponse(resp)
		return
	}

	stream, err := pipeline.AnswerStream(ctx, sessionID, owner, question)
	if err != nil {
		log.Fatal().Err(err).Msg("Error starting answer stream")
	}
	for fragment := range stream.Fragments {
		fmt.Print(fragment)
	}
	fmt.Println()
	resp := stream.Wait()
	printResponse(resp)
}

func printResponse(resp *rag.Response) {
	if resp == nil {
		return
	}
	if resp.Stage == rag.StageFailed {
		fmt.Println(resp.Answer)
	}
	fmt.Printf("\nSession: %s\n", resp.SessionID)
	for _, src := range resp.Sources {
		fmt.Printf("Source: %s\n", src)
	}
}
