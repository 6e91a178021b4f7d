// Package indexer reconciles ingestion batches against the vector index and
// the ledger, keeping the two consistent under the configured insertion mode.
package indexer

import (
	"context"
	"fmt"
	"sort"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"ragchat/internal/config"
	"ragchat/internal/embedding"
	"ragchat/internal/helper"
	"ragchat/internal/models"
	"ragchat/internal/vectorstore"
)

// Ledger is the bookkeeping store the reconciler drives. Load and Commit are
// transactional per call.
type Ledger interface {
	Load(ctx context.Context, namespace string, sourceIDs []string) ([]models.LedgerEntry, error)
	Commit(ctx context.Context, namespace string, upserts []models.LedgerEntry, deleteKeys []string) error
}

const maxEmbedRetries = 3

// Result summarizes one reconciliation pass.
type Result struct {
	BatchID    string
	NumAdded   int
	NumSkipped int
	NumDeleted int
}

// Indexer applies ingestion batches. Write order is index before ledger, so
// a crash mid-operation leaves at most an orphan index record, never a
// ledger entry pointing at missing data.
type Indexer struct {
	embedder       embedding.Embedder
	store          vectorstore.Store
	ledger         Ledger
	embedBatchSize int
	logger         zerolog.Logger
}

func New(embedder embedding.Embedder, store vectorstore.Store, ledger Ledger, embedBatchSize int, logger zerolog.Logger) *Indexer {
	if embedBatchSize <= 0 {
		embedBatchSize = 100
	}
	return &Indexer{
		embedder:       embedder,
		store:          store,
		ledger:         ledger,
		embedBatchSize: embedBatchSize,
		logger:         logger,
	}
}

// Reconcile makes the vector index reflect the batch for the namespace
// according to mode (none, incremental, full). Any provider or storage error
// aborts the whole call before the ledger commit, so retrying with the same
// input is safe: already-present fingerprints are skipped, not re-embedded.
func (ix *Indexer) Reconcile(ctx context.Context, batch []models.Chunk, namespace, mode string) (*Result, error) {
	switch mode {
	case config.InsertionModeNone, config.InsertionModeIncremental, config.InsertionModeFull:
	default:
		return nil, fmt.Errorf("unknown insertion mode %q", mode)
	}

	batchID, err := helper.GenerateUUID()
	if err != nil {
		return nil, err
	}

	batch = dedupe(batch)
	batchKeys := make(map[string]bool, len(batch))
	batchSources := make(map[string]bool)
	for _, chunk := range batch {
		batchKeys[chunk.Fingerprint] = true
		batchSources[chunk.SourceID] = true
	}

	// Full mode diffs against the whole namespace; the other modes only
	// against ledger entries for the sources present in this batch.
	var scope []string
	if mode != config.InsertionModeFull {
		scope = sortedKeys(batchSources)
	}
	existing, err := ix.ledger.Load(ctx, namespace, scope)
	if err != nil {
		return nil, err
	}
	existingKeys := make(map[string]bool, len(existing))
	for _, e := range existing {
		existingKeys[e.Key] = true
	}

	var toInsert []models.Chunk
	var seen []models.Chunk
	for _, chunk := range batch {
		if existingKeys[chunk.Fingerprint] {
			seen = append(seen, chunk)
		} else {
			toInsert = append(toInsert, chunk)
		}
	}

	records, err := ix.embed(ctx, toInsert, namespace)
	if err != nil {
		return nil, err
	}
	if err := ix.store.Upsert(ctx, records); err != nil {
		return nil, err
	}

	var deleteKeys []string
	if mode != config.InsertionModeNone {
		for _, e := range existing {
			if batchKeys[e.Key] {
				continue
			}
			if mode == config.InsertionModeIncremental && !batchSources[e.SourceID] {
				continue
			}
			deleteKeys = append(deleteKeys, e.Key)
		}
		sort.Strings(deleteKeys)
		if err := ix.store.Delete(ctx, namespace, deleteKeys); err != nil {
			return nil, err
		}
	}

	upserts := make([]models.LedgerEntry, 0, len(toInsert)+len(seen))
	for _, chunk := range append(toInsert, seen...) {
		upserts = append(upserts, models.LedgerEntry{
			Key:       chunk.Fingerprint,
			SourceID:  chunk.SourceID,
			Namespace: namespace,
			BatchID:   batchID,
		})
	}
	if err := ix.ledger.Commit(ctx, namespace, upserts, deleteKeys); err != nil {
		return nil, err
	}

	result := &Result{
		BatchID:    batchID,
		NumAdded:   len(toInsert),
		NumSkipped: len(seen),
		NumDeleted: len(deleteKeys),
	}
	ix.logger.Info().
		Str("namespace", namespace).
		Str("mode", mode).
		Str("batch_id", batchID).
		Int("added", result.NumAdded).
		Int("skipped", result.NumSkipped).
		Int("deleted", result.NumDeleted).
		Msg("reconciled ingestion batch")
	return result, nil
}

// embed converts chunks to vector records in fixed-size groups, bounding
// memory and request size. Each group is retried with exponential backoff;
// a group that keeps failing aborts the whole call.
func (ix *Indexer) embed(ctx context.Context, chunks []models.Chunk, namespace string) ([]models.VectorRecord, error) {
	records := make([]models.VectorRecord, 0, len(chunks))
	for start := 0; start < len(chunks); start += ix.embedBatchSize {
		end := start + ix.embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		group := chunks[start:end]

		texts := make([]string, len(group))
		for i, chunk := range group {
			texts[i] = chunk.Content
		}

		var vectors [][]float32
		op := func() error {
			var embedErr error
			vectors, embedErr = ix.embedder.EmbedDocuments(ctx, texts)
			return embedErr
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxEmbedRetries), ctx)
		if err := backoff.Retry(op, policy); err != nil {
			return nil, fmt.Errorf("embedding group [%d:%d]: %w", start, end, err)
		}

		for i, chunk := range group {
			records = append(records, models.VectorRecord{
				ID:        chunk.Fingerprint,
				Vector:    vectors[i],
				Chunk:     chunk,
				Namespace: namespace,
			})
		}
	}
	return records, nil
}

// dedupe drops chunks whose fingerprint already appeared earlier in the
// batch, keeping first occurrence order.
func dedupe(batch []models.Chunk) []models.Chunk {
	seen := make(map[string]bool, len(batch))
	out := batch[:0:0]
	for _, chunk := range batch {
		if seen[chunk.Fingerprint] {
			continue
		}
		seen[chunk.Fingerprint] = true
		out = append(out, chunk)
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
