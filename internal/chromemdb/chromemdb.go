// Package chromemdb implements the vector index on chromem-go, an embedded
// store persisted to local disk (or kept in memory when no path is set).
package chromemdb

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/uptrace/bun"

	"ragchat/internal/config"
	"ragchat/internal/models"
	"ragchat/internal/vectorstore"
)

const compress = false

func init() {
	vectorstore.Register("chromem", func(cfg *config.VectorStoreConfig, _ *bun.DB) (vectorstore.Store, error) {
		return New(cfg.Path)
	})
}

// Manager encapsulates the chromem-go database. Each namespace maps to its
// own collection, created lazily.
type Manager struct {
	db *chromem.DB

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// New opens the store at path, or in memory when path is empty.
func New(path string) (*Manager, error) {
	var db *chromem.DB
	var err error
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, compress)
		if err != nil {
			return nil, fmt.Errorf("%w: opening chromem at %s: %v", vectorstore.ErrUnavailable, path, err)
		}
	}
	return &Manager{db: db, collections: make(map[string]*chromem.Collection)}, nil
}

func (m *Manager) collection(namespace string) (*chromem.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[namespace]; ok {
		return c, nil
	}
	c, err := m.db.GetOrCreateCollection(namespace, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: collection %s: %v", vectorstore.ErrUnavailable, namespace, err)
	}
	m.collections[namespace] = c
	return c, nil
}

func (m *Manager) Upsert(ctx context.Context, records []models.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	byNamespace := make(map[string][]chromem.Document)
	base := time.Now().UnixNano()
	for i, rec := range records {
		metadata := make(map[string]string, len(rec.Chunk.Metadata)+2)
		for k, v := range rec.Chunk.Metadata {
			metadata[k] = v
		}
		metadata["source_id"] = rec.Chunk.SourceID
		// Monotonic insertion marker; search uses it to break similarity
		// ties in insertion order, like the relational backend's created_at.
		metadata["indexed_at"] = strconv.FormatInt(base+int64(i), 10)
		byNamespace[rec.Namespace] = append(byNamespace[rec.Namespace], chromem.Document{
			ID:        rec.ID,
			Content:   rec.Chunk.Content,
			Metadata:  metadata,
			Embedding: rec.Vector,
		})
	}

	for namespace, docs := range byNamespace {
		c, err := m.collection(namespace)
		if err != nil {
			return err
		}
		// AddDocuments replaces existing ids, so re-upserts are no-ops.
		if err := c.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return fmt.Errorf("%w: adding %d documents to %s: %v", vectorstore.ErrUnavailable, len(docs), namespace, err)
		}
	}
	return nil
}

func (m *Manager) Delete(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	c, err := m.collection(namespace)
	if err != nil {
		return err
	}
	if err := c.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("%w: deleting from %s: %v", vectorstore.ErrUnavailable, namespace, err)
	}
	return nil
}

func (m *Manager) Search(ctx context.Context, namespace string, queryVector []float32, k int, threshold float32, filters map[string]string) ([]models.SearchResult, error) {
	c, err := m.collection(namespace)
	if err != nil {
		return nil, err
	}

	// chromem rejects result counts above the collection size.
	if count := c.Count(); k > count {
		k = count
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := c.QueryWithOptions(ctx, chromem.QueryOptions{
		QueryEmbedding: queryVector,
		NResults:       k,
		Where:          filters,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: querying %s: %v", vectorstore.ErrUnavailable, namespace, err)
	}

	out := make([]models.SearchResult, 0, len(results))
	for _, r := range results {
		if r.Similarity < threshold {
			continue
		}
		out = append(out, models.SearchResult{
			Chunk:      chunkFromResult(r),
			Similarity: r.Similarity,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return indexedAt(out[i].Chunk) < indexedAt(out[j].Chunk)
	})
	return out, nil
}

func indexedAt(chunk models.Chunk) int64 {
	n, _ := strconv.ParseInt(chunk.Metadata["indexed_at"], 10, 64)
	return n
}

func chunkFromResult(r chromem.Result) models.Chunk {
	chunkIndex, _ := strconv.Atoi(r.Metadata["chunk_index"])
	startOffset, _ := strconv.Atoi(r.Metadata["start_offset"])
	return models.Chunk{
		Content:     r.Content,
		Metadata:    r.Metadata,
		SourceID:    r.Metadata["source_id"],
		ChunkIndex:  chunkIndex,
		StartOffset: startOffset,
		Fingerprint: r.ID,
	}
}
