package db

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/uptrace/bun"

	"ragchat/internal/config"
	"ragchat/internal/models"
	"ragchat/internal/vectorstore"
)

// vectorSize matches the embedding model output dimension.
const vectorSize = 768

func init() {
	vectorstore.Register("pgvector", func(_ *config.VectorStoreConfig, db *bun.DB) (vectorstore.Store, error) {
		if db == nil {
			return nil, fmt.Errorf("pgvector store requires a database connection")
		}
		return NewPGVectorStore(db), nil
	})
}

// VectorDocument is one indexed chunk row. The (id, namespace) pair is the
// primary key: the same fingerprint may be indexed in several namespaces.
type VectorDocument struct {
	bun.BaseModel `bun:"table:vector_documents,alias:vd"`

	ID         string            `bun:"id,pk"`
	Namespace  string            `bun:"namespace,pk"`
	SourceID   string            `bun:"source_id,notnull"`
	Content    string            `bun:"content,notnull"`
	Metadata   map[string]string `bun:"metadata,type:jsonb"`
	Embedding  pgvector.Vector   `bun:"embedding,notnull,type:vector(768)"`
	CreatedAt  time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	Similarity float32           `bun:"similarity,scanonly"`
}

// PGVectorStore implements the vector index on Postgres with the pgvector
// extension, ordering searches by cosine distance.
type PGVectorStore struct {
	db *bun.DB
}

func NewPGVectorStore(db *bun.DB) *PGVectorStore {
	return &PGVectorStore{db: db}
}

// Init creates the pgvector extension and the documents table.
func (s *PGVectorStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("%w: creating vector extension: %v", vectorstore.ErrUnavailable, err)
	}
	if _, err := s.db.NewCreateTable().Model((*VectorDocument)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("%w: creating vector_documents table: %v", vectorstore.ErrUnavailable, err)
	}
	return nil
}

func (s *PGVectorStore) Upsert(ctx context.Context, records []models.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]VectorDocument, len(records))
	for i, rec := range records {
		rows[i] = VectorDocument{
			ID:        rec.ID,
			Namespace: rec.Namespace,
			SourceID:  rec.Chunk.SourceID,
			Content:   rec.Chunk.Content,
			Metadata:  rec.Chunk.Metadata,
			Embedding: pgvector.NewVector(rec.Vector),
		}
	}

	_, err := s.db.NewInsert().
		Model(&rows).
		On("CONFLICT (id, namespace) DO UPDATE").
		Set("source_id = EXCLUDED.source_id").
		Set("content = EXCLUDED.content").
		Set("metadata = EXCLUDED.metadata").
		Set("embedding = EXCLUDED.embedding").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: upserting %d records: %v", vectorstore.ErrUnavailable, len(rows), err)
	}
	return nil
}

func (s *PGVectorStore) Delete(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.NewDelete().
		Model((*VectorDocument)(nil)).
		Where("namespace = ?", namespace).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: deleting %d records: %v", vectorstore.ErrUnavailable, len(ids), err)
	}
	return nil
}

func (s *PGVectorStore) Search(ctx context.Context, namespace string, queryVector []float32, k int, threshold float32, filters map[string]string) ([]models.SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}
	vec := pgvector.NewVector(queryVector)

	var rows []VectorDocument
	q := s.db.NewSelect().
		Model(&rows).
		ColumnExpr("vd.*").
		ColumnExpr("1 - (vd.embedding <=> ?) AS similarity", vec).
		Where("vd.namespace = ?", namespace).
		Where("1 - (vd.embedding <=> ?) >= ?", vec, threshold).
		OrderExpr("vd.embedding <=> ?", vec).
		OrderExpr("vd.created_at ASC").
		Limit(k)
	for key, val := range filters {
		q = q.Where("vd.metadata->>? = ?", key, val)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("%w: searching %s: %v", vectorstore.ErrUnavailable, namespace, err)
	}

	out := make([]models.SearchResult, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.SearchResult{
			Chunk: models.Chunk{
				Content:     row.Content,
				Metadata:    row.Metadata,
				SourceID:    row.SourceID,
				Fingerprint: row.ID,
			},
			Similarity: row.Similarity,
		})
	}
	return out, nil
}
