// Package ledger persists the index bookkeeping table: which fingerprints
// are currently indexed, for which source and namespace. The ledger is the
// source of truth for "what is indexed"; the vector index is the searchable
// projection.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ragchat/internal/models"
)

// PersistenceError reports a ledger storage failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("ledger %s: %v", e.Op, e.Err) }

func (e *PersistenceError) Unwrap() error { return e.Err }

// Entry is one ledger row. (key, namespace) is the primary key.
type Entry struct {
	bun.BaseModel `bun:"table:index_ledger,alias:il"`

	Key       string    `bun:"key,pk"`
	Namespace string    `bun:"namespace,pk"`
	SourceID  string    `bun:"source_id,notnull"`
	BatchID   string    `bun:"batch_id,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// Store persists ledger entries with bun. Safe for concurrent use; every
// Commit runs in a single transaction so concurrent reconciliations cannot
// half-apply.
type Store struct {
	db *bun.DB
}

func New(db *bun.DB) *Store {
	return &Store{db: db}
}

// Init creates the ledger table.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().Model((*Entry)(nil)).IfNotExists().Exec(ctx); err != nil {
		return &PersistenceError{Op: "init", Err: err}
	}
	return nil
}

// Load returns the ledger entries for a namespace. When sourceIDs is
// non-empty, only entries belonging to those sources are returned.
func (s *Store) Load(ctx context.Context, namespace string, sourceIDs []string) ([]models.LedgerEntry, error) {
	var rows []Entry
	q := s.db.NewSelect().
		Model(&rows).
		Where("namespace = ?", namespace).
		Order("key ASC")
	if len(sourceIDs) > 0 {
		q = q.Where("source_id IN (?)", bun.In(sourceIDs))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}

	out := make([]models.LedgerEntry, len(rows))
	for i, row := range rows {
		out[i] = models.LedgerEntry{
			Key:       row.Key,
			SourceID:  row.SourceID,
			Namespace: row.Namespace,
			BatchID:   row.BatchID,
		}
	}
	return out, nil
}

// Commit applies a reconciliation outcome in one transaction: upserts for
// inserted and re-seen fingerprints, deletes for superseded ones.
func (s *Store) Commit(ctx context.Context, namespace string, upserts []models.LedgerEntry, deleteKeys []string) error {
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if len(upserts) > 0 {
			now := time.Now().UTC()
			rows := make([]Entry, len(upserts))
			for i, e := range upserts {
				rows[i] = Entry{
					Key:       e.Key,
					Namespace: e.Namespace,
					SourceID:  e.SourceID,
					BatchID:   e.BatchID,
					UpdatedAt: now,
				}
			}
			_, err := tx.NewInsert().
				Model(&rows).
				On("CONFLICT (key, namespace) DO UPDATE").
				Set("batch_id = EXCLUDED.batch_id").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx)
			if err != nil {
				return err
			}
		}
		if len(deleteKeys) > 0 {
			_, err := tx.NewDelete().
				Model((*Entry)(nil)).
				Where("namespace = ?", namespace).
				Where("key IN (?)", bun.In(deleteKeys)).
				Exec(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	return nil
}
