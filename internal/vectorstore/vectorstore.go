// Package vectorstore defines the vector index contract shared by the
// pluggable backends, and the registry that maps a configuration key to a
// backend factory.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/uptrace/bun"

	"ragchat/internal/config"
	"ragchat/internal/models"
)

// ErrUnavailable indicates a storage backend failure. It is fatal to the
// current request and is not retried silently.
var ErrUnavailable = errors.New("vector index unavailable")

// Store is the searchable projection of the index ledger. Implementations
// must support concurrent upsert and search.
type Store interface {
	// Upsert is idempotent: re-upserting a record with the same id and
	// vector leaves the state unchanged.
	Upsert(ctx context.Context, records []models.VectorRecord) error

	// Delete removes records by fingerprint. Removing a non-existent id is
	// not an error.
	Delete(ctx context.Context, namespace string, ids []string) error

	// Search returns up to k chunks ordered by descending similarity, ties
	// broken by insertion order. Results scoring below threshold are
	// dropped. Filters restrict matches by metadata equality.
	Search(ctx context.Context, namespace string, queryVector []float32, k int, threshold float32, filters map[string]string) ([]models.SearchResult, error)
}

// Factory builds a backend from configuration. Backends that do not need the
// relational database ignore the db argument.
type Factory func(cfg *config.VectorStoreConfig, db *bun.DB) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available under the given configuration key.
// Called from backend package init functions.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New builds the backend selected by cfg.Source.
func New(cfg *config.VectorStoreConfig, db *bun.DB) (Store, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Source]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown vector store %q (available: %s)", cfg.Source, strings.Join(names(), ", "))
	}
	return f(cfg, db)
}

func names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
