package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Document is a normalized text record produced by the loader.
// Immutable once created; consumed by the chunker.
type Document struct {
	Content  string
	Metadata map[string]string
	SourceID string
}

// Chunk is an overlapping text segment of a document. Its fingerprint is the
// stable identity of the content across re-ingestion.
type Chunk struct {
	Content     string
	Metadata    map[string]string
	SourceID    string
	ChunkIndex  int
	StartOffset int
	Fingerprint string
}

// VectorRecord is a chunk together with its embedding, keyed by fingerprint.
// Owned by the vector index.
type VectorRecord struct {
	ID        string
	Vector    []float32
	Chunk     Chunk
	Namespace string
}

// SearchResult is a matching chunk with its cosine similarity score.
type SearchResult struct {
	Chunk      Chunk
	Similarity float32
}

// LedgerEntry tracks one indexed fingerprint. The ledger is the source of
// truth for what is indexed; the vector index is the searchable projection.
type LedgerEntry struct {
	Key       string
	SourceID  string
	Namespace string
	BatchID   string
}

// Fingerprint computes the deterministic identity of chunk content within a
// source. Line endings are normalized and surrounding whitespace stripped so
// that cosmetic differences do not produce new index entries.
func Fingerprint(sourceID, content string) string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	normalized = strings.TrimSpace(normalized)

	h := sha256.New()
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	return hex.EncodeToString(h.Sum(nil))
}
