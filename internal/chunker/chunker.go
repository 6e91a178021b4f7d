package chunker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"ragchat/internal/models"
)

// separators are tried coarse to fine: paragraph, line, word, character.
var separators = []string{"\n\n", "\n", " ", ""}

// Chunker splits normalized documents into overlapping text segments no
// larger than chunkSize. Splitting is deterministic: the same document with
// the same parameters always yields the same boundaries and fingerprints.
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

func New(chunkSize, chunkOverlap int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", chunkSize, chunkOverlap)
	}
	return &Chunker{chunkSize: chunkSize, chunkOverlap: chunkOverlap}, nil
}

// Split produces chunks for a batch of documents. Chunk indexes are assigned
// per source, so a multi-page source numbers its chunks continuously.
func (c *Chunker) Split(docs []models.Document) ([]models.Chunk, error) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(c.chunkSize),
		textsplitter.WithChunkOverlap(c.chunkOverlap),
		textsplitter.WithSeparators(separators),
	)

	var chunks []models.Chunk
	perSource := make(map[string]int)
	for _, doc := range docs {
		pieces, err := splitter.SplitText(doc.Content)
		if err != nil {
			return nil, fmt.Errorf("splitting %s: %w", doc.SourceID, err)
		}

		searchFrom := 0
		for _, piece := range pieces {
			if strings.TrimSpace(piece) == "" {
				continue
			}

			// The splitter trims whitespace but never rewrites content, so
			// each piece is a substring of the document. Overlapping pieces
			// start strictly after the previous one.
			offset := strings.Index(doc.Content[searchFrom:], piece)
			if offset >= 0 {
				offset += searchFrom
				searchFrom = offset + 1
			} else if offset = strings.Index(doc.Content, piece); offset < 0 {
				offset = 0
			}

			index := perSource[doc.SourceID]
			perSource[doc.SourceID] = index + 1

			metadata := make(map[string]string, len(doc.Metadata)+2)
			for k, v := range doc.Metadata {
				metadata[k] = v
			}
			metadata["chunk_index"] = strconv.Itoa(index)
			metadata["start_offset"] = strconv.Itoa(offset)

			chunks = append(chunks, models.Chunk{
				Content:     piece,
				Metadata:    metadata,
				SourceID:    doc.SourceID,
				ChunkIndex:  index,
				StartOffset: offset,
				Fingerprint: models.Fingerprint(doc.SourceID, piece),
			})
		}
	}
	return chunks, nil
}
