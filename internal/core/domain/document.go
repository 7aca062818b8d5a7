package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type Document struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	SourceType  string     `json:"source_type,omitempty"`
	Text        string     `json:"text,omitempty"`
	Language    string     `json:"language,omitempty"`
	ContentHash string     `json:"content_hash"`
	Indexed     bool       `json:"indexed"`
	IndexedAt   *time.Time `json:"indexed_at,omitempty"`
	Version     uint64     `json:"version"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Chunk is an immutable slice of a document. Offsets count runes, and
// Text is exactly the runes in [StartOffset, EndOffset).
type Chunk struct {
	ID          string            `json:"id"`
	DocumentID  string            `json:"document_id"`
	Index       int               `json:"chunk_index"`
	Text        string            `json:"text"`
	StartOffset int               `json:"start_offset"`
	EndOffset   int               `json:"end_offset"`
	Overlap     int               `json:"overlap"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Embedding   []float32         `json:"-"`
	EmbeddingID string            `json:"embedding_id,omitempty"`
}

// ChunkID builds the identifier of the index-th chunk of a document. The
// zero padding keeps lexical order equal to chunk order.
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s:%05d", documentID, index)
}

// ContentHash returns the SHA-256 hex digest used for change detection.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
