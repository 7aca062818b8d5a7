package ports

import (
	"context"

	"github.com/kirillkom/medrag/internal/core/domain"
)

// DocumentRepository persists and reads document state.
type DocumentRepository interface {
	Upsert(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	MarkIndexed(ctx context.Context, id string, version uint64, contentHash string) error
	MarkFailed(ctx context.Context, id string, errMessage string) error
	Delete(ctx context.Context, id string) error
}

// ChunkRepository is the chunk table. ReplaceChunks swaps a document's whole
// chunk set at once.
type ChunkRepository interface {
	ReplaceChunks(ctx context.Context, documentID string, chunks []domain.Chunk) error
	ListByDocument(ctx context.Context, documentID string) ([]domain.Chunk, error)
	GetByIDs(ctx context.Context, ids []string) (map[string]domain.Chunk, error)
	DeleteByDocument(ctx context.Context, documentID string) error
	// ListDocumentIDs returns every document that has chunk rows, sorted.
	ListDocumentIDs(ctx context.Context) ([]string, error)
}

// Chunker splits document text into overlapping chunks.
type Chunker interface {
	Chunk(documentID, text string) ([]domain.Chunk, error)
}

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingIndex stores chunk vectors and answers nearest-neighbour queries.
type EmbeddingIndex interface {
	Upsert(ctx context.Context, chunks []domain.Chunk) error
	Search(ctx context.Context, vector []float32, k int) ([]domain.Hit, error)
	DeleteDocument(ctx context.Context, documentID string) error
}

// KeywordIndex is the lexical counterpart of EmbeddingIndex.
type KeywordIndex interface {
	Add(ctx context.Context, chunks []domain.Chunk) error
	Search(ctx context.Context, query string, k int) ([]domain.Hit, error)
	DeleteDocument(ctx context.Context, documentID string) error
}

// RelevanceScorer scores one (query, passage) pair. Higher is more relevant.
type RelevanceScorer interface {
	Score(ctx context.Context, query, text string) (float64, error)
}

// QueryExpander proposes up to n alternative phrasings of a query. The
// original query is not among them.
type QueryExpander interface {
	ExpandQuery(ctx context.Context, query string, n int) ([]string, error)
}

// AnswerGenerator creates the final user-facing answer.
type AnswerGenerator interface {
	GenerateAnswer(ctx context.Context, question string, chunks []domain.RetrievedChunk) (string, error)
}

// IndexQueue carries asynchronous index requests to workers.
type IndexQueue interface {
	PublishIndexRequest(ctx context.Context, documentID string) error
	SubscribeIndexRequests(ctx context.Context, handler func(context.Context, string) error) error
}

// InvalidationBus fans document changes out to every process holding a cache.
type InvalidationBus interface {
	PublishInvalidation(ctx context.Context, documentID string) error
	SubscribeInvalidations(ctx context.Context, handler func(context.Context, string) error) error
}
