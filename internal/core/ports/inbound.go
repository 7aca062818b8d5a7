package ports

import (
	"context"

	"github.com/kirillkom/medrag/internal/core/domain"
)

// DocumentIndexer is the inbound contract for keeping indexes in step with documents.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, doc *domain.Document) error
	IndexByID(ctx context.Context, documentID string) error
	RemoveDocument(ctx context.Context, documentID string) error
}

// DocumentSubmitter accepts documents for asynchronous indexing.
type DocumentSubmitter interface {
	SubmitDocument(ctx context.Context, doc *domain.Document) (*domain.Document, error)
}

// DocumentReader is the inbound read model for document metadata/state.
type DocumentReader interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
}

// QueryService is the inbound contract for retrieval and answer scoring.
type QueryService interface {
	Search(ctx context.Context, req domain.QueryRequest) (*domain.QueryResult, error)
	Ask(ctx context.Context, req domain.QueryRequest) (*domain.Answer, error)
	WarmCache(ctx context.Context, queries []string, topK int) (int, error)
	CacheStats(ctx context.Context) (domain.CacheStats, error)
}
