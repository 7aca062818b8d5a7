package ports

import (
	"context"
	"time"

	"github.com/kirillkom/medrag/internal/core/domain"
)

// QueryCache maps normalized queries to previously computed results.
// BeginUpdate and Invalidate bracket a change to a document's index entries;
// results are not stored while the bracket is open.
type QueryCache interface {
	Lookup(ctx context.Context, q domain.CacheQuery) (domain.CacheLookup, error)
	Store(ctx context.Context, q domain.CacheQuery, result domain.CachedResult, generation uint64) error
	BeginUpdate(ctx context.Context, documentID string) error
	Invalidate(ctx context.Context, documentID string) error
	Forget(ctx context.Context, key string) error
	Stats(ctx context.Context) (domain.CacheStats, error)
}

// RetrievalObserver receives pipeline measurements. Implementations must be cheap.
type RetrievalObserver interface {
	ObserveStage(stage string, duration time.Duration)
	ObserveQuery(result *domain.QueryResult, duration time.Duration)
	ObserveDegradation(source string)
	ObserveError(kind string)
}

// IndexObserver receives indexing outcomes.
type IndexObserver interface {
	ObserveIndex(documentID string, chunks int, duration time.Duration, err error)
}
