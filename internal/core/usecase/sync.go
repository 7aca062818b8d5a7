package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kirillkom/medrag/internal/core/domain"
	"github.com/kirillkom/medrag/internal/core/ports"
)

// ReplicaSync brings process-local state in line with changes another
// process made to shared storage: the query cache and the in-memory keyword
// index. Chunk rows are the source of truth.
type ReplicaSync struct {
	chunks  ports.ChunkRepository
	keyword ports.KeywordIndex
	cache   ports.QueryCache
	logger  *zap.Logger
}

func NewReplicaSync(chunks ports.ChunkRepository, keyword ports.KeywordIndex, cache ports.QueryCache, logger *zap.Logger) *ReplicaSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplicaSync{chunks: chunks, keyword: keyword, cache: cache, logger: logger}
}

// ApplyInvalidation handles a remote index or remove of documentID. The
// keyword resync runs inside a cache update window so that no query computed
// against the half-reloaded index gets cached.
func (s *ReplicaSync) ApplyInvalidation(ctx context.Context, documentID string) error {
	if documentID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "apply invalidation", errors.New("document id is required"))
	}
	var errs []error
	if s.cache != nil {
		if err := s.cache.BeginUpdate(ctx, documentID); err != nil {
			errs = append(errs, domain.WrapError(domain.ErrCacheBackend, "begin cache update", err))
		}
	}
	if err := s.resync(ctx, documentID); err != nil {
		errs = append(errs, err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(context.WithoutCancel(ctx), documentID); err != nil {
			errs = append(errs, domain.WrapError(domain.ErrCacheBackend, "invalidate cache", err))
		}
	}
	return errors.Join(errs...)
}

// RebuildKeywordIndex loads every stored document into the keyword index.
// It returns how many documents were loaded.
func (s *ReplicaSync) RebuildKeywordIndex(ctx context.Context) (int, error) {
	ids, err := s.chunks.ListDocumentIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list indexed documents: %w", err)
	}
	loaded := 0
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		if err := s.resync(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		loaded++
	}
	s.logger.Info("keyword index rebuilt", zap.Int("documents", loaded), zap.Int("failed", len(errs)))
	return loaded, errors.Join(errs...)
}

func (s *ReplicaSync) resync(ctx context.Context, documentID string) error {
	if s.keyword == nil {
		return nil
	}
	chunks, err := s.chunks.ListByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load chunks of %q: %w", documentID, err)
	}
	if err := s.keyword.DeleteDocument(ctx, documentID); err != nil {
		return domain.WrapError(domain.ErrIndexUnavailable, "keyword delete", err)
	}
	if len(chunks) == 0 {
		return nil
	}
	if err := s.keyword.Add(ctx, chunks); err != nil {
		return domain.WrapError(domain.ErrIndexUnavailable, "keyword add", err)
	}
	return nil
}
