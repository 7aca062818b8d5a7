package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/medrag/internal/core/domain"
	"github.com/kirillkom/medrag/internal/core/ports"
)

type IndexConfig struct {
	EmbedBatchSize int
	Concurrency    int
}

func DefaultIndexConfig() IndexConfig {
	return IndexConfig{EmbedBatchSize: 32, Concurrency: 4}
}

type IndexDocumentUseCase struct {
	docs     ports.DocumentRepository
	chunks   ports.ChunkRepository
	chunker  ports.Chunker
	embedder ports.Embedder
	semantic ports.EmbeddingIndex
	keyword  ports.KeywordIndex
	cache    ports.QueryCache
	bus      ports.InvalidationBus
	observer ports.IndexObserver
	logger   *zap.Logger
	cfg      IndexConfig
	locks    *keyedMutex
	onLoaded func(*domain.Document)
}

type IndexOption func(*IndexDocumentUseCase)

// WithInvalidationBus broadcasts document changes to other processes.
func WithInvalidationBus(bus ports.InvalidationBus) IndexOption {
	return func(uc *IndexDocumentUseCase) { uc.bus = bus }
}

func WithIndexObserver(observer ports.IndexObserver) IndexOption {
	return func(uc *IndexDocumentUseCase) {
		if observer != nil {
			uc.observer = observer
		}
	}
}

// WithLoadedHook is called by IndexByID with the stored document before it
// is indexed.
func WithLoadedHook(fn func(*domain.Document)) IndexOption {
	return func(uc *IndexDocumentUseCase) { uc.onLoaded = fn }
}

func WithIndexLogger(logger *zap.Logger) IndexOption {
	return func(uc *IndexDocumentUseCase) {
		if logger != nil {
			uc.logger = logger
		}
	}
}

func WithIndexConfig(cfg IndexConfig) IndexOption {
	return func(uc *IndexDocumentUseCase) {
		def := DefaultIndexConfig()
		if cfg.EmbedBatchSize <= 0 {
			cfg.EmbedBatchSize = def.EmbedBatchSize
		}
		if cfg.Concurrency <= 0 {
			cfg.Concurrency = def.Concurrency
		}
		uc.cfg = cfg
	}
}

func NewIndexDocumentUseCase(
	docs ports.DocumentRepository,
	chunks ports.ChunkRepository,
	chunker ports.Chunker,
	embedder ports.Embedder,
	semantic ports.EmbeddingIndex,
	keyword ports.KeywordIndex,
	cache ports.QueryCache,
	opts ...IndexOption,
) *IndexDocumentUseCase {
	uc := &IndexDocumentUseCase{
		docs:     docs,
		chunks:   chunks,
		chunker:  chunker,
		embedder: embedder,
		semantic: semantic,
		keyword:  keyword,
		cache:    cache,
		observer: noopIndexObserver{},
		logger:   zap.NewNop(),
		cfg:      DefaultIndexConfig(),
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// IndexDocument (re)builds every index entry of doc. On failure the document
// is left marked not indexed with the error message; retrying is safe since
// chunk IDs are deterministic.
func (uc *IndexDocumentUseCase) IndexDocument(ctx context.Context, doc *domain.Document) error {
	if err := validateDocument(doc); err != nil {
		return err
	}
	unlock := uc.locks.Lock(doc.ID)
	defer unlock()

	ctx, span := tracer.Start(ctx, "IndexDocumentUseCase.IndexDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", doc.ID))

	start := time.Now()
	chunkCount, skipped, err := uc.indexLocked(ctx, doc)
	if skipped {
		span.SetAttributes(attribute.Bool("unchanged", true))
		uc.logger.Debug("document unchanged, skipping index", zap.String("document_id", doc.ID))
		return nil
	}
	uc.observer.ObserveIndex(doc.ID, chunkCount, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		uc.logger.Error("index document failed",
			zap.String("document_id", doc.ID),
			zap.String("kind", domain.ErrorKindLabel(err)),
			zap.Error(err),
		)
		return err
	}

	uc.logger.Info("document indexed",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", chunkCount),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// IndexByID indexes a document that is already stored, the worker path.
func (uc *IndexDocumentUseCase) IndexByID(ctx context.Context, documentID string) error {
	doc, err := uc.loadDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if uc.onLoaded != nil {
		uc.onLoaded(doc)
	}
	return uc.IndexDocument(ctx, doc)
}

// IndexDocuments indexes documents in parallel. Every document is attempted;
// the returned error joins the individual failures.
func (uc *IndexDocumentUseCase) IndexDocuments(ctx context.Context, docs []*domain.Document) error {
	errs := make([]error, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.cfg.Concurrency)
	for i, doc := range docs {
		g.Go(func() error {
			if err := uc.IndexDocument(gctx, doc); err != nil {
				id := ""
				if doc != nil {
					id = doc.ID
				}
				errs[i] = fmt.Errorf("index document %q: %w", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// RemoveDocument drops a document from both indexes, the chunk store and
// the document store, then invalidates cached results that used it.
func (uc *IndexDocumentUseCase) RemoveDocument(ctx context.Context, documentID string) error {
	if strings.TrimSpace(documentID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "remove document", errors.New("document id is required"))
	}
	unlock := uc.locks.Lock(documentID)
	defer unlock()

	ctx, span := tracer.Start(ctx, "IndexDocumentUseCase.RemoveDocument")
	defer span.End()

	finish, err := uc.beginUpdate(ctx, documentID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	err = uc.removeEntries(ctx, documentID)
	if err = finish(ctx, err); err != nil {
		span.RecordError(err)
		return err
	}

	uc.logger.Info("document removed", zap.String("document_id", documentID))
	return nil
}

func (uc *IndexDocumentUseCase) removeEntries(ctx context.Context, documentID string) error {
	if err := uc.deleteFromIndexes(ctx, documentID); err != nil {
		return err
	}
	if err := uc.chunks.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete chunk rows: %w", err)
	}
	if err := uc.docs.Delete(ctx, documentID); err != nil && !domain.IsKind(err, domain.ErrDocumentNotFound) {
		return fmt.Errorf("delete document row: %w", err)
	}
	return nil
}

func (uc *IndexDocumentUseCase) indexLocked(ctx context.Context, doc *domain.Document) (int, bool, error) {
	hash := doc.ContentHash
	if hash == "" {
		hash = domain.ContentHash(doc.Text)
	}

	version, unchanged, err := uc.previousState(ctx, doc.ID, hash)
	if err != nil {
		return 0, false, err
	}
	if unchanged {
		return 0, true, nil
	}

	n, err := uc.indexPipeline(ctx, doc, version, hash)
	if err != nil {
		if failErr := uc.markFailed(ctx, doc.ID, err); failErr != nil {
			return n, false, fmt.Errorf("%w; mark failed: %v", err, failErr)
		}
		return n, false, err
	}
	return n, false, nil
}

func (uc *IndexDocumentUseCase) indexPipeline(ctx context.Context, doc *domain.Document, version uint64, hash string) (n int, err error) {
	stored := *doc
	stored.ContentHash = hash
	stored.Indexed = false
	if err := uc.docs.Upsert(ctx, &stored); err != nil {
		return 0, fmt.Errorf("save document: %w", err)
	}

	chunks, err := uc.chunk(doc)
	if err != nil {
		return 0, err
	}

	if err := uc.embed(ctx, chunks); err != nil {
		return len(chunks), err
	}

	finish, err := uc.beginUpdate(ctx, doc.ID)
	if err != nil {
		return len(chunks), err
	}
	defer func() { err = finish(ctx, err) }()

	if err := uc.replaceIndexEntries(ctx, doc.ID, chunks); err != nil {
		return len(chunks), err
	}

	if err := uc.chunks.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		// Index entries without chunk rows are dropped at resolve time, so
		// the indexes are left as they are until the retry.
		return len(chunks), fmt.Errorf("save chunk rows: %w", err)
	}

	if err := uc.docs.MarkIndexed(ctx, doc.ID, version+1, hash); err != nil {
		return len(chunks), fmt.Errorf("mark indexed: %w", err)
	}
	return len(chunks), nil
}

func (uc *IndexDocumentUseCase) previousState(ctx context.Context, documentID, hash string) (uint64, bool, error) {
	prev, err := uc.docs.GetByID(ctx, documentID)
	switch {
	case domain.IsKind(err, domain.ErrDocumentNotFound):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("fetch document by id: %w", err)
	}
	return prev.Version, prev.Indexed && prev.ContentHash == hash, nil
}

func (uc *IndexDocumentUseCase) loadDocument(ctx context.Context, documentID string) (*domain.Document, error) {
	doc, err := uc.docs.GetByID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("fetch document by id: %w", err)
	}
	return doc, nil
}

func (uc *IndexDocumentUseCase) chunk(doc *domain.Document) ([]domain.Chunk, error) {
	chunks, err := uc.chunker.Chunk(doc.ID, doc.Text)
	if err != nil {
		if domain.IsKind(err, domain.ErrChunkingFailure) {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrChunkingFailure, "chunk document", err)
	}
	if len(chunks) == 0 {
		return nil, domain.WrapError(domain.ErrChunkingFailure, "chunk document", errors.New("chunking produced zero chunks"))
	}
	return chunks, nil
}

func (uc *IndexDocumentUseCase) embed(ctx context.Context, chunks []domain.Chunk) error {
	size := uc.cfg.EmbedBatchSize
	for start := 0; start < len(chunks); start += size {
		end := min(start+size, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}

		vectors, err := uc.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed chunks: %w", err)
		}
		if len(vectors) != len(texts) {
			return domain.WrapError(
				domain.ErrInvalidInput,
				"embed chunks",
				fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(texts)),
			)
		}
		for i, v := range vectors {
			// A zero vector has no direction: the embedding index could not
			// store it while the keyword index would.
			if isZeroVector(v) {
				return domain.WrapError(
					domain.ErrInvalidInput,
					"embed chunks",
					fmt.Errorf("zero vector for chunk %s", chunks[start+i].ID),
				)
			}
			chunks[start+i].Embedding = v
			chunks[start+i].EmbeddingID = chunks[start+i].ID
		}
	}
	return nil
}

// replaceIndexEntries swaps the document's entries in both indexes. A
// keyword failure removes the fresh semantic entries so neither index holds
// a half-built document.
func (uc *IndexDocumentUseCase) replaceIndexEntries(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	if err := uc.deleteFromIndexes(ctx, documentID); err != nil {
		return err
	}
	if err := uc.semantic.Upsert(ctx, chunks); err != nil {
		return fmt.Errorf("upsert embedding index: %w", err)
	}
	if err := uc.keyword.Add(ctx, chunks); err != nil {
		if rbErr := uc.semantic.DeleteDocument(ctx, documentID); rbErr != nil {
			uc.logger.Warn("rollback of embedding index failed",
				zap.String("document_id", documentID),
				zap.Error(rbErr),
			)
		}
		return fmt.Errorf("add to keyword index: %w", err)
	}
	return nil
}

func (uc *IndexDocumentUseCase) deleteFromIndexes(ctx context.Context, documentID string) error {
	if err := uc.semantic.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete from embedding index: %w", err)
	}
	if err := uc.keyword.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete from keyword index: %w", err)
	}
	return nil
}

// beginUpdate opens the cache update window for a document whose index
// entries are about to change. The returned finish closes it on every exit,
// failed ones included, because by then the indexes may already differ from
// what cached results were built from. finish joins its own failure into the
// pipeline error.
func (uc *IndexDocumentUseCase) beginUpdate(ctx context.Context, documentID string) (func(context.Context, error) error, error) {
	if uc.cache != nil {
		if err := uc.cache.BeginUpdate(ctx, documentID); err != nil {
			return nil, cacheError("begin cache update", err)
		}
	}
	finish := func(ctx context.Context, pipelineErr error) error {
		// The caller's context may be what failed the pipeline.
		if err := uc.invalidate(context.WithoutCancel(ctx), documentID); err != nil {
			if pipelineErr != nil {
				return fmt.Errorf("%w; invalidate: %v", pipelineErr, err)
			}
			return err
		}
		return pipelineErr
	}
	return finish, nil
}

// invalidate drops cached results built from the document. The local cache
// must succeed; the broadcast to other processes is best effort.
func (uc *IndexDocumentUseCase) invalidate(ctx context.Context, documentID string) error {
	if uc.cache != nil {
		if err := uc.cache.Invalidate(ctx, documentID); err != nil {
			return cacheError("invalidate cache", err)
		}
	}
	if uc.bus != nil {
		if err := uc.bus.PublishInvalidation(ctx, documentID); err != nil {
			uc.logger.Warn("publish cache invalidation failed",
				zap.String("document_id", documentID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func cacheError(op string, err error) error {
	if domain.IsKind(err, domain.ErrCacheBackend) {
		return err
	}
	return domain.WrapError(domain.ErrCacheBackend, op, err)
}

func (uc *IndexDocumentUseCase) markFailed(ctx context.Context, documentID string, indexErr error) error {
	if indexErr == nil {
		return nil
	}
	// The caller's context may be what failed the pipeline.
	ctx = context.WithoutCancel(ctx)
	if err := uc.docs.MarkFailed(ctx, documentID, indexErr.Error()); err != nil && !domain.IsKind(err, domain.ErrDocumentNotFound) {
		return err
	}
	return nil
}

func validateDocument(doc *domain.Document) error {
	if doc == nil {
		return domain.WrapError(domain.ErrInvalidInput, "validate document", errors.New("document is nil"))
	}
	if strings.TrimSpace(doc.ID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "validate document", errors.New("document id is required"))
	}
	return nil
}

func isZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

type noopIndexObserver struct{}

func (noopIndexObserver) ObserveIndex(string, int, time.Duration, error) {}
