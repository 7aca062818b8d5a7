package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kirillkom/medrag/internal/core/domain"
	"github.com/kirillkom/medrag/internal/infrastructure/repository/memory"
)

type indexFixture struct {
	docs     *memory.DocumentRepository
	chunks   *memory.ChunkRepository
	chunker  *chunkerFake
	embedder *embedderFake
	semantic *indexFake
	keyword  *indexFake
	cache    *cacheFake
	bus      *busFake
	observer *indexObserverFake
	uc       *IndexDocumentUseCase
}

func newIndexFixture(cfg IndexConfig) *indexFixture {
	f := &indexFixture{
		docs:     memory.NewDocumentRepository(),
		chunks:   memory.NewChunkRepository(),
		chunker:  &chunkerFake{},
		embedder: &embedderFake{},
		semantic: newIndexFake(),
		keyword:  newIndexFake(),
		cache:    &cacheFake{},
		bus:      &busFake{},
		observer: &indexObserverFake{},
	}
	f.uc = NewIndexDocumentUseCase(
		f.docs,
		f.chunks,
		f.chunker,
		f.embedder,
		semanticFake{f.semantic},
		keywordFake{f.keyword},
		f.cache,
		WithInvalidationBus(f.bus),
		WithIndexObserver(f.observer),
		WithIndexConfig(cfg),
	)
	return f
}

func TestIndexDocumentSuccess(t *testing.T) {
	f := newIndexFixture(IndexConfig{EmbedBatchSize: 2})
	ctx := context.Background()
	doc := &domain.Document{ID: "doc-1", Title: "Guidelines", Text: "a\nbb\nccc"}

	if err := f.uc.IndexDocument(ctx, doc); err != nil {
		t.Fatalf("IndexDocument() error = %v", err)
	}

	stored, err := f.docs.GetByID(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !stored.Indexed || stored.Version != 1 || stored.ContentHash != domain.ContentHash(doc.Text) {
		t.Fatalf("unexpected stored document: %+v", stored)
	}
	if len(f.embedder.calls) != 2 || len(f.embedder.calls[0]) != 2 || len(f.embedder.calls[1]) != 1 {
		t.Fatalf("expected batches of 2 then 1, got %v", f.embedder.calls)
	}
	if f.semantic.count("doc-1") != 3 || f.keyword.count("doc-1") != 3 {
		t.Fatalf("expected 3 entries in each index, got %d/%d", f.semantic.count("doc-1"), f.keyword.count("doc-1"))
	}
	rows, _ := f.chunks.ListByDocument(ctx, "doc-1")
	if len(rows) != 3 || rows[2].Text != "ccc" {
		t.Fatalf("unexpected chunk rows: %+v", rows)
	}
	if len(f.cache.invalidations) != 1 || f.cache.invalidations[0] != "doc-1" {
		t.Fatalf("expected cache invalidation for doc-1, got %v", f.cache.invalidations)
	}
	if len(f.bus.published) != 1 {
		t.Fatalf("expected one invalidation broadcast, got %v", f.bus.published)
	}
	if len(f.observer.calls) != 1 || f.observer.calls[0] != "doc-1:3:" {
		t.Fatalf("unexpected observer calls: %v", f.observer.calls)
	}
}

func TestIndexDocumentReindexReplacesEntries(t *testing.T) {
	f := newIndexFixture(IndexConfig{})
	ctx := context.Background()

	if err := f.uc.IndexDocument(ctx, &domain.Document{ID: "doc-1", Text: "a\nb\nc"}); err != nil {
		t.Fatalf("first index: %v", err)
	}
	if err := f.uc.IndexDocument(ctx, &domain.Document{ID: "doc-1", Text: "only one"}); err != nil {
		t.Fatalf("second index: %v", err)
	}

	if f.semantic.count("doc-1") != 1 || f.keyword.count("doc-1") != 1 {
		t.Fatalf("expected old entries replaced, got %d/%d", f.semantic.count("doc-1"), f.keyword.count("doc-1"))
	}
	stored, _ := f.docs.GetByID(ctx, "doc-1")
	if stored.Version != 2 {
		t.Fatalf("expected version 2, got %d", stored.Version)
	}
	rows, _ := f.chunks.ListByDocument(ctx, "doc-1")
	if len(rows) != 1 {
		t.Fatalf("expected chunk rows replaced, got %d", len(rows))
	}
}

func TestIndexDocumentSkipsUnchangedContent(t *testing.T) {
	f := newIndexFixture(IndexConfig{})
	ctx := context.Background()
	doc := &domain.Document{ID: "doc-1", Text: "same text"}

	if err := f.uc.IndexDocument(ctx, doc); err != nil {
		t.Fatalf("first index: %v", err)
	}
	if err := f.uc.IndexDocument(ctx, doc); err != nil {
		t.Fatalf("second index: %v", err)
	}
	if len(f.embedder.calls) != 1 {
		t.Fatalf("expected unchanged document to skip embedding, got %d calls", len(f.embedder.calls))
	}
	if len(f.cache.invalidations) != 1 {
		t.Fatalf("expected a single invalidation, got %v", f.cache.invalidations)
	}
}

func TestIndexDocumentChunkingFailureMarksFailed(t *testing.T) {
	f := newIndexFixture(IndexConfig{})
	f.chunker.err = errors.New("invalid utf-8")
	ctx := context.Background()

	err := f.uc.IndexDocument(ctx, &domain.Document{ID: "doc-1", Text: "text"})
	if !domain.IsKind(err, domain.ErrChunkingFailure) {
		t.Fatalf("expected chunking failure, got %v", err)
	}
	stored, _ := f.docs.GetByID(ctx, "doc-1")
	if stored.Indexed || !strings.Contains(stored.Error, "invalid utf-8") {
		t.Fatalf("expected failed document state, got %+v", stored)
	}
	if len(f.cache.invalidations) != 0 {
		t.Fatalf("failed index must not invalidate, got %v", f.cache.invalidations)
	}
	if f.observer.calls[0] != "doc-1:0:chunking_failure" {
		t.Fatalf("unexpected observer call %v", f.observer.calls)
	}
}

func TestIndexDocumentEmptyTextIsChunkingFailure(t *testing.T) {
	f := newIndexFixture(IndexConfig{})
	err := f.uc.IndexDocument(context.Background(), &domain.Document{ID: "doc-1"})
	if !domain.IsKind(err, domain.ErrChunkingFailure) {
		t.Fatalf("expected chunking failure, got %v", err)
	}
}

func TestIndexDocumentEmbeddingMismatchMarksFailed(t *testing.T) {
	f := newIndexFixture(IndexConfig{})
	f.embedder.short = true
	ctx := context.Background()

	err := f.uc.IndexDocument(ctx, &domain.Document{ID: "doc-1", Text: "a\nb"})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if f.semantic.count("doc-1") != 0 {
		t.Fatalf("nothing should be indexed")
	}
	stored, _ := f.docs.GetByID(ctx, "doc-1")
	if stored.Indexed {
		t.Fatalf("expected document not indexed")
	}
}

func TestIndexDocumentZeroEmbeddingKeepsIndexesInStep(t *testing.T) {
	f := newIndexFixture(IndexConfig{})
	f.embedder.zero = true
	ctx := context.Background()

	err := f.uc.IndexDocument(ctx, &domain.Document{ID: "doc-1", Text: "a\nb"})
	if !domain.IsKind(err, domain.ErrInvalidInput) || !strings.Contains(err.Error(), "zero vector") {
		t.Fatalf("expected zero vector rejection, got %v", err)
	}
	if f.semantic.count("doc-1") != 0 || f.keyword.count("doc-1") != 0 {
		t.Fatalf("neither index may hold the document")
	}
}

func TestIndexDocumentKeywordFailureRollsBackEmbeddings(t *testing.T) {
	f := newIndexFixture(IndexConfig{})
	f.keyword.addErr = errBoom
	ctx := context.Background()

	err := f.uc.IndexDocument(ctx, &domain.Document{ID: "doc-1", Text: "a\nb"})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected keyword error, got %v", err)
	}
	if f.semantic.count("doc-1") != 0 {
		t.Fatalf("expected embedding index rolled back, got %d entries", f.semantic.count("doc-1"))
	}
	rows, _ := f.chunks.ListByDocument(ctx, "doc-1")
	if len(rows) != 0 {
		t.Fatalf("chunk rows must not be written, got %d", len(rows))
	}

	f.keyword.addErr = nil
	if err := f.uc.IndexDocument(ctx, &domain.Document{ID: "doc-1", Text: "a\nb"}); err != nil {
		t.Fatalf("retry error = %v", err)
	}
	stored, _ := f.docs.GetByID(ctx, "doc-1")
	if !stored.Indexed || stored.Error != "" {
		t.Fatalf("expected retry to succeed, got %+v", stored)
	}
}

func TestIndexDocumentFailedReindexStillInvalidates(t *testing.T) {
	f := newIndexFixture(IndexConfig{})
	ctx := context.Background()
	if err := f.uc.IndexDocument(ctx, &domain.Document{ID: "doc-1", Text: "a\nb"}); err != nil {
		t.Fatalf("index: %v", err)
	}
	f.cache.stored = map[string]domain.CachedResult{
		"a|5": {Chunks: []domain.CachedChunk{{ChunkID: domain.ChunkID("doc-1", 0), DocumentID: "doc-1"}}},
	}

	f.keyword.addErr = errBoom
	err := f.uc.IndexDocument(ctx, &domain.Document{ID: "doc-1", Text: "a\nb\nc"})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected keyword error, got %v", err)
	}
	if len(f.cache.invalidations) != 2 || len(f.bus.published) != 2 {
		t.Fatalf("expected the failed re-index to invalidate, got %v / %v", f.cache.invalidations, f.bus.published)
	}
	if len(f.cache.stored) != 0 {
		t.Fatalf("cached result of the changed document survived: %v", f.cache.stored)
	}
	if f.cache.open != 0 {
		t.Fatalf("update window left open")
	}
}

func TestIndexDocumentFailedInvalidationJoinsPipelineError(t *testing.T) {
	f := newIndexFixture(IndexConfig{})
	f.keyword.addErr = errBoom
	f.cache.invalidateErr = errors.New("cache down")

	err := f.uc.IndexDocument(context.Background(), &domain.Document{ID: "doc-1", Text: "a"})
	if !errors.Is(err, errBoom) || !strings.Contains(err.Error(), "cache down") {
		t.Fatalf("expected both failures reported, got %v", err)
	}
}

func TestIndexDocumentBeginUpdateFailureLeavesIndexesAlone(t *testing.T) {
	f := newIndexFixture(IndexConfig{})
	f.cache.beginErr = errBoom

	err := f.uc.IndexDocument(context.Background(), &domain.Document{ID: "doc-1", Text: "a"})
	if !domain.IsKind(err, domain.ErrCacheBackend) {
		t.Fatalf("expected cache backend error, got %v", err)
	}
	if f.semantic.count("doc-1") != 0 || f.keyword.count("doc-1") != 0 {
		t.Fatalf("indexes must not change without an update window")
	}
}

func TestRemoveDocumentFailureStillInvalidates(t *testing.T) {
	f := newIndexFixture(IndexConfig{})
	ctx := context.Background()
	if err := f.uc.IndexDocument(ctx, &domain.Document{ID: "doc-1", Text: "a\nb"}); err != nil {
		t.Fatalf("index: %v", err)
	}
	f.keyword.deleteErr = errBoom

	if err := f.uc.RemoveDocument(ctx, "doc-1"); !errors.Is(err, errBoom) {
		t.Fatalf("expected keyword delete error, got %v", err)
	}
	if len(f.cache.invalidations) != 2 || f.cache.open != 0 {
		t.Fatalf("expected invalidation after the failed remove, got %v (open %d)", f.cache.invalidations, f.cache.open)
	}
}

func TestIndexDocumentCacheFailureIsReported(t *testing.T) {
	f := newIndexFixture(IndexConfig{})
	f.cache.invalidateErr = errBoom

	err := f.uc.IndexDocument(context.Background(), &domain.Document{ID: "doc-1", Text: "a"})
	if !domain.IsKind(err, domain.ErrCacheBackend) {
		t.Fatalf("expected cache backend error, got %v", err)
	}
}

func TestIndexDocumentBroadcastFailureIsNotFatal(t *testing.T) {
	f := newIndexFixture(IndexConfig{})
	f.bus.err = errBoom

	if err := f.uc.IndexDocument(context.Background(), &domain.Document{ID: "doc-1", Text: "a"}); err != nil {
		t.Fatalf("IndexDocument() error = %v", err)
	}
}

func TestIndexDocumentRejectsMissingID(t *testing.T) {
	f := newIndexFixture(IndexConfig{})
	if err := f.uc.IndexDocument(context.Background(), &domain.Document{Text: "a"}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err := f.uc.IndexDocument(context.Background(), nil); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for nil document, got %v", err)
	}
}

func TestIndexByIDLoadsStoredDocument(t *testing.T) {
	f := newIndexFixture(IndexConfig{})
	ctx := context.Background()
	if err := f.docs.Upsert(ctx, &domain.Document{ID: "doc-1", Text: "a\nb"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var loaded []string
	WithLoadedHook(func(doc *domain.Document) { loaded = append(loaded, doc.ID) })(f.uc)

	if err := f.uc.IndexByID(ctx, "doc-1"); err != nil {
		t.Fatalf("IndexByID() error = %v", err)
	}
	if f.keyword.count("doc-1") != 2 {
		t.Fatalf("expected 2 keyword entries, got %d", f.keyword.count("doc-1"))
	}
	if err := f.uc.IndexByID(ctx, "missing"); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(loaded) != 1 || loaded[0] != "doc-1" {
		t.Fatalf("expected the hook to see doc-1 once, got %v", loaded)
	}
}

func TestIndexDocumentsJoinsFailures(t *testing.T) {
	f := newIndexFixture(IndexConfig{Concurrency: 2})
	docs := []*domain.Document{
		{ID: "doc-1", Text: "a"},
		{ID: "doc-2"},
		{ID: "doc-3", Text: "c"},
	}

	err := f.uc.IndexDocuments(context.Background(), docs)
	if err == nil || !strings.Contains(err.Error(), `"doc-2"`) {
		t.Fatalf("expected joined error naming doc-2, got %v", err)
	}
	if f.keyword.count("doc-1") != 1 || f.keyword.count("doc-3") != 1 {
		t.Fatalf("expected other documents indexed")
	}
}

func TestRemoveDocument(t *testing.T) {
	f := newIndexFixture(IndexConfig{})
	ctx := context.Background()
	if err := f.uc.IndexDocument(ctx, &domain.Document{ID: "doc-1", Text: "a\nb"}); err != nil {
		t.Fatalf("index: %v", err)
	}

	if err := f.uc.RemoveDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("RemoveDocument() error = %v", err)
	}
	if f.semantic.count("doc-1") != 0 || f.keyword.count("doc-1") != 0 {
		t.Fatalf("expected indexes emptied")
	}
	if _, err := f.docs.GetByID(ctx, "doc-1"); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected document deleted, got %v", err)
	}
	rows, _ := f.chunks.ListByDocument(ctx, "doc-1")
	if len(rows) != 0 {
		t.Fatalf("expected chunk rows deleted")
	}
	if len(f.cache.invalidations) != 2 || len(f.bus.published) != 2 {
		t.Fatalf("expected invalidation on index and remove, got %v / %v", f.cache.invalidations, f.bus.published)
	}

	if err := f.uc.RemoveDocument(ctx, " "); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	locks := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("doc")
			mu.Lock()
			active++
			maxSeen = max(maxSeen, active)
			mu.Unlock()

			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxSeen)
	}
	if locks.size() != 0 {
		t.Fatalf("expected lock table drained, got %d", locks.size())
	}
}
