package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kirillkom/medrag/internal/core/domain"
)

type retrievalObserverFake struct {
	mu           sync.Mutex
	stages       []string
	degradations []string
	errors       []string
	queries      []*domain.QueryResult
}

func (f *retrievalObserverFake) ObserveStage(stage string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, stage)
}

func (f *retrievalObserverFake) ObserveQuery(res *domain.QueryResult, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, res)
}

func (f *retrievalObserverFake) ObserveDegradation(source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.degradations = append(f.degradations, source)
}

func (f *retrievalObserverFake) ObserveError(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, kind)
}

func retrievalChunks() *chunkRepoFake {
	return newChunkRepoFake(
		domain.Chunk{ID: "a:00000", DocumentID: "a", Index: 0, Text: "stage 2 breast cancer surgery"},
		domain.Chunk{ID: "a:00001", DocumentID: "a", Index: 1, Text: "radiation therapy after surgery"},
		domain.Chunk{ID: "b:00000", DocumentID: "b", Index: 0, Text: "influenza vaccination schedule"},
	)
}

func TestRetrieveFusesBothSources(t *testing.T) {
	sem, kw := newIndexFake(), newIndexFake()
	sem.hits = []domain.Hit{{ChunkID: "a:00000", DocumentID: "a", Score: 0.9}, {ChunkID: "b:00000", DocumentID: "b", Score: 0.1}}
	kw.hits = []domain.Hit{{ChunkID: "a:00001", DocumentID: "a", Score: 4}, {ChunkID: "a:00000", DocumentID: "a", Score: 8}}
	obs := &retrievalObserverFake{}
	r := NewHybridRetriever(semanticFake{sem}, keywordFake{kw}, retrievalChunks(), DefaultRetrievalConfig(), nil, obs)

	got, report, err := r.Retrieve(context.Background(), "stage 2 breast cancer", []float32{1, 0})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a:00000", got[0].ChunkID)
	assert.InDelta(t, 1.0, got[0].FusedScore, 1e-9)
	assert.Equal(t, "stage 2 breast cancer surgery", got[0].Text)
	assert.False(t, report.Degraded)
	assert.Equal(t, 2, report.SemanticHits)
	assert.Equal(t, 2, report.KeywordHits)
	assert.ElementsMatch(t, []string{"search_semantic", "search_keyword"}, obs.stages)
}

func TestRetrieveKeywordFailureDegradesToSemantic(t *testing.T) {
	sem, kw := newIndexFake(), newIndexFake()
	sem.hits = []domain.Hit{{ChunkID: "a:00001", DocumentID: "a", Score: 0.8}, {ChunkID: "a:00000", DocumentID: "a", Score: 0.4}}
	kw.searchErr = errBoom
	core, logs := observer.New(zapcore.WarnLevel)
	obs := &retrievalObserverFake{}
	r := NewHybridRetriever(semanticFake{sem}, keywordFake{kw}, retrievalChunks(), DefaultRetrievalConfig(), zap.New(core), obs)

	got, report, err := r.Retrieve(context.Background(), "radiation", []float32{1, 0})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a:00001", got[0].ChunkID)
	assert.InDelta(t, 1.0, got[0].FusedScore, 1e-9, "surviving source carries full weight")
	assert.Zero(t, got[0].KeywordScore)

	assert.True(t, report.Degraded)
	assert.Equal(t, []string{domain.SourceKeyword}, report.FailedSources)
	assert.Equal(t, []string{domain.SourceKeyword}, obs.degradations)

	entries := logs.FilterMessage("retrieval degraded").All()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.SourceKeyword, entries[0].ContextMap()["failed_source"])
}

func TestRetrieveWithoutVectorUsesKeywordOnly(t *testing.T) {
	sem, kw := newIndexFake(), newIndexFake()
	sem.hits = []domain.Hit{{ChunkID: "b:00000", DocumentID: "b", Score: 1}}
	kw.hits = []domain.Hit{{ChunkID: "a:00000", DocumentID: "a", Score: 2}}
	r := NewHybridRetriever(semanticFake{sem}, keywordFake{kw}, retrievalChunks(), DefaultRetrievalConfig(), nil, nil)

	got, report, err := r.Retrieve(context.Background(), "surgery", nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a:00000", got[0].ChunkID)
	assert.Equal(t, []string{domain.SourceSemantic}, report.FailedSources)
}

func TestRetrieveBothSourcesFailing(t *testing.T) {
	sem, kw := newIndexFake(), newIndexFake()
	sem.searchErr = errBoom
	kw.searchErr = errBoom
	r := NewHybridRetriever(semanticFake{sem}, keywordFake{kw}, retrievalChunks(), DefaultRetrievalConfig(), nil, nil)

	_, _, err := r.Retrieve(context.Background(), "surgery", []float32{1, 0})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrIndexUnavailable))
	assert.ErrorIs(t, err, errBoom)
}

func TestRetrieveCanceledCallerIsNotIndexLoss(t *testing.T) {
	sem, kw := newIndexFake(), newIndexFake()
	sem.delay = time.Second
	kw.delay = time.Second
	r := NewHybridRetriever(semanticFake{sem}, keywordFake{kw}, retrievalChunks(), DefaultRetrievalConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := r.Retrieve(ctx, "surgery", []float32{1, 0})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, domain.IsKind(err, domain.ErrIndexUnavailable))
}

func TestRetrieveDimensionMismatchIsFatal(t *testing.T) {
	sem, kw := newIndexFake(), newIndexFake()
	sem.searchErr = domain.WrapError(domain.ErrDimensionMismatch, "search", errBoom)
	kw.hits = []domain.Hit{{ChunkID: "a:00000", DocumentID: "a", Score: 2}}
	r := NewHybridRetriever(semanticFake{sem}, keywordFake{kw}, retrievalChunks(), DefaultRetrievalConfig(), nil, nil)

	_, _, err := r.Retrieve(context.Background(), "surgery", []float32{1, 0, 0})
	assert.True(t, domain.IsKind(err, domain.ErrDimensionMismatch))
}

func TestRetrieveDropsChunksMissingFromStore(t *testing.T) {
	sem, kw := newIndexFake(), newIndexFake()
	sem.hits = []domain.Hit{{ChunkID: "a:00000", DocumentID: "a", Score: 0.9}, {ChunkID: "gone:00000", DocumentID: "gone", Score: 0.8}}
	r := NewHybridRetriever(semanticFake{sem}, keywordFake{kw}, retrievalChunks(), DefaultRetrievalConfig(), nil, nil)

	got, report, err := r.Retrieve(context.Background(), "surgery", []float32{1, 0})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, report.MissingChunks)
}

func TestRetrieveTruncatesToRerankWindow(t *testing.T) {
	sem, kw := newIndexFake(), newIndexFake()
	chunks := newChunkRepoFake()
	for i := 0; i < 8; i++ {
		id := domain.ChunkID("doc", i)
		chunks.chunks[id] = domain.Chunk{ID: id, DocumentID: "doc", Index: i, Text: "text"}
		sem.hits = append(sem.hits, domain.Hit{ChunkID: id, DocumentID: "doc", Score: float64(i)})
	}
	r := NewHybridRetriever(semanticFake{sem}, keywordFake{kw}, chunks, RetrievalConfig{KSearch: 8, KRerank: 3}, nil, nil)

	got, _, err := r.Retrieve(context.Background(), "text", []float32{1})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, domain.ChunkID("doc", 7), got[0].ChunkID)
}

func TestRetrieveVariantsPoolsHitsAcrossPhrasings(t *testing.T) {
	sem, kw := newIndexFake(), newIndexFake()
	sem.hits = []domain.Hit{{ChunkID: "b:00000", DocumentID: "b", Score: 0.5}}
	kw.byQuery = map[string][]domain.Hit{
		"breast cancer surgery": {{ChunkID: "a:00000", DocumentID: "a", Score: 2}},
		"mastectomy":            {{ChunkID: "a:00001", DocumentID: "a", Score: 6}, {ChunkID: "a:00000", DocumentID: "a", Score: 4}},
	}
	r := NewHybridRetriever(semanticFake{sem}, keywordFake{kw}, retrievalChunks(), DefaultRetrievalConfig(), nil, nil)

	got, report, err := r.RetrieveVariants(context.Background(), []domain.QueryVariant{
		{Text: "breast cancer surgery", Vector: []float32{1, 0}},
		{Text: "mastectomy", Vector: []float32{0, 1}},
	}, nil)
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, c := range got {
		ids = append(ids, c.ChunkID)
	}
	assert.ElementsMatch(t, []string{"a:00000", "a:00001", "b:00000"}, ids)
	assert.Equal(t, 2, report.QueryVariants)
	assert.Equal(t, 2, report.KeywordHits, "a chunk found by two phrasings counts once")
	assert.Equal(t, 1, report.SemanticHits)
	assert.Equal(t, 2, sem.searchCount())
	assert.Equal(t, 2, kw.searchCount())
}

func TestRetrieveVariantsSurvivesOnePhrasingFailing(t *testing.T) {
	sem, kw := newIndexFake(), newIndexFake()
	sem.searchErr = errBoom
	kw.byQuery = map[string][]domain.Hit{"breast cancer surgery": {{ChunkID: "a:00000", DocumentID: "a", Score: 2}}}
	kw.queryErr = map[string]error{"mastectomy": errBoom}
	r := NewHybridRetriever(semanticFake{sem}, keywordFake{kw}, retrievalChunks(), DefaultRetrievalConfig(), nil, nil)

	got, report, err := r.RetrieveVariants(context.Background(), []domain.QueryVariant{
		{Text: "breast cancer surgery", Vector: []float32{1, 0}},
		{Text: "mastectomy", Vector: []float32{0, 1}},
	}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{domain.SourceSemantic}, report.FailedSources)
}

func TestRetrieveFilterKeepsMatchingMetadata(t *testing.T) {
	sem, kw := newIndexFake(), newIndexFake()
	chunks := newChunkRepoFake()
	for i, contentType := range []string{"guidelines", "general", "guidelines", "general"} {
		id := domain.ChunkID("doc", i)
		chunks.chunks[id] = domain.Chunk{ID: id, DocumentID: "doc", Index: i, Text: "text", Metadata: map[string]string{"content_type": contentType}}
		sem.hits = append(sem.hits, domain.Hit{ChunkID: id, DocumentID: "doc", Score: float64(10 - i)})
	}
	r := NewHybridRetriever(semanticFake{sem}, keywordFake{kw}, chunks, RetrievalConfig{KSearch: 4, KRerank: 1}, nil, nil)

	got, report, err := r.RetrieveVariants(context.Background(),
		[]domain.QueryVariant{{Text: "text", Vector: []float32{1}}},
		domain.MetadataFilter{"content_type": {"guidelines"}},
	)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.ChunkID("doc", 0), got[0].ChunkID)
	assert.Equal(t, 2, report.Filtered)
	assert.Equal(t, []int{12}, sem.ks, "filtered searches are widened")
}
