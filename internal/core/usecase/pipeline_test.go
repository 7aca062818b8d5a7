package usecase

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kirillkom/medrag/internal/core/domain"
	"github.com/kirillkom/medrag/internal/core/ports"
	"github.com/kirillkom/medrag/internal/infrastructure/cache/querycache"
	"github.com/kirillkom/medrag/internal/infrastructure/chunking"
	"github.com/kirillkom/medrag/internal/infrastructure/embedding/hashing"
	"github.com/kirillkom/medrag/internal/infrastructure/lexical/bm25"
	"github.com/kirillkom/medrag/internal/infrastructure/repository/memory"
	"github.com/kirillkom/medrag/internal/infrastructure/rerank/lexical"
	"github.com/kirillkom/medrag/internal/infrastructure/vector/chromem"
)

const (
	paragraphRunes = 200
	chunkOverlap   = 20
)

type pipeline struct {
	index    *IndexDocumentUseCase
	query    *QueryUseCase
	cache    *querycache.Cache
	chunker  *chunking.Splitter
	docs     *memory.DocumentRepository
	chunks   *memory.ChunkRepository
	embedder *hashing.Embedder
	semantic *chromem.Index
	keyword  *bm25.Index
}

// indexWith builds an index use case over the pipeline's stores with the
// given indexes in place of the real ones.
func (p *pipeline) indexWith(semantic ports.EmbeddingIndex, keyword ports.KeywordIndex) *IndexDocumentUseCase {
	return NewIndexDocumentUseCase(p.docs, p.chunks, p.chunker, p.embedder, semantic, keyword, p.cache)
}

type failingKeyword struct {
	ports.KeywordIndex
	err error
}

func (f failingKeyword) Add(context.Context, []domain.Chunk) error { return f.err }

// hookedSemantic runs beforeUpsert ahead of every upsert.
type hookedSemantic struct {
	ports.EmbeddingIndex
	beforeUpsert func(ctx context.Context)
}

func (h hookedSemantic) Upsert(ctx context.Context, chunks []domain.Chunk) error {
	h.beforeUpsert(ctx)
	return h.EmbeddingIndex.Upsert(ctx, chunks)
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	logger := zaptest.NewLogger(t)
	embedder := hashing.New(256)

	semantic, err := chromem.New(chromem.Config{Dimensions: embedder.Dimensions()}, logger)
	require.NoError(t, err)
	keyword := bm25.New()
	docs := memory.NewDocumentRepository()
	chunks := memory.NewChunkRepository()
	cache, err := querycache.New(querycache.Config{MaxEntries: 100, SimilarityThreshold: 0.95})
	require.NoError(t, err)
	chunker := chunking.NewSplitter(paragraphRunes+chunkOverlap, chunkOverlap)

	retriever := NewHybridRetriever(semantic, keyword, chunks, RetrievalConfig{KSearch: 20, KRerank: 10, WSemantic: 0.5, WKeyword: 0.5}, logger, nil)
	return &pipeline{
		index: NewIndexDocumentUseCase(docs, chunks, chunker, embedder, semantic, keyword, cache, WithIndexLogger(logger)),
		query: NewQueryUseCase(QueryDeps{
			Embedder:   embedder,
			Retriever:  retriever,
			Reranker:   NewReranker(lexical.New(), DefaultRerankConfig(), logger),
			Confidence: NewConfidenceScorer(DefaultConfidenceConfig()),
			Cache:      cache,
			Chunks:     chunks,
			Logger:     logger,
		}, QueryConfig{DefaultTopK: 5}),
		cache:    cache,
		chunker:  chunker,
		docs:     docs,
		chunks:   chunks,
		embedder: embedder,
		semantic: semantic,
		keyword:  keyword,
	}
}

// paragraph pads text with filler to exactly paragraphRunes runes, the last
// two being a blank line, so every paragraph becomes one chunk.
func paragraph(text string) string {
	const filler = " Clinicians review each case at the multidisciplinary board and record the outcome."
	body := text
	for len(body) < paragraphRunes-2 {
		body += filler
	}
	return body[:paragraphRunes-2] + "\n\n"
}

func breastCancerGuidelines() string {
	topics := []string{
		"Stage II breast cancer treatment guidelines. Treatment for stage II breast cancer combines surgery, radiation and systemic therapy.",
		"Breast conserving surgery with sentinel lymph node biopsy is preferred for most stage II breast cancer patients.",
		"Mastectomy remains an option for stage II breast cancer when the tumor is large relative to the breast.",
		"Adjuvant radiation therapy after lumpectomy lowers local recurrence in stage II breast cancer.",
		"Neoadjuvant chemotherapy can shrink stage II breast tumors before surgery.",
		"Hormone receptor positive breast cancer is treated with endocrine therapy for five to ten years.",
		"HER2 positive stage II breast cancer receives trastuzumab with chemotherapy.",
		"Triple negative breast cancer treatment relies on chemotherapy and clinical trials.",
	}
	var b strings.Builder
	for i := 0; i < 50; i++ {
		topic := topics[i%len(topics)]
		b.WriteString(paragraph(fmt.Sprintf("Section %d. %s", i+1, topic)))
	}
	return b.String()
}

func otherDocuments() []*domain.Document {
	return []*domain.Document{
		{ID: "diabetes-care", Title: "Type 2 diabetes care", Text: paragraph("Type 2 diabetes management starts with metformin, diet and exercise. HbA1c is checked every three months.") +
			paragraph("Insulin therapy is added when oral agents fail to control blood glucose in diabetes.")},
		{ID: "hypertension", Title: "Hypertension stages", Text: paragraph("Stage 2 hypertension treatment usually needs two antihypertensive drugs from different classes.") +
			paragraph("Lifestyle changes such as low sodium diet support every stage of hypertension treatment.")},
		{ID: "influenza", Title: "Influenza vaccination", Text: paragraph("Annual influenza vaccination is recommended for adults, especially those older than 65 years.")},
	}
}

func TestPipelineBreastCancerScenario(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	text := breastCancerGuidelines()
	chunks, err := p.chunker.Chunk("breast-stage2", text)
	require.NoError(t, err)
	require.Len(t, chunks, 50)
	require.Equal(t, text, chunking.Reconstruct(chunks))

	require.NoError(t, p.index.IndexDocument(ctx, &domain.Document{
		ID:    "breast-stage2",
		Title: "Stage II breast cancer treatment guidelines",
		Text:  text,
	}))
	require.NoError(t, p.index.IndexDocuments(ctx, otherDocuments()))

	first, err := p.query.Query(ctx, "treatment for stage 2 breast cancer", 5)
	require.NoError(t, err)
	require.NotEmpty(t, first.AnswerContext)
	assert.Equal(t, "breast-stage2", first.AnswerContext[0].DocumentID)
	assert.Greater(t, first.Confidence, 0.0)
	assert.False(t, first.CacheHit)
	assert.False(t, first.Report.Degraded)
	assert.LessOrEqual(t, len(first.AnswerContext), 5)
	for i := 1; i < len(first.AnswerContext); i++ {
		assert.GreaterOrEqual(t, first.AnswerContext[i-1].Score, first.AnswerContext[i].Score)
	}

	second, err := p.query.Query(ctx, "treatment for stage 2 breast cancer", 5)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, domain.CacheExact, second.CacheKind)
	assert.Equal(t, first.AnswerContext, second.AnswerContext)
	assert.Equal(t, first.Confidence, second.Confidence)

	roman, err := p.query.Query(ctx, "Treatment for Stage II breast cancer?", 5)
	require.NoError(t, err)
	assert.True(t, roman.CacheHit, "roman numerals and punctuation normalize to the same query")

	stats, err := p.query.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, uint64(2), stats.ExactHits)
}

func TestPipelineReindexInvalidatesCache(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	docs := otherDocuments()
	require.NoError(t, p.index.IndexDocuments(ctx, docs))

	first, err := p.query.Query(ctx, "stage 2 hypertension treatment", 3)
	require.NoError(t, err)
	require.Equal(t, "hypertension", first.AnswerContext[0].DocumentID)

	hit, err := p.query.Query(ctx, "stage 2 hypertension treatment", 3)
	require.NoError(t, err)
	require.True(t, hit.CacheHit)

	docs[1].Text = paragraph("Stage 2 hypertension treatment now starts with a single pill combination of two drugs.")
	require.NoError(t, p.index.IndexDocument(ctx, docs[1]))

	after, err := p.query.Query(ctx, "stage 2 hypertension treatment", 3)
	require.NoError(t, err)
	assert.False(t, after.CacheHit)
	assert.Contains(t, after.AnswerContext[0].Text, "single pill")

	require.NoError(t, p.index.RemoveDocument(ctx, "hypertension"))
	removed, err := p.query.Query(ctx, "stage 2 hypertension treatment", 3)
	require.NoError(t, err)
	assert.False(t, removed.CacheHit)
	for _, c := range removed.AnswerContext {
		assert.NotEqual(t, "hypertension", c.DocumentID)
	}
}

func TestPipelineKeywordOutageDegrades(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	require.NoError(t, p.index.IndexDocuments(ctx, otherDocuments()))

	broken := newIndexFake()
	broken.searchErr = domain.WrapError(domain.ErrIndexUnavailable, "bm25 search", errBoom)
	p.query.retriever.keyword = keywordFake{broken}

	res, err := p.query.Query(ctx, "influenza vaccination for adults", 3)
	require.NoError(t, err)
	assert.True(t, res.Report.Degraded)
	assert.Equal(t, []string{domain.SourceKeyword}, res.Report.FailedSources)
	require.NotEmpty(t, res.AnswerContext)
	assert.Equal(t, "influenza", res.AnswerContext[0].DocumentID)
}

func TestPipelineFailedReindexIsNotServedFromCache(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	docs := otherDocuments()
	require.NoError(t, p.index.IndexDocuments(ctx, docs))

	_, err := p.query.Query(ctx, "stage 2 hypertension treatment", 3)
	require.NoError(t, err)
	hit, err := p.query.Query(ctx, "stage 2 hypertension treatment", 3)
	require.NoError(t, err)
	require.True(t, hit.CacheHit)

	broken := p.indexWith(p.semantic, failingKeyword{KeywordIndex: p.keyword, err: errBoom})
	docs[1].Text = paragraph("Stage 2 hypertension treatment now starts with a single pill combination of two drugs.")
	require.ErrorIs(t, broken.IndexDocument(ctx, docs[1]), errBoom)

	after, err := p.query.Query(ctx, "stage 2 hypertension treatment", 3)
	require.NoError(t, err)
	assert.False(t, after.CacheHit)
	for _, c := range after.AnswerContext {
		assert.NotEqual(t, "hypertension", c.DocumentID, "the failed document left both indexes")
	}
}

func TestPipelineQueryDuringReindexIsNotCached(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	docs := otherDocuments()
	require.NoError(t, p.index.IndexDocuments(ctx, docs))

	const question = "annual vaccination for adults older than 65"
	var during *domain.QueryResult
	hooked := p.indexWith(hookedSemantic{
		EmbeddingIndex: p.semantic,
		beforeUpsert: func(ctx context.Context) {
			res, err := p.query.Query(ctx, question, 3)
			require.NoError(t, err)
			during = res
		},
	}, p.keyword)

	docs[2].Text = paragraph("Annual influenza vaccination is recommended for all adults, and a high dose vaccine for those older than 65 years.")
	require.NoError(t, hooked.IndexDocument(ctx, docs[2]))
	require.NotNil(t, during)
	for _, c := range during.AnswerContext {
		require.NotEqual(t, "influenza", c.DocumentID, "the document is out of both indexes mid re-index")
	}

	after, err := p.query.Query(ctx, question, 3)
	require.NoError(t, err)
	assert.False(t, after.CacheHit)
	require.NotEmpty(t, after.AnswerContext)
	assert.Equal(t, "influenza", after.AnswerContext[0].DocumentID)
}
