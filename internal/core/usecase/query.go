package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/medrag/internal/core/domain"
	"github.com/kirillkom/medrag/internal/core/ports"
	"github.com/kirillkom/medrag/internal/core/textnorm"
)

const lowConfidenceNote = "Note: this answer rests on limited evidence. Please confirm it with a medical professional."

type QueryConfig struct {
	DefaultTopK int
	MaxTopK     int
	// LowConfidence is the score under which answers carry a caution note.
	LowConfidence float64
	// Timeout bounds a retrieval shared by coalesced callers. It runs
	// detached from any one caller's context.
	Timeout time.Duration
	// MaxVariants caps the phrasings searched per query, the original
	// included. Expansion is off at 1 or without an expander.
	MaxVariants int
}

func DefaultQueryConfig() QueryConfig {
	return QueryConfig{DefaultTopK: 5, MaxTopK: 50, LowConfidence: 0.5, Timeout: 30 * time.Second, MaxVariants: 4}
}

func (c QueryConfig) normalize() QueryConfig {
	out := c
	def := DefaultQueryConfig()
	if out.DefaultTopK <= 0 {
		out.DefaultTopK = def.DefaultTopK
	}
	if out.MaxTopK < out.DefaultTopK {
		out.MaxTopK = max(def.MaxTopK, out.DefaultTopK)
	}
	if out.LowConfidence <= 0 {
		out.LowConfidence = def.LowConfidence
	}
	if out.Timeout <= 0 {
		out.Timeout = def.Timeout
	}
	if out.MaxVariants <= 0 {
		out.MaxVariants = def.MaxVariants
	}
	return out
}

type QueryUseCase struct {
	embedder   ports.Embedder
	retriever  *HybridRetriever
	reranker   *Reranker
	confidence *ConfidenceScorer
	cache      ports.QueryCache
	chunks     ports.ChunkRepository
	generator  ports.AnswerGenerator
	expander   ports.QueryExpander
	observer   ports.RetrievalObserver
	logger     *zap.Logger
	cfg        QueryConfig
	flights    singleflight.Group
}

type QueryDeps struct {
	Embedder   ports.Embedder
	Retriever  *HybridRetriever
	Reranker   *Reranker
	Confidence *ConfidenceScorer
	Cache      ports.QueryCache
	Chunks     ports.ChunkRepository
	Generator  ports.AnswerGenerator
	Expander   ports.QueryExpander
	Observer   ports.RetrievalObserver
	Logger     *zap.Logger
}

func NewQueryUseCase(deps QueryDeps, cfg QueryConfig) *QueryUseCase {
	uc := &QueryUseCase{
		embedder:   deps.Embedder,
		retriever:  deps.Retriever,
		reranker:   deps.Reranker,
		confidence: deps.Confidence,
		cache:      deps.Cache,
		chunks:     deps.Chunks,
		generator:  deps.Generator,
		expander:   deps.Expander,
		observer:   deps.Observer,
		logger:     deps.Logger,
		cfg:        cfg.normalize(),
	}
	if uc.logger == nil {
		uc.logger = zap.NewNop()
	}
	if uc.observer == nil {
		uc.observer = noopRetrievalObserver{}
	}
	if uc.reranker == nil {
		uc.reranker = NewReranker(nil, DefaultRerankConfig(), uc.logger)
	}
	if uc.confidence == nil {
		uc.confidence = NewConfidenceScorer(DefaultConfidenceConfig())
	}
	return uc
}

// Query is Search without a metadata filter.
func (uc *QueryUseCase) Query(ctx context.Context, text string, topK int) (*domain.QueryResult, error) {
	return uc.Search(ctx, domain.QueryRequest{Text: text, TopK: topK})
}

// Search returns the ranked evidence for a request. Cache backend failures,
// a failed query embedding, a failed expansion and a single failing index
// degrade the result rather than failing it; only a dimension mismatch or
// the loss of every index is returned as an error.
func (uc *QueryUseCase) Search(ctx context.Context, req domain.QueryRequest) (*domain.QueryResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "QueryUseCase.Query")
	defer span.End()

	normalized := textnorm.NormalizeQuery(req.Text)
	if normalized == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "query", errors.New("query text is empty"))
	}
	topK := uc.topK(req.TopK)
	span.SetAttributes(attribute.Int("top_k", topK), attribute.String("filter", req.Filter.Key()))

	q := domain.CacheQuery{Text: normalized, Embedding: uc.embedQuery(ctx, normalized), TopK: topK, Filter: req.Filter.Key()}

	if res, _, ok := uc.fromCache(ctx, q); ok {
		return uc.finish(span, res, start), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, shared, err := uc.coalesce(ctx, q, req.Filter)
	if err != nil {
		uc.observer.ObserveError(domain.ErrorKindLabel(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("coalesced", shared))
	return uc.finish(span, cloneResult(v), start), nil
}

// coalesce shares one retrieval between concurrent misses of the same query.
// The flight runs detached from the caller that started it, so a canceled
// caller only gives up its own wait.
func (uc *QueryUseCase) coalesce(ctx context.Context, q domain.CacheQuery, filter domain.MetadataFilter) (*domain.QueryResult, bool, error) {
	ch := uc.flights.DoChan(strconv.Itoa(q.TopK)+"\x00"+q.Filter+"\x00"+q.Text, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cfg.Timeout)
		defer cancel()
		// A flight that finished just before this one may have stored it.
		res, lookup, ok := uc.fromCache(fctx, q)
		if ok {
			return res, nil
		}
		return uc.compute(fctx, q, filter, lookup)
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Shared, r.Err
		}
		return r.Val.(*domain.QueryResult), r.Shared, nil
	}
}

// Answer is Ask without a metadata filter.
func (uc *QueryUseCase) Answer(ctx context.Context, question string, topK int) (*domain.Answer, error) {
	return uc.Ask(ctx, domain.QueryRequest{Text: question, TopK: topK})
}

// Ask runs Search and generates a reply grounded on its evidence. No
// generation happens without evidence.
func (uc *QueryUseCase) Ask(ctx context.Context, req domain.QueryRequest) (*domain.Answer, error) {
	question := req.Text
	res, err := uc.Search(ctx, req)
	if err != nil {
		if domain.IsKind(err, domain.ErrIndexUnavailable) {
			return noEvidenceAnswer(), nil
		}
		return nil, err
	}
	if res.NoEvidence || len(res.AnswerContext) == 0 {
		return noEvidenceAnswer(), nil
	}
	if uc.generator == nil {
		return nil, errors.New("answer generator is not configured")
	}

	ctx, span := tracer.Start(ctx, "QueryUseCase.Answer")
	defer span.End()

	start := time.Now()
	text, err := uc.generator.GenerateAnswer(ctx, question, res.AnswerContext)
	uc.observer.ObserveStage("generate", time.Since(start))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	conf := uc.ScoreAnswer(res, text)
	if conf.Score < uc.cfg.LowConfidence {
		text += "\n\n" + lowConfidenceNote
	}
	return &domain.Answer{
		Text:       text,
		Confidence: conf,
		CacheHit:   res.CacheHit,
		Sources:    res.AnswerContext,
	}, nil
}

// ScoreAnswer rescores a query result once an answer has been generated.
func (uc *QueryUseCase) ScoreAnswer(res *domain.QueryResult, answer string) domain.Confidence {
	if res == nil {
		return uc.confidence.Score(nil, answer)
	}
	return uc.confidence.Score(res.AnswerContext, answer)
}

// WarmCache runs each query once so later callers hit the cache. It returns
// the number of queries that produced evidence.
func (uc *QueryUseCase) WarmCache(ctx context.Context, queries []string, topK int) (int, error) {
	warmed := 0
	var errs []error
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return warmed, err
		}
		res, err := uc.Query(ctx, q, topK)
		if err != nil {
			errs = append(errs, fmt.Errorf("warm %q: %w", q, err))
			continue
		}
		if !res.NoEvidence {
			warmed++
		}
	}
	uc.logger.Info("cache warmed", zap.Int("queries", len(queries)), zap.Int("warmed", warmed))
	return warmed, errors.Join(errs...)
}

func (uc *QueryUseCase) CacheStats(ctx context.Context) (domain.CacheStats, error) {
	if uc.cache == nil {
		return domain.CacheStats{}, nil
	}
	return uc.cache.Stats(ctx)
}

func (uc *QueryUseCase) topK(topK int) int {
	switch {
	case topK <= 0:
		return uc.cfg.DefaultTopK
	case topK > uc.cfg.MaxTopK:
		return uc.cfg.MaxTopK
	default:
		return topK
	}
}

// embedQuery returns nil when the query cannot be embedded; retrieval then
// runs on the keyword index alone.
func (uc *QueryUseCase) embedQuery(ctx context.Context, text string) []float32 {
	if uc.embedder == nil {
		return nil
	}
	start := time.Now()
	vector, err := uc.embedder.EmbedQuery(ctx, text)
	uc.observer.ObserveStage("embed", time.Since(start))
	if err != nil {
		uc.logger.Warn("query embedding failed", zap.Error(err))
		return nil
	}
	return vector
}

// variants returns the query itself followed by up to MaxVariants-1
// embedded rephrasings. An expansion failure leaves the query alone.
func (uc *QueryUseCase) variants(ctx context.Context, q domain.CacheQuery) []domain.QueryVariant {
	out := []domain.QueryVariant{{Text: q.Text, Vector: q.Embedding}}
	if uc.expander == nil || uc.cfg.MaxVariants <= 1 {
		return out
	}
	start := time.Now()
	alternatives, err := uc.expander.ExpandQuery(ctx, q.Text, uc.cfg.MaxVariants-1)
	uc.observer.ObserveStage("expand", time.Since(start))
	if err != nil {
		uc.logger.Warn("query expansion failed, searching the original query only", zap.Error(err))
		return out
	}

	seen := map[string]struct{}{q.Text: {}}
	for _, alt := range alternatives {
		if len(out) >= uc.cfg.MaxVariants {
			break
		}
		normalized := textnorm.NormalizeQuery(alt)
		if _, dup := seen[normalized]; dup || normalized == "" {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, domain.QueryVariant{Text: normalized, Vector: uc.embedQuery(ctx, normalized)})
	}
	return out
}

// fromCache resolves a cache hit into a full result. A lookup error is a
// forced miss; the returned lookup then carries no usable generation.
func (uc *QueryUseCase) fromCache(ctx context.Context, q domain.CacheQuery) (*domain.QueryResult, *domain.CacheLookup, bool) {
	if uc.cache == nil {
		return nil, nil, false
	}
	start := time.Now()
	lookup, err := uc.cache.Lookup(ctx, q)
	uc.observer.ObserveStage("cache_lookup", time.Since(start))
	if err != nil {
		uc.observer.ObserveError(domain.ErrorKindLabel(domain.WrapError(domain.ErrCacheBackend, "cache lookup", err)))
		uc.logger.Warn("cache lookup failed, treating as miss", zap.Error(err))
		return nil, nil, false
	}
	if lookup.Hit == nil {
		return nil, &lookup, false
	}

	hit := lookup.Hit
	chunks, ok := uc.resolveCached(ctx, hit)
	if !ok {
		if err := uc.cache.Forget(ctx, hit.Key); err != nil {
			uc.logger.Warn("forget stale cache entry failed", zap.Error(err))
		}
		return nil, &lookup, false
	}

	return &domain.QueryResult{
		Query:         q.Text,
		AnswerContext: chunks,
		Confidence:    hit.Result.Confidence,
		Level:         hit.Result.Level,
		Signals:       hit.Result.Signals,
		CacheHit:      true,
		CacheKind:     hit.Kind,
	}, &lookup, true
}

// resolveCached reattaches chunk text. Any chunk missing from the store
// makes the whole entry unusable.
func (uc *QueryUseCase) resolveCached(ctx context.Context, hit *domain.CacheHit) ([]domain.RetrievedChunk, bool) {
	if uc.chunks == nil || len(hit.Result.Chunks) == 0 {
		return nil, false
	}
	ids := make([]string, 0, len(hit.Result.Chunks))
	for _, c := range hit.Result.Chunks {
		ids = append(ids, c.ChunkID)
	}
	stored, err := uc.chunks.GetByIDs(ctx, ids)
	if err != nil {
		uc.logger.Warn("resolve cached chunks failed", zap.Error(err))
		return nil, false
	}

	out := make([]domain.RetrievedChunk, 0, len(hit.Result.Chunks))
	for _, c := range hit.Result.Chunks {
		chunk, ok := stored[c.ChunkID]
		if !ok {
			return nil, false
		}
		out = append(out, domain.RetrievedChunk{
			ChunkID:       c.ChunkID,
			DocumentID:    c.DocumentID,
			ChunkIndex:    chunk.Index,
			Text:          chunk.Text,
			Metadata:      chunk.Metadata,
			Score:         c.Score,
			SemanticScore: c.SemanticScore,
			KeywordScore:  c.KeywordScore,
			FusedScore:    c.FusedScore,
		})
	}
	return out, true
}

func (uc *QueryUseCase) compute(ctx context.Context, q domain.CacheQuery, filter domain.MetadataFilter, lookup *domain.CacheLookup) (*domain.QueryResult, error) {
	candidates, report, err := uc.retriever.RetrieveVariants(ctx, uc.variants(ctx, q), filter)
	if err != nil {
		return nil, err
	}
	if lookup == nil && uc.cache != nil {
		report.CacheBackendErr = true
	}

	start := time.Now()
	ranked, rr := uc.reranker.Rerank(ctx, q.Text, candidates, q.TopK)
	uc.observer.ObserveStage("rerank", time.Since(start))
	report.Reranked = rr.Reranked
	report.RerankFallback = rr.Fallback
	report.RerankExcluded = rr.Excluded
	report.RerankTimedOut = rr.TimedOut
	if rr.TimedOut {
		uc.observer.ObserveError(domain.ErrorKindLabel(rr.Err))
	}

	res := &domain.QueryResult{
		Query:      q.Text,
		CacheKind:  domain.CacheMiss,
		Report:     report,
		Level:      domain.ConfidenceLow,
		NoEvidence: len(ranked) == 0,
	}
	if res.NoEvidence {
		return res, nil
	}

	conf := uc.confidence.Score(ranked, "")
	res.AnswerContext = ranked
	res.Confidence = conf.Score
	res.Level = conf.Level
	res.Signals = conf.Signals

	uc.store(ctx, q, res, lookup)
	return res, nil
}

// store caches complete results only. Degraded results and rerank fallbacks
// after a timeout or a failure of every score are not cached, so a recovered
// dependency is used by the next query.
func (uc *QueryUseCase) store(ctx context.Context, q domain.CacheQuery, res *domain.QueryResult, lookup *domain.CacheLookup) {
	if uc.cache == nil || lookup == nil || res.Report.Degraded || res.Report.RerankTimedOut {
		return
	}
	if res.Report.RerankFallback && res.Report.RerankExcluded > 0 {
		return
	}
	cached := domain.CachedResult{
		Chunks:     make([]domain.CachedChunk, 0, len(res.AnswerContext)),
		Confidence: res.Confidence,
		Level:      res.Level,
		Signals:    res.Signals,
	}
	for _, c := range res.AnswerContext {
		cached.Chunks = append(cached.Chunks, domain.CachedChunk{
			ChunkID:       c.ChunkID,
			DocumentID:    c.DocumentID,
			Score:         c.Score,
			SemanticScore: c.SemanticScore,
			KeywordScore:  c.KeywordScore,
			FusedScore:    c.FusedScore,
		})
	}
	if err := uc.cache.Store(ctx, q, cached, lookup.Generation); err != nil {
		uc.observer.ObserveError(domain.ErrorKindLabel(domain.WrapError(domain.ErrCacheBackend, "cache store", err)))
		uc.logger.Warn("cache store failed", zap.Error(err))
	}
}

func (uc *QueryUseCase) finish(span trace.Span, res *domain.QueryResult, start time.Time) *domain.QueryResult {
	span.SetAttributes(
		attribute.Bool("cache_hit", res.CacheHit),
		attribute.Int("chunks", len(res.AnswerContext)),
		attribute.Float64("confidence", res.Confidence),
	)
	uc.observer.ObserveQuery(res, time.Since(start))
	return res
}

// cloneResult copies the slices a coalesced result shares between callers.
func cloneResult(res *domain.QueryResult) *domain.QueryResult {
	out := *res
	out.AnswerContext = append([]domain.RetrievedChunk(nil), res.AnswerContext...)
	out.Report.FailedSources = append([]string(nil), res.Report.FailedSources...)
	return &out
}

func noEvidenceAnswer() *domain.Answer {
	return &domain.Answer{
		Text:       domain.NoEvidenceMessage,
		Confidence: domain.Confidence{Level: domain.ConfidenceLow},
		NoEvidence: true,
	}
}
