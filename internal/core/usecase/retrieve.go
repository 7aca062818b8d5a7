package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/medrag/internal/core/domain"
	"github.com/kirillkom/medrag/internal/core/ports"
)

var tracer = otel.Tracer("medrag.usecase")

var (
	errNoQueryVector       = errors.New("query embedding unavailable")
	errKeywordUnconfigured = errors.New("keyword index not configured")
)

// filterOversample widens each search when a metadata filter will discard
// part of the candidates.
const filterOversample = 3

type RetrievalConfig struct {
	KSearch   int
	KRerank   int
	WSemantic float64
	WKeyword  float64
}

func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{KSearch: 20, KRerank: 10, WSemantic: 0.5, WKeyword: 0.5}
}

func (c RetrievalConfig) normalize() RetrievalConfig {
	out := c
	def := DefaultRetrievalConfig()
	if out.KSearch <= 0 {
		out.KSearch = def.KSearch
	}
	if out.KRerank <= 0 {
		out.KRerank = def.KRerank
	}
	if out.WSemantic < 0 || out.WKeyword < 0 || out.WSemantic+out.WKeyword == 0 {
		out.WSemantic, out.WKeyword = def.WSemantic, def.WKeyword
	}
	return out
}

// HybridRetriever runs semantic and keyword search side by side and fuses
// the two rankings.
type HybridRetriever struct {
	semantic ports.EmbeddingIndex
	keyword  ports.KeywordIndex
	chunks   ports.ChunkRepository
	cfg      RetrievalConfig
	logger   *zap.Logger
	observer ports.RetrievalObserver
}

func NewHybridRetriever(
	semantic ports.EmbeddingIndex,
	keyword ports.KeywordIndex,
	chunks ports.ChunkRepository,
	cfg RetrievalConfig,
	logger *zap.Logger,
	observer ports.RetrievalObserver,
) *HybridRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = noopRetrievalObserver{}
	}
	return &HybridRetriever{
		semantic: semantic,
		keyword:  keyword,
		chunks:   chunks,
		cfg:      cfg.normalize(),
		logger:   logger,
		observer: observer,
	}
}

// Retrieve returns up to KRerank fused candidates with their text resolved.
// A nil vector means the query could not be embedded; retrieval then runs on
// the keyword index alone. Only a dimension mismatch or the loss of both
// sources is returned as an error.
func (r *HybridRetriever) Retrieve(ctx context.Context, query string, vector []float32) ([]domain.RetrievedChunk, domain.RetrievalReport, error) {
	return r.RetrieveVariants(ctx, []domain.QueryVariant{{Text: query, Vector: vector}}, nil)
}

// RetrieveVariants is Retrieve over several phrasings of one query. Each
// source pools the hits of every variant, keeping a chunk's best score, and
// the pools are fused once. A source fails only when all of its searches
// fail. A non-empty filter drops candidates whose metadata does not match
// before they are trimmed to KRerank.
func (r *HybridRetriever) RetrieveVariants(ctx context.Context, variants []domain.QueryVariant, filter domain.MetadataFilter) ([]domain.RetrievedChunk, domain.RetrievalReport, error) {
	ctx, span := tracer.Start(ctx, "HybridRetriever.Retrieve")
	defer span.End()

	report := domain.RetrievalReport{QueryVariants: len(variants)}
	k := r.cfg.KSearch
	if !filter.Empty() {
		k *= filterOversample
	}

	sem := make([]searchResult, len(variants))
	kw := make([]searchResult, len(variants))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range variants {
		if v.Vector != nil && r.semantic != nil {
			g.Go(func() error {
				sem[i] = timedSearch(func() ([]domain.Hit, error) { return r.semantic.Search(gctx, v.Vector, k) })
				return nil
			})
		} else {
			sem[i].err = errNoQueryVector
		}
		if r.keyword != nil {
			g.Go(func() error {
				kw[i] = timedSearch(func() ([]domain.Hit, error) { return r.keyword.Search(gctx, v.Text, k) })
				return nil
			})
		} else {
			kw[i].err = errKeywordUnconfigured
		}
	}
	_ = g.Wait()

	semPool, kwPool := poolResults(sem), poolResults(kw)
	if semPool.searched {
		r.observer.ObserveStage("search_semantic", semPool.took)
	}
	if kwPool.searched {
		r.observer.ObserveStage("search_keyword", kwPool.took)
	}
	semHits, semErr := semPool.hits, semPool.err
	kwHits, kwErr := kwPool.hits, kwPool.err

	if err := dimensionMismatch(sem); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dimension mismatch")
		return nil, report, err
	}
	// A caller that went away is not an index outage.
	if err := ctx.Err(); err != nil {
		return nil, report, err
	}
	if semErr != nil && kwErr != nil {
		err := domain.WrapError(domain.ErrIndexUnavailable, "hybrid retrieve", errors.Join(semErr, kwErr))
		span.RecordError(err)
		span.SetStatus(codes.Error, "all indexes failed")
		return nil, report, err
	}

	wSem, wKw := r.cfg.WSemantic, r.cfg.WKeyword
	switch {
	case semErr != nil:
		wSem, wKw = 0, 1
		r.degrade(&report, domain.SourceSemantic, semErr)
	case kwErr != nil:
		wSem, wKw = 1, 0
		r.degrade(&report, domain.SourceKeyword, kwErr)
	}
	report.SemanticHits = len(semHits)
	report.KeywordHits = len(kwHits)

	candidates := fuseWeighted(semHits, kwHits, wSem, wKw)
	if filter.Empty() {
		candidates = trimCandidates(candidates, r.cfg.KRerank)
	}
	resolved, missing, err := r.resolve(ctx, candidates)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, report, err
	}
	report.MissingChunks = missing
	if !filter.Empty() {
		resolved, report.Filtered = applyFilter(resolved, filter)
		resolved = trimCandidates(resolved, r.cfg.KRerank)
	}

	span.SetAttributes(
		attribute.Int("query_variants", report.QueryVariants),
		attribute.Int("semantic_hits", report.SemanticHits),
		attribute.Int("keyword_hits", report.KeywordHits),
		attribute.Int("candidates", len(resolved)),
		attribute.Bool("degraded", report.Degraded),
	)
	return resolved, report, nil
}

type searchResult struct {
	hits     []domain.Hit
	err      error
	took     time.Duration
	searched bool
}

func timedSearch(search func() ([]domain.Hit, error)) searchResult {
	start := time.Now()
	hits, err := search()
	return searchResult{hits: hits, err: err, took: time.Since(start), searched: true}
}

// poolResults merges the per-variant results of one source. Duplicate
// chunks keep their best score and the order of first appearance. The
// source has failed only if no variant search succeeded.
func poolResults(results []searchResult) searchResult {
	var (
		out  searchResult
		errs []error
		ok   bool
	)
	seen := make(map[string]int)
	for _, res := range results {
		out.searched = out.searched || res.searched
		out.took = max(out.took, res.took)
		if res.err != nil {
			errs = append(errs, res.err)
			continue
		}
		ok = true
		for _, hit := range res.hits {
			if i, dup := seen[hit.ChunkID]; dup {
				if hit.Score > out.hits[i].Score {
					out.hits[i] = hit
				}
				continue
			}
			seen[hit.ChunkID] = len(out.hits)
			out.hits = append(out.hits, hit)
		}
	}
	switch {
	case ok:
	case len(errs) == 1:
		out.err = errs[0]
	default:
		out.err = errors.Join(errs...)
	}
	return out
}

func dimensionMismatch(results []searchResult) error {
	for _, res := range results {
		if domain.IsKind(res.err, domain.ErrDimensionMismatch) {
			return res.err
		}
	}
	return nil
}

func applyFilter(chunks []domain.RetrievedChunk, filter domain.MetadataFilter) ([]domain.RetrievedChunk, int) {
	out := chunks[:0]
	for _, c := range chunks {
		if filter.Match(c.Metadata) {
			out = append(out, c)
		}
	}
	return out, len(chunks) - len(out)
}

func (r *HybridRetriever) degrade(report *domain.RetrievalReport, source string, cause error) {
	report.Degraded = true
	report.FailedSources = append(report.FailedSources, source)
	r.observer.ObserveDegradation(source)
	r.logger.Warn("retrieval degraded",
		zap.String("failed_source", source),
		zap.Error(cause),
	)
}

// resolve attaches chunk text and metadata. Chunks that vanished from the
// store since they were indexed are dropped.
func (r *HybridRetriever) resolve(ctx context.Context, candidates []domain.RetrievedChunk) ([]domain.RetrievedChunk, int, error) {
	if len(candidates) == 0 {
		return nil, 0, nil
	}
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ChunkID)
	}
	stored, err := r.chunks.GetByIDs(ctx, ids)
	if err != nil {
		return nil, 0, domain.WrapError(domain.ErrIndexUnavailable, "resolve chunks", fmt.Errorf("load chunk text: %w", err))
	}

	out := make([]domain.RetrievedChunk, 0, len(candidates))
	missing := 0
	for _, c := range candidates {
		chunk, ok := stored[c.ChunkID]
		if !ok {
			missing++
			continue
		}
		c.DocumentID = chunk.DocumentID
		c.ChunkIndex = chunk.Index
		c.Text = chunk.Text
		c.Metadata = chunk.Metadata
		out = append(out, c)
	}
	if missing > 0 {
		r.logger.Debug("dropped candidates missing from chunk store", zap.Int("missing", missing))
	}
	return out, missing, nil
}

type noopRetrievalObserver struct{}

func (noopRetrievalObserver) ObserveStage(string, time.Duration)              {}
func (noopRetrievalObserver) ObserveQuery(*domain.QueryResult, time.Duration) {}
func (noopRetrievalObserver) ObserveDegradation(string)                       {}
func (noopRetrievalObserver) ObserveError(string)                             {}
