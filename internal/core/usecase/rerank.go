package usecase

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/medrag/internal/core/domain"
	"github.com/kirillkom/medrag/internal/core/ports"
)

type RerankConfig struct {
	Timeout     time.Duration
	Concurrency int
}

func DefaultRerankConfig() RerankConfig {
	return RerankConfig{Timeout: 2 * time.Second, Concurrency: 8}
}

// Reranker rescores hybrid candidates with a relevance scorer. It never
// fails: timeouts and scorer errors fall back to the hybrid order.
type Reranker struct {
	scorer ports.RelevanceScorer
	cfg    RerankConfig
	logger *zap.Logger
}

func NewReranker(scorer ports.RelevanceScorer, cfg RerankConfig, logger *zap.Logger) *Reranker {
	def := DefaultRerankConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reranker{scorer: scorer, cfg: cfg, logger: logger}
}

// Rerank returns at most limit chunks ordered by refined score, ties by
// fused score and then chunk ID. The input slice is not modified.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []domain.RetrievedChunk, limit int) ([]domain.RetrievedChunk, domain.RerankReport) {
	if len(candidates) == 0 {
		return nil, domain.RerankReport{}
	}
	if r.scorer == nil {
		return hybridOrder(candidates, limit), domain.RerankReport{Fallback: true}
	}

	ctx, span := tracer.Start(ctx, "Reranker.Rerank")
	defer span.End()
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	tctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	scores := make([]float64, len(candidates))
	errs := make([]error, len(candidates))

	g, gctx := errgroup.WithContext(tctx)
	g.SetLimit(r.cfg.Concurrency)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range candidates {
			g.Go(func() error {
				scores[i], errs[i] = r.scorer.Score(gctx, query, candidates[i].Text)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-tctx.Done():
		// Scorers that ignore cancellation keep writing into their own slots;
		// nothing below reads them.
		report := domain.RerankReport{Fallback: true}
		if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			report.TimedOut = true
			report.Err = domain.WrapError(domain.ErrRerankTimeout, "rerank", tctx.Err())
			r.logger.Warn("rerank timed out, using hybrid order",
				zap.Duration("timeout", r.cfg.Timeout),
				zap.Int("candidates", len(candidates)),
			)
		}
		span.SetAttributes(attribute.Bool("fallback", true))
		return hybridOrder(candidates, limit), report
	}

	out := make([]domain.RetrievedChunk, 0, len(candidates))
	report := domain.RerankReport{Reranked: true}
	var firstErr error
	for i, c := range candidates {
		if errs[i] != nil {
			report.Excluded++
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		c.Score = clamp01(scores[i])
		out = append(out, c)
	}

	if len(out) == 0 {
		r.logger.Warn("every rerank score failed, using hybrid order", zap.Error(firstErr))
		return hybridOrder(candidates, limit), domain.RerankReport{Fallback: true, Excluded: report.Excluded, Err: firstErr}
	}
	if report.Excluded > 0 {
		r.logger.Debug("rerank excluded candidates", zap.Int("excluded", report.Excluded), zap.Error(firstErr))
	}

	sortReranked(out)
	span.SetAttributes(attribute.Int("excluded", report.Excluded))
	return trimCandidates(out, limit), report
}

func hybridOrder(candidates []domain.RetrievedChunk, limit int) []domain.RetrievedChunk {
	out := make([]domain.RetrievedChunk, len(candidates))
	copy(out, candidates)
	for i := range out {
		out[i].Score = out[i].FusedScore
	}
	sortByScore(out)
	return trimCandidates(out, limit)
}

// sortReranked keeps the hybrid ranking as the tie-breaker for equal
// refined scores.
func sortReranked(chunks []domain.RetrievedChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		a, b := chunks[i], chunks[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.FusedScore != b.FusedScore {
			return a.FusedScore > b.FusedScore
		}
		return a.ChunkID < b.ChunkID
	})
}

func clamp01(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
