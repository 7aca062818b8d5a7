package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/kirillkom/medrag/internal/config"
	"github.com/kirillkom/medrag/internal/core/ports"
	"github.com/kirillkom/medrag/internal/core/usecase"
	"github.com/kirillkom/medrag/internal/infrastructure/cache/querycache"
	"github.com/kirillkom/medrag/internal/infrastructure/chunking"
	"github.com/kirillkom/medrag/internal/infrastructure/embedding/hashing"
	"github.com/kirillkom/medrag/internal/infrastructure/lexical/bm25"
	"github.com/kirillkom/medrag/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/medrag/internal/infrastructure/queue/nats"
	"github.com/kirillkom/medrag/internal/infrastructure/repository/memory"
	"github.com/kirillkom/medrag/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/medrag/internal/infrastructure/rerank/lexical"
	"github.com/kirillkom/medrag/internal/infrastructure/resilience"
	"github.com/kirillkom/medrag/internal/infrastructure/vector/chromem"
	"github.com/kirillkom/medrag/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/medrag/internal/observability/metrics"
)

type App struct {
	Config config.Config
	Logger *zap.Logger

	Documents ports.DocumentRepository
	Indexer   *usecase.IndexDocumentUseCase
	Queries   *usecase.QueryUseCase
	Replica   *usecase.ReplicaSync
	// Submitter and Queue are nil when no NATS URL is configured.
	Submitter *usecase.SubmitDocumentUseCase
	Queue     *nats.Queue
	Metrics   *metrics.RAGMetrics

	closers []func()
}

type options struct {
	index []usecase.IndexOption
}

type Option func(*options)

// WithIndexOptions passes extra options to the index use case, after the
// ones derived from the config.
func WithIndexOptions(opts ...usecase.IndexOption) Option {
	return func(o *options) { o.index = append(o.index, opts...) }
}

// New wires the engine. registerer may be nil, in which case RAG metrics are
// not collected.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, registerer prometheus.Registerer, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	app := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	var (
		indexObserver ports.IndexObserver
		queryObserver ports.RetrievalObserver
		cacheListener querycache.EventListener
	)
	if registerer != nil {
		app.Metrics = metrics.NewRAGMetrics(registerer, cfg.Service.Name)
		indexObserver, queryObserver, cacheListener = app.Metrics, app.Metrics, app.Metrics.ObserveCacheEvent
	}

	executor := resilience.NewExecutor(resilienceConfig(cfg.Resilience),
		resilience.WithLogger(logger),
		resilience.WithStateListener(func(operation string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("operation", operation),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}),
	)

	docs, chunks, err := app.openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	app.Documents = docs

	ollamaClient := ollama.New(cfg.Models.OllamaURL, cfg.Models.GenModel, cfg.Models.EmbedModel,
		ollama.WithExecutor(executor),
		ollama.WithRateLimit(cfg.Models.RateLimitRPS, cfg.Models.RateLimitBurst),
		ollama.WithHTTPClient(&http.Client{Timeout: cfg.Models.Timeout}),
		ollama.WithLogger(logger.Named("ollama")),
	)

	var embedder ports.Embedder
	dims := cfg.Vector.Dimensions
	switch cfg.Models.Embedder {
	case "ollama":
		embedder = ollama.NewEmbedder(ollamaClient)
	default:
		embedder = hashing.New(cfg.Models.HashingDimensions)
		if dims == 0 {
			dims = cfg.Models.HashingDimensions
		}
	}

	semantic, err := app.openVectorIndex(cfg.Vector, dims, executor)
	if err != nil {
		return nil, err
	}
	keyword := bm25.New()

	cacheOpts := []querycache.Option{}
	if cacheListener != nil {
		cacheOpts = append(cacheOpts, querycache.WithEventListener(cacheListener))
	}
	cacheCfg := querycache.DefaultConfig()
	cacheCfg.TTL = cfg.Engine.CacheTTL
	cacheCfg.MaxEntries = cfg.Engine.CacheMaxEntries
	cacheCfg.SimilarityThreshold = cfg.Engine.SimilarityThreshold
	cacheCfg.AdaptiveTTL = cfg.Engine.CacheAdaptiveTTL
	cache, err := querycache.New(cacheCfg, cacheOpts...)
	if err != nil {
		return nil, fmt.Errorf("init query cache: %w", err)
	}

	chunker := chunking.NewSplitter(cfg.Engine.ChunkSize, cfg.Engine.ChunkOverlap,
		chunking.WithTolerance(cfg.Engine.ChunkTolerance),
		chunking.WithMaxChunks(cfg.Engine.MaxChunks),
	)

	if cfg.Queue.NATSURL != "" {
		queue, err := nats.NewWithOptions(cfg.Queue.NATSURL, nats.Options{
			IndexSubject:        cfg.Queue.IndexSubject,
			InvalidationSubject: cfg.Queue.InvalidationSubject,
			ResilienceExecutor:  executor,
			Logger:              logger.Named("nats"),
		})
		if err != nil {
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		app.Queue = queue
		app.closers = append(app.closers, queue.Close)
		if cfg.Vector.Backend == "chromem" {
			logger.Warn("embedded vector index is process-local; workers and api replicas will not share embeddings")
		}
	}

	indexOpts := []usecase.IndexOption{
		usecase.WithIndexLogger(logger.Named("index")),
		usecase.WithIndexConfig(usecase.IndexConfig{
			EmbedBatchSize: cfg.Engine.EmbedBatchSize,
			Concurrency:    cfg.Engine.IndexConcurrency,
		}),
	}
	if indexObserver != nil {
		indexOpts = append(indexOpts, usecase.WithIndexObserver(indexObserver))
	}
	if app.Queue != nil {
		indexOpts = append(indexOpts, usecase.WithInvalidationBus(app.Queue))
		app.Submitter = usecase.NewSubmitDocumentUseCase(docs, app.Queue)
	}
	indexOpts = append(indexOpts, o.index...)
	app.Indexer = usecase.NewIndexDocumentUseCase(docs, chunks, chunker, embedder, semantic, keyword, cache, indexOpts...)

	retriever := usecase.NewHybridRetriever(semantic, keyword, chunks, usecase.RetrievalConfig{
		KSearch:   cfg.Engine.KSearch,
		KRerank:   cfg.Engine.KRerank,
		WSemantic: cfg.Engine.WSemantic,
		WKeyword:  cfg.Engine.WKeyword,
	}, logger.Named("retrieve"), queryObserver)

	var scorer ports.RelevanceScorer
	switch cfg.Models.Scorer {
	case "ollama":
		scorer = ollama.NewRelevanceScorer(ollamaClient)
	case "lexical":
		scorer = lexical.New()
	}
	reranker := usecase.NewReranker(scorer, usecase.RerankConfig{
		Timeout:     cfg.Engine.RerankTimeout,
		Concurrency: cfg.Engine.RerankConcurrency,
	}, logger.Named("rerank"))

	var expander ports.QueryExpander
	if cfg.Models.Expander == "ollama" {
		expander = ollama.NewQueryExpander(ollamaClient)
	}

	confCfg := usecase.DefaultConfidenceConfig()
	confCfg.RelevanceFloor = cfg.Engine.RelevanceFloor

	app.Queries = usecase.NewQueryUseCase(usecase.QueryDeps{
		Embedder:   embedder,
		Retriever:  retriever,
		Reranker:   reranker,
		Confidence: usecase.NewConfidenceScorer(confCfg),
		Cache:      cache,
		Chunks:     chunks,
		Generator:  ollama.NewGenerator(ollamaClient),
		Expander:   expander,
		Observer:   queryObserver,
		Logger:     logger.Named("query"),
	}, usecase.QueryConfig{
		DefaultTopK:   cfg.Engine.KFinal,
		MaxTopK:       cfg.Engine.MaxTopK,
		LowConfidence: cfg.Engine.LowConfidence,
		Timeout:       cfg.Engine.QueryTimeout,
		MaxVariants:   cfg.Engine.MaxQueryVariants,
	})

	app.Replica = usecase.NewReplicaSync(chunks, keyword, cache, logger.Named("replica"))
	if cfg.Storage.Driver == "postgres" {
		// Chunk rows outlive the process; the keyword index does not.
		if _, err := app.Replica.RebuildKeywordIndex(ctx); err != nil {
			logger.Warn("keyword index rebuild incomplete", zap.Error(err))
		}
	}

	ok = true
	return app, nil
}

func (a *App) openStorage(ctx context.Context, cfg config.StorageConfig) (ports.DocumentRepository, ports.ChunkRepository, error) {
	if cfg.Driver != "postgres" {
		return memory.NewDocumentRepository(), memory.NewChunkRepository(), nil
	}
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	a.closers = append(a.closers, func() { _ = db.Close() })

	docs := postgres.NewDocumentRepository(db)
	if err := docs.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return docs, postgres.NewChunkRepository(db), nil
}

func (a *App) openVectorIndex(cfg config.VectorConfig, dims int, executor *resilience.Executor) (ports.EmbeddingIndex, error) {
	if cfg.Backend == "qdrant" {
		return qdrant.New(cfg.QdrantURL, cfg.Collection,
			qdrant.WithExecutor(executor),
			qdrant.WithLogger(a.Logger.Named("qdrant")),
		), nil
	}
	index, err := chromem.New(chromem.Config{
		Path:       cfg.ChromemPath,
		Compress:   cfg.ChromemCompress,
		Collection: cfg.Collection,
		Dimensions: dims,
	}, a.Logger.Named("chromem"))
	if err != nil {
		return nil, fmt.Errorf("init chromem index: %w", err)
	}
	return index, nil
}

// ListenForInvalidations applies invalidations broadcast by other processes
// until ctx is done. Without a queue it returns immediately.
func (a *App) ListenForInvalidations(ctx context.Context) error {
	if a.Queue == nil {
		return nil
	}
	return a.Queue.SubscribeInvalidations(ctx, a.Replica.ApplyInvalidation)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func resilienceConfig(cfg config.ResilienceConfig) resilience.Config {
	return resilience.Config{
		RetryMaxAttempts:        cfg.RetryMaxAttempts,
		RetryInitialBackoff:     cfg.RetryInitialBackoff,
		RetryMaxBackoff:         cfg.RetryMaxBackoff,
		RetryMultiplier:         cfg.RetryMultiplier,
		BreakerEnabled:          cfg.BreakerEnabled,
		BreakerMinRequests:      cfg.BreakerMinRequests,
		BreakerFailureRatio:     cfg.BreakerFailureRatio,
		BreakerOpenTimeout:      cfg.BreakerOpenTimeout,
		BreakerHalfOpenMaxCalls: cfg.BreakerHalfOpenMaxCalls,
	}
}
