package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/medrag/internal/core/domain"
)

const namespace = "medrag"

// RAGMetrics records retrieval and indexing outcomes. It satisfies both
// ports.RetrievalObserver and ports.IndexObserver.
type RAGMetrics struct {
	service string

	queriesTotal      *prometheus.CounterVec
	queryDuration     *prometheus.HistogramVec
	stageDuration     *prometheus.HistogramVec
	confidence        *prometheus.HistogramVec
	contextChunks     *prometheus.HistogramVec
	degradationsTotal *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	cacheEventsTotal  *prometheus.CounterVec
	indexTotal        *prometheus.CounterVec
	indexDuration     *prometheus.HistogramVec
	indexedChunks     *prometheus.HistogramVec
}

func NewRAGMetrics(registerer prometheus.Registerer, service string) *RAGMetrics {
	m := &RAGMetrics{
		service: service,
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rag",
				Name:      "queries_total",
				Help:      "Total completed queries by cache status.",
			},
			[]string{"service", "cache"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rag",
				Name:      "query_duration_seconds",
				Help:      "End-to-end query duration in seconds by cache status.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"service", "cache"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rag",
				Name:      "stage_duration_seconds",
				Help:      "Duration of individual pipeline stages.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "stage"},
		),
		confidence: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rag",
				Name:      "confidence",
				Help:      "Distribution of query confidence scores.",
				Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
			},
			[]string{"service"},
		),
		contextChunks: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rag",
				Name:      "context_chunks",
				Help:      "Distribution of chunks returned per query.",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
			},
			[]string{"service"},
		),
		degradationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rag",
				Name:      "degradations_total",
				Help:      "Retrievals that lost one index, by failed source.",
			},
			[]string{"service", "source"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rag",
				Name:      "errors_total",
				Help:      "Pipeline errors by kind.",
			},
			[]string{"service", "kind"},
		),
		cacheEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "events_total",
				Help:      "Query cache events by type.",
			},
			[]string{"service", "event"},
		),
		indexTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "documents_total",
				Help:      "Index operations by status.",
			},
			[]string{"service", "status"},
		),
		indexDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "duration_seconds",
				Help:      "Document index duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "status"},
		),
		indexedChunks: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "chunks",
				Help:      "Chunks produced per indexed document.",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"service"},
		),
	}

	registerer.MustRegister(
		m.queriesTotal,
		m.queryDuration,
		m.stageDuration,
		m.confidence,
		m.contextChunks,
		m.degradationsTotal,
		m.errorsTotal,
		m.cacheEventsTotal,
		m.indexTotal,
		m.indexDuration,
		m.indexedChunks,
	)
	return m
}

func (m *RAGMetrics) ObserveStage(stage string, duration time.Duration) {
	m.stageDuration.WithLabelValues(m.service, stage).Observe(duration.Seconds())
}

func (m *RAGMetrics) ObserveQuery(result *domain.QueryResult, duration time.Duration) {
	if result == nil {
		return
	}
	cache := string(domain.CacheMiss)
	if result.CacheHit && result.CacheKind != "" {
		cache = string(result.CacheKind)
	}
	if result.NoEvidence {
		cache = "no_evidence"
	}
	m.queriesTotal.WithLabelValues(m.service, cache).Inc()
	m.queryDuration.WithLabelValues(m.service, cache).Observe(duration.Seconds())
	m.contextChunks.WithLabelValues(m.service).Observe(float64(len(result.AnswerContext)))
	if !result.NoEvidence {
		m.confidence.WithLabelValues(m.service).Observe(result.Confidence)
	}
}

func (m *RAGMetrics) ObserveDegradation(source string) {
	m.degradationsTotal.WithLabelValues(m.service, labelOrUnknown(source)).Inc()
}

func (m *RAGMetrics) ObserveError(kind string) {
	m.errorsTotal.WithLabelValues(m.service, labelOrUnknown(kind)).Inc()
}

// ObserveCacheEvent matches querycache.EventListener.
func (m *RAGMetrics) ObserveCacheEvent(event string) {
	m.cacheEventsTotal.WithLabelValues(m.service, labelOrUnknown(event)).Inc()
}

func (m *RAGMetrics) ObserveIndex(_ string, chunks int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.indexTotal.WithLabelValues(m.service, status).Inc()
	m.indexDuration.WithLabelValues(m.service, status).Observe(duration.Seconds())
	if err == nil && chunks > 0 {
		m.indexedChunks.WithLabelValues(m.service).Observe(float64(chunks))
	}
}

func labelOrUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
