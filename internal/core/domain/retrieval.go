package domain

import (
	"sort"
	"strings"
)

// Hit is a single index match before fusion.
type Hit struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
}

type RetrievedChunk struct {
	ChunkID       string            `json:"chunk_id"`
	DocumentID    string            `json:"document_id"`
	ChunkIndex    int               `json:"chunk_index"`
	Text          string            `json:"text"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Score         float64           `json:"score"`
	SemanticScore float64           `json:"semantic_score"`
	KeywordScore  float64           `json:"keyword_score"`
	FusedScore    float64           `json:"fused_score"`
}

// MetadataFilter restricts retrieval to chunks whose metadata matches. Each
// key lists its accepted values and every key must match. An empty value
// accepts chunks that lack the key.
type MetadataFilter map[string][]string

func (f MetadataFilter) Empty() bool {
	return len(f) == 0
}

func (f MetadataFilter) Match(meta map[string]string) bool {
	for key, accepted := range f {
		value, ok := meta[key]
		if !containsValue(accepted, value, ok) {
			return false
		}
	}
	return true
}

func containsValue(accepted []string, value string, present bool) bool {
	for _, a := range accepted {
		if a == "" && !present {
			return true
		}
		if present && a == value {
			return true
		}
	}
	return false
}

// Key is a canonical encoding of the filter. Key order and value order do
// not matter, and an empty filter encodes as "".
func (f MetadataFilter) Key() string {
	if len(f) == 0 {
		return ""
	}
	keys := make([]string, 0, len(f))
	for key := range f {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		values := append([]string(nil), f[key]...)
		sort.Strings(values)
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(strings.Join(values, ","))
	}
	return b.String()
}

// QueryRequest is a retrieval request. TopK and Filter are optional.
type QueryRequest struct {
	Text   string
	TopK   int
	Filter MetadataFilter
}

// QueryVariant is one phrasing of a query. Vector is nil when the phrasing
// could not be embedded, and such a variant only searches the keyword index.
type QueryVariant struct {
	Text   string
	Vector []float32
}

const (
	SourceSemantic = "semantic"
	SourceKeyword  = "keyword"
)

// RetrievalReport describes how a retrieval degraded, if at all.
type RetrievalReport struct {
	Degraded        bool     `json:"degraded"`
	FailedSources   []string `json:"failed_sources,omitempty"`
	SemanticHits    int      `json:"semantic_hits"`
	KeywordHits     int      `json:"keyword_hits"`
	MissingChunks   int      `json:"missing_chunks,omitempty"`
	QueryVariants   int      `json:"query_variants,omitempty"`
	Filtered        int      `json:"filtered,omitempty"`
	Reranked        bool     `json:"reranked"`
	RerankFallback  bool     `json:"rerank_fallback"`
	RerankExcluded  int      `json:"rerank_excluded,omitempty"`
	RerankTimedOut  bool     `json:"rerank_timed_out,omitempty"`
	CacheBackendErr bool     `json:"cache_backend_error,omitempty"`
}

// RerankReport describes what the rerank stage did with its candidates.
type RerankReport struct {
	Reranked bool
	Fallback bool
	Excluded int
	TimedOut bool
	Err      error
}

type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

type ConfidenceSignals struct {
	Top     float64 `json:"top"`
	Margin  float64 `json:"margin"`
	Support float64 `json:"support"`
	Overlap float64 `json:"overlap"`
}

type Confidence struct {
	Score   float64           `json:"score"`
	Level   ConfidenceLevel   `json:"level"`
	Signals ConfidenceSignals `json:"signals"`
}

// QueryResult is the per-query output of the retrieval core.
type QueryResult struct {
	Query         string            `json:"query"`
	AnswerContext []RetrievedChunk  `json:"answer_context"`
	Confidence    float64           `json:"confidence"`
	Level         ConfidenceLevel   `json:"confidence_level"`
	Signals       ConfidenceSignals `json:"signals"`
	CacheHit      bool              `json:"cache_hit"`
	CacheKind     CacheKind         `json:"cache_kind"`
	NoEvidence    bool              `json:"no_evidence"`
	Report        RetrievalReport   `json:"report"`
}

const NoEvidenceMessage = "no evidence available"

type Answer struct {
	Text       string           `json:"text"`
	Confidence Confidence       `json:"confidence"`
	NoEvidence bool             `json:"no_evidence"`
	CacheHit   bool             `json:"cache_hit"`
	Sources    []RetrievedChunk `json:"sources"`
}
