package domain

import "time"

type CacheKind string

const (
	CacheExact   CacheKind = "exact"
	CacheSimilar CacheKind = "similar"
	CacheMiss    CacheKind = "miss"
)

// CacheQuery identifies a query for cache purposes. Text must already be normalized.
type CacheQuery struct {
	Text      string
	Embedding []float32
	TopK      int
	Filter    string // MetadataFilter.Key of the request filter
}

type CachedChunk struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	Score         float64 `json:"score"`
	SemanticScore float64 `json:"semantic_score"`
	KeywordScore  float64 `json:"keyword_score"`
	FusedScore    float64 `json:"fused_score"`
}

type CachedResult struct {
	Chunks     []CachedChunk     `json:"chunks"`
	Confidence float64           `json:"confidence"`
	Level      ConfidenceLevel   `json:"level"`
	Signals    ConfidenceSignals `json:"signals"`
}

type CacheHit struct {
	Key        string
	Kind       CacheKind
	Similarity float64
	Result     CachedResult
	HitCount   int
	CreatedAt  time.Time
	LastAccess time.Time
}

// CacheLookup carries a hit, or on a miss the generation to hand back to Store.
type CacheLookup struct {
	Hit        *CacheHit
	Generation uint64
}

type PopularQuery struct {
	Query    string `json:"query"`
	HitCount int    `json:"hit_count"`
}

type CacheStats struct {
	Entries        int            `json:"entries"`
	MaxEntries     int            `json:"max_entries"`
	ExactHits      uint64         `json:"exact_hits"`
	SimilarHits    uint64         `json:"similar_hits"`
	Misses         uint64         `json:"misses"`
	Evictions      uint64         `json:"evictions"`
	Expirations    uint64         `json:"expirations"`
	Invalidations  uint64         `json:"invalidations"`
	StaleDrops     uint64         `json:"stale_drops"`
	HitRate        float64        `json:"hit_rate"`
	PopularQueries []PopularQuery `json:"popular_queries,omitempty"`
}
