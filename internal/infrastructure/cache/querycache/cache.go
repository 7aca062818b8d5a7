// Package querycache is the in-process query result cache: exact and
// near-duplicate lookup, LRU eviction, TTL and per-document invalidation.
package querycache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/kirillkom/medrag/internal/core/domain"
	"github.com/kirillkom/medrag/internal/core/textnorm"
)

// Event names passed to an EventListener.
const (
	EventExactHit   = "exact_hit"
	EventSimilarHit = "similar_hit"
	EventMiss       = "miss"
	EventEviction   = "eviction"
	EventExpiration = "expiration"
	EventInvalidate = "invalidation"
	EventStaleDrop  = "stale_drop"
)

const popularQueryLimit = 10

type Config struct {
	TTL        time.Duration
	MaxEntries int
	// SimilarityThreshold is the cosine above which two query embeddings are
	// treated as the same question. Lower values trade precision for hit rate.
	SimilarityThreshold float64
	AdaptiveTTL         bool
	PopularHits         int
	PopularTTL          time.Duration
}

func DefaultConfig() Config {
	return Config{
		TTL:                 time.Hour,
		MaxEntries:          1000,
		SimilarityThreshold: 0.95,
		AdaptiveTTL:         true,
		PopularHits:         10,
		PopularTTL:          24 * time.Hour,
	}
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()
	if out.TTL <= 0 {
		out.TTL = def.TTL
	}
	if out.MaxEntries <= 0 {
		out.MaxEntries = def.MaxEntries
	}
	if out.SimilarityThreshold <= 0 || out.SimilarityThreshold > 1 {
		out.SimilarityThreshold = def.SimilarityThreshold
	}
	if out.PopularHits <= 0 {
		out.PopularHits = def.PopularHits
	}
	if out.PopularTTL <= 0 {
		out.PopularTTL = def.PopularTTL
	}
	return out
}

type EventListener func(event string)

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithEventListener(listener EventListener) Option {
	return func(c *Cache) { c.listener = listener }
}

type entry struct {
	key        string
	query      domain.CacheQuery
	result     domain.CachedResult
	documents  []string
	generation uint64
	createdAt  time.Time
	lastAccess time.Time
	expiresAt  time.Time
	hits       int
}

type counters struct {
	exactHits     uint64
	similarHits   uint64
	misses        uint64
	evictions     uint64
	expirations   uint64
	invalidations uint64
	staleDrops    uint64
}

type Cache struct {
	cfg      Config
	now      func() time.Time
	listener EventListener

	mu            sync.Mutex
	lru           *simplelru.LRU[string, *entry]
	byDocument    map[string]map[string]struct{}
	generation    uint64
	invalidatedAt map[string]uint64
	updating      map[string]int
	counters      counters
}

func New(cfg Config, opts ...Option) (*Cache, error) {
	c := &Cache{
		cfg:           cfg.normalize(),
		now:           time.Now,
		byDocument:    make(map[string]map[string]struct{}),
		invalidatedAt: make(map[string]uint64),
		updating:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	lru, err := simplelru.NewLRU[string, *entry](c.cfg.MaxEntries, c.unlink)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.lru = lru
	return c, nil
}

// Fingerprint is the exact-match key for a normalized query, its result size
// and its metadata filter.
func Fingerprint(q domain.CacheQuery) string {
	sum := sha256.Sum256([]byte(q.Text + "\x00" + strconv.Itoa(q.TopK) + "\x00" + q.Filter))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) Lookup(ctx context.Context, q domain.CacheQuery) (domain.CacheLookup, error) {
	if err := ctx.Err(); err != nil {
		return domain.CacheLookup{}, domain.WrapError(domain.ErrCacheBackend, "cache lookup", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := domain.CacheLookup{Generation: c.generation}

	key := Fingerprint(q)
	if e, ok := c.lru.Peek(key); ok && c.usableLocked(e, now) {
		c.lru.Get(key)
		out.Hit = c.hitLocked(e, domain.CacheExact, 1, now)
		return out, nil
	}

	if e, similarity, ok := c.nearestLocked(q, now); ok {
		c.lru.Get(e.key)
		out.Hit = c.hitLocked(e, domain.CacheSimilar, similarity, now)
		return out, nil
	}

	c.counters.misses++
	c.emit(EventMiss)
	return out, nil
}

// nearestLocked scans live entries with the same top_k and filter for the most similar
// query embedding at or above the threshold. Ties go to the smaller key.
func (c *Cache) nearestLocked(q domain.CacheQuery, now time.Time) (*entry, float64, bool) {
	if len(q.Embedding) == 0 {
		return nil, 0, false
	}
	var (
		best    *entry
		bestSim float64
	)
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok || e.query.TopK != q.TopK || e.query.Filter != q.Filter || len(e.query.Embedding) == 0 {
			continue
		}
		if !c.usableLocked(e, now) {
			continue
		}
		sim := textnorm.Cosine(q.Embedding, e.query.Embedding)
		if sim < c.cfg.SimilarityThreshold {
			continue
		}
		if best == nil || sim > bestSim || (sim == bestSim && e.key < best.key) {
			best, bestSim = e, sim
		}
	}
	return best, bestSim, best != nil
}

// usableLocked drops the entry when it has expired or a contributing document
// was invalidated after it was stored.
func (c *Cache) usableLocked(e *entry, now time.Time) bool {
	if !now.Before(e.expiresAt) {
		c.lru.Remove(e.key)
		c.counters.expirations++
		c.emit(EventExpiration)
		return false
	}
	for _, doc := range e.documents {
		if c.invalidatedAt[doc] > e.generation {
			c.lru.Remove(e.key)
			return false
		}
	}
	return true
}

func (c *Cache) hitLocked(e *entry, kind domain.CacheKind, similarity float64, now time.Time) *domain.CacheHit {
	e.hits++
	e.lastAccess = now
	if c.cfg.AdaptiveTTL && e.hits > c.cfg.PopularHits {
		if extended := now.Add(c.cfg.PopularTTL); extended.After(e.expiresAt) {
			e.expiresAt = extended
		}
	}

	if kind == domain.CacheExact {
		c.counters.exactHits++
		c.emit(EventExactHit)
	} else {
		c.counters.similarHits++
		c.emit(EventSimilarHit)
	}

	result := e.result
	result.Chunks = append([]domain.CachedChunk(nil), e.result.Chunks...)
	return &domain.CacheHit{
		Key:        e.key,
		Kind:       kind,
		Similarity: similarity,
		Result:     result,
		HitCount:   e.hits,
		CreatedAt:  e.createdAt,
		LastAccess: e.lastAccess,
	}
}

// Store caches result unless anything was invalidated after generation was
// handed out by Lookup or a document update is still in progress. Either way
// the result may have been computed from indexes that were mid-change.
func (c *Cache) Store(ctx context.Context, q domain.CacheQuery, result domain.CachedResult, generation uint64) error {
	if err := ctx.Err(); err != nil {
		return domain.WrapError(domain.ErrCacheBackend, "cache store", err)
	}
	if len(result.Chunks) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation || len(c.updating) > 0 {
		c.counters.staleDrops++
		c.emit(EventStaleDrop)
		return nil
	}
	documents := contributingDocuments(result.Chunks)

	now := c.now()
	key := Fingerprint(q)
	e := &entry{
		key: key,
		query: domain.CacheQuery{
			Text:      q.Text,
			Embedding: append([]float32(nil), q.Embedding...),
			TopK:      q.TopK,
			Filter:    q.Filter,
		},
		result:     result,
		documents:  documents,
		generation: generation,
		createdAt:  now,
		lastAccess: now,
		expiresAt:  now.Add(c.ttlFor(result.Confidence)),
	}
	e.result.Chunks = append([]domain.CachedChunk(nil), result.Chunks...)

	if old, ok := c.lru.Peek(key); ok {
		c.unlink(key, old)
	}
	if evicted := c.lru.Add(key, e); evicted {
		c.counters.evictions++
		c.emit(EventEviction)
	}
	for _, doc := range documents {
		keys := c.byDocument[doc]
		if keys == nil {
			keys = make(map[string]struct{})
			c.byDocument[doc] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

func (c *Cache) ttlFor(confidence float64) time.Duration {
	ttl := c.cfg.TTL
	if !c.cfg.AdaptiveTTL {
		return ttl
	}
	switch {
	case confidence >= 0.8:
		return ttl * 3 / 2
	case confidence < 0.5:
		return ttl / 2
	default:
		return ttl
	}
}

// BeginUpdate opens an update window for documentID. Entries that reference
// the document are removed and no result is stored until the matching
// Invalidate closes the window.
func (c *Cache) BeginUpdate(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return domain.WrapError(domain.ErrCacheBackend, "cache begin update", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.updating[documentID]++
	c.dropDocumentLocked(documentID)
	return nil
}

// Invalidate removes every entry whose result references documentID, closes
// an update window opened by BeginUpdate and bumps the generation so that
// in-flight results computed before now are not stored.
func (c *Cache) Invalidate(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return domain.WrapError(domain.ErrCacheBackend, "cache invalidate", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if n := c.updating[documentID]; n > 1 {
		c.updating[documentID] = n - 1
	} else {
		delete(c.updating, documentID)
	}
	c.dropDocumentLocked(documentID)
	return nil
}

func (c *Cache) dropDocumentLocked(documentID string) {
	c.generation++
	c.invalidatedAt[documentID] = c.generation

	keys := make([]string, 0, len(c.byDocument[documentID]))
	for key := range c.byDocument[documentID] {
		keys = append(keys, key)
	}
	for _, key := range keys {
		if c.lru.Remove(key) {
			c.counters.invalidations++
			c.emit(EventInvalidate)
		}
	}
}

func (c *Cache) Forget(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return domain.WrapError(domain.ErrCacheBackend, "cache forget", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
	return nil
}

func (c *Cache) Stats(ctx context.Context) (domain.CacheStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.CacheStats{}, domain.WrapError(domain.ErrCacheBackend, "cache stats", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stats := domain.CacheStats{
		Entries:       c.lru.Len(),
		MaxEntries:    c.cfg.MaxEntries,
		ExactHits:     c.counters.exactHits,
		SimilarHits:   c.counters.similarHits,
		Misses:        c.counters.misses,
		Evictions:     c.counters.evictions,
		Expirations:   c.counters.expirations,
		Invalidations: c.counters.invalidations,
		StaleDrops:    c.counters.staleDrops,
	}
	if total := stats.ExactHits + stats.SimilarHits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.ExactHits+stats.SimilarHits) / float64(total)
	}

	for _, e := range c.lru.Values() {
		if e.hits > 0 {
			stats.PopularQueries = append(stats.PopularQueries, domain.PopularQuery{Query: e.query.Text, HitCount: e.hits})
		}
	}
	sort.Slice(stats.PopularQueries, func(i, j int) bool {
		a, b := stats.PopularQueries[i], stats.PopularQueries[j]
		if a.HitCount != b.HitCount {
			return a.HitCount > b.HitCount
		}
		return a.Query < b.Query
	})
	if len(stats.PopularQueries) > popularQueryLimit {
		stats.PopularQueries = stats.PopularQueries[:popularQueryLimit]
	}
	return stats, nil
}

// Len reports the number of live and not yet collected entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// unlink is the LRU eviction callback. It runs with c.mu held.
func (c *Cache) unlink(key string, e *entry) {
	for _, doc := range e.documents {
		keys := c.byDocument[doc]
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byDocument, doc)
		}
	}
}

func (c *Cache) emit(event string) {
	if c.listener != nil {
		c.listener(event)
	}
}

func contributingDocuments(chunks []domain.CachedChunk) []string {
	seen := make(map[string]struct{}, len(chunks))
	out := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if _, ok := seen[chunk.DocumentID]; ok {
			continue
		}
		seen[chunk.DocumentID] = struct{}{}
		out = append(out, chunk.DocumentID)
	}
	sort.Strings(out)
	return out
}
