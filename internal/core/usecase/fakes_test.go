package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/medrag/internal/core/domain"
)

type chunkerFake struct {
	err error
}

// Chunk cuts text into one chunk per line.
func (f *chunkerFake) Chunk(documentID, text string) ([]domain.Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	if text == "" {
		return nil, nil
	}
	var out []domain.Chunk
	offset := 0
	for i, line := range strings.SplitAfter(text, "\n") {
		n := len([]rune(line))
		out = append(out, domain.Chunk{
			ID:          domain.ChunkID(documentID, i),
			DocumentID:  documentID,
			Index:       i,
			Text:        line,
			StartOffset: offset,
			EndOffset:   offset + n,
		})
		offset += n
	}
	return out, nil
}

type embedderFake struct {
	mu       sync.Mutex
	err      error
	queryErr error
	short    bool
	zero     bool
	calls    [][]string
	query    []float32
}

func (f *embedderFake) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	if f.err != nil {
		return nil, f.err
	}
	n := len(texts)
	if f.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = []float32{1, float32(len(texts[i]))}
		if f.zero {
			out[i] = []float32{0, 0}
		}
	}
	return out, nil
}

func (f *embedderFake) EmbedQuery(context.Context, string) ([]float32, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.query != nil {
		return f.query, nil
	}
	return []float32{1, 0}, nil
}

// indexFake serves as both the embedding and keyword index.
type indexFake struct {
	mu        sync.Mutex
	byDoc     map[string][]domain.Chunk
	hits      []domain.Hit
	addErr    error
	searchErr error
	deleteErr error
	deletes   []string
	delay     time.Duration
	searches  int
	ks        []int
	// byQuery and queryErr override hits and searchErr per keyword query.
	byQuery  map[string][]domain.Hit
	queryErr map[string]error
}

func newIndexFake() *indexFake {
	return &indexFake{byDoc: make(map[string][]domain.Chunk)}
}

func (f *indexFake) Upsert(ctx context.Context, chunks []domain.Chunk) error {
	return f.Add(ctx, chunks)
}

func (f *indexFake) Add(_ context.Context, chunks []domain.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	for _, c := range chunks {
		f.byDoc[c.DocumentID] = append(f.byDoc[c.DocumentID], c)
	}
	return nil
}

func (f *indexFake) Search(ctx context.Context, query any, k int) ([]domain.Hit, error) {
	f.mu.Lock()
	f.searches++
	f.ks = append(f.ks, k)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if text, ok := query.(string); ok {
		if err := f.queryErr[text]; err != nil {
			return nil, err
		}
		if hits, ok := f.byQuery[text]; ok {
			return append([]domain.Hit(nil), hits...), nil
		}
	}
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return append([]domain.Hit(nil), f.hits...), nil
}

func (f *indexFake) DeleteDocument(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, documentID)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.byDoc, documentID)
	return nil
}

func (f *indexFake) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searches
}

func (f *indexFake) count(documentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byDoc[documentID])
}

type semanticFake struct{ *indexFake }

func (f semanticFake) Search(ctx context.Context, vector []float32, k int) ([]domain.Hit, error) {
	return f.indexFake.Search(ctx, vector, k)
}

type keywordFake struct{ *indexFake }

func (f keywordFake) Search(ctx context.Context, query string, k int) ([]domain.Hit, error) {
	return f.indexFake.Search(ctx, query, k)
}

type cacheFake struct {
	mu            sync.Mutex
	invalidations []string
	begins        []string
	open          int
	generation    uint64
	invalidateErr error
	beginErr      error
	lookupErr     error
	storeErr      error
	stored        map[string]domain.CachedResult
	forgotten     []string
}

func (f *cacheFake) Lookup(_ context.Context, q domain.CacheQuery) (domain.CacheLookup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return domain.CacheLookup{}, f.lookupErr
	}
	key := cacheFakeKey(q)
	if res, ok := f.stored[key]; ok {
		return domain.CacheLookup{Hit: &domain.CacheHit{Key: key, Kind: domain.CacheExact, Similarity: 1, Result: res}, Generation: f.generation}, nil
	}
	return domain.CacheLookup{Generation: f.generation}, nil
}

// Store drops results from a stale generation or an open update, like the
// real cache.
func (f *cacheFake) Store(_ context.Context, q domain.CacheQuery, result domain.CachedResult, generation uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return f.storeErr
	}
	if generation != f.generation || f.open > 0 {
		return nil
	}
	if f.stored == nil {
		f.stored = make(map[string]domain.CachedResult)
	}
	f.stored[cacheFakeKey(q)] = result
	return nil
}

func (f *cacheFake) BeginUpdate(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return f.beginErr
	}
	f.begins = append(f.begins, documentID)
	f.open++
	f.dropLocked(documentID)
	return nil
}

func (f *cacheFake) Invalidate(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invalidateErr != nil {
		return f.invalidateErr
	}
	f.invalidations = append(f.invalidations, documentID)
	if f.open > 0 {
		f.open--
	}
	f.dropLocked(documentID)
	return nil
}

func (f *cacheFake) dropLocked(documentID string) {
	f.generation++
	for key, res := range f.stored {
		for _, c := range res.Chunks {
			if c.DocumentID == documentID {
				delete(f.stored, key)
				break
			}
		}
	}
}

func (f *cacheFake) Forget(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, key)
	delete(f.stored, key)
	return nil
}

func (f *cacheFake) Stats(context.Context) (domain.CacheStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.CacheStats{Entries: len(f.stored)}, nil
}

type busFake struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (f *busFake) PublishInvalidation(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, documentID)
	return f.err
}

func (f *busFake) SubscribeInvalidations(context.Context, func(context.Context, string) error) error {
	return nil
}

type queueFake struct {
	published []string
	err       error
}

func (f *queueFake) PublishIndexRequest(_ context.Context, documentID string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, documentID)
	return nil
}

func (f *queueFake) SubscribeIndexRequests(context.Context, func(context.Context, string) error) error {
	return nil
}

type indexObserverFake struct {
	mu    sync.Mutex
	calls []string
}

func (f *indexObserverFake) ObserveIndex(documentID string, chunks int, _ time.Duration, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s:%d:%s", documentID, chunks, domain.ErrorKindLabel(err)))
}

type chunkRepoFake struct {
	chunks map[string]domain.Chunk
	err    error
}

func newChunkRepoFake(chunks ...domain.Chunk) *chunkRepoFake {
	f := &chunkRepoFake{chunks: make(map[string]domain.Chunk)}
	for _, c := range chunks {
		f.chunks[c.ID] = c
	}
	return f
}

func (f *chunkRepoFake) ReplaceChunks(_ context.Context, documentID string, chunks []domain.Chunk) error {
	if f.err != nil {
		return f.err
	}
	for _, c := range chunks {
		f.chunks[c.ID] = c
	}
	return nil
}

func (f *chunkRepoFake) ListByDocument(_ context.Context, documentID string) ([]domain.Chunk, error) {
	var out []domain.Chunk
	for _, c := range f.chunks {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (f *chunkRepoFake) GetByIDs(_ context.Context, ids []string) (map[string]domain.Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]domain.Chunk, len(ids))
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (f *chunkRepoFake) DeleteByDocument(_ context.Context, documentID string) error {
	for id, c := range f.chunks {
		if c.DocumentID == documentID {
			delete(f.chunks, id)
		}
	}
	return nil
}

func (f *chunkRepoFake) ListDocumentIDs(context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, c := range f.chunks {
		if _, ok := seen[c.DocumentID]; !ok {
			seen[c.DocumentID] = struct{}{}
			out = append(out, c.DocumentID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// scorerFake scores by a fixed table keyed on chunk text.
type scorerFake struct {
	scores map[string]float64
	errs   map[string]error
	delay  time.Duration
}

func (f *scorerFake) Score(ctx context.Context, _ string, text string) (float64, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err, ok := f.errs[text]; ok {
		return 0, err
	}
	return f.scores[text], nil
}

func cacheFakeKey(q domain.CacheQuery) string {
	return fmt.Sprintf("%s|%d|%s", q.Text, q.TopK, q.Filter)
}

type expanderFake struct {
	mu           sync.Mutex
	alternatives []string
	err          error
	calls        []int
}

func (f *expanderFake) ExpandQuery(_ context.Context, _ string, n int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, n)
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.alternatives...), nil
}

type generatorFake struct {
	answer string
	err    error
	calls  int
}

func (f *generatorFake) GenerateAnswer(context.Context, string, []domain.RetrievedChunk) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

var errBoom = errors.New("boom")
