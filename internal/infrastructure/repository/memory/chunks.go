package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/kirillkom/medrag/internal/core/domain"
)

// ChunkRepository keeps chunk text and metadata. Embeddings live in the
// embedding index and are not retained here.
type ChunkRepository struct {
	mu    sync.RWMutex
	byID  map[string]domain.Chunk
	byDoc map[string][]string
}

func NewChunkRepository() *ChunkRepository {
	return &ChunkRepository{
		byID:  make(map[string]domain.Chunk),
		byDoc: make(map[string][]string),
	}
}

func (r *ChunkRepository) ReplaceChunks(_ context.Context, documentID string, chunks []domain.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deleteLocked(documentID)
	ids := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		chunk.DocumentID = documentID
		chunk.Embedding = nil
		r.byID[chunk.ID] = chunk
		ids = append(ids, chunk.ID)
	}
	if len(ids) > 0 {
		r.byDoc[documentID] = ids
	}
	return nil
}

func (r *ChunkRepository) ListByDocument(_ context.Context, documentID string) ([]domain.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Chunk, 0, len(r.byDoc[documentID]))
	for _, id := range r.byDoc[documentID] {
		out = append(out, r.byID[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (r *ChunkRepository) GetByIDs(_ context.Context, ids []string) (map[string]domain.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]domain.Chunk, len(ids))
	for _, id := range ids {
		if chunk, ok := r.byID[id]; ok {
			out[id] = chunk
		}
	}
	return out, nil
}

func (r *ChunkRepository) DeleteByDocument(_ context.Context, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLocked(documentID)
	return nil
}

func (r *ChunkRepository) ListDocumentIDs(context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byDoc))
	for id := range r.byDoc {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (r *ChunkRepository) deleteLocked(documentID string) {
	for _, id := range r.byDoc[documentID] {
		delete(r.byID, id)
	}
	delete(r.byDoc, documentID)
}
