// Package memory holds process-local repositories for single-node and
// test deployments.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kirillkom/medrag/internal/core/domain"
)

type DocumentRepository struct {
	mu   sync.RWMutex
	docs map[string]domain.Document
	now  func() time.Time
}

func NewDocumentRepository() *DocumentRepository {
	return &DocumentRepository{docs: make(map[string]domain.Document), now: time.Now}
}

func (r *DocumentRepository) Upsert(_ context.Context, doc *domain.Document) error {
	if doc == nil || doc.ID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "upsert document", errors.New("document id is required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	stored := *doc
	if existing, ok := r.docs[doc.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
		stored.Version = existing.Version
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.docs[doc.ID] = stored
	return nil
}

func (r *DocumentRepository) GetByID(_ context.Context, id string) (*domain.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", errors.New(id))
	}
	return &doc, nil
}

func (r *DocumentRepository) MarkIndexed(_ context.Context, id string, version uint64, contentHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "mark indexed", errors.New(id))
	}
	now := r.now().UTC()
	doc.Indexed = true
	doc.IndexedAt = &now
	doc.Version = version
	doc.ContentHash = contentHash
	doc.Error = ""
	doc.UpdatedAt = now
	r.docs[id] = doc
	return nil
}

func (r *DocumentRepository) MarkFailed(_ context.Context, id string, errMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "mark failed", errors.New(id))
	}
	doc.Indexed = false
	doc.Error = errMessage
	doc.UpdatedAt = r.now().UTC()
	r.docs[id] = doc
	return nil
}

func (r *DocumentRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[id]; !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "delete document", errors.New(id))
	}
	delete(r.docs, id)
	return nil
}
