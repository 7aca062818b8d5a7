package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/medrag/internal/core/domain"
	"github.com/kirillkom/medrag/internal/core/ports"
)

// SubmitDocumentUseCase persists documents and hands indexing to workers.
type SubmitDocumentUseCase struct {
	repo  ports.DocumentRepository
	queue ports.IndexQueue
	now   func() time.Time
}

func NewSubmitDocumentUseCase(repo ports.DocumentRepository, queue ports.IndexQueue) *SubmitDocumentUseCase {
	return &SubmitDocumentUseCase{
		repo:  repo,
		queue: queue,
		now:   time.Now,
	}
}

func (uc *SubmitDocumentUseCase) SubmitDocument(ctx context.Context, doc *domain.Document) (*domain.Document, error) {
	if doc == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit document", errors.New("document is nil"))
	}
	if strings.TrimSpace(doc.Text) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit document", errors.New("document text is empty"))
	}

	out := *doc
	if strings.TrimSpace(out.ID) == "" {
		out.ID = uuid.NewString()
	}
	now := uc.now().UTC()
	out.ContentHash = domain.ContentHash(out.Text)
	out.Indexed = false
	out.IndexedAt = nil
	out.Error = ""
	out.CreatedAt = now
	out.UpdatedAt = now

	if err := uc.repo.Upsert(ctx, &out); err != nil {
		return nil, fmt.Errorf("save document: %w", err)
	}

	if err := uc.queue.PublishIndexRequest(ctx, out.ID); err != nil {
		return nil, fmt.Errorf("publish index request: %w", err)
	}

	return &out, nil
}
