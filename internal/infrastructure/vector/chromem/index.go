// Package chromem implements the embedding index on top of the embedded
// chromem-go vector database.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kirillkom/medrag/internal/core/domain"
)

var tracer = otel.Tracer("medrag.vector.chromem")

const (
	metaChunkID    = "chunk_id"
	metaDocumentID = "doc_id"
	metaChunkIndex = "chunk_index"

	defaultCollection = "medrag_chunks"
)

type Config struct {
	// Path enables gob persistence when set.
	Path       string
	Compress   bool
	Collection string
	// Dimensions pins the vector size. Zero adopts the size of the first
	// upserted vector and releases it again once the index is empty.
	Dimensions int
}

type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *zap.Logger

	pinned bool
	mu     sync.Mutex
	dims   int
	// adding counts upserts that claimed dims but have not landed yet; the
	// dimension is only released when it is zero and the collection is empty.
	adding int
}

func New(cfg Config, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create chromem dir %s: %w", cfg.Path, err)
		}
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, rejectTextEmbedding)
	if err != nil {
		return nil, fmt.Errorf("get or create collection %s: %w", cfg.Collection, err)
	}

	logger.Info("chromem index ready",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("dimensions", cfg.Dimensions),
		zap.Int("count", collection.Count()),
	)

	return &Index{
		db:         db,
		collection: collection,
		logger:     logger,
		pinned:     cfg.Dimensions > 0,
		dims:       cfg.Dimensions,
	}, nil
}

// Vectors are always computed by the embedder before they reach the index.
func rejectTextEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem index stores precomputed embeddings only")
}

func (ix *Index) Upsert(ctx context.Context, chunks []domain.Chunk) error {
	ctx, span := tracer.Start(ctx, "chromem.Upsert")
	defer span.End()
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))

	if len(chunks) == 0 {
		return nil
	}
	if err := ix.claimDimensions(chunks); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer ix.release()

	docs := make([]chromem.Document, 0, len(chunks))
	for _, chunk := range chunks {
		content := chunk.Text
		if content == "" {
			content = chunk.ID
		}
		docs = append(docs, chromem.Document{
			ID:      chunk.ID,
			Content: content,
			Metadata: map[string]string{
				metaChunkID:    chunk.ID,
				metaDocumentID: chunk.DocumentID,
				metaChunkIndex: strconv.Itoa(chunk.Index),
			},
			Embedding: chunk.Embedding,
		})
	}

	if err := ix.collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.WrapError(domain.ErrIndexUnavailable, "chromem upsert", err)
	}

	ix.logger.Debug("upserted chunks into chromem", zap.Int("count", len(docs)))
	return nil
}

func (ix *Index) claimDimensions(chunks []domain.Chunk) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	want := ix.dims
	for _, chunk := range chunks {
		if len(chunk.Embedding) == 0 {
			return domain.WrapError(domain.ErrInvalidInput, "chromem upsert", fmt.Errorf("chunk %s has no embedding", chunk.ID))
		}
		// A zero vector has no direction and would normalize to NaN.
		if isZero(chunk.Embedding) {
			return domain.WrapError(domain.ErrInvalidInput, "chromem upsert", fmt.Errorf("chunk %s has a zero embedding", chunk.ID))
		}
		if want == 0 {
			want = len(chunk.Embedding)
		}
		if len(chunk.Embedding) != want {
			return domain.WrapError(
				domain.ErrDimensionMismatch,
				"chromem upsert",
				fmt.Errorf("chunk %s has %d dimensions, index expects %d", chunk.ID, len(chunk.Embedding), want),
			)
		}
	}
	ix.dims = want
	ix.adding++
	return nil
}

func (ix *Index) release() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.adding--
}

func (ix *Index) Search(ctx context.Context, vector []float32, k int) ([]domain.Hit, error) {
	ctx, span := tracer.Start(ctx, "chromem.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k), attribute.Int("dimensions", len(vector)))

	if k <= 0 || isZero(vector) {
		return nil, nil
	}

	ix.mu.Lock()
	dims := ix.dims
	ix.mu.Unlock()
	if dims > 0 && len(vector) != dims {
		err := domain.WrapError(
			domain.ErrDimensionMismatch,
			"chromem search",
			fmt.Errorf("query has %d dimensions, index expects %d", len(vector), dims),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "dimension mismatch")
		return nil, err
	}

	count := ix.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := ix.collection.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if strings.Contains(err.Error(), "same length") {
			return nil, domain.WrapError(domain.ErrDimensionMismatch, "chromem search", err)
		}
		return nil, domain.WrapError(domain.ErrIndexUnavailable, "chromem search", err)
	}

	hits := make([]domain.Hit, 0, len(results))
	for _, r := range results {
		if math.IsNaN(float64(r.Similarity)) {
			continue
		}
		chunkID := r.Metadata[metaChunkID]
		if chunkID == "" {
			chunkID = r.ID
		}
		hits = append(hits, domain.Hit{
			ChunkID:    chunkID,
			DocumentID: r.Metadata[metaDocumentID],
			Score:      float64(r.Similarity),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

func (ix *Index) DeleteDocument(ctx context.Context, documentID string) error {
	ctx, span := tracer.Start(ctx, "chromem.DeleteDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", documentID))

	if documentID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "chromem delete", errors.New("document id is required"))
	}
	if err := ix.collection.Delete(ctx, map[string]string{metaDocumentID: documentID}, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.WrapError(domain.ErrIndexUnavailable, "chromem delete", err)
	}

	if !ix.pinned {
		ix.mu.Lock()
		if ix.adding == 0 && ix.collection.Count() == 0 {
			ix.dims = 0
		}
		ix.mu.Unlock()
	}
	return nil
}

// Count reports the number of stored vectors.
func (ix *Index) Count() int {
	return ix.collection.Count()
}

func isZero(vector []float32) bool {
	for _, v := range vector {
		if v != 0 {
			return false
		}
	}
	return true
}
