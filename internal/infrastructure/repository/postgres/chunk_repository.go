package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kirillkom/medrag/internal/core/domain"
)

type ChunkRepository struct {
	db *sql.DB
}

func NewChunkRepository(db *sql.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// ReplaceChunks swaps the document's chunk rows in one transaction.
func (r *ChunkRepository) ReplaceChunks(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete old chunks: %w", err)
	}

	if len(chunks) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunks (id, document_id, chunk_index, body, start_offset, end_offset, overlap, metadata, embedding_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`)
		if err != nil {
			return fmt.Errorf("prepare chunk insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range chunks {
			meta, err := json.Marshal(metadataOrEmpty(c.Metadata))
			if err != nil {
				return fmt.Errorf("marshal chunk metadata: %w", err)
			}
			if _, err := stmt.ExecContext(ctx,
				c.ID, documentID, c.Index, c.Text, c.StartOffset, c.EndOffset, c.Overlap, meta, c.EmbeddingID,
			); err != nil {
				return fmt.Errorf("insert chunk %s: %w", c.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunk tx: %w", err)
	}
	return nil
}

func (r *ChunkRepository) ListByDocument(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, document_id, chunk_index, body, start_offset, end_offset, overlap, metadata, embedding_id
FROM chunks
WHERE document_id = $1
ORDER BY chunk_index
`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []domain.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

func (r *ChunkRepository) GetByIDs(ctx context.Context, ids []string) (map[string]domain.Chunk, error) {
	out := make(map[string]domain.Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, document_id, chunk_index, body, start_offset, end_offset, overlap, metadata, embedding_id
FROM chunks
WHERE id IN (`+strings.Join(placeholders, ",")+`)
`, args...)
	if err != nil {
		return nil, fmt.Errorf("get chunks by id: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

func (r *ChunkRepository) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func (r *ChunkRepository) ListDocumentIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT document_id FROM chunks ORDER BY document_id`)
	if err != nil {
		return nil, fmt.Errorf("list chunk documents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk documents: %w", err)
	}
	return out, nil
}

func scanChunk(rows *sql.Rows) (domain.Chunk, error) {
	var (
		c    domain.Chunk
		meta []byte
	)
	if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Text, &c.StartOffset, &c.EndOffset, &c.Overlap, &meta, &c.EmbeddingID); err != nil {
		return domain.Chunk{}, fmt.Errorf("scan chunk: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return domain.Chunk{}, fmt.Errorf("unmarshal chunk metadata: %w", err)
		}
	}
	return c, nil
}

func metadataOrEmpty(meta map[string]string) map[string]string {
	if meta == nil {
		return map[string]string{}
	}
	return meta
}
