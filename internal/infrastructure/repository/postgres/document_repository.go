package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/medrag/internal/core/domain"
)

type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101501)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	source_type TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	language TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	indexed BOOLEAN NOT NULL DEFAULT FALSE,
	indexed_at TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	body TEXT NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	overlap INTEGER NOT NULL DEFAULT 0,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	embedding_id TEXT NOT NULL DEFAULT '',
	UNIQUE (document_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_documents_indexed ON documents(indexed);
CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks(document_id);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// Upsert writes document content. Index state (version, indexed_at) and
// created_at survive an update.
func (r *DocumentRepository) Upsert(ctx context.Context, doc *domain.Document) error {
	now := time.Now().UTC()
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO documents (
	id, title, source_type, body, language, content_hash, indexed, error_message, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	source_type = EXCLUDED.source_type,
	body = EXCLUDED.body,
	language = EXCLUDED.language,
	content_hash = EXCLUDED.content_hash,
	indexed = EXCLUDED.indexed,
	error_message = EXCLUDED.error_message,
	updated_at = EXCLUDED.updated_at
`,
		doc.ID, doc.Title, doc.SourceType, doc.Text, doc.Language, doc.ContentHash, doc.Indexed, doc.Error, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, title, source_type, body, language, content_hash, indexed, indexed_at, version, error_message, created_at, updated_at
FROM documents
WHERE id = $1
`, id)

	var (
		doc       domain.Document
		indexedAt sql.NullTime
		version   int64
	)
	err := row.Scan(
		&doc.ID, &doc.Title, &doc.SourceType, &doc.Text, &doc.Language, &doc.ContentHash,
		&doc.Indexed, &indexedAt, &version, &doc.Error, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	if indexedAt.Valid {
		t := indexedAt.Time
		doc.IndexedAt = &t
	}
	doc.Version = uint64(version)
	return &doc, nil
}

func (r *DocumentRepository) MarkIndexed(ctx context.Context, id string, version uint64, contentHash string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE documents
SET indexed = TRUE, indexed_at = $2, version = $3, content_hash = $4, error_message = '', updated_at = $2
WHERE id = $1
`, id, now, int64(version), contentHash)
	if err != nil {
		return fmt.Errorf("mark document indexed: %w", err)
	}
	return expectAffected(res, "mark document indexed", id)
}

func (r *DocumentRepository) MarkFailed(ctx context.Context, id string, errMessage string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE documents
SET indexed = FALSE, error_message = $2, updated_at = $3
WHERE id = $1
`, id, errMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark document failed: %w", err)
	}
	return expectAffected(res, "mark document failed", id)
}

// Delete removes the document; its chunk rows go with it (ON DELETE CASCADE).
func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return expectAffected(res, "delete document", id)
}

func expectAffected(res sql.Result, operation, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", operation, err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, operation, fmt.Errorf("id=%s", id))
	}
	return nil
}
