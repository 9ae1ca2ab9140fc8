// Package store holds hand-written sqlx repositories over the four
// schemas migrations/0001_init.up.sql lays out, standing in for the
// teacher's generated Ent query-builder layer (see DESIGN.md,
// "Dropped teacher dependencies"). One file per schema.
package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/diagforge/refinery/pkg/models"
)

// Research wraps research.* schema access: documents, processing log,
// chunks, chunk evaluations, the crawl queue, and domain registry.
type Research struct {
	db DBTX
}

// NewResearch builds a Research repository.
func NewResearch(db DBTX) *Research {
	return &Research{db: db}
}

// FindDocumentByHash returns the document ID with the given content
// hash, or "" if none exists — used by the crawl stage's dedup check.
func (r *Research) FindDocumentByHash(ctx context.Context, hash string) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id, `SELECT id FROM research.documents WHERE content_hash = $1`, hash)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return "", nil
		}
		return "", fmt.Errorf("store: failed to look up document by hash: %w", err)
	}
	return id, nil
}

// CreateDocument inserts a new document row in StagePending under id,
// which the caller generates ahead of time so it can compute the
// object-store key (and write the blob there) before the row that
// references it exists.
func (r *Research) CreateDocument(ctx context.Context, id, title, sourceURL, mimeType, contentHash, objectKey string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO research.documents (id, title, source_url, mime_type, content_hash, object_key, processing_stage)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, title, sourceURL, mimeType, contentHash, objectKey, models.StagePending)
	if err != nil {
		return fmt.Errorf("store: failed to create document: %w", err)
	}
	return nil
}

// GetDocument loads a document by ID.
func (r *Research) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	if err := r.db.GetContext(ctx, &doc, `SELECT * FROM research.documents WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("store: failed to load document %s: %w", id, err)
	}
	return &doc, nil
}

// SetChunkCount updates a document's chunk_count after the chunk
// stage finishes splitting it.
func (r *Research) SetChunkCount(ctx context.Context, documentID string, count int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE research.documents SET chunk_count = $1 WHERE id = $2`, count, documentID)
	if err != nil {
		return fmt.Errorf("store: failed to set chunk count: %w", err)
	}
	return nil
}

// UpsertChunk inserts or overwrites a chunk keyed by (document_id,
// chunk_index), satisfying the idempotency rule of spec.md §4.1.
func (r *Research) UpsertChunk(ctx context.Context, documentID string, index int, text string, charStart, charEnd int) (string, error) {
	id := uuid.NewString()
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO research.chunks (id, document_id, chunk_index, text, char_start, char_end)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (document_id, chunk_index) DO UPDATE SET
			text = EXCLUDED.text, char_start = EXCLUDED.char_start, char_end = EXCLUDED.char_end
		RETURNING id`,
		id, documentID, index, text, charStart, charEnd)
	if err != nil {
		return "", fmt.Errorf("store: failed to upsert chunk %d: %w", index, err)
	}
	return id, nil
}

// ChunksForDocument returns every chunk belonging to a document,
// ordered by chunk_index.
func (r *Research) ChunksForDocument(ctx context.Context, documentID string) ([]models.Chunk, error) {
	var chunks []models.Chunk
	err := r.db.SelectContext(ctx, &chunks, `SELECT * FROM research.chunks WHERE document_id = $1 ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list chunks for document %s: %w", documentID, err)
	}
	return chunks, nil
}

// SetChunkEmbedding writes the embedding vector for a chunk.
func (r *Research) SetChunkEmbedding(ctx context.Context, chunkID string, vector []float32) error {
	values := make([]float64, len(vector))
	for i, v := range vector {
		values[i] = float64(v)
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE research.chunks SET embedding = $1, embedding_dims = $2 WHERE id = $3`,
		vectorLiteral(values), len(values), chunkID)
	if err != nil {
		return fmt.Errorf("store: failed to set embedding for chunk %s: %w", chunkID, err)
	}
	return nil
}

// UpsertChunkEvaluation writes or overwrites a chunk's trust/
// relevance/domain evaluation.
func (r *Research) UpsertChunkEvaluation(ctx context.Context, eval models.ChunkEvaluation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO research.chunk_evaluations (chunk_id, trust_score, relevance_score, domain, reasoning, model_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chunk_id) DO UPDATE SET
			trust_score = EXCLUDED.trust_score, relevance_score = EXCLUDED.relevance_score,
			domain = EXCLUDED.domain, reasoning = EXCLUDED.reasoning, model_id = EXCLUDED.model_id,
			evaluated_at = now()`,
		eval.ChunkID, eval.Trust, eval.Relevance, eval.Domain, eval.Reasoning, eval.ModelID)
	if err != nil {
		return fmt.Errorf("store: failed to upsert chunk evaluation for %s: %w", eval.ChunkID, err)
	}
	return nil
}

// ChunksForExtraction returns chunks for a document with
// relevance_score >= 0.3 or with no evaluation row at all (spec.md
// §4.2 "Extract").
func (r *Research) ChunksForExtraction(ctx context.Context, documentID string) ([]models.Chunk, error) {
	var chunks []models.Chunk
	err := r.db.SelectContext(ctx, &chunks, `
		SELECT c.* FROM research.chunks c
		LEFT JOIN research.chunk_evaluations e ON e.chunk_id = c.id
		WHERE c.document_id = $1 AND (e.chunk_id IS NULL OR e.relevance_score >= 0.3)
		ORDER BY c.chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to select extraction candidates: %w", err)
	}
	return chunks, nil
}

// RegisterDomain ensures a domain row exists with the default quality
// tier (spec.md §4.8 researcher validator), a no-op if already present.
func (r *Research) RegisterDomain(ctx context.Context, domain string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO research.domains (domain) VALUES ($1) ON CONFLICT (domain) DO NOTHING`, domain)
	if err != nil {
		return fmt.Errorf("store: failed to register domain %s: %w", domain, err)
	}
	return nil
}

// IsDomainBlocked reports whether a domain is on the researcher's
// blocklist.
func (r *Research) IsDomainBlocked(ctx context.Context, domain string) (bool, error) {
	var blocked bool
	err := r.db.GetContext(ctx, &blocked, `SELECT blocked FROM research.domains WHERE domain = $1`, domain)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return false, nil
		}
		return false, fmt.Errorf("store: failed to check domain block status: %w", err)
	}
	return blocked, nil
}

// CreateCrawlRow inserts a new crawl-queue row, ignoring the insert if
// the URL is already queued (ON CONFLICT DO NOTHING per spec.md §4.8).
// Returns the row ID and whether a new row was actually inserted.
func (r *Research) CreateCrawlRow(ctx context.Context, url string, maxDepth int) (string, bool, error) {
	id := uuid.NewString()
	var insertedID string
	err := r.db.GetContext(ctx, &insertedID, `
		INSERT INTO research.crawl_queue (id, url, max_depth) VALUES ($1, $2, $3)
		ON CONFLICT (url) DO NOTHING
		RETURNING id`, id, url, maxDepth)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return "", false, nil // conflict, already queued
		}
		return "", false, fmt.Errorf("store: failed to create crawl row: %w", err)
	}
	return insertedID, true, nil
}

// MarkCrawlRow updates a crawl-queue row's status, optionally with a
// truncated error message.
func (r *Research) MarkCrawlRow(ctx context.Context, id, status, errMsg string) error {
	var errArg any
	if errMsg != "" {
		errArg = models.Truncate(errMsg, models.MaxProcessingLogMessage)
	}
	_, err := r.db.ExecContext(ctx, `UPDATE research.crawl_queue SET status = $1, error_message = $2 WHERE id = $3`, status, errArg, id)
	if err != nil {
		return fmt.Errorf("store: failed to mark crawl row %s: %w", id, err)
	}
	return nil
}

// GetCrawlRow loads one crawl queue row by ID.
func (r *Research) GetCrawlRow(ctx context.Context, id string) (*models.CrawlQueueEntry, error) {
	var row models.CrawlQueueEntry
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM research.crawl_queue WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("store: failed to load crawl row %s: %w", id, err)
	}
	return &row, nil
}

// CrawlRowExists reports whether url is already present in the crawl
// queue, used by the researcher's validator to skip duplicate
// submissions (spec.md §4.8).
func (r *Research) CrawlRowExists(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM research.crawl_queue WHERE url = $1)`, url)
	if err != nil {
		return false, fmt.Errorf("store: failed to check crawl row existence: %w", err)
	}
	return exists, nil
}

// RecentCrawlURLs returns the most recently submitted crawl-queue
// URLs, newest first, used by the researcher's autonomous-mode
// snapshot to show the reasoning model what has already been tried.
func (r *Research) RecentCrawlURLs(ctx context.Context, limit int) ([]string, error) {
	var urls []string
	err := r.db.SelectContext(ctx, &urls, `SELECT url FROM research.crawl_queue ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list recent crawl urls: %w", err)
	}
	return urls, nil
}

// ErroredDocumentIDs returns up to limit document IDs currently in
// StageError, most recently updated first — the healer's
// requeue_errors action target (spec.md §4.9).
func (r *Research) ErroredDocumentIDs(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM research.documents
		WHERE processing_stage = $1 ORDER BY updated_at DESC LIMIT $2`,
		models.StageError, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list errored documents: %w", err)
	}
	return ids, nil
}

// LastAttemptedStage returns the most recent non-failure processing_log
// stage recorded for documentID — the "started" row a chunk/embed
// failure leaves behind, or the prior stage's "completed" row an
// evaluate/extract/resolve failure leaves behind (those three stages
// log no distinct "started" row of their own; see pkg/document).
// Either way this is the stage whose queue the document should be
// resubmitted to for a retry (spec.md §4.9 requeue_errors).
func (r *Research) LastAttemptedStage(ctx context.Context, documentID string) (models.Stage, error) {
	var stage models.Stage
	err := r.db.GetContext(ctx, &stage, `
		SELECT stage FROM research.processing_log
		WHERE document_id = $1 AND status != 'failed'
		ORDER BY created_at DESC LIMIT 1`, documentID)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return models.StagePending, nil
		}
		return "", fmt.Errorf("store: failed to load last attempted stage for %s: %w", documentID, err)
	}
	return stage, nil
}

// ResetDocumentStage moves a document back to stage, clearing any
// error message — the write half of a healer requeue action.
func (r *Research) ResetDocumentStage(ctx context.Context, documentID string, stage models.Stage) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE research.documents SET processing_stage = $1, error_message = NULL, updated_at = now() WHERE id = $2`,
		stage, documentID)
	if err != nil {
		return fmt.Errorf("store: failed to reset document %s to stage %s: %w", documentID, stage, err)
	}
	return nil
}

// vectorLiteral formats a float64 slice as a Postgres array literal
// for the DOUBLE PRECISION[] embedding column.
func vectorLiteral(v []float64) string {
	s := "{"
	for i, x := range v {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%g", x)
	}
	return s + "}"
}
