// Package document implements the one composite operation every stage
// worker performs after it finishes with a document: advance its
// processing_stage, append a processing_log row, and push the
// document onto the next stage's queue. The stage update and log
// insert happen inside one transaction; the queue push happens only
// after that transaction commits (spec.md §4.1) and is not retried
// inline: if it fails, Advance returns an error while the new stage
// stays committed, and DwellSweep later re-pushes such a document only
// when its stage has a stageQueue entry.
//
// Grounded on the teacher's pkg/queue/worker.go claimNextSession,
// generalized from its single AlertSession entity to the Document/
// Stage model and from ent transactions to sqlx ones.
package document

import (
	"context"
	"fmt"
	"time"

	"github.com/diagforge/refinery/pkg/database"
	"github.com/diagforge/refinery/pkg/models"
	"github.com/diagforge/refinery/pkg/queuestore"
)

// stageQueue maps a document's new stage to the queue its worker
// should be pushed onto next. Stages with no further automatic queue
// (StageComplete, StageError) map to "".
var stageQueue = map[models.Stage]string{
	models.StagePending:    queuestore.QueueCrawl,
	models.StageChunked:    queuestore.QueueEmbed,
	models.StageEmbedded:   queuestore.QueueEvaluate,
	models.StageEvaluating: queuestore.QueueExtract,
	models.StageExtracting: queuestore.QueueResolve,
}

// Transitioner performs transactional stage advances for documents.
type Transitioner struct {
	db    *database.Client
	queue *queuestore.Store
}

// New builds a Transitioner.
func New(db *database.Client, queue *queuestore.Store) *Transitioner {
	return &Transitioner{db: db, queue: queue}
}

// Advance moves doc to next, recording a processing_log row with the
// given status/message/duration. On success it records doc's new
// stage and updated_at in-place. The queue push happens after commit;
// if it fails, Advance returns an error while the stage change stays
// committed.
func (t *Transitioner) Advance(ctx context.Context, docID string, next models.Stage, status models.ProcessingLogStatus, message string, duration time.Duration) (pushed bool, err error) {
	if !next.Valid() {
		return false, fmt.Errorf("document: invalid target stage %q", next)
	}

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("document: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current models.Stage
	if err := tx.GetContext(ctx, &current, `SELECT processing_stage FROM research.documents WHERE id = $1 FOR UPDATE`, docID); err != nil {
		return false, fmt.Errorf("document: failed to load current stage: %w", err)
	}
	if status != models.LogStatusFailed && !current.AdvanceAllowed(next) {
		return false, fmt.Errorf("document: illegal stage transition %s -> %s", current, next)
	}

	var errMsg any
	if next == models.StageError {
		errMsg = models.Truncate(message, models.MaxProcessingLogMessage)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE research.documents
		SET processing_stage = $1, error_message = $2, updated_at = now()
		WHERE id = $3`, next, errMsg, docID); err != nil {
		return false, fmt.Errorf("document: failed to update stage: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO research.processing_log (document_id, stage, status, message, duration_ms)
		VALUES ($1, $2, $3, $4, $5)`,
		docID, next, status, models.Truncate(message, models.MaxProcessingLogMessage), duration.Milliseconds()); err != nil {
		return false, fmt.Errorf("document: failed to insert processing log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("document: failed to commit transition: %w", err)
	}

	queue, ok := stageQueue[next]
	if !ok || queue == "" {
		return false, nil
	}
	if err := t.queue.Push(ctx, queue, docID); err != nil {
		return false, fmt.Errorf("document: committed stage %s but queue push failed: %w", next, err)
	}
	return true, nil
}

// DwellSweep re-enqueues documents whose processing_stage has not
// changed in longer than dwell, recovering from a committed stage
// transition whose best-effort queue push never happened (spec.md
// §4.1). It returns the number of documents re-pushed.
func (t *Transitioner) DwellSweep(ctx context.Context, dwell time.Duration) (int, error) {
	rows, err := t.db.QueryxContext(ctx, `
		SELECT id, processing_stage FROM research.documents
		WHERE processing_stage NOT IN ($1, $2)
		AND updated_at < now() - $3::interval`,
		models.StageComplete, models.StageError, fmt.Sprintf("%d seconds", int(dwell.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("document: dwell sweep query failed: %w", err)
	}
	defer rows.Close()

	type stuck struct {
		ID    string       `db:"id"`
		Stage models.Stage `db:"processing_stage"`
	}

	var requeued int
	for rows.Next() {
		var s stuck
		if err := rows.StructScan(&s); err != nil {
			return requeued, fmt.Errorf("document: dwell sweep scan failed: %w", err)
		}
		queue, ok := stageQueue[s.Stage]
		if !ok || queue == "" {
			continue
		}
		if err := t.queue.Push(ctx, queue, s.ID); err != nil {
			return requeued, fmt.Errorf("document: dwell sweep push failed for %s: %w", s.ID, err)
		}
		requeued++
	}
	return requeued, rows.Err()
}
