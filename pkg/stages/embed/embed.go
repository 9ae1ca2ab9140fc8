// Package embed implements the pipeline's third stage: compute an
// embedding vector for each of a document's chunks, in order, and hand
// the document to the evaluate stage. Grounded on the teacher's
// pkg/queue/worker.go poll loop via the shared pkg/worker.Skeleton.
package embed

import (
	"context"
	"fmt"
	"time"

	"github.com/diagforge/refinery/pkg/document"
	"github.com/diagforge/refinery/pkg/llm"
	"github.com/diagforge/refinery/pkg/models"
	"github.com/diagforge/refinery/pkg/queuestore"
	"github.com/diagforge/refinery/pkg/store"
	"github.com/diagforge/refinery/pkg/worker"
)

const popTimeout = 5 * time.Second

// Worker computes embeddings for every chunk of a document.
type Worker struct {
	queue        *queuestore.Store
	research     *store.Research
	llm          *llm.Client
	transitioner *document.Transitioner
}

// New builds an embed Worker.
func New(queue *queuestore.Store, research *store.Research, llmClient *llm.Client, transitioner *document.Transitioner) *Worker {
	return &Worker{queue: queue, research: research, llm: llmClient, transitioner: transitioner}
}

// Skeleton wraps the worker in the generic poll-loop.
func (w *Worker) Skeleton() *worker.Skeleton {
	return &worker.Skeleton{Name: "embed", Poll: w.poll}
}

func (w *Worker) poll(ctx context.Context) error {
	docID, err := w.queue.BlockingPop(ctx, queuestore.QueueEmbed, popTimeout)
	if err != nil {
		return fmt.Errorf("embed: failed to pop job: %w", err)
	}
	if docID == "" {
		return worker.ErrNoWork
	}
	return w.process(ctx, docID)
}

func (w *Worker) process(ctx context.Context, docID string) error {
	start := time.Now()

	if _, err := w.transitioner.Advance(ctx, docID, models.StageEmbedding, models.LogStatusStarted, "embedding started", 0); err != nil {
		return fmt.Errorf("embed: failed to transition to embedding: %w", err)
	}

	chunks, err := w.research.ChunksForDocument(ctx, docID)
	if err != nil {
		return w.fail(ctx, docID, start, fmt.Errorf("failed to load chunks: %w", err))
	}

	// Embedded one chunk at a time, in chunk_index order, so a failure
	// partway through leaves earlier chunks' vectors intact rather than
	// discarding a batch's worth of successful work.
	for _, c := range chunks {
		vectors, err := w.llm.Embed(ctx, []string{c.Text})
		if err != nil {
			return w.fail(ctx, docID, start, fmt.Errorf("failed to embed chunk %d: %w", c.ChunkIndex, err))
		}
		if len(vectors) == 0 {
			return w.fail(ctx, docID, start, fmt.Errorf("embedding response empty for chunk %d", c.ChunkIndex))
		}
		vec32 := make([]float32, len(vectors[0]))
		for i, v := range vectors[0] {
			vec32[i] = float32(v)
		}
		if err := w.research.SetChunkEmbedding(ctx, c.ID, vec32); err != nil {
			return w.fail(ctx, docID, start, fmt.Errorf("failed to store embedding for chunk %d: %w", c.ChunkIndex, err))
		}
	}

	if _, err := w.transitioner.Advance(ctx, docID, models.StageEmbedded, models.LogStatusCompleted,
		fmt.Sprintf("embedded %d chunks", len(chunks)), time.Since(start)); err != nil {
		return fmt.Errorf("embed: failed to transition to embedded: %w", err)
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, docID string, start time.Time, cause error) error {
	if _, err := w.transitioner.Advance(ctx, docID, models.StageError, models.LogStatusFailed, cause.Error(), time.Since(start)); err != nil {
		return fmt.Errorf("%w (and failed to record error stage: %v)", cause, err)
	}
	return cause
}
