// Package chunk implements the pipeline's second stage: split a
// document's raw text into fixed, overlapping windows and hand each
// one to the embed stage. Grounded on the teacher's pkg/queue/worker.go
// poll loop, generalized to the opaque pkg/worker.Skeleton.
package chunk

import (
	"context"
	"fmt"
	"time"

	"github.com/diagforge/refinery/pkg/document"
	"github.com/diagforge/refinery/pkg/models"
	"github.com/diagforge/refinery/pkg/objectstore"
	"github.com/diagforge/refinery/pkg/queuestore"
	"github.com/diagforge/refinery/pkg/store"
	"github.com/diagforge/refinery/pkg/worker"
)

const popTimeout = 5 * time.Second

// Worker splits a document's raw text into overlapping chunks.
type Worker struct {
	queue        *queuestore.Store
	research     *store.Research
	objects      *objectstore.Store
	transitioner *document.Transitioner
}

// New builds a chunk Worker.
func New(queue *queuestore.Store, research *store.Research, objects *objectstore.Store, transitioner *document.Transitioner) *Worker {
	return &Worker{queue: queue, research: research, objects: objects, transitioner: transitioner}
}

// Skeleton wraps the worker in the generic poll-loop.
func (w *Worker) Skeleton() *worker.Skeleton {
	return &worker.Skeleton{Name: "chunk", Poll: w.poll}
}

func (w *Worker) poll(ctx context.Context) error {
	docID, err := w.queue.BlockingPop(ctx, queuestore.QueueChunk, popTimeout)
	if err != nil {
		return fmt.Errorf("chunk: failed to pop job: %w", err)
	}
	if docID == "" {
		return worker.ErrNoWork
	}
	return w.process(ctx, docID)
}

func (w *Worker) process(ctx context.Context, docID string) error {
	start := time.Now()

	if _, err := w.transitioner.Advance(ctx, docID, models.StageChunking, models.LogStatusStarted, "chunking started", 0); err != nil {
		return fmt.Errorf("chunk: failed to transition to chunking: %w", err)
	}

	doc, err := w.research.GetDocument(ctx, docID)
	if err != nil {
		return w.fail(ctx, docID, start, fmt.Errorf("failed to load document: %w", err))
	}

	raw, err := w.objects.Get(ctx, doc.ObjectKey)
	if err != nil {
		return w.fail(ctx, docID, start, fmt.Errorf("failed to read raw text: %w", err))
	}

	windows := Windows(string(raw), models.ChunkSize, models.ChunkOverlap)
	for i, win := range windows {
		if _, err := w.research.UpsertChunk(ctx, docID, i, win.Text, win.Start, win.End); err != nil {
			return w.fail(ctx, docID, start, fmt.Errorf("failed to upsert chunk %d: %w", i, err))
		}
	}

	if err := w.research.SetChunkCount(ctx, docID, len(windows)); err != nil {
		return w.fail(ctx, docID, start, fmt.Errorf("failed to set chunk count: %w", err))
	}

	if _, err := w.transitioner.Advance(ctx, docID, models.StageChunked, models.LogStatusCompleted,
		fmt.Sprintf("split into %d chunks", len(windows)), time.Since(start)); err != nil {
		return fmt.Errorf("chunk: failed to transition to chunked: %w", err)
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, docID string, start time.Time, cause error) error {
	if _, err := w.transitioner.Advance(ctx, docID, models.StageError, models.LogStatusFailed, cause.Error(), time.Since(start)); err != nil {
		return fmt.Errorf("%w (and failed to record error stage: %v)", cause, err)
	}
	return cause
}

// Window is one chunk's text plus its character offsets in the
// source document.
type Window struct {
	Text  string
	Start int
	End   int
}

// Windows splits text into size-character windows overlapping by
// overlap characters, matching spec.md §4.2's fixed windowing rule.
// The final window is whatever remains, even if shorter than size.
func Windows(text string, size, overlap int) []Window {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := size - overlap

	var windows []Window
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		windows = append(windows, Window{
			Text:  string(runes[start:end]),
			Start: start,
			End:   end,
		})
		if end == len(runes) {
			break
		}
	}
	return windows
}
