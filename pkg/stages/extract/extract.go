// Package extract implements the pipeline's fifth stage: ask the
// reasoning model for a fixed schema of DTC codes, causes, diagnostic
// steps, sensors, and TSB references per chunk, then persist them into
// refined.* with the conflict-merge rules spec.md §4.2 "Extract"
// describes. Grounded on the teacher's pkg/queue/worker.go poll loop
// via the shared pkg/worker.Skeleton.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/diagforge/refinery/pkg/document"
	"github.com/diagforge/refinery/pkg/llm"
	"github.com/diagforge/refinery/pkg/models"
	"github.com/diagforge/refinery/pkg/queuestore"
	"github.com/diagforge/refinery/pkg/store"
	"github.com/diagforge/refinery/pkg/worker"
)

const (
	popTimeout    = 5 * time.Second
	extractTemp   = 0.1
	extractTokens = 1500
)

// Worker extracts structured knowledge from a document's relevant
// chunks into the refined schema.
type Worker struct {
	queue        *queuestore.Store
	research     *store.Research
	refined      *store.Refined
	llm          *llm.Client
	transitioner *document.Transitioner
}

// New builds an extract Worker.
func New(queue *queuestore.Store, research *store.Research, refined *store.Refined, llmClient *llm.Client, transitioner *document.Transitioner) *Worker {
	return &Worker{queue: queue, research: research, refined: refined, llm: llmClient, transitioner: transitioner}
}

// Skeleton wraps the worker in the generic poll-loop.
func (w *Worker) Skeleton() *worker.Skeleton {
	return &worker.Skeleton{Name: "extract", Poll: w.poll}
}

func (w *Worker) poll(ctx context.Context) error {
	docID, err := w.queue.BlockingPop(ctx, queuestore.QueueExtract, popTimeout)
	if err != nil {
		return fmt.Errorf("extract: failed to pop job: %w", err)
	}
	if docID == "" {
		return worker.ErrNoWork
	}
	return w.process(ctx, docID)
}

// process extracts every relevant chunk then makes exactly one
// transition call, to StageExtracting itself. Like evaluate,
// StageExtracting has no distinct "-ed" resting name and stageQueue
// pushes onto QueueResolve whenever a document arrives there
// regardless of status, so a second call here would double-push.
func (w *Worker) process(ctx context.Context, docID string) error {
	start := time.Now()

	chunks, err := w.research.ChunksForExtraction(ctx, docID)
	if err != nil {
		return w.fail(ctx, docID, start, fmt.Errorf("failed to load extraction candidates: %w", err))
	}

	for _, c := range chunks {
		result, err := w.extractChunk(ctx, c.Text)
		if err != nil {
			return w.fail(ctx, docID, start, fmt.Errorf("failed to extract chunk %d: %w", c.ChunkIndex, err))
		}
		if err := w.store(ctx, c.ID, result); err != nil {
			return w.fail(ctx, docID, start, fmt.Errorf("failed to store extraction for chunk %d: %w", c.ChunkIndex, err))
		}
	}

	if _, err := w.transitioner.Advance(ctx, docID, models.StageExtracting, models.LogStatusCompleted,
		fmt.Sprintf("extracted %d chunks", len(chunks)), time.Since(start)); err != nil {
		return fmt.Errorf("extract: failed to transition onward: %w", err)
	}
	return nil
}

const extractionPrompt = `Extract automotive diagnostic knowledge from the following text as JSON matching exactly this schema:
{
  "dtc_codes": [{"code": string, "description": string, "category": string, "severity": string}],
  "causes": [{"dtc_code": string, "text": string, "likelihood": 0-1}],
  "diagnostic_steps": [{"dtc_code": string, "step_order": int, "text": string, "tools": [string], "expected_values": string}],
  "sensors": [{"name": string, "sensor_type": string, "dtc_codes": [string]}],
  "tsb_references": [{"tsb_number": string, "title": string}]
}
Omit any field group that has no content by returning an empty array. Only include DTC codes actually present in the text.

Text:
`

func (w *Worker) extractChunk(ctx context.Context, text string) (models.ExtractionResult, error) {
	var result models.ExtractionResult
	if err := w.llm.GenerateJSON(ctx, extractionPrompt+text, llm.GenerateOptions{JSONMode: true, Temperature: extractTemp, MaxTokens: extractTokens}, &result); err != nil {
		return models.ExtractionResult{}, err
	}
	return result, nil
}

// store persists one chunk's extraction result, uppercasing and
// trimming DTC codes and linking every DTC-scoped row back to the
// chunk it came from (spec.md §4.2 "Extract").
func (w *Worker) store(ctx context.Context, chunkID string, result models.ExtractionResult) error {
	dtcIDs := make(map[string]int64, len(result.DTCCodes))
	for _, d := range result.DTCCodes {
		code := normalizeDTCCode(d.Code)
		if code == "" {
			continue
		}
		id, err := w.refined.UpsertDTC(ctx, code, d.Description, d.Category, d.Severity)
		if err != nil {
			return err
		}
		dtcIDs[code] = id
		if err := w.refined.LinkDTCChunk(ctx, id, chunkID); err != nil {
			return err
		}
	}

	dtcID := func(code string) (int64, bool) {
		id, ok := dtcIDs[normalizeDTCCode(code)]
		return id, ok
	}

	for _, c := range result.Causes {
		id, ok := dtcID(c.Code)
		if !ok {
			continue
		}
		if err := w.refined.InsertCause(ctx, id, chunkID, c.Text, models.Clamp01(c.Likelihood)); err != nil {
			return err
		}
	}

	for _, s := range result.DiagnosticSteps {
		id, ok := dtcID(s.Code)
		if !ok {
			continue
		}
		if err := w.refined.InsertStep(ctx, id, chunkID, s.StepOrder, s.Text, s.Tools, s.ExpectedValues); err != nil {
			return err
		}
	}

	for _, s := range result.Sensors {
		// UpsertSensor appends one related DTC per call; a sensor
		// mentioned without any DTC code has nothing to link yet, so it
		// is skipped rather than recorded with an empty array entry.
		if s.Name == "" || len(s.DTCCodes) == 0 {
			continue
		}
		for _, code := range s.DTCCodes {
			if err := w.refined.UpsertSensor(ctx, s.Name, s.SensorType, normalizeDTCCode(code), chunkID); err != nil {
				return err
			}
		}
	}

	for _, t := range result.TSBReferences {
		if t.Number == "" {
			continue
		}
		if err := w.refined.UpsertTSB(ctx, strings.TrimSpace(t.Number), t.Title, chunkID); err != nil {
			return err
		}
	}

	return nil
}

func normalizeDTCCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (w *Worker) fail(ctx context.Context, docID string, start time.Time, cause error) error {
	if _, err := w.transitioner.Advance(ctx, docID, models.StageError, models.LogStatusFailed, cause.Error(), time.Since(start)); err != nil {
		return fmt.Errorf("%w (and failed to record error stage: %v)", cause, err)
	}
	return cause
}
