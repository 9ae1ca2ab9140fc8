// Package resolve implements the pipeline's sixth and terminal stage:
// recompute each touched DTC's confidence, drop exact duplicate
// causes/steps, fold the refined schema into the curated knowledge
// graph, link vehicle mentions, and mark the document complete.
// Grounded on the teacher's pkg/queue/worker.go poll loop via the
// shared pkg/worker.Skeleton.
package resolve

import (
	"context"
	"fmt"
	"time"

	"github.com/diagforge/refinery/pkg/document"
	"github.com/diagforge/refinery/pkg/knowledge"
	"github.com/diagforge/refinery/pkg/merge"
	"github.com/diagforge/refinery/pkg/models"
	"github.com/diagforge/refinery/pkg/queuestore"
	"github.com/diagforge/refinery/pkg/store"
	"github.com/diagforge/refinery/pkg/vehicle"
	"github.com/diagforge/refinery/pkg/worker"
)

const popTimeout = 5 * time.Second

// Worker runs the resolve pass for one document at a time.
type Worker struct {
	queue        *queuestore.Store
	refined      *store.Refined
	knowledgeDB  *store.Knowledge
	upserter     *knowledge.Upserter
	linker       *vehicle.Linker
	transitioner *document.Transitioner
}

// New builds a resolve Worker.
func New(queue *queuestore.Store, refined *store.Refined, knowledgeDB *store.Knowledge, upserter *knowledge.Upserter, linker *vehicle.Linker, transitioner *document.Transitioner) *Worker {
	return &Worker{queue: queue, refined: refined, knowledgeDB: knowledgeDB, upserter: upserter, linker: linker, transitioner: transitioner}
}

// Skeleton wraps the worker in the generic poll-loop.
func (w *Worker) Skeleton() *worker.Skeleton {
	return &worker.Skeleton{Name: "resolve", Poll: w.poll}
}

func (w *Worker) poll(ctx context.Context) error {
	docID, err := w.queue.BlockingPop(ctx, queuestore.QueueResolve, popTimeout)
	if err != nil {
		return fmt.Errorf("resolve: failed to pop job: %w", err)
	}
	if docID == "" {
		return worker.ErrNoWork
	}
	return w.process(ctx, docID)
}

// process is terminal: StageComplete carries no stageQueue entry, so
// there is nothing to double-push here and the usual single-Advance
// caution for lone stage names doesn't apply — but we still only call
// Advance once, at the very end, so a failure midway moves the
// document to StageError (see fail) rather than marking it done.
func (w *Worker) process(ctx context.Context, docID string) error {
	start := time.Now()

	codes, err := w.refined.DTCCodesForDocument(ctx, docID)
	if err != nil {
		return w.fail(ctx, docID, start, fmt.Errorf("failed to list dtc codes for document: %w", err))
	}

	for _, code := range codes {
		if err := w.resolveDTC(ctx, code); err != nil {
			return w.fail(ctx, docID, start, fmt.Errorf("failed to resolve dtc %s: %w", code, err))
		}
	}

	runID := docID
	upsertResult, err := w.upserter.Run(ctx, runID)
	if err != nil {
		return w.fail(ctx, docID, start, fmt.Errorf("failed to run knowledge upsert: %w", err))
	}

	// The upsert pass creates any master row that was absent above, so a
	// second resolveDTC pass writes confidence for those DTCs too.
	for _, code := range codes {
		if err := w.resolveDTC(ctx, code); err != nil {
			return w.fail(ctx, docID, start, fmt.Errorf("failed to resolve dtc %s: %w", code, err))
		}
	}

	if w.linker != nil {
		if err := w.linkVehicles(ctx, codes); err != nil {
			return w.fail(ctx, docID, start, fmt.Errorf("failed to link vehicle mentions: %w", err))
		}
	}

	if _, err := w.transitioner.Advance(ctx, docID, models.StageComplete, models.LogStatusCompleted,
		fmt.Sprintf("resolved %d dtcs, upserted %d knowledge rows", len(codes), upsertResult.DTCsUpserted), time.Since(start)); err != nil {
		return fmt.Errorf("resolve: failed to transition to complete: %w", err)
	}
	return nil
}

// resolveDTC recomputes confidence = min(1, 0.3·min(1, source_count/5)
// + 0.7·avg_trust) and drops exact-duplicate causes/steps, keeping
// the lowest id in each (dtc_id, normalized text) group (spec.md §4.2
// "Resolve").
func (w *Worker) resolveDTC(ctx context.Context, code string) error {
	dtc, err := w.refined.GetDTCByCode(ctx, code)
	if err != nil {
		return err
	}
	if dtc == nil {
		return nil
	}

	avgTrust, err := w.refined.AvgTrustForDTC(ctx, dtc.ID)
	if err != nil {
		return err
	}
	confidence := knowledge.ResolveConfidence(dtc.SourceCount, avgTrust)

	master, err := w.knowledgeDB.GetDTCMasterByCode(ctx, code)
	if err == nil && master != nil {
		if err := w.knowledgeDB.SetDTCConfidence(ctx, master.ID, confidence); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	// master absent is fine here: the upsert pass in process creates it,
	// and process calls resolveDTC again afterwards to write confidence.

	if err := w.dedupeCauses(ctx, dtc.ID); err != nil {
		return err
	}
	return w.dedupeSteps(ctx, dtc.ID)
}

func (w *Worker) dedupeCauses(ctx context.Context, dtcID int64) error {
	causes, err := w.refined.CausesForDTC(ctx, dtcID)
	if err != nil {
		return err
	}
	var drop []int64
	seen := make(map[string]bool, len(causes))
	for _, c := range causes {
		key := merge.Normalize(c.Text)
		if seen[key] {
			drop = append(drop, c.ID)
			continue
		}
		seen[key] = true
	}
	return w.refined.DeleteCauses(ctx, drop)
}

func (w *Worker) dedupeSteps(ctx context.Context, dtcID int64) error {
	steps, err := w.refined.StepsForDTC(ctx, dtcID)
	if err != nil {
		return err
	}
	var drop []int64
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		key := merge.Normalize(s.Text)
		if seen[key] {
			drop = append(drop, s.ID)
			continue
		}
		seen[key] = true
	}
	return w.refined.DeleteSteps(ctx, drop)
}

// linkVehicles runs the Vehicle Linker over each resolved DTC's cause
// and step text, the free text most likely to carry a make/model/year
// mention (SPEC_FULL.md §4).
func (w *Worker) linkVehicles(ctx context.Context, codes []string) error {
	for _, code := range codes {
		master, err := w.knowledgeDB.GetDTCMasterByCode(ctx, code)
		if err != nil {
			return err
		}
		if master == nil {
			continue
		}
		refinedDTC, err := w.refined.GetDTCByCode(ctx, code)
		if err != nil || refinedDTC == nil {
			continue
		}

		causes, err := w.refined.CausesForDTC(ctx, refinedDTC.ID)
		if err != nil {
			return err
		}
		steps, err := w.refined.StepsForDTC(ctx, refinedDTC.ID)
		if err != nil {
			return err
		}

		texts := make([]string, 0, len(causes)+len(steps))
		for _, c := range causes {
			texts = append(texts, c.Text)
		}
		for _, s := range steps {
			texts = append(texts, s.Text)
		}
		if len(texts) == 0 {
			continue
		}

		if _, err := w.linker.LinkText(ctx, master.ID, texts); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, docID string, start time.Time, cause error) error {
	if _, err := w.transitioner.Advance(ctx, docID, models.StageError, models.LogStatusFailed, cause.Error(), time.Since(start)); err != nil {
		return fmt.Errorf("%w (and failed to record error stage: %v)", cause, err)
	}
	return cause
}
