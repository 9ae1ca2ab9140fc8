// Package knowledge implements the Knowledge Upserter (spec.md §4.5):
// one transactional pass that folds refined extraction output into
// the curated knowledge graph, scoring and merging each DTC's
// children before writing them, and recording every action to the
// resolution log.
//
// Grounded on the teacher's ent transaction pattern (client.Tx(ctx),
// defer rollback, commit on success) generalized to sqlx.Tx; the
// scoring/merge calls are grounded on pkg/scoring and pkg/merge.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/diagforge/refinery/pkg/database"
	"github.com/diagforge/refinery/pkg/merge"
	"github.com/diagforge/refinery/pkg/models"
	"github.com/diagforge/refinery/pkg/scoring"
	"github.com/diagforge/refinery/pkg/store"
)

// Upserter runs one knowledge-upsert pass per invocation, the whole
// pass wrapped in a single database transaction so that a failure
// partway through leaves neither the knowledge graph nor the
// resolution log partially updated.
type Upserter struct {
	db *database.Client
}

// New builds an Upserter.
func New(db *database.Client) *Upserter {
	return &Upserter{db: db}
}

// Result summarizes one upsert run.
type Result struct {
	RunID        string
	DTCsUpserted int
	Actions      []models.ResolutionLogEntry
}

// Run processes every DTC currently in refined.dtcs: maps category/
// severity, upserts the master row, then for each child kind scores,
// merges, and upserts the winning candidates with SQL-level
// accumulation (spec.md §4.5). runID tags every resolution-log entry
// produced by this pass. The entire pass commits or rolls back as one
// unit.
func (u *Upserter) Run(ctx context.Context, runID string) (*Result, error) {
	tx, err := u.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("knowledge: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	refined := store.NewRefined(tx)
	kn := store.NewKnowledge(tx)

	result, err := run(ctx, refined, kn, runID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("knowledge: failed to commit upsert pass: %w", err)
	}

	slog.Info("knowledge upsert run complete", "run_id", runID, "dtcs_upserted", result.DTCsUpserted, "actions", len(result.Actions))
	return result, nil
}

func run(ctx context.Context, refined *store.Refined, kn *store.Knowledge, runID string) (*Result, error) {
	codes, err := refined.AllDTCCodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("knowledge: failed to list refined dtc codes: %w", err)
	}

	result := &Result{RunID: runID}
	var actions []models.ResolutionLogEntry

	for _, code := range codes {
		refinedDTC, err := refined.GetDTCByCode(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("knowledge: failed to load refined dtc %s: %w", code, err)
		}
		if refinedDTC == nil {
			continue
		}

		category := models.ParseCategory(refinedDTC.Category)
		severity := models.ParseSeverityText(refinedDTC.Severity)
		emissionsRelated := category == models.CategoryEmissions

		dtcID, err := kn.UpsertDTCMaster(ctx, code, refinedDTC.Description, category, severity, emissionsRelated)
		if err != nil {
			return nil, fmt.Errorf("knowledge: failed to upsert dtc master %s: %w", code, err)
		}
		result.DTCsUpserted++
		actions = append(actions, models.ResolutionLogEntry{
			RunID: runID, Action: models.ResolutionUpdated, EntityTable: "knowledge.dtc_master", EntityID: dtcID,
		})

		causeActions, err := upsertCauses(ctx, refined, kn, runID, refinedDTC.ID, dtcID)
		if err != nil {
			return nil, err
		}
		actions = append(actions, causeActions...)

		stepActions, err := upsertSteps(ctx, refined, kn, runID, refinedDTC.ID, dtcID)
		if err != nil {
			return nil, err
		}
		actions = append(actions, stepActions...)

		sensorActions, err := upsertSensors(ctx, refined, kn, runID, code, dtcID)
		if err != nil {
			return nil, err
		}
		actions = append(actions, sensorActions...)
	}

	result.Actions = actions
	if err := kn.FlushResolutionLog(ctx, actions); err != nil {
		return nil, fmt.Errorf("knowledge: failed to flush resolution log: %w", err)
	}

	return result, nil
}

func upsertCauses(ctx context.Context, refined *store.Refined, kn *store.Knowledge, runID string, refinedDTCID, dtcID int64) ([]models.ResolutionLogEntry, error) {
	causes, err := refined.CausesForDTC(ctx, refinedDTCID)
	if err != nil {
		return nil, fmt.Errorf("knowledge: failed to load causes for dtc %d: %w", refinedDTCID, err)
	}
	if len(causes) == 0 {
		return nil, nil
	}

	candidates := make([]merge.Candidate, len(causes))
	for i, cause := range causes {
		s := scoring.Compute(scoring.Entity{Kind: scoring.KindCause, EvidenceCount: 1, AvgTrust: cause.Trust, AvgRelevance: cause.Relevance, ProbabilityWeight: cause.Likelihood}, nil)
		candidates[i] = merge.Candidate{
			ID: cause.ID, Text: cause.Text, Score: s.Total(), EvidenceCount: 1,
			AvgTrust: cause.Trust, AvgRelevance: cause.Relevance, ChunkIDs: []string{cause.ChunkID},
		}
	}

	var actions []models.ResolutionLogEntry
	for _, group := range merge.MergeTextEntities(candidates) {
		childID, err := kn.UpsertChildRunningMean(ctx, models.KnowledgeChild{
			DTCID: dtcID, Kind: models.ChildCause, Text: group.Canonical.Text,
			EvidenceCount: group.Canonical.EvidenceCount, AvgTrust: group.Canonical.AvgTrust, AvgRelevance: group.Canonical.AvgRelevance,
		})
		if err != nil {
			return nil, fmt.Errorf("knowledge: failed to upsert cause child: %w", err)
		}
		for _, chunkID := range group.Canonical.ChunkIDs {
			if err := kn.InsertProvenance(ctx, models.ProvenanceSource{
				EntityTable: "knowledge.dtc_children", EntityID: childID, ChunkID: chunkID,
				Trust: group.Canonical.AvgTrust, Relevance: group.Canonical.AvgRelevance,
			}); err != nil {
				return nil, fmt.Errorf("knowledge: failed to record cause provenance: %w", err)
			}
		}
		actions = append(actions, models.ResolutionLogEntry{RunID: runID, Action: models.ResolutionUpdated, EntityTable: "knowledge.dtc_children", EntityID: childID})
		for _, rejected := range group.Rejected {
			actions = append(actions, models.ResolutionLogEntry{
				RunID: runID, Action: models.ResolutionRejected, EntityTable: "refined.causes", EntityID: rejected.ID,
				Details: models.JSON{"reason": rejected.Reason, "winner_id": rejected.WinnerID},
			})
		}
	}
	return actions, nil
}

func upsertSteps(ctx context.Context, refined *store.Refined, kn *store.Knowledge, runID string, refinedDTCID, dtcID int64) ([]models.ResolutionLogEntry, error) {
	steps, err := refined.StepsForDTC(ctx, refinedDTCID)
	if err != nil {
		return nil, fmt.Errorf("knowledge: failed to load steps for dtc %d: %w", refinedDTCID, err)
	}
	if len(steps) == 0 {
		return nil, nil
	}

	candidates := make([]merge.Candidate, len(steps))
	for i, step := range steps {
		s := scoring.Compute(scoring.Entity{Kind: scoring.KindOther, EvidenceCount: 1, AvgTrust: step.Trust, AvgRelevance: step.Relevance}, nil)
		candidates[i] = merge.Candidate{
			ID: step.ID, Text: step.Text, Score: s.Total(), EvidenceCount: 1,
			AvgTrust: step.Trust, AvgRelevance: step.Relevance, ChunkIDs: []string{step.ChunkID},
		}
	}

	var actions []models.ResolutionLogEntry
	for order, group := range merge.MergeTextEntities(candidates) {
		stepOrder := order
		childID, err := kn.UpsertChildRunningMean(ctx, models.KnowledgeChild{
			DTCID: dtcID, Kind: models.ChildDiagnosticStep, Text: group.Canonical.Text,
			StepOrder: &stepOrder, EvidenceCount: group.Canonical.EvidenceCount,
			AvgTrust: group.Canonical.AvgTrust, AvgRelevance: group.Canonical.AvgRelevance,
		})
		if err != nil {
			return nil, fmt.Errorf("knowledge: failed to upsert step child: %w", err)
		}
		actions = append(actions, models.ResolutionLogEntry{RunID: runID, Action: models.ResolutionUpdated, EntityTable: "knowledge.dtc_children", EntityID: childID})
		for _, rejected := range group.Rejected {
			actions = append(actions, models.ResolutionLogEntry{
				RunID: runID, Action: models.ResolutionRejected, EntityTable: "refined.diagnostic_steps", EntityID: rejected.ID,
				Details: models.JSON{"reason": rejected.Reason, "winner_id": rejected.WinnerID},
			})
		}
	}
	return actions, nil
}

// upsertSensors scores and merges every refined sensor related to
// code, writing winners as knowledge.dtc_children rows of kind
// ChildSensor (spec.md §4.5 lists causes, diagnostic steps, and
// sensors as the three child kinds the upserter processes).
func upsertSensors(ctx context.Context, refined *store.Refined, kn *store.Knowledge, runID, code string, dtcID int64) ([]models.ResolutionLogEntry, error) {
	sensors, err := refined.SensorsForDTC(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("knowledge: failed to load sensors for dtc %s: %w", code, err)
	}
	if len(sensors) == 0 {
		return nil, nil
	}

	candidates := make([]merge.Candidate, len(sensors))
	for i, sensor := range sensors {
		s := scoring.Compute(scoring.Entity{Kind: scoring.KindOther, EvidenceCount: 1, AvgTrust: sensor.Trust, AvgRelevance: sensor.Relevance}, nil)
		var chunkIDs []string
		if sensor.ChunkID != "" {
			chunkIDs = []string{sensor.ChunkID}
		}
		candidates[i] = merge.Candidate{
			ID: sensor.ID, Text: sensor.Name, Score: s.Total(), EvidenceCount: 1,
			AvgTrust: sensor.Trust, AvgRelevance: sensor.Relevance, ChunkIDs: chunkIDs,
		}
	}

	var actions []models.ResolutionLogEntry
	for _, group := range merge.MergeTextEntities(candidates) {
		childID, err := kn.UpsertChildRunningMean(ctx, models.KnowledgeChild{
			DTCID: dtcID, Kind: models.ChildSensor, Text: group.Canonical.Text,
			EvidenceCount: group.Canonical.EvidenceCount, AvgTrust: group.Canonical.AvgTrust, AvgRelevance: group.Canonical.AvgRelevance,
		})
		if err != nil {
			return nil, fmt.Errorf("knowledge: failed to upsert sensor child: %w", err)
		}
		for _, chunkID := range group.Canonical.ChunkIDs {
			if err := kn.InsertProvenance(ctx, models.ProvenanceSource{
				EntityTable: "knowledge.dtc_children", EntityID: childID, ChunkID: chunkID,
				Trust: group.Canonical.AvgTrust, Relevance: group.Canonical.AvgRelevance,
			}); err != nil {
				return nil, fmt.Errorf("knowledge: failed to record sensor provenance: %w", err)
			}
		}
		actions = append(actions, models.ResolutionLogEntry{RunID: runID, Action: models.ResolutionUpdated, EntityTable: "knowledge.dtc_children", EntityID: childID})
		for _, rejected := range group.Rejected {
			actions = append(actions, models.ResolutionLogEntry{
				RunID: runID, Action: models.ResolutionRejected, EntityTable: "refined.sensors", EntityID: rejected.ID,
				Details: models.JSON{"reason": rejected.Reason, "winner_id": rejected.WinnerID},
			})
		}
	}
	return actions, nil
}

// ResolveConfidence implements spec.md §4.2 "Resolve"'s confidence
// recompute: confidence = min(1, 0.3·min(1, source_count/5) + 0.7·avg_trust).
func ResolveConfidence(sourceCount int, avgTrust float64) float64 {
	sourceTerm := float64(sourceCount) / 5
	if sourceTerm > 1 {
		sourceTerm = 1
	}
	confidence := 0.3*sourceTerm + 0.7*avgTrust
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}
