package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/diagforge/refinery/pkg/models"
)

// Knowledge wraps knowledge.* schema access for the upserter and
// verifier.
type Knowledge struct {
	db DBTX
}

// NewKnowledge builds a Knowledge repository.
func NewKnowledge(db DBTX) *Knowledge {
	return &Knowledge{db: db}
}

// TableExists is the upserter's best-effort schema check (spec.md
// §4.5: "skip silently if absent").
func (k *Knowledge) TableExists(ctx context.Context, schema, table string) (bool, error) {
	var exists bool
	err := k.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		schema, table)
	if err != nil {
		return false, fmt.Errorf("store: failed to check table existence %s.%s: %w", schema, table, err)
	}
	return exists, nil
}

// UpsertDTCMaster writes or merges the DTC master row by code,
// accumulating source_count the way spec.md §4.5 describes. It does
// not write confidence; SetDTCConfidence does.
func (k *Knowledge) UpsertDTCMaster(ctx context.Context, code, description string, category models.Category, severity models.Severity, emissionsRelated bool) (int64, error) {
	var id int64
	err := k.db.GetContext(ctx, &id, `
		INSERT INTO knowledge.dtc_master (code, description, category, severity_level, emissions_related, source_count)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (code) DO UPDATE SET
			description = CASE WHEN knowledge.dtc_master.description = '' THEN EXCLUDED.description ELSE knowledge.dtc_master.description END,
			category = EXCLUDED.category,
			severity_level = EXCLUDED.severity_level,
			emissions_related = EXCLUDED.emissions_related OR knowledge.dtc_master.emissions_related,
			source_count = knowledge.dtc_master.source_count + 1
		RETURNING id`,
		code, description, category, severity, emissionsRelated)
	if err != nil {
		return 0, fmt.Errorf("store: failed to upsert dtc master %s: %w", code, err)
	}
	return id, nil
}

// SetDTCConfidence writes the recomputed confidence for a DTC master
// row (spec.md §4.2 "Resolve").
func (k *Knowledge) SetDTCConfidence(ctx context.Context, dtcID int64, confidence float64) error {
	_, err := k.db.ExecContext(ctx, `UPDATE knowledge.dtc_master SET confidence = $1 WHERE id = $2`, confidence, dtcID)
	if err != nil {
		return fmt.Errorf("store: failed to set confidence for dtc %d: %w", dtcID, err)
	}
	return nil
}

// GetDTCMasterByCode loads a DTC master row, (nil, nil) if absent.
func (k *Knowledge) GetDTCMasterByCode(ctx context.Context, code string) (*models.DTCMaster, error) {
	var dtc models.DTCMaster
	err := k.db.GetContext(ctx, &dtc, `SELECT * FROM knowledge.dtc_master WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load dtc master %s: %w", code, err)
	}
	return &dtc, nil
}

// ChildrenByKind loads every child row of one kind for a DTC, used by
// the upserter to fetch merge candidates.
func (k *Knowledge) ChildrenByKind(ctx context.Context, dtcID int64, kind models.ChildKind) ([]models.KnowledgeChild, error) {
	var children []models.KnowledgeChild
	err := k.db.SelectContext(ctx, &children, `
		SELECT * FROM knowledge.dtc_children WHERE dtc_id = $1 AND kind = $2 ORDER BY id`, dtcID, kind)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list %s children for dtc %d: %w", kind, dtcID, err)
	}
	return children, nil
}

// UpsertChildRunningMean writes or merges one (dtc_id, kind,
// text) child row. This is the only SQL-level accumulation path in
// the repo that intentionally mirrors spec.md §9 Open Question (b):
// trust/relevance are folded with a plain running mean
// `(old + new) / 2` rather than a count-weighted mean, so a long
// sequence of upserts slowly forgets earlier evidence in favor of
// whatever arrived most recently. This is preserved as-is per the
// spec's decision — see DESIGN.md.
func (k *Knowledge) UpsertChildRunningMean(ctx context.Context, c models.KnowledgeChild) (int64, error) {
	var id int64
	err := k.db.GetContext(ctx, &id, `
		INSERT INTO knowledge.dtc_children
			(dtc_id, kind, text, step_order, tools, expected_values, evidence_count, avg_trust, avg_relevance,
			 vehicle_make, vehicle_model, vehicle_year_min, vehicle_year_max, priority_rank, conflict_flag,
			 repairs, probability_weight, frequency_score, marked_solution)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (dtc_id, kind, text) DO UPDATE SET
			evidence_count = knowledge.dtc_children.evidence_count + EXCLUDED.evidence_count,
			avg_trust = (knowledge.dtc_children.avg_trust + EXCLUDED.avg_trust) / 2,
			avg_relevance = (knowledge.dtc_children.avg_relevance + EXCLUDED.avg_relevance) / 2,
			conflict_flag = EXCLUDED.conflict_flag,
			priority_rank = EXCLUDED.priority_rank,
			vehicle_year_min = LEAST(COALESCE(knowledge.dtc_children.vehicle_year_min, EXCLUDED.vehicle_year_min), COALESCE(EXCLUDED.vehicle_year_min, knowledge.dtc_children.vehicle_year_min)),
			vehicle_year_max = GREATEST(COALESCE(knowledge.dtc_children.vehicle_year_max, EXCLUDED.vehicle_year_max), COALESCE(EXCLUDED.vehicle_year_max, knowledge.dtc_children.vehicle_year_max))
		RETURNING id`,
		c.DTCID, c.Kind, c.Text, c.StepOrder, pqTextArray(c.Tools), c.ExpectedValues, c.EvidenceCount, c.AvgTrust, c.AvgRelevance,
		c.VehicleMake, c.VehicleModel, c.VehicleYearMin, c.VehicleYearMax, c.PriorityRank, c.ConflictFlag,
		c.Repairs, c.ProbabilityWeight, c.FrequencyScore, c.MarkedSolution)
	if err != nil {
		return 0, fmt.Errorf("store: failed to upsert knowledge child (dtc=%d kind=%s): %w", c.DTCID, c.Kind, err)
	}
	return id, nil
}

// InsertProvenance records one provenance row for an upserted entity.
func (k *Knowledge) InsertProvenance(ctx context.Context, p models.ProvenanceSource) error {
	_, err := k.db.ExecContext(ctx, `
		INSERT INTO knowledge.provenance (entity_table, entity_id, chunk_id, trust_score, relevance_score)
		VALUES ($1, $2, $3, $4, $5)`,
		p.EntityTable, p.EntityID, p.ChunkID, p.Trust, p.Relevance)
	if err != nil {
		return fmt.Errorf("store: failed to insert provenance for %s/%d: %w", p.EntityTable, p.EntityID, err)
	}
	return nil
}

// FlushResolutionLog writes a batch of accumulated resolution actions
// tagged with a run identifier, immediately before commit (spec.md
// §4.5: "flush to the resolution log before commit").
func (k *Knowledge) FlushResolutionLog(ctx context.Context, entries []models.ResolutionLogEntry) error {
	for _, e := range entries {
		_, err := k.db.ExecContext(ctx, `
			INSERT INTO knowledge.resolution_log (run_id, action, entity_table, entity_id, details)
			VALUES ($1, $2, $3, $4, $5)`,
			e.RunID, e.Action, e.EntityTable, e.EntityID, e.Details)
		if err != nil {
			return fmt.Errorf("store: failed to flush resolution log entry: %w", err)
		}
	}
	return nil
}

// NextUnverifiedDTC picks the next DTC for the verifier to process,
// ordered by source_count desc, confidence desc (spec.md §4.10).
// Returns (nil, nil) when there is nothing to verify.
func (k *Knowledge) NextUnverifiedDTC(ctx context.Context) (*models.DTCMaster, error) {
	var dtc models.DTCMaster
	err := k.db.GetContext(ctx, &dtc, `
		SELECT * FROM knowledge.dtc_master
		WHERE verified_at IS NULL OR verification_status = 'unverified'
		ORDER BY source_count DESC, confidence DESC
		LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to select next unverified dtc: %w", err)
	}
	return &dtc, nil
}

// InsertVerificationResult records one field-level verification
// verdict and adjusts the DTC's confidence by the clamped delta.
func (k *Knowledge) InsertVerificationResult(ctx context.Context, dtcID int64, field, verdict string, confidenceDelta float64) error {
	_, err := k.db.ExecContext(ctx, `
		INSERT INTO knowledge.verification_results (dtc_id, field, verdict, confidence_delta)
		VALUES ($1, $2, $3, $4)`, dtcID, field, verdict, confidenceDelta)
	if err != nil {
		return fmt.Errorf("store: failed to insert verification result for dtc %d: %w", dtcID, err)
	}
	return nil
}

// SetVerificationStatus updates a DTC's overall verification status
// and stamps verified_at.
func (k *Knowledge) SetVerificationStatus(ctx context.Context, dtcID int64, status string, confidence float64) error {
	_, err := k.db.ExecContext(ctx, `
		UPDATE knowledge.dtc_master SET verification_status = $1, confidence = $2, verified_at = now() WHERE id = $3`,
		status, confidence, dtcID)
	if err != nil {
		return fmt.Errorf("store: failed to set verification status for dtc %d: %w", dtcID, err)
	}
	return nil
}
