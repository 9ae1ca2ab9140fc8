package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"context"

	"github.com/diagforge/refinery/pkg/models"
)

// Refined wraps refined.* schema access: the extract stage's
// pre-merge output (dtcs, causes, diagnostic steps, sensors, TSBs).
type Refined struct {
	db DBTX
}

// NewRefined builds a Refined repository.
func NewRefined(db DBTX) *Refined {
	return &Refined{db: db}
}

// UpsertDTC writes or merges a refined DTC row by code (spec.md §4.2
// "Extract": "on DTC conflict, keep existing non-empty fields and
// increment source_count"). Code is uppercased and trimmed by the
// caller before this is invoked.
func (r *Refined) UpsertDTC(ctx context.Context, code, description, category, severity string) (int64, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO refined.dtcs (code, description, category, severity, source_count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (code) DO UPDATE SET
			description = CASE WHEN refined.dtcs.description = '' THEN EXCLUDED.description ELSE refined.dtcs.description END,
			category    = CASE WHEN refined.dtcs.category = ''    THEN EXCLUDED.category    ELSE refined.dtcs.category    END,
			severity    = CASE WHEN refined.dtcs.severity = ''    THEN EXCLUDED.severity    ELSE refined.dtcs.severity    END,
			source_count = refined.dtcs.source_count + 1
		RETURNING id`,
		code, description, category, severity)
	if err != nil {
		return 0, fmt.Errorf("store: failed to upsert refined dtc %s: %w", code, err)
	}
	return id, nil
}

// LinkDTCChunk records that dtcID was extracted from chunkID,
// unique on (dtc_id, chunk_id) per spec.md §4.2.
func (r *Refined) LinkDTCChunk(ctx context.Context, dtcID int64, chunkID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refined.dtc_chunk_links (dtc_id, chunk_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, dtcID, chunkID)
	if err != nil {
		return fmt.Errorf("store: failed to link dtc %d to chunk %s: %w", dtcID, chunkID, err)
	}
	return nil
}

// InsertCause records a DTC-scoped cause extracted from chunkID.
func (r *Refined) InsertCause(ctx context.Context, dtcID int64, chunkID, text string, likelihood float64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refined.causes (dtc_id, chunk_id, text, likelihood) VALUES ($1, $2, $3, $4)`,
		dtcID, chunkID, text, likelihood)
	if err != nil {
		return fmt.Errorf("store: failed to insert cause for dtc %d: %w", dtcID, err)
	}
	return nil
}

// CausesForDTC returns every refined cause extracted for a DTC, with
// its source chunk's evaluation scores joined in (spec.md §4.5), used
// by the resolve stage's dedup-by-normalized-text pass and the
// knowledge upserter's scoring/merge pass.
func (r *Refined) CausesForDTC(ctx context.Context, dtcID int64) ([]models.RefinedCause, error) {
	var causes []models.RefinedCause
	err := r.db.SelectContext(ctx, &causes, `
		SELECT c.id, c.dtc_id, c.chunk_id, c.text, c.likelihood,
			COALESCE(ce.trust_score, 0.5) AS trust,
			COALESCE(ce.relevance_score, 0.5) AS relevance
		FROM refined.causes c
		LEFT JOIN research.chunk_evaluations ce ON ce.chunk_id = c.chunk_id
		WHERE c.dtc_id = $1
		ORDER BY c.id`, dtcID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list causes for dtc %d: %w", dtcID, err)
	}
	return causes, nil
}

// DeleteCauses removes the given cause rows, used after dedup to drop
// all but the lowest-id member of each duplicate group.
func (r *Refined) DeleteCauses(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClause(`DELETE FROM refined.causes WHERE id IN (%s)`, ids)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: failed to delete causes: %w", err)
	}
	return nil
}

// InsertStep records a DTC-scoped, ordered diagnostic step.
func (r *Refined) InsertStep(ctx context.Context, dtcID int64, chunkID string, order int, text string, tools []string, expected string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refined.diagnostic_steps (dtc_id, chunk_id, step_order, text, tools, expected_values)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		dtcID, chunkID, order, text, pqTextArray(tools), expected)
	if err != nil {
		return fmt.Errorf("store: failed to insert step for dtc %d: %w", dtcID, err)
	}
	return nil
}

// StepsForDTC returns every refined step extracted for a DTC, with its
// source chunk's evaluation scores joined in (spec.md §4.5).
func (r *Refined) StepsForDTC(ctx context.Context, dtcID int64) ([]models.RefinedStep, error) {
	var steps []models.RefinedStep
	err := r.db.SelectContext(ctx, &steps, `
		SELECT s.id, s.dtc_id, s.chunk_id, s.step_order, s.text, s.tools, s.expected_values,
			COALESCE(ce.trust_score, 0.5) AS trust,
			COALESCE(ce.relevance_score, 0.5) AS relevance
		FROM refined.diagnostic_steps s
		LEFT JOIN research.chunk_evaluations ce ON ce.chunk_id = s.chunk_id
		WHERE s.dtc_id = $1
		ORDER BY s.step_order, s.id`, dtcID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list steps for dtc %d: %w", dtcID, err)
	}
	return steps, nil
}

// DeleteSteps removes the given diagnostic-step rows.
func (r *Refined) DeleteSteps(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClause(`DELETE FROM refined.diagnostic_steps WHERE id IN (%s)`, ids)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: failed to delete steps: %w", err)
	}
	return nil
}

// UpsertSensor appends relatedDTC to a sensor's related_dtcs array,
// upserting on (name, sensor_type) per spec.md §4.2, and records
// chunkID as the sensor's most recently seen source chunk so the
// knowledge upserter can join chunk_evaluations for scoring.
func (r *Refined) UpsertSensor(ctx context.Context, name, sensorType, relatedDTC, chunkID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refined.sensors (name, sensor_type, related_dtcs, chunk_id) VALUES ($1, $2, ARRAY[$3], $4)
		ON CONFLICT (name, sensor_type) DO UPDATE SET
			related_dtcs = CASE WHEN $3 = ANY(refined.sensors.related_dtcs) THEN refined.sensors.related_dtcs
				ELSE array_append(refined.sensors.related_dtcs, $3) END,
			chunk_id = EXCLUDED.chunk_id`,
		name, sensorType, relatedDTC, chunkID)
	if err != nil {
		return fmt.Errorf("store: failed to upsert sensor %s/%s: %w", name, sensorType, err)
	}
	return nil
}

// SensorsForDTC returns every refined sensor related to a DTC code,
// with its most recent source chunk's evaluation scores joined in
// (spec.md §4.5), used by the knowledge upserter's sensor-children
// scoring/merge pass.
func (r *Refined) SensorsForDTC(ctx context.Context, dtcCode string) ([]models.RefinedSensor, error) {
	var sensors []models.RefinedSensor
	err := r.db.SelectContext(ctx, &sensors, `
		SELECT s.id, s.name, s.sensor_type, s.related_dtcs, s.chunk_id,
			COALESCE(ce.trust_score, 0.5) AS trust,
			COALESCE(ce.relevance_score, 0.5) AS relevance
		FROM refined.sensors s
		LEFT JOIN research.chunk_evaluations ce ON ce.chunk_id = s.chunk_id
		WHERE $1 = ANY(s.related_dtcs)
		ORDER BY s.id`, dtcCode)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list sensors for dtc %s: %w", dtcCode, err)
	}
	return sensors, nil
}

// UpsertTSB upserts by TSB number.
func (r *Refined) UpsertTSB(ctx context.Context, number, title, chunkID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refined.tsbs (tsb_number, title, chunk_id) VALUES ($1, $2, $3)
		ON CONFLICT (tsb_number) DO UPDATE SET title = EXCLUDED.title, chunk_id = EXCLUDED.chunk_id`,
		number, title, chunkID)
	if err != nil {
		return fmt.Errorf("store: failed to upsert tsb %s: %w", number, err)
	}
	return nil
}

// GetDTCByCode loads a refined DTC row, returning (nil, nil) if absent.
func (r *Refined) GetDTCByCode(ctx context.Context, code string) (*models.RefinedDTC, error) {
	var dtc models.RefinedDTC
	err := r.db.GetContext(ctx, &dtc, `SELECT * FROM refined.dtcs WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load refined dtc %s: %w", code, err)
	}
	return &dtc, nil
}

// AllDTCCodes lists every refined DTC code, used by the resolve stage
// to drive the per-DTC confidence recompute pass.
func (r *Refined) AllDTCCodes(ctx context.Context) ([]string, error) {
	var codes []string
	if err := r.db.SelectContext(ctx, &codes, `SELECT code FROM refined.dtcs ORDER BY code`); err != nil {
		return nil, fmt.Errorf("store: failed to list refined dtc codes: %w", err)
	}
	return codes, nil
}

// DTCCodesForDocument lists the distinct refined DTC codes whose
// dtc_chunk_links row points at one of documentID's chunks, the set
// the resolve stage recomputes confidence for when a document reaches
// its terminal stage.
func (r *Refined) DTCCodesForDocument(ctx context.Context, documentID string) ([]string, error) {
	var codes []string
	err := r.db.SelectContext(ctx, &codes, `
		SELECT DISTINCT d.code FROM refined.dtcs d
		JOIN refined.dtc_chunk_links l ON l.dtc_id = d.id
		JOIN research.chunks c ON c.id = l.chunk_id
		WHERE c.document_id = $1
		ORDER BY d.code`, documentID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list dtc codes for document %s: %w", documentID, err)
	}
	return codes, nil
}

// AvgTrustForDTC computes avg_trust across every chunk linked to dtcID
// via chunk evaluations (spec.md §4.2 "Resolve").
func (r *Refined) AvgTrustForDTC(ctx context.Context, dtcID int64) (float64, error) {
	var avg sql.NullFloat64
	err := r.db.GetContext(ctx, &avg, `
		SELECT avg(e.trust_score) FROM refined.dtc_chunk_links l
		JOIN research.chunk_evaluations e ON e.chunk_id = l.chunk_id
		WHERE l.dtc_id = $1`, dtcID)
	if err != nil {
		return 0, fmt.Errorf("store: failed to compute avg trust for dtc %d: %w", dtcID, err)
	}
	return avg.Float64, nil
}

func pqTextArray(values []string) string {
	return "{" + strings.Join(values, ",") + "}"
}

func inClause(format string, ids []int64) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return fmt.Sprintf(format, strings.Join(placeholders, ",")), args
}
