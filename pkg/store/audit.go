package store

import (
	"context"
	"fmt"
)

// Audit wraps the cross-schema aggregate queries the Auditor's Quality
// and Coverage analyses run (spec.md §4.6); it reads knowledge.* and
// refined.* together, which doesn't fit neatly under either of the
// single-schema repositories above.
type Audit struct {
	db DBTX
}

// NewAudit builds an Audit repository.
func NewAudit(db DBTX) *Audit {
	return &Audit{db: db}
}

// DTCCompleteness is one DTC master row's field-presence flags, the
// raw material for the Quality analysis's weighted completeness score
// (spec.md §4.6: description 0.15, category 0.05, severity 0.05,
// causes 0.25, diagnostic_steps 0.30, sensors 0.10, tsb 0.10).
type DTCCompleteness struct {
	ID             int64   `db:"id"`
	Code           string  `db:"code"`
	Category       string  `db:"category"`
	Confidence     float64 `db:"confidence"`
	HasDescription bool    `db:"has_description"`
	HasCategory    bool    `db:"has_category"`
	HasSeverity    bool    `db:"has_severity"`
	HasCauses      bool    `db:"has_causes"`
	HasSteps       bool    `db:"has_steps"`
	HasSensors     bool    `db:"has_sensors"`
	HasTSB         bool    `db:"has_tsb"`
}

// CompletenessRows loads a field-presence row for every DTC master
// entry. A DTC's TSB presence is derived by co-occurrence: a TSB
// counts toward a DTC's completeness if it was extracted from a chunk
// also linked to that DTC, since refined.tsbs has no direct dtc_id
// column of its own.
func (a *Audit) CompletenessRows(ctx context.Context) ([]DTCCompleteness, error) {
	var rows []DTCCompleteness
	err := a.db.SelectContext(ctx, &rows, `
		SELECT
			m.id, m.code, m.category, m.confidence,
			(m.description != '') AS has_description,
			(m.category != 'unknown') AS has_category,
			(m.severity_level != 0) AS has_severity,
			EXISTS (SELECT 1 FROM knowledge.dtc_children c WHERE c.dtc_id = m.id AND c.kind = 'causes') AS has_causes,
			EXISTS (SELECT 1 FROM knowledge.dtc_children c WHERE c.dtc_id = m.id AND c.kind = 'diagnostic_steps') AS has_steps,
			EXISTS (SELECT 1 FROM knowledge.dtc_children c WHERE c.dtc_id = m.id AND c.kind = 'related_sensors') AS has_sensors,
			EXISTS (
				SELECT 1 FROM refined.tsbs t
				JOIN refined.dtc_chunk_links l ON l.chunk_id = t.chunk_id
				JOIN refined.dtcs rd ON rd.id = l.dtc_id
				WHERE rd.code = m.code
			) AS has_tsb
		FROM knowledge.dtc_master m
		ORDER BY m.code`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to load dtc completeness rows: %w", err)
	}
	return rows, nil
}

// AllDTCCodes lists every knowledge DTC master code, used by the
// Coverage analysis to bucket codes into 100-wide windows per prefix.
func (a *Audit) AllDTCCodes(ctx context.Context) ([]string, error) {
	var codes []string
	if err := a.db.SelectContext(ctx, &codes, `SELECT code FROM knowledge.dtc_master ORDER BY code`); err != nil {
		return nil, fmt.Errorf("store: failed to list dtc master codes: %w", err)
	}
	return codes, nil
}
