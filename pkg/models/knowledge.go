package models

import "time"

// Severity is the closed 1–5 DTC severity scale used by the knowledge
// graph (spec.md §3, §4.5).
type Severity int

const (
	SeverityUnknown  Severity = 0
	SeverityInfo     Severity = 1
	SeverityMinor    Severity = 2
	SeverityModerate Severity = 3
	SeverityMajor    Severity = 4
	SeverityCritical Severity = 5
)

// ParseSeverityText maps a free-form severity string to the closed
// 1–5 scale (spec.md §4.5 "severity text → 1–5").
func ParseSeverityText(s string) Severity {
	switch s {
	case "info", "informational":
		return SeverityInfo
	case "minor", "low":
		return SeverityMinor
	case "moderate", "medium":
		return SeverityModerate
	case "major", "high":
		return SeverityMajor
	case "critical", "severe":
		return SeverityCritical
	default:
		return SeverityUnknown
	}
}

// Category is the closed DTC system-category enum (spec.md §4.5).
type Category string

const (
	CategoryPowertrain Category = "powertrain"
	CategoryChassis    Category = "chassis"
	CategoryBody       Category = "body"
	CategoryNetwork    Category = "network"
	CategoryElectrical Category = "electrical"
	CategoryEmissions  Category = "emissions"
	CategoryUnknown    Category = "unknown"
)

var validCategories = map[Category]bool{
	CategoryPowertrain: true, CategoryChassis: true, CategoryBody: true,
	CategoryNetwork: true, CategoryElectrical: true, CategoryEmissions: true,
	CategoryUnknown: true,
}

// ParseCategory maps a free-form category string onto the closed enum,
// falling back to CategoryUnknown (spec.md §4.5).
func ParseCategory(s string) Category {
	c := Category(s)
	if validCategories[c] {
		return c
	}
	return CategoryUnknown
}

// DTCMaster is the curated, deduplicated master row for one diagnostic
// trouble code in the knowledge graph (spec.md §3 "Knowledge graph
// entities").
type DTCMaster struct {
	ID                 int64      `db:"id" json:"id"`
	Code               string     `db:"code" json:"code"`
	Description        string     `db:"description" json:"description"`
	Category           Category   `db:"category" json:"category"`
	SeverityLevel      Severity   `db:"severity_level" json:"severity_level"`
	EmissionsRelated   bool       `db:"emissions_related" json:"emissions_related"`
	Confidence         float64    `db:"confidence" json:"confidence"`
	SourceCount        int        `db:"source_count" json:"source_count"`
	VerifiedAt         *time.Time `db:"verified_at" json:"verified_at,omitempty"`
	VerificationStatus string     `db:"verification_status" json:"verification_status"`
}

// ChildKind enumerates the per-DTC child tables listed in spec.md §3.
type ChildKind string

const (
	ChildCause           ChildKind = "causes"
	ChildSymptom         ChildKind = "symptoms"
	ChildDiagnosticStep  ChildKind = "diagnostic_steps"
	ChildSensor          ChildKind = "related_sensors"
	ChildPart            ChildKind = "related_parts"
	ChildVerifiedFix     ChildKind = "verified_fixes"
	ChildForumThread     ChildKind = "forum_threads"
	ChildLiveDataParam   ChildKind = "live_data_parameters"
	ChildOEMVariant      ChildKind = "oem_variants"
	ChildAIExplanation   ChildKind = "ai_explanations"
)

// KnowledgeChild is a generic row shape shared by every per-DTC child
// table: each carries the aggregate evidence fields spec.md §3
// requires plus an optional vehicle-applicability window.
type KnowledgeChild struct {
	ID             int64    `db:"id" json:"id"`
	DTCID          int64    `db:"dtc_id" json:"dtc_id"`
	Kind           ChildKind `db:"kind" json:"kind"`
	Text           string   `db:"text" json:"text"`
	StepOrder      *int     `db:"step_order" json:"step_order,omitempty"`
	Tools          []string `db:"tools" json:"tools,omitempty"`
	ExpectedValues string   `db:"expected_values" json:"expected_values,omitempty"`
	EvidenceCount  int      `db:"evidence_count" json:"evidence_count"`
	AvgTrust       float64  `db:"avg_trust" json:"avg_trust"`
	AvgRelevance   float64  `db:"avg_relevance" json:"avg_relevance"`
	VehicleMake    *string  `db:"vehicle_make" json:"vehicle_make,omitempty"`
	VehicleModel   *string  `db:"vehicle_model" json:"vehicle_model,omitempty"`
	VehicleYearMin *int     `db:"vehicle_year_min" json:"vehicle_year_min,omitempty"`
	VehicleYearMax *int     `db:"vehicle_year_max" json:"vehicle_year_max,omitempty"`
	PriorityRank   *int     `db:"priority_rank" json:"priority_rank,omitempty"`
	ConflictFlag   bool     `db:"conflict_flag" json:"conflict_flag"`
	Repairs        int      `db:"repairs" json:"repairs,omitempty"`
	ProbabilityWeight float64 `db:"probability_weight" json:"probability_weight,omitempty"`
	FrequencyScore float64  `db:"frequency_score" json:"frequency_score,omitempty"`
	MarkedSolution bool     `db:"marked_solution" json:"marked_solution,omitempty"`
}

// RefinedDTC is the extract-stage row prior to resolve/merge.
type RefinedDTC struct {
	ID          int64   `db:"id" json:"id"`
	Code        string  `db:"code" json:"code"`
	Description string  `db:"description" json:"description"`
	Category    string  `db:"category" json:"category"`
	Severity    string  `db:"severity" json:"severity"`
	Confidence  float64 `db:"confidence" json:"confidence"`
	SourceCount int     `db:"source_count" json:"source_count"`
}

// RefinedCause is a DTC-scoped cause extracted from a chunk, with its
// source chunk's evaluation scores joined in (spec.md §4.5 "fetches
// the candidates with joined chunk-evaluation scores"). Trust and
// Relevance default to 0.5 when the chunk has no evaluation yet.
type RefinedCause struct {
	ID         int64   `db:"id" json:"id"`
	DTCID      int64   `db:"dtc_id" json:"dtc_id"`
	ChunkID    string  `db:"chunk_id" json:"chunk_id"`
	Text       string  `db:"text" json:"text"`
	Likelihood float64 `db:"likelihood" json:"likelihood"`
	Trust      float64 `db:"trust" json:"trust"`
	Relevance  float64 `db:"relevance" json:"relevance"`
}

// RefinedStep is a DTC-scoped, ordered diagnostic step, with its
// source chunk's evaluation scores joined in.
type RefinedStep struct {
	ID             int64    `db:"id" json:"id"`
	DTCID          int64    `db:"dtc_id" json:"dtc_id"`
	ChunkID        string   `db:"chunk_id" json:"chunk_id"`
	StepOrder      int      `db:"step_order" json:"step_order"`
	Text           string   `db:"text" json:"text"`
	Tools          []string `db:"tools" json:"tools"`
	ExpectedValues string   `db:"expected_values" json:"expected_values"`
	Trust          float64  `db:"trust" json:"trust"`
	Relevance      float64  `db:"relevance" json:"relevance"`
}

// RefinedSensor is unique per (name, sensor_type) with a multi-valued
// related-DTC list, plus the most recent chunk it was seen in and
// that chunk's joined evaluation scores (added alongside the related
// sensor-children upsert path, spec.md §4.5).
type RefinedSensor struct {
	ID          int64    `db:"id" json:"id"`
	Name        string   `db:"name" json:"name"`
	SensorType  string   `db:"sensor_type" json:"sensor_type"`
	RelatedDTCs []string `db:"related_dtcs" json:"related_dtcs"`
	ChunkID     string   `db:"chunk_id" json:"chunk_id"`
	Trust       float64  `db:"trust" json:"trust"`
	Relevance   float64  `db:"relevance" json:"relevance"`
}

// RefinedTSB is unique per TSB number.
type RefinedTSB struct {
	ID        int64  `db:"id" json:"id"`
	Number    string `db:"tsb_number" json:"tsb_number"`
	Title     string `db:"title" json:"title"`
	ChunkID   string `db:"chunk_id" json:"chunk_id"`
}

// ExtractionResult is the fixed JSON schema the Extract stage asks the
// LLM for (spec.md §4.2 "Extract").
type ExtractionResult struct {
	DTCCodes         []ExtractedDTC   `json:"dtc_codes"`
	Causes           []ExtractedCause `json:"causes"`
	DiagnosticSteps  []ExtractedStep  `json:"diagnostic_steps"`
	Sensors          []ExtractedSensor `json:"sensors"`
	TSBReferences    []ExtractedTSB   `json:"tsb_references"`
}

type ExtractedDTC struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
}

type ExtractedCause struct {
	Code       string  `json:"dtc_code"`
	Text       string  `json:"text"`
	Likelihood float64 `json:"likelihood"`
}

type ExtractedStep struct {
	Code           string   `json:"dtc_code"`
	StepOrder      int      `json:"step_order"`
	Text           string   `json:"text"`
	Tools          []string `json:"tools"`
	ExpectedValues string   `json:"expected_values"`
}

type ExtractedSensor struct {
	Name       string   `json:"name"`
	SensorType string   `json:"sensor_type"`
	DTCCodes   []string `json:"dtc_codes"`
}

type ExtractedTSB struct {
	Number string `json:"tsb_number"`
	Title  string `json:"title"`
}
