package models

import "time"

// ChunkSize and ChunkOverlap are the fixed windowing parameters used by
// the Chunk stage (spec.md §4.2).
const (
	ChunkSize    = 500
	ChunkOverlap = 50
)

// Chunk is an ordered, overlapping slice of a document's raw text.
type Chunk struct {
	ID              string     `db:"id" json:"id"`
	DocumentID      string     `db:"document_id" json:"document_id"`
	ChunkIndex      int        `db:"chunk_index" json:"chunk_index"`
	Text            string     `db:"text" json:"text"`
	CharStart       int        `db:"char_start" json:"char_start"`
	CharEnd         int        `db:"char_end" json:"char_end"`
	Embedding       []float32  `db:"embedding" json:"embedding,omitempty"`
	EmbeddingDims   int        `db:"embedding_dims" json:"embedding_dims,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// Validate enforces the chunk invariants from spec.md §3.
func (c Chunk) Validate() error {
	if c.CharEnd <= c.CharStart {
		return ErrInvalidRange
	}
	return nil
}

// Domain is the closed set of topical tags a chunk evaluation may carry.
type Domain string

const (
	DomainEngine      Domain = "engine"
	DomainTransmission Domain = "transmission"
	DomainElectrical  Domain = "electrical"
	DomainBrakes      Domain = "brakes"
	DomainEmissions   Domain = "emissions"
	DomainBody        Domain = "body"
	DomainChassis     Domain = "chassis"
	DomainUnknown     Domain = "unknown"
)

var validDomains = map[Domain]bool{
	DomainEngine: true, DomainTransmission: true, DomainElectrical: true,
	DomainBrakes: true, DomainEmissions: true, DomainBody: true,
	DomainChassis: true, DomainUnknown: true,
}

// ParseDomain validates against the closed set, replacing an unknown
// value with DomainUnknown rather than failing (spec.md §4.2).
func ParseDomain(s string) Domain {
	d := Domain(s)
	if validDomains[d] {
		return d
	}
	return DomainUnknown
}

// ChunkEvaluation holds the reasoning-model scores for one chunk.
type ChunkEvaluation struct {
	ChunkID    string    `db:"chunk_id" json:"chunk_id"`
	Trust      float64   `db:"trust_score" json:"trust_score"`
	Relevance  float64   `db:"relevance_score" json:"relevance_score"`
	Domain     Domain    `db:"domain" json:"domain"`
	Reasoning  string    `db:"reasoning" json:"reasoning"`
	ModelID    string    `db:"model_id" json:"model_id"`
	EvaluatedAt time.Time `db:"evaluated_at" json:"evaluated_at"`
}

// MaxReasoningLen bounds the stored free-form reasoning (spec.md §4.2).
const MaxReasoningLen = 1000

// Clamp01 clamps x into [0,1], matching every score-clamping rule in
// the spec (trust, relevance, confidence).
func Clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
