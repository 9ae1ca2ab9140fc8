package models

import "time"

// ProvenanceSource links a knowledge entity back to the chunk that
// produced it, with the scores observed at ingestion time.
type ProvenanceSource struct {
	ID          int64     `db:"id" json:"id"`
	EntityTable string    `db:"entity_table" json:"entity_table"`
	EntityID    int64     `db:"entity_id" json:"entity_id"`
	ChunkID     string    `db:"chunk_id" json:"chunk_id"`
	Trust       float64   `db:"trust_score" json:"trust_score"`
	Relevance   float64   `db:"relevance_score" json:"relevance_score"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ResolutionAction is the closed set of actions a resolution-log row
// may record (spec.md §3 "Provenance source").
type ResolutionAction string

const (
	ResolutionCreated ResolutionAction = "created"
	ResolutionUpdated ResolutionAction = "updated"
	ResolutionRejected ResolutionAction = "rejected"
	ResolutionMerged  ResolutionAction = "merged"
)

// ResolutionLogEntry is one accumulated action from a knowledge-upsert run.
type ResolutionLogEntry struct {
	ID          int64            `db:"id" json:"id"`
	RunID       string           `db:"run_id" json:"run_id"`
	Action      ResolutionAction `db:"action" json:"action"`
	EntityTable string           `db:"entity_table" json:"entity_table"`
	EntityID    int64            `db:"entity_id" json:"entity_id"`
	Details     JSON             `db:"details" json:"details"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
}
