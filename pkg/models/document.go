package models

import "time"

// Document is the root unit of ingestion: one crawled or uploaded
// automotive technical document moving through the processing DAG.
type Document struct {
	ID              string    `db:"id" json:"id"`
	Title           string    `db:"title" json:"title"`
	SourceURL       string    `db:"source_url" json:"source_url"`
	MimeType        string    `db:"mime_type" json:"mime_type"`
	ContentHash     string    `db:"content_hash" json:"content_hash"`
	ObjectKey       string    `db:"object_key" json:"object_key"`
	ProcessingStage Stage     `db:"processing_stage" json:"processing_stage"`
	ErrorMessage    *string   `db:"error_message" json:"error_message,omitempty"`
	ChunkCount      int       `db:"chunk_count" json:"chunk_count"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// ProcessingLogEntry records one stage attempt for a document.
type ProcessingLogEntry struct {
	ID         int64               `db:"id" json:"id"`
	DocumentID string              `db:"document_id" json:"document_id"`
	Stage      Stage               `db:"stage" json:"stage"`
	Status     ProcessingLogStatus `db:"status" json:"status"`
	Message    string              `db:"message" json:"message,omitempty"`
	DurationMS int64               `db:"duration_ms" json:"duration_ms"`
	CreatedAt  time.Time           `db:"created_at" json:"created_at"`
}

// MaxProcessingLogMessage bounds truncated error messages (spec.md §7).
const MaxProcessingLogMessage = 500

// Truncate clips s to n runes, matching the teacher convention of
// bounding log/error fields before they hit the database.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
