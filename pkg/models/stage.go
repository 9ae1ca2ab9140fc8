// Package models holds the plain data types shared across the pipeline:
// documents, chunks, refined entities, knowledge-graph rows, and the
// control-plane entities. Closed sets are modeled as string-backed sum
// types rather than bare strings so invalid values fail fast at the
// API boundary.
package models

import "fmt"

// Stage is a document's position in the six-stage processing DAG.
type Stage string

// Stage values. Order along the happy path is the declaration order;
// Error is reachable from any non-terminal stage.
const (
	StagePending    Stage = "pending"
	StageCrawling   Stage = "crawling"
	StageChunking   Stage = "chunking"
	StageChunked    Stage = "chunked"
	StageEmbedding  Stage = "embedding"
	StageEmbedded   Stage = "embedded"
	StageEvaluating Stage = "evaluating"
	StageExtracting Stage = "extracting"
	StageResolving  Stage = "resolving"
	StageComplete   Stage = "complete"
	StageError      Stage = "error"
)

var stageOrder = map[Stage]int{
	StagePending:    0,
	StageCrawling:   1,
	StageChunking:   2,
	StageChunked:    3,
	StageEmbedding:  4,
	StageEmbedded:   5,
	StageEvaluating: 6,
	StageExtracting: 7,
	StageResolving:  8,
	StageComplete:   9,
}

// Valid reports whether s is one of the closed set of stage values.
func (s Stage) Valid() bool {
	if s == StageError {
		return true
	}
	_, ok := stageOrder[s]
	return ok
}

// IsTerminal reports whether no further stage transition is expected.
func (s Stage) IsTerminal() bool {
	return s == StageComplete || s == StageError
}

// AdvanceAllowed reports whether moving from s to next respects the
// monotonic-except-for-error invariant (spec.md §3). Recovery out of
// StageError back to an earlier stage is an operator/healer action and
// goes through a separate explicit path, not this check.
func (s Stage) AdvanceAllowed(next Stage) bool {
	if next == StageError {
		return true
	}
	so, ok1 := stageOrder[s]
	no, ok2 := stageOrder[next]
	if !ok1 || !ok2 {
		return false
	}
	return no >= so
}

// ParseStage validates a raw string against the closed set.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStage, s)
	}
	return st, nil
}

// ProcessingLogStatus is the outcome recorded for a single stage attempt.
type ProcessingLogStatus string

const (
	LogStatusStarted   ProcessingLogStatus = "started"
	LogStatusCompleted ProcessingLogStatus = "completed"
	LogStatusFailed    ProcessingLogStatus = "failed"
)
