package models

import "time"

// TaskStatus is the closed set of orchestrator-task states (spec.md §3).
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// MaxTaskRetries is the retry ceiling from spec.md §3.
const MaxTaskRetries = 3

// OrchestratorTask is a unit of directed work created by the OODA
// Act step and consumed by the auditor/researcher/healer.
type OrchestratorTask struct {
	ID         int64      `db:"id" json:"id"`
	Type       string     `db:"type" json:"type"`
	Status     TaskStatus `db:"status" json:"status"`
	Priority   int        `db:"priority" json:"priority"` // 1 highest .. 6 lowest
	Payload    JSON       `db:"payload" json:"payload"`
	AssignedTo *string    `db:"assigned_to" json:"assigned_to,omitempty"`
	RetryCount int        `db:"retry_count" json:"retry_count"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// AuditReport is the persisted output of one auditor run.
type AuditReport struct {
	ID              int64     `db:"id" json:"id"`
	Type            string    `db:"type" json:"type"`
	Summary         string    `db:"summary" json:"summary"`
	Metrics         JSON      `db:"metrics" json:"metrics"`
	Recommendations []Recommendation `db:"-" json:"recommendations"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// RecommendationType is the closed set the auditor may emit (spec.md §4.6).
type RecommendationType string

const (
	RecommendImproveConfidence RecommendationType = "improve_confidence"
	RecommendFillGaps          RecommendationType = "fill_gaps"
	RecommendExpandCoverage    RecommendationType = "expand_coverage"
	RecommendFixPipeline       RecommendationType = "fix_pipeline"
	RecommendReprocessErrors   RecommendationType = "reprocess_errors"
)

// Recommendation is one ranked auditor recommendation, 1 (highest) to
// 6 (lowest) priority per spec.md §4.6.
type Recommendation struct {
	Type     RecommendationType `json:"type"`
	Priority int                `json:"priority"`
	Details  JSON               `json:"details,omitempty"`
}

// CoverageSnapshot is the daily coverage rollup (spec.md §3, unique per date).
type CoverageSnapshot struct {
	ID                int64     `db:"id" json:"id"`
	SnapshotDate       time.Time `db:"snapshot_date" json:"snapshot_date"`
	TotalsByCategory   JSON      `db:"totals_by_category" json:"totals_by_category"`
	TotalsByConfidence JSON      `db:"totals_by_confidence" json:"totals_by_confidence"`
	GapRanges          JSON      `db:"gap_ranges" json:"gap_ranges"`
	CompletenessScore  float64   `db:"completeness_score" json:"completeness_score"`
}

// CrawlQueueStatus is the closed set of crawl-row states (spec.md §3).
type CrawlQueueStatus string

const (
	CrawlPending   CrawlQueueStatus = "pending"
	CrawlCrawling  CrawlQueueStatus = "crawling"
	CrawlCompleted CrawlQueueStatus = "completed"
	CrawlFailed    CrawlQueueStatus = "failed"
)

// CrawlQueueEntry is a candidate URL submitted for crawling.
type CrawlQueueEntry struct {
	ID        string           `db:"id" json:"id"`
	URL       string           `db:"url" json:"url"`
	MaxDepth  int              `db:"max_depth" json:"max_depth"`
	Status    CrawlQueueStatus `db:"status" json:"status"`
	Error     *string          `db:"error_message" json:"error_message,omitempty"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}

// HealingLog is one persisted healer decision (spec.md §3, §4.9).
type HealingLog struct {
	ID        int64     `db:"id" json:"id"`
	AlertID   string    `db:"alert_id" json:"alert_id"`
	Action    string    `db:"action" json:"action"`
	Component string    `db:"component" json:"component"`
	Decision  string    `db:"decision" json:"decision"` // executed | deferred | escalated
	Success   bool      `db:"success" json:"success"`
	Reasoning string    `db:"reasoning" json:"reasoning"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Health is the closed pipeline-health classification (spec.md §4.6).
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthBusy     Health = "busy"
	HealthDegraded Health = "degraded"
)

// AlertSeverity is the closed set for monitor anomaly alerts (spec.md §4.9).
type AlertSeverity string

const (
	AlertLow      AlertSeverity = "low"
	AlertMedium   AlertSeverity = "medium"
	AlertHigh     AlertSeverity = "high"
	AlertCritical AlertSeverity = "critical"
)

// Alert is one anomaly-detector finding.
type Alert struct {
	Type               string        `json:"type"`
	Severity           AlertSeverity `json:"severity"`
	Component          string        `json:"component"`
	Details            string        `json:"details"`
	RecommendedAction  string        `json:"recommended_action"`
}

// Fingerprint identifies an alert for 10-minute dedup (spec.md §4.9):
// (type|component|details[:100]).
func (a Alert) Fingerprint() string {
	details := a.Details
	if len(details) > 100 {
		details = details[:100]
	}
	return a.Type + "|" + a.Component + "|" + details
}

// MonitorSnapshot is one persisted monitor cycle, the metrics store
// spec.md §4.9 calls for (retention enforced by the monitor, not the
// schema — see pkg/monitor).
type MonitorSnapshot struct {
	ID          int64     `db:"id" json:"id"`
	QueueDepths JSON      `db:"queue_depths" json:"queue_depths"`
	ErrorRates  JSON      `db:"error_rates" json:"error_rates"`
	StuckCount  int       `db:"stuck_count" json:"stuck_count"`
	AlertCount  int       `db:"alert_count" json:"alert_count"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
