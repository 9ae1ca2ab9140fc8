package store

import (
	"context"
	"fmt"
	"time"

	"github.com/diagforge/refinery/pkg/models"
)

// Control wraps the research.* control-plane tables: orchestrator
// tasks, audit reports, coverage snapshots, and the healing log.
type Control struct {
	db DBTX
}

// NewControl builds a Control repository.
func NewControl(db DBTX) *Control {
	return &Control{db: db}
}

// HasPendingTask reports whether a task of the given type is already
// pending or in_progress, the OODA Act step's dedup rule (spec.md §4.7).
func (c *Control) HasPendingTask(ctx context.Context, taskType string) (bool, error) {
	var exists bool
	err := c.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM research.orchestrator_tasks
			WHERE type = $1 AND status IN ('pending', 'in_progress'))`, taskType)
	if err != nil {
		return false, fmt.Errorf("store: failed to check pending task %s: %w", taskType, err)
	}
	return exists, nil
}

// CreateTask inserts a new orchestrator task and returns its ID.
func (c *Control) CreateTask(ctx context.Context, taskType string, priority int, payload models.JSON) (int64, error) {
	var id int64
	err := c.db.GetContext(ctx, &id, `
		INSERT INTO research.orchestrator_tasks (type, priority, payload) VALUES ($1, $2, $3) RETURNING id`,
		taskType, priority, payload)
	if err != nil {
		return 0, fmt.Errorf("store: failed to create task %s: %w", taskType, err)
	}
	return id, nil
}

// TransitionTask updates a task's status and, on dispatch, its
// assigned_to label.
func (c *Control) TransitionTask(ctx context.Context, id int64, status models.TaskStatus, assignedTo string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE research.orchestrator_tasks SET status = $1, assigned_to = $2, updated_at = now() WHERE id = $3`,
		status, assignedTo, id)
	if err != nil {
		return fmt.Errorf("store: failed to transition task %d: %w", id, err)
	}
	return nil
}

// TaskCounts returns the number of tasks in each status that has at
// least one task.
func (c *Control) TaskCounts(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := c.db.QueryxContext(ctx, `SELECT status, count(*) FROM research.orchestrator_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status models.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: failed to scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// LatestAuditReport returns the most recently created audit report,
// or nil if none exists.
func (c *Control) LatestAuditReport(ctx context.Context) (*models.AuditReport, error) {
	var report models.AuditReport
	err := c.db.GetContext(ctx, &report, `SELECT * FROM research.audit_reports ORDER BY created_at DESC LIMIT 1`)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("store: failed to load latest audit report: %w", err)
	}
	return &report, nil
}

// CreateAuditReport inserts a new audit report row.
func (c *Control) CreateAuditReport(ctx context.Context, reportType, summary string, metrics models.JSON) (int64, error) {
	var id int64
	err := c.db.GetContext(ctx, &id, `
		INSERT INTO research.audit_reports (type, summary, metrics) VALUES ($1, $2, $3) RETURNING id`,
		reportType, summary, metrics)
	if err != nil {
		return 0, fmt.Errorf("store: failed to create audit report: %w", err)
	}
	return id, nil
}

// UpsertCoverageSnapshot upserts by snapshot_date (spec.md §4.6).
func (c *Control) UpsertCoverageSnapshot(ctx context.Context, date time.Time, byCategory, byConfidence, gapRanges models.JSON, completeness float64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO research.coverage_snapshots (snapshot_date, totals_by_category, totals_by_confidence, gap_ranges, completeness_score)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (snapshot_date) DO UPDATE SET
			totals_by_category = EXCLUDED.totals_by_category,
			totals_by_confidence = EXCLUDED.totals_by_confidence,
			gap_ranges = EXCLUDED.gap_ranges,
			completeness_score = EXCLUDED.completeness_score`,
		date, byCategory, byConfidence, gapRanges, completeness)
	if err != nil {
		return fmt.Errorf("store: failed to upsert coverage snapshot for %s: %w", date.Format("2006-01-02"), err)
	}
	return nil
}

// InsertHealingLog persists one healer decision.
func (c *Control) InsertHealingLog(ctx context.Context, entry models.HealingLog) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO research.healing_log (alert_id, action, component, decision, success, reasoning)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.AlertID, entry.Action, entry.Component, entry.Decision, entry.Success, entry.Reasoning)
	if err != nil {
		return fmt.Errorf("store: failed to insert healing log entry: %w", err)
	}
	return nil
}

// StageStats summarizes the pipeline's operational health over a
// sliding window, feeding both the auditor's Pipeline analysis and
// the orchestrator's Observe step.
type StageStats struct {
	Stage        models.Stage
	Total        int
	Failed       int
	AvgDurationMS float64
}

// StageStatsSince aggregates processing_log rows since the given
// cutoff, grouped by stage.
func (c *Control) StageStatsSince(ctx context.Context, since time.Time) ([]StageStats, error) {
	rows, err := c.db.QueryxContext(ctx, `
		SELECT stage,
			count(*) FILTER (WHERE status != 'started') AS total,
			count(*) FILTER (WHERE status = 'failed') AS failed,
			avg(duration_ms) FILTER (WHERE status = 'completed') AS avg_duration_ms
		FROM research.processing_log
		WHERE created_at >= $1
		GROUP BY stage`, since)
	if err != nil {
		return nil, fmt.Errorf("store: failed to aggregate stage stats: %w", err)
	}
	defer rows.Close()

	var stats []StageStats
	for rows.Next() {
		var s StageStats
		var avg *float64
		if err := rows.Scan(&s.Stage, &s.Total, &s.Failed, &avg); err != nil {
			return nil, fmt.Errorf("store: failed to scan stage stats: %w", err)
		}
		if avg != nil {
			s.AvgDurationMS = *avg
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// StageStatsBetween aggregates processing_log rows in [since, until),
// grouped by stage — the non-overlapping-window variant StageStatsSince
// can't give, used by the monitor to compare a short recent window
// against a longer historical one for the processing-slowdown detector
// (spec.md §4.9).
func (c *Control) StageStatsBetween(ctx context.Context, since, until time.Time) ([]StageStats, error) {
	rows, err := c.db.QueryxContext(ctx, `
		SELECT stage,
			count(*) FILTER (WHERE status != 'started') AS total,
			count(*) FILTER (WHERE status = 'failed') AS failed,
			avg(duration_ms) FILTER (WHERE status = 'completed') AS avg_duration_ms
		FROM research.processing_log
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY stage`, since, until)
	if err != nil {
		return nil, fmt.Errorf("store: failed to aggregate stage stats between %s and %s: %w", since, until, err)
	}
	defer rows.Close()

	var stats []StageStats
	for rows.Next() {
		var s StageStats
		var avg *float64
		if err := rows.Scan(&s.Stage, &s.Total, &s.Failed, &avg); err != nil {
			return nil, fmt.Errorf("store: failed to scan stage stats: %w", err)
		}
		if avg != nil {
			s.AvgDurationMS = *avg
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// InsertMonitorSnapshot persists one monitor cycle's metrics (spec.md
// §4.9 "Each snapshot is also written to a metrics store").
func (c *Control) InsertMonitorSnapshot(ctx context.Context, snap models.MonitorSnapshot) (int64, error) {
	var id int64
	err := c.db.GetContext(ctx, &id, `
		INSERT INTO research.monitor_snapshots (queue_depths, error_rates, stuck_count, alert_count)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		snap.QueueDepths, snap.ErrorRates, snap.StuckCount, snap.AlertCount)
	if err != nil {
		return 0, fmt.Errorf("store: failed to insert monitor snapshot: %w", err)
	}
	return id, nil
}

// PruneMonitorSnapshots deletes snapshots older than retention, the
// monitor's enforcement of spec.md §4.9's "configurable retention" and
// returns the number of rows removed.
func (c *Control) PruneMonitorSnapshots(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM research.monitor_snapshots WHERE created_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(retention.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("store: failed to prune monitor snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: failed to read prune result: %w", err)
	}
	return n, nil
}

// StuckDocumentCount counts documents in a non-terminal stage whose
// updated_at is older than threshold (spec.md §4.9 "Stuck documents").
func (c *Control) StuckDocumentCount(ctx context.Context, threshold time.Duration) (int, error) {
	var count int
	err := c.db.GetContext(ctx, &count, `
		SELECT count(*) FROM research.documents
		WHERE processing_stage NOT IN ($1, $2) AND updated_at < now() - $3::interval`,
		models.StageComplete, models.StageError, fmt.Sprintf("%d seconds", int(threshold.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("store: failed to count stuck documents: %w", err)
	}
	return count, nil
}
