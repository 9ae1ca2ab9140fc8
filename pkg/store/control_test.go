package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagforge/refinery/pkg/models"
)

func TestControl_TaskLifecycle(t *testing.T) {
	c := NewControl(newTestDB(t))
	ctx := context.Background()

	pending, err := c.HasPendingTask(ctx, "trigger_audit")
	require.NoError(t, err)
	assert.False(t, pending)

	id, err := c.CreateTask(ctx, "trigger_audit", 3, models.JSON{"reason": "scheduled"})
	require.NoError(t, err)

	pending, err = c.HasPendingTask(ctx, "trigger_audit")
	require.NoError(t, err)
	assert.True(t, pending)

	require.NoError(t, c.TransitionTask(ctx, id, models.TaskInProgress, "audit-worker-1"))
	pending, err = c.HasPendingTask(ctx, "trigger_audit")
	require.NoError(t, err)
	assert.True(t, pending, "an in_progress task still counts as pending for dedup purposes")

	require.NoError(t, c.TransitionTask(ctx, id, models.TaskCompleted, "audit-worker-1"))
	pending, err = c.HasPendingTask(ctx, "trigger_audit")
	require.NoError(t, err)
	assert.False(t, pending)

	counts, err := c.TaskCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.TaskCompleted])
}

func TestControl_AuditReportRoundTrip(t *testing.T) {
	c := NewControl(newTestDB(t))
	ctx := context.Background()

	none, err := c.LatestAuditReport(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = c.CreateAuditReport(ctx, "quality", "first pass", models.JSON{"score": 0.5})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = c.CreateAuditReport(ctx, "quality", "second pass", models.JSON{"score": 0.7})
	require.NoError(t, err)

	latest, err := c.LatestAuditReport(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "second pass", latest.Summary)
}

func TestControl_UpsertCoverageSnapshot_OverwritesBySnapshotDate(t *testing.T) {
	db := newTestDB(t)
	c := NewControl(db)
	ctx := context.Background()
	date := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, c.UpsertCoverageSnapshot(ctx, date, models.JSON{"powertrain": 10}, models.JSON{}, models.JSON{}, 0.4))
	require.NoError(t, c.UpsertCoverageSnapshot(ctx, date, models.JSON{"powertrain": 20}, models.JSON{}, models.JSON{}, 0.6))

	var count int
	require.NoError(t, db.GetContext(ctx, &count, `SELECT count(*) FROM research.coverage_snapshots WHERE snapshot_date = $1`, date))
	assert.Equal(t, 1, count)
}

func TestControl_StageStatsSinceAndBetween(t *testing.T) {
	db := newTestDB(t)
	c := NewControl(db)
	research := NewResearch(db)
	ctx := context.Background()

	docID := createTestDocument(t, research)
	_, err := db.ExecContext(ctx, `
		INSERT INTO research.processing_log (document_id, stage, status, duration_ms, created_at)
		VALUES ($1, $2, 'completed', 100, now() - interval '1 hour')`, docID, models.StageChunking)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		INSERT INTO research.processing_log (document_id, stage, status, duration_ms, created_at)
		VALUES ($1, $2, 'failed', 0, now())`, docID, models.StageChunking)
	require.NoError(t, err)

	since, err := c.StageStatsSince(ctx, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, 2, since[0].Total)
	assert.Equal(t, 1, since[0].Failed)
	assert.InDelta(t, 100, since[0].AvgDurationMS, 0.01)

	between, err := c.StageStatsBetween(ctx, time.Now().Add(-30*time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, between, 1)
	assert.Equal(t, 1, between[0].Total, "only the recent failed row falls in this narrower window")
}

func TestControl_HealingLogAndStuckDocumentCount(t *testing.T) {
	db := newTestDB(t)
	c := NewControl(db)
	research := NewResearch(db)
	ctx := context.Background()

	require.NoError(t, c.InsertHealingLog(ctx, models.HealingLog{
		AlertID: "alert-1", Action: "requeue_errors", Component: "embed", Decision: "executed", Success: true, Reasoning: "queue depth spike",
	}))

	var count int
	require.NoError(t, db.GetContext(ctx, &count, `SELECT count(*) FROM research.healing_log`))
	assert.Equal(t, 1, count)

	docID := createTestDocument(t, research)
	_, err := db.ExecContext(ctx, `UPDATE research.documents SET processing_stage = $1, updated_at = now() - interval '2 hours' WHERE id = $2`, models.StageEmbedding, docID)
	require.NoError(t, err)

	stuck, err := c.StuckDocumentCount(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, stuck)

	stuck, err = c.StuckDocumentCount(ctx, 3*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, stuck, "a document not yet past the threshold must not count as stuck")
}

func TestControl_MonitorSnapshotInsertAndPrune(t *testing.T) {
	db := newTestDB(t)
	c := NewControl(db)
	ctx := context.Background()

	_, err := c.InsertMonitorSnapshot(ctx, models.MonitorSnapshot{
		QueueDepths: models.JSON{"crawl": 3}, ErrorRates: models.JSON{"embed": 0.1}, StuckCount: 0, AlertCount: 0,
	})
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE research.monitor_snapshots SET created_at = now() - interval '48 hours'`)
	require.NoError(t, err)

	pruned, err := c.PruneMonitorSnapshots(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	var remaining int
	require.NoError(t, db.GetContext(ctx, &remaining, `SELECT count(*) FROM research.monitor_snapshots`))
	assert.Equal(t, 0, remaining)
}
