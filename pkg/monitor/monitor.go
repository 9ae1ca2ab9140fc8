// Package monitor runs the fixed-interval (45-60s) metrics-collection
// and anomaly-detection cycle of spec.md §4.9. Grounded on the same
// pkg/cleanup/service.go ticker-loop shape pkg/orchestrator and the
// researcher's autonomous mode already use for their own clock-driven
// halves, since a monitor cycle runs on a timer, not against a queue.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/diagforge/refinery/pkg/config"
	"github.com/diagforge/refinery/pkg/metrics"
	"github.com/diagforge/refinery/pkg/models"
	"github.com/diagforge/refinery/pkg/queuestore"
	"github.com/diagforge/refinery/pkg/store"
)

const (
	// alertDedupTTL is the 10-minute fingerprint dedup window (spec.md §4.9).
	alertDedupTTL = 10 * time.Minute

	// stuckDocumentThreshold is the fixed 30-minute cutoff spec.md §4.9
	// names for the stuck-documents detector specifically — distinct
	// from the configurable QueueStallThreshold the stalled-queue
	// detector and pkg/audit's Pipeline analysis use.
	stuckDocumentThreshold = 30 * time.Minute

	// minStageSamples is the minimum row count a stage needs before its
	// error rate or average duration is considered statistically
	// meaningful (spec.md §4.9 "total >= 5" for the error-rate detector;
	// applied to the slowdown detector too for the same reason).
	minStageSamples = 5

	// recentWindow/historicalWindow bound the processing-slowdown
	// detector's two comparison periods: a short recent window against
	// the preceding day.
	recentWindow     = 15 * time.Minute
	historicalWindow = 24 * time.Hour

	// errorRateWindow bounds the error-rate-spike detector's sampling
	// period — short enough to react within a handful of monitor
	// cycles, long enough to clear the minStageSamples floor.
	errorRateWindow = time.Hour
)

// Monitor collects pipeline metrics every cycle, runs the five
// anomaly detectors, and pushes deduplicated alerts to the healer.
type Monitor struct {
	control   *store.Control
	queue     *queuestore.Store
	cfg       config.ThresholdConfig
	moncfg    config.MonitorConfig
	metrics   *metrics.Registry
	probeHTTP *http.Client

	mu               sync.Mutex
	unchangedSince   map[string]time.Time
	lastDepth        map[string]int64
	unhealthySince   map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Monitor. metricsReg may be nil — gauges are simply not
// updated, which is fine for components that don't expose /metrics.
func New(control *store.Control, queue *queuestore.Store, cfg config.ThresholdConfig, moncfg config.MonitorConfig, metricsReg *metrics.Registry) *Monitor {
	return &Monitor{
		control:        control,
		queue:          queue,
		cfg:            cfg,
		moncfg:         moncfg,
		metrics:        metricsReg,
		probeHTTP:      &http.Client{Timeout: moncfg.HealthProbeTimeout},
		unchangedSince: make(map[string]time.Time),
		lastDepth:      make(map[string]int64),
		unhealthySince: make(map[string]time.Time),
	}
}

// Start launches the cycle loop in the background.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx, interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) run(ctx context.Context, interval time.Duration) {
	defer close(m.done)

	m.runCycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCycle(ctx)
		}
	}
}

// runCycle collects one metrics snapshot, runs every detector, and
// persists/dispatches the results. A cycle's failure is logged and
// swallowed — a monitoring blind spot must never stop the loop.
func (m *Monitor) runCycle(ctx context.Context) {
	depths, err := m.collectQueueDepths(ctx)
	if err != nil {
		slog.Error("monitor: failed to collect queue depths", "error", err)
		return
	}

	var alerts []models.Alert
	alerts = append(alerts, m.detectStalledQueues(depths)...)

	errRates, errAlerts, err := m.detectErrorRateSpikes(ctx)
	if err != nil {
		slog.Error("monitor: error-rate detection failed", "error", err)
	} else {
		alerts = append(alerts, errAlerts...)
	}

	slowAlerts, err := m.detectProcessingSlowdowns(ctx)
	if err != nil {
		slog.Error("monitor: slowdown detection failed", "error", err)
	} else {
		alerts = append(alerts, slowAlerts...)
	}

	alerts = append(alerts, m.detectUnhealthyContainers(ctx)...)

	stuck, stuckAlerts, err := m.detectStuckDocuments(ctx)
	if err != nil {
		slog.Error("monitor: stuck-document detection failed", "error", err)
	} else {
		alerts = append(alerts, stuckAlerts...)
	}

	emitted := m.dispatchAlerts(ctx, alerts)

	m.updateMetrics(depths, errRates, stuck)
	m.persistSnapshot(ctx, depths, errRates, stuck, emitted)
}

func (m *Monitor) collectQueueDepths(ctx context.Context) (map[string]int64, error) {
	depths := make(map[string]int64, len(queuestore.StageQueues()))
	for _, q := range queuestore.StageQueues() {
		d, err := m.queue.Depth(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("failed to measure depth of %s: %w", q, err)
		}
		depths[q] = d
	}
	return depths, nil
}

// stageName strips a stage queue's "jobs:" prefix for alert component
// labels and restart_worker:<name> recommended actions.
func stageName(queue string) string {
	return strings.TrimPrefix(queue, "jobs:")
}

// detectStalledQueues flags a queue whose depth has been identical and
// positive since at least QueueStallThreshold ago (spec.md §4.9,
// scenario S5). Tracks first-seen-at-this-depth per queue across
// cycles rather than a full sample history.
func (m *Monitor) detectStalledQueues(depths map[string]int64) []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var alerts []models.Alert
	for queue, depth := range depths {
		if depth == 0 || depth != m.lastDepth[queue] {
			m.lastDepth[queue] = depth
			m.unchangedSince[queue] = now
			continue
		}
		since, ok := m.unchangedSince[queue]
		if !ok {
			m.unchangedSince[queue] = now
			continue
		}
		if now.Sub(since) >= m.cfg.QueueStallThreshold {
			name := stageName(queue)
			alerts = append(alerts, models.Alert{
				Type:              "stalled_queue",
				Severity:          models.AlertHigh,
				Component:         name,
				Details:           fmt.Sprintf("%s depth stuck at %d since %s", queue, depth, since.Format(time.RFC3339)),
				RecommendedAction: "restart_worker:" + name,
			})
		}
	}
	return alerts
}

// detectErrorRateSpikes flags any stage whose failed/total ratio over
// errorRateWindow exceeds ErrorRateThreshold (spec.md §4.9).
func (m *Monitor) detectErrorRateSpikes(ctx context.Context) (map[string]float64, []models.Alert, error) {
	stats, err := m.control.StageStatsSince(ctx, time.Now().Add(-errorRateWindow))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load stage stats: %w", err)
	}

	rates := make(map[string]float64, len(stats))
	var alerts []models.Alert
	for _, s := range stats {
		if s.Total == 0 {
			continue
		}
		rate := float64(s.Failed) / float64(s.Total)
		rates[string(s.Stage)] = rate
		if s.Total >= minStageSamples && rate > m.cfg.ErrorRateThreshold {
			alerts = append(alerts, models.Alert{
				Type:              "error_rate_spike",
				Severity:          models.AlertHigh,
				Component:         string(s.Stage),
				Details:           fmt.Sprintf("%s error rate %.2f over %d samples", s.Stage, rate, s.Total),
				RecommendedAction: "analyze_errors:" + string(s.Stage),
			})
		}
	}
	return rates, alerts, nil
}

// detectProcessingSlowdowns flags any stage whose recent average
// duration exceeds ProcessingTimeMultiplier times its historical
// average (spec.md §4.9).
func (m *Monitor) detectProcessingSlowdowns(ctx context.Context) ([]models.Alert, error) {
	now := time.Now()
	recent, err := m.control.StageStatsSince(ctx, now.Add(-recentWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to load recent stage stats: %w", err)
	}
	historical, err := m.control.StageStatsBetween(ctx, now.Add(-historicalWindow), now.Add(-recentWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to load historical stage stats: %w", err)
	}

	historicalAvg := make(map[models.Stage]float64, len(historical))
	historicalTotal := make(map[models.Stage]int, len(historical))
	for _, s := range historical {
		historicalAvg[s.Stage] = s.AvgDurationMS
		historicalTotal[s.Stage] = s.Total
	}

	var alerts []models.Alert
	for _, s := range recent {
		if s.Total < minStageSamples {
			continue
		}
		histAvg, ok := historicalAvg[s.Stage]
		if !ok || histAvg <= 0 || historicalTotal[s.Stage] < minStageSamples {
			continue
		}
		if s.AvgDurationMS > m.cfg.ProcessingTimeMultiplier*histAvg {
			alerts = append(alerts, models.Alert{
				Type:              "processing_slowdown",
				Severity:          models.AlertMedium,
				Component:         string(s.Stage),
				Details:           fmt.Sprintf("%s recent avg %.0fms vs historical avg %.0fms", s.Stage, s.AvgDurationMS, histAvg),
				RecommendedAction: "check_resource_usage:" + string(s.Stage),
			})
		}
	}
	return alerts, nil
}

// detectUnhealthyContainers probes each configured component's health
// endpoint and flags one that has been unhealthy past the configured
// grace period (spec.md §4.9).
func (m *Monitor) detectUnhealthyContainers(ctx context.Context) []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var alerts []models.Alert
	for name, url := range m.moncfg.ComponentHealthURLs {
		healthy := m.probe(ctx, url)
		if m.metrics != nil {
			val := 0.0
			if healthy {
				val = 1.0
			}
			m.metrics.ComponentHealth.WithLabelValues(name).Set(val)
		}

		if healthy {
			delete(m.unhealthySince, name)
			continue
		}
		since, ok := m.unhealthySince[name]
		if !ok {
			m.unhealthySince[name] = now
			continue
		}
		if now.Sub(since) >= m.cfg.UnhealthyContainerGracePeriod {
			alerts = append(alerts, models.Alert{
				Type:              "unhealthy_container",
				Severity:          models.AlertCritical,
				Component:         name,
				Details:           fmt.Sprintf("%s unhealthy since %s", name, since.Format(time.RFC3339)),
				RecommendedAction: "restart_container:" + name,
			})
		}
	}
	return alerts
}

func (m *Monitor) probe(ctx context.Context, url string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.moncfg.HealthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.probeHTTP.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// detectStuckDocuments flags the pipeline-wide count of documents
// stuck in a non-terminal stage (spec.md §4.9, fixed 30-minute cutoff).
func (m *Monitor) detectStuckDocuments(ctx context.Context) (int, []models.Alert, error) {
	count, err := m.control.StuckDocumentCount(ctx, stuckDocumentThreshold)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to count stuck documents: %w", err)
	}
	if count == 0 {
		return 0, nil, nil
	}
	return count, []models.Alert{{
		Type:              "stuck_documents",
		Severity:          models.AlertMedium,
		Component:         "pipeline",
		Details:           fmt.Sprintf("%d documents stuck past %s", count, stuckDocumentThreshold),
		RecommendedAction: "requeue_documents:pipeline",
	}}, nil
}

// dispatchAlerts deduplicates by fingerprint (10-minute TTL) and
// pushes survivors to the healer's alert queue, returning the number
// actually emitted.
func (m *Monitor) dispatchAlerts(ctx context.Context, alerts []models.Alert) int {
	emitted := 0
	for _, a := range alerts {
		fp := a.Fingerprint()
		seen, err := m.queue.Seen(ctx, fp)
		if err != nil {
			slog.Error("monitor: failed to check alert dedup", "fingerprint", fp, "error", err)
			continue
		}
		if seen {
			continue
		}

		if err := m.queue.PushJSON(ctx, queuestore.QueueMonitoringAlerts, a); err != nil {
			slog.Error("monitor: failed to push alert", "type", a.Type, "error", err)
			continue
		}
		if err := m.queue.MarkSeen(ctx, fp, alertDedupTTL); err != nil {
			slog.Error("monitor: failed to mark alert seen", "fingerprint", fp, "error", err)
		}
		if m.metrics != nil {
			m.metrics.AlertsEmitted.WithLabelValues(a.Type, string(a.Severity)).Inc()
		}
		slog.Warn("monitor: alert emitted", "type", a.Type, "severity", a.Severity, "component", a.Component)
		emitted++
	}
	return emitted
}

func (m *Monitor) updateMetrics(depths map[string]int64, errRates map[string]float64, stuck int) {
	if m.metrics == nil {
		return
	}
	for queue, depth := range depths {
		m.metrics.QueueDepth.WithLabelValues(stageName(queue)).Set(float64(depth))
	}
	for stage, rate := range errRates {
		m.metrics.StageErrorRate.WithLabelValues(stage).Set(rate)
	}
	m.metrics.StuckDocuments.Set(float64(stuck))
}

func (m *Monitor) persistSnapshot(ctx context.Context, depths map[string]int64, errRates map[string]float64, stuck, alertCount int) {
	queueDepths := make(models.JSON, len(depths))
	for k, v := range depths {
		queueDepths[k] = v
	}
	errorRates := make(models.JSON, len(errRates))
	for k, v := range errRates {
		errorRates[k] = v
	}

	snap := models.MonitorSnapshot{
		QueueDepths: queueDepths,
		ErrorRates:  errorRates,
		StuckCount:  stuck,
		AlertCount:  alertCount,
	}
	if _, err := m.control.InsertMonitorSnapshot(ctx, snap); err != nil {
		slog.Error("monitor: failed to persist snapshot", "error", err)
	}
	if m.cfg.MetricsRetention > 0 {
		if n, err := m.control.PruneMonitorSnapshots(ctx, m.cfg.MetricsRetention); err != nil {
			slog.Error("monitor: failed to prune snapshots", "error", err)
		} else if n > 0 {
			slog.Info("monitor: pruned old snapshots", "count", n)
		}
	}
}
