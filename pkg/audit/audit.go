// Package audit implements the auditor's three analyses — Quality,
// Coverage, Pipeline — and the report generator that ranks the
// findings into actionable recommendations (spec.md §4.6). Grounded
// on the teacher's pkg/agent analysis passes that reduce a batch of
// rows into a small structured summary plus follow-up actions.
package audit

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/diagforge/refinery/pkg/config"
	"github.com/diagforge/refinery/pkg/models"
	"github.com/diagforge/refinery/pkg/queuestore"
	"github.com/diagforge/refinery/pkg/store"
)

// completenessWeights are the Quality analysis's per-field weights
// (spec.md §4.6), summing to 1.0. TSB completeness is derived by
// co-occurrence (store.Audit.CompletenessRows), since TSBs have no
// knowledge.dtc_children kind of their own.
var completenessWeights = map[string]float64{
	"description": 0.15,
	"category":    0.05,
	"severity":    0.05,
	"causes":      0.25,
	"steps":       0.30,
	"sensors":     0.10,
	"tsb":         0.10,
}

// dtcCodePattern matches a DTC code's letter prefix and four-digit
// body, e.g. "P0171" -> prefix "P", number 171.
var dtcCodePattern = regexp.MustCompile(`^([PBCU])(\d{4})$`)

const statsWindow = 24 * time.Hour

// Auditor runs the three analyses and assembles a report.
type Auditor struct {
	control *store.Control
	auditDB *store.Audit
	queue   *queuestore.Store
	cfg     config.ThresholdConfig
}

// New builds an Auditor.
func New(control *store.Control, auditDB *store.Audit, queue *queuestore.Store, cfg config.ThresholdConfig) *Auditor {
	return &Auditor{control: control, auditDB: auditDB, queue: queue, cfg: cfg}
}

// QualityResult is the Quality analysis's output.
type QualityResult struct {
	ConfidenceHistogram map[string]int    `json:"confidence_histogram"`
	AverageConfidence   float64           `json:"average_confidence"`
	LowestCompleteness  []DTCCompleteness `json:"lowest_completeness"`
}

// DTCCompleteness is one DTC's weighted completeness score, the unit
// the Quality analysis ranks its 20 worst entries by.
type DTCCompleteness struct {
	Code         string  `json:"code"`
	Completeness float64 `json:"completeness"`
}

// confidenceBucket maps a [0,1] confidence into one of 5 fixed-width
// histogram buckets.
func confidenceBucket(c float64) string {
	switch {
	case c < 0.2:
		return "0.0-0.2"
	case c < 0.4:
		return "0.2-0.4"
	case c < 0.6:
		return "0.4-0.6"
	case c < 0.8:
		return "0.6-0.8"
	default:
		return "0.8-1.0"
	}
}

// Quality buckets every DTC's confidence into a 5-bin histogram,
// averages confidence across the set, and returns the 20 DTCs with
// the lowest weighted completeness score (spec.md §4.6 "Quality").
func (a *Auditor) Quality(ctx context.Context) (QualityResult, error) {
	rows, err := a.auditDB.CompletenessRows(ctx)
	if err != nil {
		return QualityResult{}, err
	}

	histogram := map[string]int{"0.0-0.2": 0, "0.2-0.4": 0, "0.4-0.6": 0, "0.6-0.8": 0, "0.8-1.0": 0}
	var total float64
	scored := make([]DTCCompleteness, 0, len(rows))
	for _, r := range rows {
		histogram[confidenceBucket(r.Confidence)]++
		total += r.Confidence
		scored = append(scored, DTCCompleteness{Code: r.Code, Completeness: completenessScore(r)})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Completeness < scored[j].Completeness })
	if len(scored) > 20 {
		scored = scored[:20]
	}

	result := QualityResult{ConfidenceHistogram: histogram, LowestCompleteness: scored}
	if len(rows) > 0 {
		result.AverageConfidence = total / float64(len(rows))
	}
	return result, nil
}

func completenessScore(r store.DTCCompleteness) float64 {
	var score float64
	if r.HasDescription {
		score += completenessWeights["description"]
	}
	if r.HasCategory {
		score += completenessWeights["category"]
	}
	if r.HasSeverity {
		score += completenessWeights["severity"]
	}
	if r.HasCauses {
		score += completenessWeights["causes"]
	}
	if r.HasSteps {
		score += completenessWeights["steps"]
	}
	if r.HasSensors {
		score += completenessWeights["sensors"]
	}
	if r.HasTSB {
		score += completenessWeights["tsb"]
	}
	return score
}

// CoverageGap is one under-populated 100-wide code window.
type CoverageGap struct {
	Prefix   string `json:"prefix"`
	RangeLo  int    `json:"range_lo"`
	RangeHi  int    `json:"range_hi"`
	Count    int    `json:"count"`
	Priority string `json:"priority"`
}

// CoverageResult is the Coverage analysis's output.
type CoverageResult struct {
	ByCategory   map[string]int `json:"by_category"`
	ByConfidence map[string]int `json:"by_confidence"`
	Gaps         []CoverageGap  `json:"gaps"`
}

// Coverage scans every DTC code's 100-wide window within its letter
// prefix and flags windows holding fewer than 5 codes when that
// prefix has more than 10 codes overall, returning the top 30 gaps by
// (priority desc, range asc) and persisting the day's snapshot
// (spec.md §4.6 "Coverage").
func (a *Auditor) Coverage(ctx context.Context, rows []store.DTCCompleteness, asOf time.Time) (CoverageResult, error) {
	prefixWindows := make(map[string]map[int]int) // prefix -> window-lo -> count
	prefixTotals := make(map[string]int)
	byCategory := make(map[string]int)
	byConfidence := make(map[string]int)

	for _, r := range rows {
		byConfidence[confidenceBucket(r.Confidence)]++
		byCategory[r.Category]++

		m := dtcCodePattern.FindStringSubmatch(r.Code)
		if m == nil {
			continue
		}
		prefix := m[1]
		num, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		window := (num / 100) * 100
		if prefixWindows[prefix] == nil {
			prefixWindows[prefix] = make(map[int]int)
		}
		prefixWindows[prefix][window]++
		prefixTotals[prefix]++
	}

	var gaps []CoverageGap
	for prefix, total := range prefixTotals {
		if total <= 10 {
			continue
		}
		for lo := 0; lo < 10000; lo += 100 {
			count := prefixWindows[prefix][lo]
			if count >= 5 {
				continue
			}
			priority := "medium"
			if count == 0 {
				priority = "high"
			}
			gaps = append(gaps, CoverageGap{Prefix: prefix, RangeLo: lo, RangeHi: lo + 99, Count: count, Priority: priority})
		}
	}

	sort.Slice(gaps, func(i, j int) bool {
		if gaps[i].Priority != gaps[j].Priority {
			return gaps[i].Priority == "high"
		}
		if gaps[i].Prefix != gaps[j].Prefix {
			return gaps[i].Prefix < gaps[j].Prefix
		}
		return gaps[i].RangeLo < gaps[j].RangeLo
	})
	if len(gaps) > 30 {
		gaps = gaps[:30]
	}

	result := CoverageResult{ByCategory: byCategory, ByConfidence: byConfidence, Gaps: gaps}

	if err := a.persistCoverageSnapshot(ctx, result, asOf); err != nil {
		return CoverageResult{}, err
	}
	return result, nil
}

func (a *Auditor) persistCoverageSnapshot(ctx context.Context, result CoverageResult, asOf time.Time) error {
	gapRanges := make(models.JSON, len(result.Gaps))
	for i, g := range result.Gaps {
		gapRanges[fmt.Sprintf("%d", i)] = g
	}
	byCategory := make(models.JSON, len(result.ByCategory))
	for k, v := range result.ByCategory {
		byCategory[k] = v
	}
	byConfidence := make(models.JSON, len(result.ByConfidence))
	for k, v := range result.ByConfidence {
		byConfidence[k] = v
	}

	var completeness float64
	if len(result.Gaps) > 0 {
		completeness = 1.0 - float64(len(result.Gaps))/30.0
	} else {
		completeness = 1.0
	}

	return a.control.UpsertCoverageSnapshot(ctx, asOf.Truncate(24*time.Hour), byCategory, byConfidence, gapRanges, completeness)
}

// PipelineResult is the Pipeline analysis's output.
type PipelineResult struct {
	Stats           []store.StageStats `json:"stats"`
	Bottleneck      string             `json:"bottleneck_queue"`
	BottleneckDepth int64              `json:"bottleneck_depth"`
	SlowestStage    models.Stage       `json:"slowest_stage"`
	StuckDocuments  int                `json:"stuck_documents"`
	Health          models.Health      `json:"health"`
}

// Pipeline measures throughput and error rate per stage over the
// trailing 24 hours, finds the deepest queue and the slowest stage by
// average duration, and classifies overall health as healthy, busy
// (>50 items queued), or degraded (>5 stuck documents, or any stage's
// error rate exceeds the configured threshold) (spec.md §4.6 "Pipeline").
func (a *Auditor) Pipeline(ctx context.Context) (PipelineResult, error) {
	stats, err := a.control.StageStatsSince(ctx, time.Now().Add(-statsWindow))
	if err != nil {
		return PipelineResult{}, err
	}

	var totalQueued int64
	var bottleneck string
	var bottleneckDepth int64
	for _, q := range queuestore.StageQueues() {
		depth, err := a.queue.Depth(ctx, q)
		if err != nil {
			return PipelineResult{}, fmt.Errorf("audit: failed to measure queue depth for %s: %w", q, err)
		}
		totalQueued += depth
		if depth > bottleneckDepth {
			bottleneckDepth = depth
			bottleneck = q
		}
	}

	var slowest models.Stage
	var slowestAvg float64
	degradedByErrorRate := false
	for _, s := range stats {
		if s.AvgDurationMS > slowestAvg {
			slowestAvg = s.AvgDurationMS
			slowest = s.Stage
		}
		if s.Total > 0 && float64(s.Failed)/float64(s.Total) > a.cfg.ErrorRateThreshold {
			degradedByErrorRate = true
		}
	}

	stuck, err := a.control.StuckDocumentCount(ctx, a.cfg.QueueStallThreshold)
	if err != nil {
		return PipelineResult{}, err
	}

	health := models.HealthHealthy
	switch {
	case stuck > 5 || degradedByErrorRate:
		health = models.HealthDegraded
	case totalQueued > 50:
		health = models.HealthBusy
	}

	return PipelineResult{
		Stats:           stats,
		Bottleneck:      bottleneck,
		BottleneckDepth: bottleneckDepth,
		SlowestStage:    slowest,
		StuckDocuments:  stuck,
		Health:          health,
	}, nil
}

// Report is the full audit pass: the three analyses plus a ranked
// recommendation list, ready to persist via store.Control.CreateAuditReport.
type Report struct {
	Quality         QualityResult
	Coverage        CoverageResult
	Pipeline        PipelineResult
	Summary         string
	Recommendations []models.Recommendation
}

// Run executes Quality, Coverage, and Pipeline, derives a ranked
// recommendation list, and persists the report.
func (a *Auditor) Run(ctx context.Context) (*Report, error) {
	quality, err := a.Quality(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: quality analysis failed: %w", err)
	}

	rows, err := a.auditDB.CompletenessRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to reload completeness rows for coverage: %w", err)
	}
	coverage, err := a.Coverage(ctx, rows, time.Now())
	if err != nil {
		return nil, fmt.Errorf("audit: coverage analysis failed: %w", err)
	}

	pipeline, err := a.Pipeline(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: pipeline analysis failed: %w", err)
	}

	report := &Report{
		Quality:         quality,
		Coverage:        coverage,
		Pipeline:        pipeline,
		Recommendations: recommend(quality, coverage, pipeline),
	}
	report.Summary = summarize(report)

	metrics := models.JSON{
		"quality":         quality,
		"coverage":        coverage,
		"pipeline":        pipeline,
		"recommendations": report.Recommendations,
	}
	if _, err := a.control.CreateAuditReport(ctx, "combined", report.Summary, metrics); err != nil {
		return nil, fmt.Errorf("audit: failed to persist report: %w", err)
	}
	return report, nil
}

// recommend turns the three analyses into a priority-1..6 ranked
// recommendation list (spec.md §4.6). Priority 1 is the orchestrator's
// most urgent signal: a degraded pipeline outranks a quality gap.
func recommend(quality QualityResult, coverage CoverageResult, pipeline PipelineResult) []models.Recommendation {
	var recs []models.Recommendation

	if pipeline.Health == models.HealthDegraded {
		recs = append(recs, models.Recommendation{
			Type:     models.RecommendFixPipeline,
			Priority: 1,
			Details:  models.JSON{"bottleneck_queue": pipeline.Bottleneck, "stuck_documents": pipeline.StuckDocuments},
		})
	}

	var failedTotal int
	for _, s := range pipeline.Stats {
		failedTotal += s.Failed
	}
	if failedTotal > 0 {
		recs = append(recs, models.Recommendation{
			Type:     models.RecommendReprocessErrors,
			Priority: 2,
			Details:  models.JSON{"failed_count": failedTotal},
		})
	}

	var highRanges, mediumRanges []string
	for _, g := range coverage.Gaps {
		r := fmt.Sprintf("%s%04d-%s%04d", g.Prefix, g.RangeLo, g.Prefix, g.RangeHi)
		if g.Priority == "high" {
			highRanges = append(highRanges, r)
		} else {
			mediumRanges = append(mediumRanges, r)
		}
	}
	if len(highRanges) > 0 {
		recs = append(recs, models.Recommendation{
			Type:     models.RecommendExpandCoverage,
			Priority: 3,
			Details:  models.JSON{"target_ranges": highRanges},
		})
	}

	if len(mediumRanges) > 0 {
		recs = append(recs, models.Recommendation{
			Type:     models.RecommendFillGaps,
			Priority: 4,
			Details:  models.JSON{"target_ranges": mediumRanges},
		})
	}

	if quality.AverageConfidence < 0.6 && len(quality.LowestCompleteness) > 0 {
		recs = append(recs, models.Recommendation{
			Type:     models.RecommendImproveConfidence,
			Priority: 5,
			Details:  models.JSON{"average_confidence": quality.AverageConfidence, "worst_codes": worstCodes(quality.LowestCompleteness, 5)},
		})
	}

	return recs
}

func worstCodes(rows []DTCCompleteness, n int) []string {
	if n > len(rows) {
		n = len(rows)
	}
	codes := make([]string, n)
	for i := 0; i < n; i++ {
		codes[i] = rows[i].Code
	}
	return codes
}

func summarize(r *Report) string {
	return fmt.Sprintf(
		"pipeline %s (bottleneck %s depth %d, %d stuck); %d coverage gaps; average confidence %.2f across tracked DTCs; %d recommendations",
		r.Pipeline.Health, r.Pipeline.Bottleneck, r.Pipeline.BottleneckDepth, r.Pipeline.StuckDocuments,
		len(r.Coverage.Gaps), r.Quality.AverageConfidence, len(r.Recommendations))
}
