// Package orchestrator runs the fixed-interval OODA cycle that turns
// system state and audit recommendations into dispatched directives
// (spec.md §4.7). Grounded on the teacher's pkg/cleanup/service.go
// ticker-driven loop shape rather than the blocking-pop pkg/worker
// skeleton, since a cycle runs on a clock, not against a queue.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/diagforge/refinery/pkg/config"
	"github.com/diagforge/refinery/pkg/models"
	"github.com/diagforge/refinery/pkg/queuestore"
	"github.com/diagforge/refinery/pkg/store"
)

// command is the shape of a commands-inbox payload (spec.md §4.7 and
// §6 "UTF-8 JSON object with a type field and type-specific fields").
type command struct {
	Type      string `json:"type"`
	Directive string `json:"directive,omitempty"`
	TaskID    int64  `json:"task_id,omitempty"`
}

func parseCommand(payload string) (command, error) {
	var cmd command
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		return command{}, fmt.Errorf("invalid command payload: %w", err)
	}
	return cmd, nil
}

const (
	busyQueuedThreshold = 50
	commandsPerCycle    = 10
	cycleLogCapacity    = 100
)

// SystemState is the Observe step's snapshot.
type SystemState struct {
	QueueDepths    map[string]int64          `json:"queue_depths"`
	GPULoad        int64                     `json:"gpu_load"`
	CrawlLoad      int64                     `json:"crawl_load"`
	TotalQueued    int64                     `json:"total_queued"`
	PipelineIdle   bool                      `json:"pipeline_idle"`
	TaskCounts     map[models.TaskStatus]int `json:"task_counts"`
	HasAuditReport bool                      `json:"has_audit_report"`
}

// situation is the Orient step's derived availability booleans.
type situation struct {
	gpuBusy        bool
	pipelineBusy   bool
	pipelineIdle   bool
	crawlAvailable bool
}

// action is one Decide-step output, ready to dispatch in Act.
type action struct {
	Type     string
	Priority int
	Queue    string
	Payload  models.JSON
}

// CycleRecord is one entry in the ring-buffer cycle audit log.
type CycleRecord struct {
	Cycle   int         `json:"cycle"`
	Actions []string    `json:"actions"`
	Details models.JSON `json:"details"`
	State   SystemState `json:"state"`
	At      time.Time   `json:"at"`
}

// Orchestrator runs the OODA cycle and the commands inbox.
type Orchestrator struct {
	control *store.Control
	queue   *queuestore.Store
	cfg     config.ThresholdConfig

	mu      sync.Mutex
	cycleN  int
	log     []CycleRecord

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an Orchestrator.
func New(control *store.Control, queue *queuestore.Store, cfg config.ThresholdConfig) *Orchestrator {
	return &Orchestrator{control: control, queue: queue, cfg: cfg}
}

// Start launches the cycle loop in the background.
func (o *Orchestrator) Start(ctx context.Context, interval time.Duration) {
	if o.cancel != nil {
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})
	go o.run(ctx, interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
}

func (o *Orchestrator) run(ctx context.Context, interval time.Duration) {
	defer close(o.done)

	o.runCycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runCycle(ctx)
		}
	}
}

// runCycle executes one full Observe/Orient/Decide/Act pass. Errors
// are logged and swallowed — a control-plane cycle failure must never
// stop the loop (spec.md §7 "Control-plane failures").
func (o *Orchestrator) runCycle(ctx context.Context) {
	o.drainCommands(ctx)

	state, err := o.observe(ctx)
	if err != nil {
		slog.Error("orchestrator: observe failed", "error", err)
		return
	}

	sit := orient(state, o.cfg)

	report, err := o.control.LatestAuditReport(ctx)
	if err != nil {
		slog.Error("orchestrator: failed to load latest audit report", "error", err)
		return
	}
	state.HasAuditReport = report != nil

	actions := decide(sit, report)

	details := o.act(ctx, actions)
	o.recordCycle(state, actions, details)
}

func (o *Orchestrator) observe(ctx context.Context) (SystemState, error) {
	depths := make(map[string]int64, len(queuestore.StageQueues()))
	var total int64
	for _, q := range queuestore.StageQueues() {
		d, err := o.queue.Depth(ctx, q)
		if err != nil {
			return SystemState{}, fmt.Errorf("failed to measure depth of %s: %w", q, err)
		}
		depths[q] = d
		total += d
	}

	gpuLoad := depths[queuestore.QueueEmbed] + depths[queuestore.QueueEvaluate] + depths[queuestore.QueueExtract]
	crawlLoad := depths[queuestore.QueueCrawl]

	counts, err := o.control.TaskCounts(ctx)
	if err != nil {
		return SystemState{}, fmt.Errorf("failed to load task counts: %w", err)
	}

	return SystemState{
		QueueDepths:  depths,
		GPULoad:      gpuLoad,
		CrawlLoad:    crawlLoad,
		TotalQueued:  total,
		PipelineIdle: total == 0,
		TaskCounts:   counts,
	}, nil
}

func orient(state SystemState, cfg config.ThresholdConfig) situation {
	return situation{
		gpuBusy:        state.GPULoad > int64(cfg.MaxGPUQueueItems),
		pipelineBusy:   state.TotalQueued > busyQueuedThreshold,
		pipelineIdle:   state.PipelineIdle,
		crawlAvailable: state.CrawlLoad < int64(cfg.MaxGPUQueueItems),
	}
}

// decide applies the priority-ordered rules from spec.md §4.7 and
// returns the resulting actions sorted by priority.
func decide(sit situation, report *models.AuditReport) []action {
	var actions []action

	if sit.pipelineBusy {
		actions = append(actions, action{Type: "wait", Priority: 1, Payload: models.JSON{"reason": "total_queued exceeds threshold"}})
	}
	if sit.gpuBusy && sit.pipelineBusy {
		actions = append(actions, action{Type: "wait", Priority: 2, Payload: models.JSON{"reason": "gpu and pipeline both busy"}})
	}
	if report == nil {
		actions = append(actions, action{
			Type: "trigger_audit", Priority: 3, Queue: queuestore.QueueOrchestratorAudit,
			Payload: models.JSON{"type": "trigger_audit"},
		})
	} else {
		for _, rec := range recommendationsFromReport(report) {
			actions = append(actions, recommendationToAction(rec, sit))
		}
	}

	if sit.pipelineIdle && len(actions) == 0 {
		actions = append(actions, action{Type: "idle", Priority: 6, Payload: models.JSON{}})
	}

	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Priority < actions[j].Priority })
	return actions
}

// recommendationsFromReport recovers the ranked recommendation list
// the auditor computed. AuditReport.Recommendations is never
// persisted (it carries a db:"-" tag, and research.audit_reports has
// no dedicated column for it) — the auditor instead folds it into the
// metrics JSON blob under "recommendations", so reloading a report via
// LatestAuditReport requires this round trip through the generic
// JSON value rather than a direct field read.
func recommendationsFromReport(report *models.AuditReport) []models.Recommendation {
	raw, ok := report.Metrics["recommendations"]
	if !ok || raw == nil {
		return nil
	}
	body, err := json.Marshal(raw)
	if err != nil {
		slog.Error("orchestrator: failed to re-marshal recommendations", "error", err)
		return nil
	}
	var recs []models.Recommendation
	if err := json.Unmarshal(body, &recs); err != nil {
		slog.Error("orchestrator: failed to parse recommendations", "error", err)
		return nil
	}
	return recs
}

func recommendationToAction(rec models.Recommendation, sit situation) action {
	switch rec.Type {
	case models.RecommendImproveConfidence, models.RecommendFillGaps:
		if !sit.crawlAvailable {
			return action{Type: "wait", Priority: rec.Priority, Payload: models.JSON{"reason": "crawl unavailable", "deferred": string(rec.Type)}}
		}
		return action{
			Type: "research", Priority: rec.Priority, Queue: queuestore.QueueOrchestratorResearch,
			Payload: models.JSON{"type": "research", "directive": string(rec.Type), "details": rec.Details},
		}
	case models.RecommendExpandCoverage:
		return action{
			Type: "research", Priority: rec.Priority, Queue: queuestore.QueueOrchestratorResearch,
			Payload: models.JSON{"type": "research", "directive": "expand_coverage", "target_ranges": rec.Details["target_ranges"]},
		}
	case models.RecommendFixPipeline, models.RecommendReprocessErrors:
		return action{
			Type: "alert", Priority: rec.Priority, Queue: queuestore.QueueMonitoringAlerts,
			Payload: models.JSON{"type": "alert", "directive": string(rec.Type), "details": rec.Details},
		}
	default:
		return action{Type: "idle", Priority: rec.Priority, Payload: models.JSON{}}
	}
}

// act dedups each action against in-flight tasks of the same type,
// creates a task row, transitions it to in_progress, and pushes the
// directive to its target queue (spec.md §4.7 "Act").
func (o *Orchestrator) act(ctx context.Context, actions []action) models.JSON {
	details := models.JSON{}
	for _, a := range actions {
		if a.Type == "wait" || a.Type == "idle" {
			continue
		}
		pending, err := o.control.HasPendingTask(ctx, a.Type)
		if err != nil {
			slog.Error("orchestrator: failed to check pending task", "type", a.Type, "error", err)
			continue
		}
		if pending {
			details[a.Type+"_skipped"] = "already pending"
			continue
		}

		id, err := o.control.CreateTask(ctx, a.Type, a.Priority, a.Payload)
		if err != nil {
			slog.Error("orchestrator: failed to create task", "type", a.Type, "error", err)
			continue
		}
		if err := o.control.TransitionTask(ctx, id, models.TaskInProgress, "orchestrator"); err != nil {
			slog.Error("orchestrator: failed to transition task", "id", id, "error", err)
			continue
		}
		if a.Queue != "" {
			if err := o.queue.PushJSON(ctx, a.Queue, a.Payload); err != nil {
				slog.Error("orchestrator: failed to push directive", "queue", a.Queue, "error", err)
				continue
			}
		}
		details[a.Type] = id
	}
	return details
}

// drainCommands consumes up to commandsPerCycle messages from the
// commands queue each cycle, the API-driven manual-override and
// researcher/auditor callback channel (spec.md §4.7).
func (o *Orchestrator) drainCommands(ctx context.Context) {
	for i := 0; i < commandsPerCycle; i++ {
		payload, err := o.queue.Pop(ctx, queuestore.QueueOrchestratorCommands)
		if err != nil {
			slog.Error("orchestrator: failed to pop command", "error", err)
			return
		}
		if payload == "" {
			return
		}
		o.handleCommand(ctx, payload)
	}
}

func (o *Orchestrator) handleCommand(ctx context.Context, payload string) {
	cmd, err := parseCommand(payload)
	if err != nil {
		slog.Error("orchestrator: failed to parse command", "error", err)
		return
	}
	switch cmd.Type {
	case "trigger_audit":
		if err := o.queue.PushJSON(ctx, queuestore.QueueOrchestratorAudit, map[string]string{"type": "trigger_audit"}); err != nil {
			slog.Error("orchestrator: failed to forward trigger_audit", "error", err)
		}
	case "trigger_research":
		if err := o.queue.PushJSON(ctx, queuestore.QueueOrchestratorResearch, map[string]any{"type": "research", "directive": cmd.Directive}); err != nil {
			slog.Error("orchestrator: failed to forward trigger_research", "error", err)
		}
	case "audit_findings", "research_complete":
		// Callback acknowledgements: the originating task (created in
		// act()) is marked completed so HasPendingTask stops deduping it.
		if cmd.TaskID != 0 {
			if err := o.control.TransitionTask(ctx, cmd.TaskID, models.TaskCompleted, ""); err != nil {
				slog.Error("orchestrator: failed to complete callback task", "task_id", cmd.TaskID, "error", err)
			}
		}
	default:
		slog.Warn("orchestrator: unrecognized command", "type", cmd.Type)
	}
}

func (o *Orchestrator) recordCycle(state SystemState, actions []action, details models.JSON) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cycleN++
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.Type
	}

	record := CycleRecord{Cycle: o.cycleN, Actions: names, Details: details, State: state, At: time.Now()}
	o.log = append(o.log, record)
	if len(o.log) > cycleLogCapacity {
		o.log = o.log[len(o.log)-cycleLogCapacity:]
	}
}

// RecentCycles returns a copy of the ring-buffer cycle audit log, most
// recent last.
func (o *Orchestrator) RecentCycles() []CycleRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]CycleRecord, len(o.log))
	copy(out, o.log)
	return out
}
