// Package healer consumes the monitor's alert queue and decides
// whether to self-remediate or escalate to a human (spec.md §4.9). It
// pops alerts via the generic pkg/worker.Skeleton consumer loop, the
// same shape every stage worker and pkg/researcher's directive-driven
// half already use for queue-backed work.
package healer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/diagforge/refinery/pkg/config"
	"github.com/diagforge/refinery/pkg/document"
	"github.com/diagforge/refinery/pkg/llm"
	"github.com/diagforge/refinery/pkg/models"
	"github.com/diagforge/refinery/pkg/queuestore"
	"github.com/diagforge/refinery/pkg/store"
	"github.com/diagforge/refinery/pkg/worker"
)

const (
	popTimeout = 5 * time.Second

	// confidenceThreshold is the reasoning model's minimum confidence
	// for an unattended execution (spec.md §4.9).
	confidenceThreshold = 0.7

	// idempotencyTTL bounds how long an alert fingerprint blocks a
	// repeat remediation attempt once one has already been decided.
	idempotencyTTL = 10 * time.Minute

	// errorBacklog bounds how many errored documents requeue_errors
	// resubmits in one action, so one runaway alert can't flood every
	// stage queue at once.
	errorBacklog = 50
)

// ComponentRestarter restarts a named component (a worker process or a
// container), kept pluggable behind an interface since the container
// runtime is a deployment detail this repo doesn't own.
type ComponentRestarter interface {
	Restart(ctx context.Context, component string) error
}

// CommandRestarter shells out to a configured command template to
// restart a component, e.g. "docker restart refinery-%s" or
// "kubectl rollout restart deployment/refinery-%s". Grounded on
// pkg/mcp/transport.go's createStdioTransport use of exec.Command for
// the teacher's one other shelled-out subprocess.
type CommandRestarter struct {
	Template string
}

// Restart renders the restarter's template with component and runs it
// through the shell, so the template can use pipes/redirection if the
// operator's restart tooling needs it.
func (c CommandRestarter) Restart(ctx context.Context, component string) error {
	if c.Template == "" {
		return fmt.Errorf("healer: no restart command configured")
	}
	rendered := fmt.Sprintf(c.Template, component)
	cmd := exec.CommandContext(ctx, "sh", "-c", rendered)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("healer: restart command failed: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// decision is the reasoning model's structured remediation choice
// (spec.md §4.9).
type decision struct {
	Action       string         `json:"action"`
	Confidence   float64        `json:"confidence"`
	Reasoning    string         `json:"reasoning"`
	Parameters   map[string]any `json:"parameters"`
	Alternatives []string       `json:"alternatives"`
}

// Healer applies the three safety gates to each incoming alert, asks
// the reasoning model for a remediation decision, and executes or
// escalates.
type Healer struct {
	control      *store.Control
	research     *store.Research
	queue        *queuestore.Store
	transitioner *document.Transitioner
	llm          *llm.Client
	restarter    ComponentRestarter
	safety       config.SafetyConfig
	rateLimits   config.RateLimitConfig
}

// New builds a Healer.
func New(control *store.Control, research *store.Research, queue *queuestore.Store, transitioner *document.Transitioner, llmClient *llm.Client, restarter ComponentRestarter, safety config.SafetyConfig, rateLimits config.RateLimitConfig) *Healer {
	return &Healer{
		control:      control,
		research:     research,
		queue:        queue,
		transitioner: transitioner,
		llm:          llmClient,
		restarter:    restarter,
		safety:       safety,
		rateLimits:   rateLimits,
	}
}

// Skeleton wraps the alert consumer in the generic poll loop.
func (h *Healer) Skeleton() *worker.Skeleton {
	return &worker.Skeleton{Name: "healer", Poll: h.poll}
}

func (h *Healer) poll(ctx context.Context) error {
	payload, err := h.queue.BlockingPop(ctx, queuestore.QueueMonitoringAlerts, popTimeout)
	if err != nil {
		return fmt.Errorf("healer: failed to pop alert: %w", err)
	}
	if payload == "" {
		return worker.ErrNoWork
	}

	var alert models.Alert
	if err := parseAlert(payload, &alert); err != nil {
		slog.Error("healer: failed to parse alert", "error", err)
		return nil
	}
	if err := h.HandleAlert(ctx, alert); err != nil {
		slog.Error("healer: failed to handle alert", "type", alert.Type, "error", err)
	}
	return nil
}

// actionType strips a "restart_worker:embed"-shaped recommended/chosen
// action down to its type for allow-list comparison.
func actionType(action string) string {
	if i := strings.IndexByte(action, ':'); i != -1 {
		return action[:i]
	}
	return action
}

// actionTarget returns the ":"-delimited parameter of an action
// string, e.g. "embed" from "restart_worker:embed".
func actionTarget(action string) string {
	if i := strings.IndexByte(action, ':'); i != -1 {
		return action[i+1:]
	}
	return ""
}

// actionAllowed applies the allow-list safety gate: deny always wins,
// then the action must appear on a non-empty allow list (spec.md §4.9
// "allow-list (configured action types only)" — an empty allow list
// permits nothing).
func (h *Healer) actionAllowed(action string) bool {
	for _, d := range h.safety.AutoFixDeny {
		if d == action {
			return false
		}
	}
	for _, a := range h.safety.AutoFixAllow {
		if a == action {
			return true
		}
	}
	return false
}

// HandleAlert runs one alert through the safety gates, the reasoning
// model, and execution-or-escalation, persisting exactly one healing
// log entry for the outcome.
func (h *Healer) HandleAlert(ctx context.Context, alert models.Alert) error {
	recommended := actionType(alert.RecommendedAction)

	if !h.safety.AutoFixEnabled || !h.actionAllowed(recommended) {
		return h.logDecision(ctx, alert, alert.RecommendedAction, "escalated", false,
			"auto-fix disabled or recommended action not allow-listed")
	}

	count, err := h.queue.HealerActionCount(ctx)
	if err != nil {
		return fmt.Errorf("healer: failed to check action rate limit: %w", err)
	}
	if int(count) >= h.rateLimits.MaxActionsPerHour {
		return h.logDecision(ctx, alert, alert.RecommendedAction, "deferred", false,
			"hourly action rate limit reached")
	}

	cooling, err := h.queue.InActionCooldown(ctx)
	if err != nil {
		return fmt.Errorf("healer: failed to check action cooldown: %w", err)
	}
	if cooling {
		return h.logDecision(ctx, alert, alert.RecommendedAction, "deferred", false,
			"within cooldown window since last executed action")
	}

	fingerprint := "healed:" + alert.Fingerprint()
	seen, err := h.queue.Seen(ctx, fingerprint)
	if err != nil {
		return fmt.Errorf("healer: failed to check idempotency: %w", err)
	}
	if seen {
		return h.logDecision(ctx, alert, alert.RecommendedAction, "deferred", false,
			"identical alert already handled within its idempotency window")
	}

	dec, err := h.reason(ctx, alert)
	if err != nil {
		return h.logDecision(ctx, alert, alert.RecommendedAction, "escalated", false,
			fmt.Sprintf("reasoning model call failed: %v", err))
	}

	if dec.Confidence < confidenceThreshold || !h.actionAllowed(actionType(dec.Action)) {
		return h.logDecision(ctx, alert, dec.Action, "escalated", false, dec.Reasoning)
	}

	execErr := h.execute(ctx, dec)
	if err := h.queue.IncrementHealerActionCount(ctx); err != nil {
		slog.Error("healer: failed to increment action count", "error", err)
	}
	if err := h.queue.SetActionCooldown(ctx, h.rateLimits.CooldownBetweenActions); err != nil {
		slog.Error("healer: failed to set action cooldown", "error", err)
	}
	if err := h.queue.MarkSeen(ctx, fingerprint, idempotencyTTL); err != nil {
		slog.Error("healer: failed to mark alert fingerprint handled", "error", err)
	}

	if execErr != nil {
		return h.logDecision(ctx, alert, dec.Action, "executed", false,
			fmt.Sprintf("%s (execution failed: %v)", dec.Reasoning, execErr))
	}
	return h.logDecision(ctx, alert, dec.Action, "executed", true, dec.Reasoning)
}

// reason asks the reasoning model for a structured remediation
// decision given an alert, following the same GenerateJSON contract
// pkg/audit and pkg/researcher already use for structured completions.
func (h *Healer) reason(ctx context.Context, alert models.Alert) (decision, error) {
	prompt := fmt.Sprintf(`An automated pipeline monitor raised this alert:

type: %s
severity: %s
component: %s
details: %s
recommended_action: %s

Respond with a JSON object: {"action": string, "confidence": number between 0 and 1,
"reasoning": string, "parameters": object, "alternatives": array of strings}.
"action" must be one of: restart_worker, restart_container, requeue_documents,
requeue_errors, clear_stale_locks, escalate_to_human, optionally suffixed with
":<target>" the same way recommended_action is.`,
		alert.Type, alert.Severity, alert.Component, alert.Details, alert.RecommendedAction)

	var dec decision
	if err := h.llm.GenerateJSON(ctx, prompt, llm.GenerateOptions{MaxTokens: 400}, &dec); err != nil {
		return decision{}, fmt.Errorf("healer: reasoning call failed: %w", err)
	}
	return dec, nil
}

// execute dispatches a decided action to its concrete remediation.
func (h *Healer) execute(ctx context.Context, dec decision) error {
	action := actionType(dec.Action)
	target := actionTarget(dec.Action)

	switch action {
	case "restart_worker":
		return h.restarter.Restart(ctx, target)
	case "restart_container":
		return h.restarter.Restart(ctx, target)
	case "requeue_documents":
		n, err := h.transitioner.DwellSweep(ctx, 0)
		if err != nil {
			return fmt.Errorf("healer: requeue_documents failed: %w", err)
		}
		slog.Info("healer: requeued stuck documents", "count", n)
		return nil
	case "requeue_errors":
		return h.requeueErrors(ctx)
	case "clear_stale_locks":
		return h.clearStaleLocks(ctx, target)
	case "escalate_to_human":
		return nil
	default:
		return fmt.Errorf("healer: unknown action %q", dec.Action)
	}
}

// retryQueue maps the stage a document's processing_log last recorded
// progress at (see store.Research.LastAttemptedStage) to the queue
// whose worker should pick it up again. Distinct from pkg/document's
// internal stageQueue, which maps a *freshly completed* stage to the
// *next* stage's queue — here we're resubmitting to the SAME stage
// that failed, keyed by whichever of its two possible log-row names
// (its own "started" row, or its predecessor's "completed" row) was
// last seen.
var retryQueue = map[models.Stage]string{
	models.StageCrawling:   queuestore.QueueChunk,
	models.StageChunking:   queuestore.QueueChunk,
	models.StageChunked:    queuestore.QueueEmbed,
	models.StageEmbedding:  queuestore.QueueEmbed,
	models.StageEmbedded:   queuestore.QueueEvaluate,
	models.StageEvaluating: queuestore.QueueExtract,
	models.StageExtracting: queuestore.QueueResolve,
}

// requeueErrors resubmits documents stuck in StageError back onto the
// queue for the last stage they failed at.
func (h *Healer) requeueErrors(ctx context.Context) error {
	ids, err := h.research.ErroredDocumentIDs(ctx, errorBacklog)
	if err != nil {
		return fmt.Errorf("failed to list errored documents: %w", err)
	}

	var requeued int
	for _, id := range ids {
		stage, err := h.research.LastAttemptedStage(ctx, id)
		if err != nil {
			slog.Error("healer: failed to load last attempted stage", "document", id, "error", err)
			continue
		}
		queue, ok := retryQueue[stage]
		if !ok {
			slog.Warn("healer: no retry queue for stage, skipping", "document", id, "stage", stage)
			continue
		}
		if err := h.research.ResetDocumentStage(ctx, id, stage); err != nil {
			slog.Error("healer: failed to reset document stage", "document", id, "error", err)
			continue
		}
		if err := h.queue.Push(ctx, queue, id); err != nil {
			slog.Error("healer: failed to requeue errored document", "document", id, "error", err)
			continue
		}
		requeued++
	}
	slog.Info("healer: requeued errored documents", "count", requeued, "candidates", len(ids))
	return nil
}

// clearStaleLocks releases the researcher/healer cooldown markers for
// component — the closest existing analogue to a "lock" this repo's
// Redis coordination layer has (spec.md names no lock primitive beyond
// these TTL markers).
func (h *Healer) clearStaleLocks(ctx context.Context, component string) error {
	if err := h.queue.ClearActionCooldown(ctx); err != nil {
		return fmt.Errorf("failed to clear action cooldown: %w", err)
	}
	slog.Info("healer: cleared stale locks", "component", component)
	return nil
}

func (h *Healer) logDecision(ctx context.Context, alert models.Alert, action, decisionKind string, success bool, reasoning string) error {
	entry := models.HealingLog{
		AlertID:   alert.Fingerprint(),
		Action:    action,
		Component: alert.Component,
		Decision:  decisionKind,
		Success:   success,
		Reasoning: reasoning,
	}
	if err := h.control.InsertHealingLog(ctx, entry); err != nil {
		return fmt.Errorf("healer: failed to persist healing log: %w", err)
	}
	slog.Warn("healer: decision recorded", "action", action, "decision", decisionKind, "success", success)
	return nil
}

func parseAlert(payload string, out *models.Alert) error {
	return json.Unmarshal([]byte(payload), out)
}
