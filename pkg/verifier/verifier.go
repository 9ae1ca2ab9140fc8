package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/diagforge/refinery/pkg/config"
	"github.com/diagforge/refinery/pkg/llm"
	"github.com/diagforge/refinery/pkg/models"
	"github.com/diagforge/refinery/pkg/queuestore"
	"github.com/diagforge/refinery/pkg/store"
)

const (
	defaultModel = "gpt-4o-mini"
	maxTokens    = 1500

	// idleMultiplier stretches the cycle interval when there's nothing
	// to verify, the same did-work/no-work backoff shape the original
	// worker used (VERIFY_INTERVAL vs VERIFY_INTERVAL*4).
	idleMultiplier = 4
)

// fieldResult is one field-level verdict the reasoning model returns.
type fieldResult struct {
	Result string `json:"result"`
	Notes  string `json:"notes,omitempty"`
}

// verification is the reasoning model's full structured response
// (spec.md §4.10).
type verification struct {
	Code                 string                 `json:"code"`
	OverallAccuracy      float64                `json:"overall_accuracy"`
	Fields               map[string]fieldResult `json:"fields"`
	ConfidenceAdjustment float64                `json:"confidence_adjustment"`
}

// Verifier picks the next unverified DTC, fact-checks it against an
// external reasoning model through the multi-key manager, and records
// field-level verdicts plus an adjusted overall confidence.
type Verifier struct {
	knowledge *store.Knowledge
	keys      *KeyManager
	baseURL   string
	model     string

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// New builds a Verifier from its store and queue dependencies and the
// configured API endpoint/keys.
func New(knowledge *store.Knowledge, queue *queuestore.Store, cfg config.VerifierConfig) *Verifier {
	return &Verifier{
		knowledge: knowledge,
		keys:      NewKeyManager(queue, cfg.APIKeys),
		baseURL:   cfg.BaseURL,
		model:     defaultModel,
	}
}

// Start launches the verify cycle loop in the background, running
// immediately and then at interval (stretched by idleMultiplier on a
// cycle that found nothing to verify).
func (v *Verifier) Start(ctx context.Context, interval time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancel != nil {
		return
	}
	ctx, v.cancel = context.WithCancel(ctx)
	v.done = make(chan struct{})
	go v.run(ctx, interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (v *Verifier) Stop() {
	v.mu.Lock()
	cancel := v.cancel
	done := v.done
	v.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (v *Verifier) run(ctx context.Context, interval time.Duration) {
	defer close(v.done)

	for {
		didWork := v.runCycle(ctx)

		wait := interval
		if !didWork {
			wait = interval * idleMultiplier
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// runCycle verifies at most one DTC, returning whether work was done.
// A cycle's failure is logged and swallowed — a single malformed
// response or a provider outage must not stop the loop.
func (v *Verifier) runCycle(ctx context.Context) bool {
	dtc, err := v.knowledge.NextUnverifiedDTC(ctx)
	if err != nil {
		slog.Error("verifier: failed to select next dtc", "error", err)
		return false
	}
	if dtc == nil {
		return false
	}

	if err := v.verifyOne(ctx, *dtc); err != nil {
		slog.Error("verifier: failed to verify dtc", "code", dtc.Code, "error", err)
		return false
	}
	return true
}

func (v *Verifier) verifyOne(ctx context.Context, dtc models.DTCMaster) error {
	causes, err := v.knowledge.ChildrenByKind(ctx, dtc.ID, models.ChildCause)
	if err != nil {
		return fmt.Errorf("failed to load causes for %s: %w", dtc.Code, err)
	}
	steps, err := v.knowledge.ChildrenByKind(ctx, dtc.ID, models.ChildDiagnosticStep)
	if err != nil {
		return fmt.Errorf("failed to load diagnostic steps for %s: %w", dtc.Code, err)
	}
	sensors, err := v.knowledge.ChildrenByKind(ctx, dtc.ID, models.ChildSensor)
	if err != nil {
		return fmt.Errorf("failed to load sensors for %s: %w", dtc.Code, err)
	}

	messages := buildVerificationPrompt(dtc, causes, steps, sensors)

	content, keyUsed, tokens, err := v.keys.ChatCompletion(ctx, v.baseURL, v.model, messages, maxTokens)
	if err != nil {
		return fmt.Errorf("chat completion failed for %s: %w", dtc.Code, err)
	}

	var result verification
	if err := llm.ParseJSONResponse(content, &result); err != nil {
		return fmt.Errorf("failed to parse verification response for %s: %w", dtc.Code, err)
	}

	return v.applyResult(ctx, dtc, result, keyUsed, tokens)
}

func (v *Verifier) applyResult(ctx context.Context, dtc models.DTCMaster, result verification, keyUsed string, tokens int64) error {
	adjustment := clamp(result.ConfidenceAdjustment, -0.3, 0.3)

	allConfirmed := len(result.Fields) > 0
	var anyDisputed, anyCorrected bool

	for field, fr := range result.Fields {
		if err := v.knowledge.InsertVerificationResult(ctx, dtc.ID, field, fr.Result, adjustment); err != nil {
			return fmt.Errorf("failed to record result for %s.%s: %w", dtc.Code, field, err)
		}
		switch fr.Result {
		case "confirmed":
		case "disputed":
			anyDisputed = true
			allConfirmed = false
		case "corrected":
			anyCorrected = true
			allConfirmed = false
		default:
			allConfirmed = false
		}
	}

	status := "uncertain"
	switch {
	case allConfirmed:
		status = "verified"
	case anyDisputed:
		status = "disputed"
	case anyCorrected:
		status = "corrected"
	}

	newConfidence := clamp(dtc.Confidence+adjustment, 0, 1)
	if err := v.knowledge.SetVerificationStatus(ctx, dtc.ID, status, newConfidence); err != nil {
		return fmt.Errorf("failed to set verification status for %s: %w", dtc.Code, err)
	}

	slog.Info("verifier: verified dtc", "code", dtc.Code, "status", status,
		"confidence_before", dtc.Confidence, "confidence_after", newConfidence, "key", keyUsed, "tokens", tokens)
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func buildVerificationPrompt(dtc models.DTCMaster, causes, steps, sensors []models.KnowledgeChild) []chatMessage {
	summary := map[string]any{
		"code":             dtc.Code,
		"description":      dtc.Description,
		"category":         dtc.Category,
		"severity":         dtc.SeverityLevel,
		"causes":           summarizeChildren(causes),
		"diagnostic_steps": summarizeChildren(steps),
		"sensors":          summarizeChildren(sensors),
	}
	body, _ := json.MarshalIndent(summary, "", "  ")

	return []chatMessage{
		{
			Role: "system",
			Content: "You are an automotive diagnostics expert. You verify the accuracy of " +
				"OBD-II diagnostic trouble code (DTC) information. Respond ONLY with a JSON " +
				"object, no other text.",
		},
		{
			Role: "user",
			Content: fmt.Sprintf(`Verify the following DTC code information for accuracy.

%s

For each field, assess whether it is:
- "confirmed": accurate and complete
- "corrected": has errors, provide the correction
- "disputed": likely wrong or misleading
- "uncertain": cannot determine accuracy

Respond with ONLY this JSON structure:
{
  "code": %q,
  "overall_accuracy": 0.0-1.0,
  "fields": {
    "description": {"result": "confirmed|corrected|disputed|uncertain", "notes": "explanation"},
    "causes": {"result": "confirmed|corrected|disputed|uncertain", "notes": "explanation"},
    "diagnostic_steps": {"result": "confirmed|corrected|disputed|uncertain", "notes": "explanation"},
    "sensors": {"result": "confirmed|corrected|disputed|uncertain", "notes": "explanation"}
  },
  "confidence_adjustment": -0.3 to +0.3
}`, body, dtc.Code),
		},
	}
}

func summarizeChildren(children []models.KnowledgeChild) []map[string]any {
	out := make([]map[string]any, 0, len(children))
	for _, c := range children {
		out = append(out, map[string]any{
			"text":     c.Text,
			"tools":    c.Tools,
			"expected": c.ExpectedValues,
			"evidence": c.EvidenceCount,
		})
	}
	return out
}
