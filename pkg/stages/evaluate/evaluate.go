// Package evaluate implements the pipeline's fourth stage: score each
// chunk's trust, relevance, and topical domain with the reasoning
// model, optionally enriched with a best-effort web-search context.
// Grounded on the teacher's pkg/queue/worker.go poll loop via
// pkg/worker.Skeleton.
package evaluate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/diagforge/refinery/pkg/document"
	"github.com/diagforge/refinery/pkg/llm"
	"github.com/diagforge/refinery/pkg/models"
	"github.com/diagforge/refinery/pkg/queuestore"
	"github.com/diagforge/refinery/pkg/search"
	"github.com/diagforge/refinery/pkg/store"
	"github.com/diagforge/refinery/pkg/worker"
)

const (
	popTimeout        = 5 * time.Second
	evaluateTemp      = 0.1
	searchMaxResults  = 3
	evaluateMaxTokens = 500
)

// Worker scores each chunk of a document for trust, relevance, and
// domain.
type Worker struct {
	queue        *queuestore.Store
	research     *store.Research
	llm          *llm.Client
	search       *search.Client // may be nil; enrichment is best-effort
	transitioner *document.Transitioner
	modelID      string
}

// New builds an evaluate Worker. searchClient may be nil to disable
// web-search enrichment entirely.
func New(queue *queuestore.Store, research *store.Research, llmClient *llm.Client, searchClient *search.Client, transitioner *document.Transitioner, modelID string) *Worker {
	return &Worker{queue: queue, research: research, llm: llmClient, search: searchClient, transitioner: transitioner, modelID: modelID}
}

// Skeleton wraps the worker in the generic poll-loop.
func (w *Worker) Skeleton() *worker.Skeleton {
	return &worker.Skeleton{Name: "evaluate", Poll: w.poll}
}

func (w *Worker) poll(ctx context.Context) error {
	docID, err := w.queue.BlockingPop(ctx, queuestore.QueueEvaluate, popTimeout)
	if err != nil {
		return fmt.Errorf("evaluate: failed to pop job: %w", err)
	}
	if docID == "" {
		return worker.ErrNoWork
	}
	return w.process(ctx, docID)
}

// process evaluates every chunk then makes exactly one transition
// call, to StageEvaluating itself — unlike chunk/embed, evaluate has
// no distinct "-ed" resting name, and stageQueue pushes onto
// QueueExtract whenever a document arrives at StageEvaluating
// regardless of status, so a second call here would double-push.
func (w *Worker) process(ctx context.Context, docID string) error {
	start := time.Now()

	chunks, err := w.research.ChunksForDocument(ctx, docID)
	if err != nil {
		return w.fail(ctx, docID, start, fmt.Errorf("failed to load chunks: %w", err))
	}

	for _, c := range chunks {
		eval, err := w.evaluateChunk(ctx, c)
		if err != nil {
			return w.fail(ctx, docID, start, fmt.Errorf("failed to evaluate chunk %d: %w", c.ChunkIndex, err))
		}
		if err := w.research.UpsertChunkEvaluation(ctx, eval); err != nil {
			return w.fail(ctx, docID, start, fmt.Errorf("failed to store evaluation for chunk %d: %w", c.ChunkIndex, err))
		}
	}

	if _, err := w.transitioner.Advance(ctx, docID, models.StageEvaluating, models.LogStatusCompleted,
		fmt.Sprintf("evaluated %d chunks", len(chunks)), time.Since(start)); err != nil {
		return fmt.Errorf("evaluate: failed to transition onward: %w", err)
	}
	return nil
}

type evaluationResponse struct {
	Trust     float64 `json:"trust"`
	Relevance float64 `json:"relevance"`
	Domain    string  `json:"domain"`
	Reasoning string  `json:"reasoning"`
}

func (w *Worker) evaluateChunk(ctx context.Context, c models.Chunk) (models.ChunkEvaluation, error) {
	prompt := w.buildPrompt(ctx, c.Text)

	var resp evaluationResponse
	if err := w.llm.GenerateJSON(ctx, prompt, llm.GenerateOptions{Temperature: evaluateTemp, MaxTokens: evaluateMaxTokens}, &resp); err != nil {
		return models.ChunkEvaluation{}, err
	}

	return models.ChunkEvaluation{
		ChunkID:   c.ID,
		Trust:     models.Clamp01(resp.Trust),
		Relevance: models.Clamp01(resp.Relevance),
		Domain:    models.ParseDomain(resp.Domain),
		Reasoning: models.Truncate(resp.Reasoning, models.MaxReasoningLen),
		ModelID:   w.modelID,
	}, nil
}

// buildPrompt enriches the base evaluation prompt with up to three
// best-effort web-search snippets; a search failure never blocks
// evaluation, it just means the prompt ships without enrichment.
func (w *Worker) buildPrompt(ctx context.Context, chunkText string) string {
	var sb strings.Builder
	sb.WriteString("Evaluate the following automotive diagnostic text for trustworthiness, relevance, and topical domain. ")
	sb.WriteString("Respond with JSON: {\"trust\": 0-1, \"relevance\": 0-1, \"domain\": one of engine/transmission/electrical/brakes/emissions/body/chassis/unknown, \"reasoning\": string}.\n\n")

	if w.search != nil {
		results, err := w.search.Search(ctx, chunkSearchQuery(chunkText), searchMaxResults)
		if err != nil {
			slog.Warn("evaluate: search enrichment failed, continuing without it", "error", err)
		} else if len(results) > 0 {
			sb.WriteString("Related context from the web:\n")
			for _, r := range results {
				sb.WriteString("- ")
				sb.WriteString(r.Title)
				sb.WriteString(": ")
				sb.WriteString(r.Snippet)
				sb.WriteString("\n")
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString("Text:\n")
	sb.WriteString(chunkText)
	return sb.String()
}

// chunkSearchQuery takes the first ~12 words of a chunk as the search
// query, keeping the request cheap and on-topic.
func chunkSearchQuery(text string) string {
	words := strings.Fields(text)
	if len(words) > 12 {
		words = words[:12]
	}
	return strings.Join(words, " ")
}

func (w *Worker) fail(ctx context.Context, docID string, start time.Time, cause error) error {
	if _, err := w.transitioner.Advance(ctx, docID, models.StageError, models.LogStatusFailed, cause.Error(), time.Since(start)); err != nil {
		return fmt.Errorf("%w (and failed to record error stage: %v)", cause, err)
	}
	return cause
}
