// Package verifier implements spec.md §4.10: a timer-driven component
// that picks the next unverified diagnostic trouble code, fact-checks
// it against an external reasoning model, and records field-level
// verdicts plus an adjusted confidence score. Grounded on the original
// implementation's shared/openai_client.py multi-key rotation and
// workers/verify/worker.py cycle, re-expressed in the teacher's
// ticker-loop idiom (pkg/monitor, pkg/cleanup/service.go) since both
// are timer-driven rather than queue-driven.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/diagforge/refinery/pkg/queuestore"
)

// ErrNoAvailableKey is returned when every configured API key is over
// its 90% budget or otherwise unusable.
var ErrNoAvailableKey = errors.New("verifier: no api key has remaining budget")

// maxRetryDepth bounds the key-rotation recursion on a 429 response
// (spec.md §4.10 "up to depth 5").
const maxRetryDepth = 5

var sharedHTTPClient = &http.Client{Timeout: 60 * time.Second}

// KeyManager selects and rotates among configured API keys, tracking
// per-key usage and provider-reported rate-limit headroom through
// queuestore so the state survives restarts and is shared across
// replicas — the "multi-key manager" of spec.md §4.10.
type KeyManager struct {
	keys  []string
	queue *queuestore.Store
}

// NewKeyManager builds a KeyManager over the configured API keys,
// addressed internally as key_1, key_2, ... in configuration order.
func NewKeyManager(queue *queuestore.Store, apiKeys []string) *KeyManager {
	return &KeyManager{keys: apiKeys, queue: queue}
}

func keyID(index int) string {
	return fmt.Sprintf("key_%d", index+1)
}

// best returns the index and id of the key with the greatest
// remaining-minus-used headroom that hasn't exceeded its 90% budget,
// resetting any key whose provider-reported window has passed.
func (m *KeyManager) best(ctx context.Context) (int, string, error) {
	bestIndex := -1
	bestID := ""
	var bestScore int64 = -1

	for i := range m.keys {
		id := keyID(i)
		state, err := m.queue.KeyState(ctx, id)
		if err != nil {
			return -1, "", err
		}
		state, err = m.queue.ResetKeyStateIfExpired(ctx, id, state)
		if err != nil {
			return -1, "", err
		}
		if state.BudgetRequests > 0 && state.RequestsMade >= state.BudgetRequests {
			continue
		}
		score := state.RemainingRequests - state.RequestsMade
		if score > bestScore {
			bestScore = score
			bestIndex = i
			bestID = id
		}
	}
	return bestIndex, bestID, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// ChatCompletion sends messages to baseURL's chat-completions
// endpoint, rotating to the next-best key on a 429 up to
// maxRetryDepth, and returns the completion text with the id and
// token count of the key that served it.
func (m *KeyManager) ChatCompletion(ctx context.Context, baseURL, model string, messages []chatMessage, maxTokens int) (string, string, int64, error) {
	return m.chatCompletion(ctx, baseURL, model, messages, maxTokens, 0)
}

func (m *KeyManager) chatCompletion(ctx context.Context, baseURL, model string, messages []chatMessage, maxTokens int, depth int) (string, string, int64, error) {
	if depth > maxRetryDepth {
		return "", "", 0, fmt.Errorf("verifier: exhausted api keys after %d retries", maxRetryDepth)
	}

	index, id, err := m.best(ctx)
	if err != nil {
		return "", "", 0, err
	}
	if index == -1 {
		return "", "", 0, ErrNoAvailableKey
	}
	apiKey := m.keys[index]

	body, err := json.Marshal(chatRequest{Model: model, Messages: messages, Temperature: 0.1, MaxTokens: maxTokens})
	if err != nil {
		return "", "", 0, fmt.Errorf("verifier: failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", "", 0, fmt.Errorf("verifier: failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		_ = m.queue.RecordKeyError(ctx, id, err.Error())
		return "", "", 0, fmt.Errorf("verifier: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_ = m.queue.RecordKeyError(ctx, id, "rate_limited")
		return m.chatCompletion(ctx, baseURL, model, messages, maxTokens, depth+1)
	}
	if resp.StatusCode != http.StatusOK {
		_ = m.queue.RecordKeyError(ctx, id, fmt.Sprintf("http %d", resp.StatusCode))
		return "", "", 0, fmt.Errorf("verifier: unexpected status %d from %s", resp.StatusCode, baseURL)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", 0, fmt.Errorf("verifier: failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", "", 0, fmt.Errorf("verifier: empty completion from %s", baseURL)
	}

	remaining, resetIn, remainingTokens := parseRateLimitHeaders(resp.Header)
	if err := m.queue.RecordKeyUsage(ctx, id, parsed.Usage.TotalTokens, remaining, resetIn, remainingTokens); err != nil {
		return "", "", 0, err
	}

	return parsed.Choices[0].Message.Content, id, parsed.Usage.TotalTokens, nil
}

var resetDurationPattern = regexp.MustCompile(`(?:(\d+)h)?(?:(\d+)m)?(?:(\d+(?:\.\d+)?)s)?`)

// parseRateLimitHeaders reads OpenAI's x-ratelimit-* response headers,
// returning nil for any field the provider didn't send.
func parseRateLimitHeaders(h http.Header) (*int64, *time.Duration, *int64) {
	var remaining *int64
	var resetIn *time.Duration
	var remainingTokens *int64

	if v := h.Get("x-ratelimit-remaining-requests"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			remaining = &n
		}
	}
	if v := h.Get("x-ratelimit-reset-requests"); v != "" {
		d := parseResetDuration(v)
		resetIn = &d
	}
	if v := h.Get("x-ratelimit-remaining-tokens"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			remainingTokens = &n
		}
	}
	return remaining, resetIn, remainingTokens
}

// parseResetDuration parses OpenAI's "6m0s"/"1h30m0s" reset-header
// shape into a duration, defaulting to one minute if nothing matched.
func parseResetDuration(s string) time.Duration {
	m := resetDurationPattern.FindStringSubmatch(s)
	if m == nil {
		return time.Minute
	}
	var total time.Duration
	if m[1] != "" {
		if n, err := strconv.Atoi(m[1]); err == nil {
			total += time.Duration(n) * time.Hour
		}
	}
	if m[2] != "" {
		if n, err := strconv.Atoi(m[2]); err == nil {
			total += time.Duration(n) * time.Minute
		}
	}
	if m[3] != "" {
		if f, err := strconv.ParseFloat(m[3], 64); err == nil {
			total += time.Duration(f * float64(time.Second))
		}
	}
	if total == 0 {
		return time.Minute
	}
	return total
}
