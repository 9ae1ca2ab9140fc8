package queuestore

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// default per-key budget assumptions before the provider has reported
// anything, mirroring the original worker's optimistic starting quota
// (10000 requests/hour, 90% budget).
const (
	defaultKeyRemaining      = 10000
	defaultKeyBudgetRequests = 9000
	defaultKeyBudgetTokens   = 900000
)

func keyInfoKey(keyID string) string {
	return "verify:openai:key:" + keyID + ":info"
}

// KeyState is one API key's tracked usage and rate-limit headroom —
// the multi-key manager's per-key fields (spec.md §4.10): requests
// made, tokens used, the provider's last-reported remaining quota and
// reset time, and a budget clamped to 90% of the observed limit so the
// manager stops well short of the provider's own cutoff.
type KeyState struct {
	RequestsMade      int64
	TokensUsed        int64
	RemainingRequests int64
	ResetAt           time.Time
	BudgetRequests    int64
	BudgetTokens      int64
	LastError         string
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

// KeyState reads keyID's tracked usage, returning optimistic defaults
// for a key that has never made a call.
func (s *Store) KeyState(ctx context.Context, keyID string) (KeyState, error) {
	vals, err := s.client.HGetAll(ctx, keyInfoKey(keyID)).Result()
	if err != nil {
		return KeyState{}, fmt.Errorf("failed to read key state for %q: %w", keyID, err)
	}
	if len(vals) == 0 {
		return KeyState{
			RemainingRequests: defaultKeyRemaining,
			BudgetRequests:    defaultKeyBudgetRequests,
			BudgetTokens:      defaultKeyBudgetTokens,
		}, nil
	}

	state := KeyState{
		RequestsMade:      parseInt64(vals["requests_made"]),
		TokensUsed:        parseInt64(vals["tokens_used"]),
		RemainingRequests: parseInt64(vals["remaining_requests"]),
		BudgetRequests:    parseInt64(vals["budget_requests"]),
		BudgetTokens:      parseInt64(vals["budget_tokens"]),
		LastError:         vals["last_error"],
	}
	if ts := parseInt64(vals["reset_at"]); ts > 0 {
		state.ResetAt = time.Unix(ts, 0)
	}
	return state, nil
}

// ResetKeyStateIfExpired clears keyID's counters once its reset window
// has passed, returning the fresh state. A zero ResetAt means the key
// has never seen a provider response and is left untouched.
func (s *Store) ResetKeyStateIfExpired(ctx context.Context, keyID string, state KeyState) (KeyState, error) {
	if state.ResetAt.IsZero() || time.Now().Before(state.ResetAt) {
		return state, nil
	}
	fresh := KeyState{
		RemainingRequests: defaultKeyRemaining,
		BudgetRequests:    defaultKeyBudgetRequests,
		BudgetTokens:      defaultKeyBudgetTokens,
	}
	if err := s.client.HSet(ctx, keyInfoKey(keyID), map[string]any{
		"requests_made":      0,
		"tokens_used":        0,
		"remaining_requests": defaultKeyRemaining,
		"reset_at":           0,
	}).Err(); err != nil {
		return state, fmt.Errorf("failed to reset key state for %q: %w", keyID, err)
	}
	return fresh, nil
}

// RecordKeyUsage increments keyID's request/token counters after a
// completed call and, where the provider reported them, updates the
// observed remaining quota, reset time, and the 90%-of-observed-limit
// budget fields spec.md §4.10 names. Any of remainingRequests/resetIn/
// remainingTokens may be nil when the provider didn't send that header.
func (s *Store) RecordKeyUsage(ctx context.Context, keyID string, tokensUsed int64, remainingRequests *int64, resetIn *time.Duration, remainingTokens *int64) error {
	key := keyInfoKey(keyID)

	if err := s.client.HIncrBy(ctx, key, "requests_made", 1).Err(); err != nil {
		return fmt.Errorf("failed to increment request count for key %q: %w", keyID, err)
	}
	if err := s.client.HIncrBy(ctx, key, "tokens_used", tokensUsed).Err(); err != nil {
		return fmt.Errorf("failed to increment token count for key %q: %w", keyID, err)
	}

	if remainingRequests != nil {
		requestsMade, err := s.client.HGet(ctx, key, "requests_made").Int64()
		if err != nil {
			return fmt.Errorf("failed to read request count for key %q: %w", keyID, err)
		}
		total := requestsMade + *remainingRequests
		if err := s.client.HSet(ctx, key, map[string]any{
			"remaining_requests": *remainingRequests,
			"budget_requests":    int64(float64(total) * 0.9),
		}).Err(); err != nil {
			return fmt.Errorf("failed to update request budget for key %q: %w", keyID, err)
		}
	}

	if resetIn != nil {
		if err := s.client.HSet(ctx, key, "reset_at", time.Now().Add(*resetIn).Unix()).Err(); err != nil {
			return fmt.Errorf("failed to update reset time for key %q: %w", keyID, err)
		}
	}

	if remainingTokens != nil {
		tokensMade, err := s.client.HGet(ctx, key, "tokens_used").Int64()
		if err != nil {
			return fmt.Errorf("failed to read token count for key %q: %w", keyID, err)
		}
		total := tokensMade + *remainingTokens
		if err := s.client.HSet(ctx, key, "budget_tokens", int64(float64(total)*0.9)).Err(); err != nil {
			return fmt.Errorf("failed to update token budget for key %q: %w", keyID, err)
		}
	}

	return nil
}

// RecordKeyError stores the most recent error a key produced, for
// diagnostics surfaced through key-usage logging.
func (s *Store) RecordKeyError(ctx context.Context, keyID, errMsg string) error {
	if err := s.client.HSet(ctx, keyInfoKey(keyID), "last_error", errMsg).Err(); err != nil {
		return fmt.Errorf("failed to record error for key %q: %w", keyID, err)
	}
	return nil
}
