package queuestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_KeyState_DefaultsForUnseenKey(t *testing.T) {
	s := newTestStore(t)
	state, err := s.KeyState(context.Background(), "key_1")
	require.NoError(t, err)
	assert.EqualValues(t, defaultKeyRemaining, state.RemainingRequests)
	assert.EqualValues(t, defaultKeyBudgetRequests, state.BudgetRequests)
	assert.Zero(t, state.RequestsMade)
}

func TestStore_RecordKeyUsage_TracksCountersAndBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	remaining := int64(9990)
	resetIn := 5 * time.Minute
	remainingTokens := int64(995000)

	require.NoError(t, s.RecordKeyUsage(ctx, "key_1", 200, &remaining, &resetIn, &remainingTokens))

	state, err := s.KeyState(ctx, "key_1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, state.RequestsMade)
	assert.EqualValues(t, 200, state.TokensUsed)
	assert.EqualValues(t, 9990, state.RemainingRequests)
	assert.EqualValues(t, int64(float64(1+9990)*0.9), state.BudgetRequests)
	assert.WithinDuration(t, time.Now().Add(resetIn), state.ResetAt, 2*time.Second)
}

func TestStore_ResetKeyStateIfExpired_ClearsPastWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	resetIn := -time.Minute
	remaining := int64(5)
	require.NoError(t, s.RecordKeyUsage(ctx, "key_1", 10, &remaining, &resetIn, nil))

	state, err := s.KeyState(ctx, "key_1")
	require.NoError(t, err)
	require.False(t, state.ResetAt.IsZero())

	fresh, err := s.ResetKeyStateIfExpired(ctx, "key_1", state)
	require.NoError(t, err)
	assert.Zero(t, fresh.RequestsMade)
	assert.EqualValues(t, defaultKeyRemaining, fresh.RemainingRequests)

	reloaded, err := s.KeyState(ctx, "key_1")
	require.NoError(t, err)
	assert.Zero(t, reloaded.RequestsMade)
}

func TestStore_ResetKeyStateIfExpired_LeavesFutureWindowAlone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	resetIn := time.Hour
	remaining := int64(5)
	require.NoError(t, s.RecordKeyUsage(ctx, "key_1", 10, &remaining, &resetIn, nil))

	state, err := s.KeyState(ctx, "key_1")
	require.NoError(t, err)

	unchanged, err := s.ResetKeyStateIfExpired(ctx, "key_1", state)
	require.NoError(t, err)
	assert.EqualValues(t, 1, unchanged.RequestsMade)
}

func TestStore_RecordKeyError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordKeyError(ctx, "key_1", "rate_limited"))

	state, err := s.KeyState(ctx, "key_1")
	require.NoError(t, err)
	assert.Equal(t, "rate_limited", state.LastError)
}
