package queuestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewFromClient(client)
}

func TestStore_PushAndBlockingPop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Push(ctx, QueueCrawl, "doc-1"))

	depth, err := s.Depth(ctx, QueueCrawl)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	payload, err := s.BlockingPop(ctx, QueueCrawl, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", payload)

	depth, err = s.Depth(ctx, QueueCrawl)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth)
}

func TestStore_BlockingPopTimeout(t *testing.T) {
	s := newTestStore(t)
	payload, err := s.BlockingPop(context.Background(), QueueChunk, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestStore_PushJSON(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	directive := map[string]any{"type": "research", "target": "P0420"}
	require.NoError(t, s.PushJSON(ctx, QueueOrchestratorResearch, directive))

	payload, err := s.BlockingPop(ctx, QueueOrchestratorResearch, time.Second)
	require.NoError(t, err)
	assert.Contains(t, payload, "P0420")
}

func TestStore_FIFOOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Push(ctx, QueueEmbed, "a"))
	require.NoError(t, s.Push(ctx, QueueEmbed, "b"))
	require.NoError(t, s.Push(ctx, QueueEmbed, "c"))

	for _, want := range []string{"a", "b", "c"} {
		got, err := s.BlockingPop(ctx, QueueEmbed, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestStageQueues(t *testing.T) {
	assert.Equal(t, []string{QueueCrawl, QueueChunk, QueueEmbed, QueueEvaluate, QueueExtract, QueueResolve}, StageQueues())
}
