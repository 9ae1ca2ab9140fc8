// Package queuestore provides the durable FIFO work queues and TTL
// rate-limit counters that coordinate the pipeline. The queue store is
// the only coordination medium between components: stage workers hop
// documents across per-stage queues, and the orchestrator/researcher/
// healer share TTL-keyed counters for rate limiting. Backed by Redis
// list and string commands, matching the shared key-value service
// described for the job queues.
package queuestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stage queue names, one durable FIFO per DAG stage.
const (
	QueueCrawl    = "jobs:crawl"
	QueueChunk    = "jobs:chunk"
	QueueEmbed    = "jobs:embed"
	QueueEvaluate = "jobs:evaluate"
	QueueExtract  = "jobs:extract"
	QueueResolve  = "jobs:resolve"
)

// Control-plane queue names.
const (
	QueueOrchestratorCommands = "orchestrator:commands"
	QueueOrchestratorResearch = "orchestrator:research"
	QueueOrchestratorAudit    = "orchestrator:audit"
	QueueMonitoringAlerts     = "monitoring:alerts"
	QueueResearcherResults    = "researcher:results"
)

// Store wraps a Redis client with the push/blocking-pop primitive and
// the TTL counter helpers shared across components.
type Store struct {
	client *redis.Client
}

// Config configures the Redis connection backing a Store.
type Config struct {
	URL string
}

// New opens a Redis client and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queue store URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to queue store: %w", err)
	}

	return &Store{client: client}, nil
}

// NewFromClient wraps an already-constructed redis.Client, used by
// tests running against miniredis.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Push appends payload to the tail of the named queue. Payloads are
// opaque strings — document UUIDs for stage queues, JSON objects with
// a "type" field for control queues.
func (s *Store) Push(ctx context.Context, queue, payload string) error {
	if err := s.client.RPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("failed to push to queue %q: %w", queue, err)
	}
	return nil
}

// PushJSON marshals v and pushes it onto the named queue.
func (s *Store) PushJSON(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for queue %q: %w", queue, err)
	}
	return s.Push(ctx, queue, string(body))
}

// BlockingPop waits up to timeout for a payload to appear on the named
// queue, returning ("", nil) on timeout with no payload available.
func (s *Store) BlockingPop(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	result, err := s.client.BLPop(ctx, timeout, queue).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to pop from queue %q: %w", queue, err)
	}
	if len(result) < 2 {
		return "", nil
	}
	return result[1], nil
}

// Pop removes and returns the head of the named queue without
// blocking, returning ("", nil) if the queue is empty. Used by
// fixed-interval loops (the orchestrator's commands inbox) that must
// drain a bounded number of messages per cycle without stalling on an
// empty queue.
func (s *Store) Pop(ctx context.Context, queue string) (string, error) {
	result, err := s.client.LPop(ctx, queue).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to pop from queue %q: %w", queue, err)
	}
	return result, nil
}

// Depth returns the number of payloads waiting on the named queue.
func (s *Store) Depth(ctx context.Context, queue string) (int64, error) {
	depth, err := s.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to measure depth of queue %q: %w", queue, err)
	}
	return depth, nil
}

// StageQueues lists the six per-stage queue names in DAG order, used by
// the monitor and orchestrator to sample depths.
func StageQueues() []string {
	return []string{QueueCrawl, QueueChunk, QueueEmbed, QueueEvaluate, QueueExtract, QueueResolve}
}
