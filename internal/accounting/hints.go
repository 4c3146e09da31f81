package accounting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Hint asks the reconciliation worker to check one address promptly instead
// of waiting for the periodic sweep
type Hint struct {
	IP       string    `json:"ip"`
	Username string    `json:"username"`
	Reason   string    `json:"reason"`
	HintedAt time.Time `json:"hinted_at"`
}

// HintQueue carries reconcile hints from the ingestor to the worker
type HintQueue interface {
	Push(ctx context.Context, hint Hint) error
	// Pop blocks up to timeout; returns nil when nothing arrived
	Pop(ctx context.Context, timeout time.Duration) (*Hint, error)
}

const hintQueueKey = "netcore:reconcile:hints"

// RedisHintQueue is the production queue, shared between the accounting
// listener process and the API process.
type RedisHintQueue struct {
	client *redis.Client
}

func NewRedisHintQueue(client *redis.Client) *RedisHintQueue {
	return &RedisHintQueue{client: client}
}

func (q *RedisHintQueue) Push(ctx context.Context, hint Hint) error {
	payload, err := json.Marshal(hint)
	if err != nil {
		return fmt.Errorf("failed to encode hint: %w", err)
	}
	return q.client.LPush(ctx, hintQueueKey, payload).Err()
}

func (q *RedisHintQueue) Pop(ctx context.Context, timeout time.Duration) (*Hint, error) {
	res, err := q.client.BRPop(ctx, timeout, hintQueueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPOP returns [key, value]
	if len(res) != 2 {
		return nil, nil
	}
	var hint Hint
	if err := json.Unmarshal([]byte(res[1]), &hint); err != nil {
		return nil, fmt.Errorf("failed to decode hint: %w", err)
	}
	return &hint, nil
}

// MemoryHintQueue is an in-process queue used in tests and single-binary runs
type MemoryHintQueue struct {
	ch chan Hint
}

func NewMemoryHintQueue(size int) *MemoryHintQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryHintQueue{ch: make(chan Hint, size)}
}

func (q *MemoryHintQueue) Push(ctx context.Context, hint Hint) error {
	select {
	case q.ch <- hint:
		return nil
	default:
		return fmt.Errorf("hint queue full")
	}
}

func (q *MemoryHintQueue) Pop(ctx context.Context, timeout time.Duration) (*Hint, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case hint := <-q.ch:
		return &hint, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
