package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pilot-net/pingrelay/control-plane/internal/config"
	"github.com/pilot-net/pingrelay/pkg/types"
	"github.com/redis/go-redis/v9"
)

// ErrQueueFull is returned when a client already has the maximum number of
// pending instructions.
var ErrQueueFull = errors.New("instruction queue full")

// InstructionQueue holds probe instructions until the target client's next
// heartbeat. Instructions are delivered first in, first out, at most once.
type InstructionQueue interface {
	Push(ctx context.Context, clientID string, instr types.ProbeInstruction) error
	// Pop removes the oldest instruction, or returns nil when none is pending.
	Pop(ctx context.Context, clientID string) (*types.ProbeInstruction, error)
	Len(ctx context.Context, clientID string) (int64, error)
	Health(ctx context.Context) types.QueueHealth
}

// =============================================================================
// MEMORY
// =============================================================================

// MemoryQueue is an in-process InstructionQueue.
type MemoryQueue struct {
	mu      sync.Mutex
	pending map[string][]types.ProbeInstruction
	max     int
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending: make(map[string][]types.ProbeInstruction),
		max:     config.MaxPendingInstructions,
	}
}

func (q *MemoryQueue) Push(ctx context.Context, clientID string, instr types.ProbeInstruction) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending[clientID]) >= q.max {
		return ErrQueueFull
	}
	q.pending[clientID] = append(q.pending[clientID], instr)
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context, clientID string) (*types.ProbeInstruction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.pending[clientID]
	if len(list) == 0 {
		return nil, nil
	}
	instr := list[0]
	if len(list) == 1 {
		delete(q.pending, clientID)
	} else {
		q.pending[clientID] = list[1:]
	}
	return &instr, nil
}

func (q *MemoryQueue) Len(ctx context.Context, clientID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending[clientID])), nil
}

func (q *MemoryQueue) Health(ctx context.Context) types.QueueHealth {
	q.mu.Lock()
	defer q.mu.Unlock()

	var total int64
	for _, list := range q.pending {
		total += int64(len(list))
	}
	return types.QueueHealth{Backend: "memory", Connected: true, Pending: total}
}

// =============================================================================
// REDIS
// =============================================================================

const queuePrefix = "pingrelay:instructions:"

// RedisQueue stores each client's instructions in a Redis list so they
// survive controller restarts and are shared between replicas.
type RedisQueue struct {
	client *redis.Client
	max    int64
}

// NewRedisQueue creates a queue on an established client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, max: config.MaxPendingInstructions}
}

func (q *RedisQueue) Push(ctx context.Context, clientID string, instr types.ProbeInstruction) error {
	data, err := json.Marshal(instr)
	if err != nil {
		return err
	}
	key := queuePrefix + clientID
	n, err := q.client.RPush(ctx, key, data).Result()
	if err != nil {
		return fmt.Errorf("queueing instruction: %w", err)
	}
	if n > q.max {
		// Undo our own push; it is the tail of the list.
		q.client.RPop(ctx, key)
		return ErrQueueFull
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context, clientID string) (*types.ProbeInstruction, error) {
	data, err := q.client.LPop(ctx, queuePrefix+clientID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("popping instruction: %w", err)
	}
	var instr types.ProbeInstruction
	if err := json.Unmarshal(data, &instr); err != nil {
		return nil, fmt.Errorf("decoding instruction: %w", err)
	}
	return &instr, nil
}

func (q *RedisQueue) Len(ctx context.Context, clientID string) (int64, error) {
	return q.client.LLen(ctx, queuePrefix+clientID).Result()
}

func (q *RedisQueue) Health(ctx context.Context) types.QueueHealth {
	h := types.QueueHealth{Backend: "redis"}
	if err := q.client.Ping(ctx).Err(); err != nil {
		return h
	}
	h.Connected = true

	iter := q.client.Scan(ctx, 0, queuePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if !strings.HasPrefix(iter.Val(), queuePrefix) {
			continue
		}
		if n, err := q.client.LLen(ctx, iter.Val()).Result(); err == nil {
			h.Pending += n
		}
	}
	return h
}
