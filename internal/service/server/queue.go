package server

import (
	"context"
	"fmt"
	"sync"

	"e2e_relay/internal/model"
	"e2e_relay/internal/protocol/wire"
	redisSvc "e2e_relay/internal/service/redis"
)

// Queue holds messages for devices that are offline or have not yet
// acknowledged them.
type Queue interface {
	Push(ctx context.Context, to model.Address, msgs ...wire.Message) error
	// TakeAll returns and removes everything queued for to, oldest first.
	TakeAll(ctx context.Context, to model.Address) ([]wire.Message, error)
}

type RedisQueue struct {
	redisService *redisSvc.RedisService
}

func NewRedisQueue(r *redisSvc.RedisService) *RedisQueue {
	return &RedisQueue{redisService: r}
}

func queueKey(to model.Address) string {
	return fmt.Sprintf("relay:queue:%s", to)
}

func (q *RedisQueue) Push(ctx context.Context, to model.Address, msgs ...wire.Message) error {
	var vals []any
	for _, m := range msgs {
		data, err := m.Encode()
		if err != nil {
			return err
		}
		vals = append(vals, data)
	}
	if len(vals) == 0 {
		return nil
	}
	return q.redisService.RPush(ctx, queueKey(to), vals...)
}

func (q *RedisQueue) TakeAll(ctx context.Context, to model.Address) ([]wire.Message, error) {
	vals, err := q.redisService.LTakeAll(ctx, queueKey(to))
	if err != nil {
		return nil, err
	}

	res := make([]wire.Message, 0, len(vals))
	for _, v := range vals {
		msgs, err := wire.NewAssembler().Feed([]byte(v))
		if err != nil {
			return nil, err
		}
		if len(msgs) != 1 {
			return nil, fmt.Errorf("server: queued entry for %s holds %d messages", to, len(msgs))
		}
		res = append(res, msgs[0])
	}
	return res, nil
}

type MemoryQueue struct {
	mu       sync.Mutex
	messages map[model.Address][]wire.Message
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{messages: make(map[model.Address][]wire.Message)}
}

func (q *MemoryQueue) Push(_ context.Context, to model.Address, msgs ...wire.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages[to] = append(q.messages[to], msgs...)
	return nil
}

func (q *MemoryQueue) TakeAll(_ context.Context, to model.Address) ([]wire.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.messages[to]
	delete(q.messages, to)
	return msgs, nil
}
