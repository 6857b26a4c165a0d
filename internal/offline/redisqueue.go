package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// redisQueue keeps rows in a hash and their order in a sorted set scored by
// id, so several clients on one device profile can share a queue.
type redisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue wraps an existing client. The caller owns the client only
// until Close, which closes it.
func NewRedisQueue(client *redis.Client, prefix string) QueueStore {
	if prefix == "" {
		prefix = "collectr:queue"
	}
	return &redisQueue{client: client, prefix: prefix}
}

func dialRedisQueue(ctx context.Context, cfg Config) (QueueStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.Redis.Addr,
		Password: cfg.Queue.Redis.Password,
		DB:       cfg.Queue.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis queue %s: %w", cfg.Queue.Redis.Addr, err)
	}
	return NewRedisQueue(client, cfg.Queue.Redis.Prefix), nil
}

func (q *redisQueue) key(name string) string { return q.prefix + ":" + name }

func (q *redisQueue) Add(ctx context.Context, p PendingRequest) (PendingRequest, error) {
	id, err := q.client.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return PendingRequest{}, err
	}
	p.ID = uint64(id)
	if err := q.put(ctx, "rows", "order", p); err != nil {
		return PendingRequest{}, err
	}
	return p, nil
}

func (q *redisQueue) put(ctx context.Context, rows, order string, p PendingRequest) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	field := strconv.FormatUint(p.ID, 10)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key(rows), field, raw)
		pipe.ZAdd(ctx, q.key(order), redis.Z{Score: float64(p.ID), Member: field})
		return nil
	})
	return err
}

func (q *redisQueue) List(ctx context.Context) ([]PendingRequest, error) {
	return q.scan(ctx, "rows", "order")
}

func (q *redisQueue) DeadLetters(ctx context.Context) ([]PendingRequest, error) {
	return q.scan(ctx, "dead", "deadorder")
}

func (q *redisQueue) scan(ctx context.Context, rows, order string) ([]PendingRequest, error) {
	ids, err := q.client.ZRange(ctx, q.key(order), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := q.client.HMGet(ctx, q.key(rows), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]PendingRequest, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var p PendingRequest
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return nil, fmt.Errorf("decode queued row: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (q *redisQueue) Update(ctx context.Context, p PendingRequest) error {
	field := strconv.FormatUint(p.ID, 10)
	ok, err := q.client.HExists(ctx, q.key("rows"), field).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return q.client.HSet(ctx, q.key("rows"), field, raw).Err()
}

func (q *redisQueue) Delete(ctx context.Context, id uint64) error {
	field := strconv.FormatUint(id, 10)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.key("rows"), field)
		pipe.ZRem(ctx, q.key("order"), field)
		return nil
	})
	return err
}

func (q *redisQueue) Bury(ctx context.Context, p PendingRequest) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	field := strconv.FormatUint(p.ID, 10)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.key("rows"), field)
		pipe.ZRem(ctx, q.key("order"), field)
		pipe.HSet(ctx, q.key("dead"), field, raw)
		pipe.ZAdd(ctx, q.key("deadorder"), redis.Z{Score: float64(p.ID), Member: field})
		return nil
	})
	return err
}

const requeueRetries = 10

// Requeue moves a dead letter back to the tail of the queue. The dead hash
// is watched so two requeues of one id cannot both move it.
func (q *redisQueue) Requeue(ctx context.Context, id uint64) (PendingRequest, error) {
	field := strconv.FormatUint(id, 10)
	var p PendingRequest
	move := func(tx *redis.Tx) error {
		s, err := tx.HGet(ctx, q.key("dead"), field).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		p = PendingRequest{}
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return err
		}
		next, err := tx.Incr(ctx, q.key("seq")).Result()
		if err != nil {
			return err
		}
		p.ID = uint64(next)
		p.Attempts, p.NextAttemptAt, p.LastError, p.LastStatus = 0, 0, "", 0
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		newField := strconv.FormatUint(p.ID, 10)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, q.key("dead"), field)
			pipe.ZRem(ctx, q.key("deadorder"), field)
			pipe.HSet(ctx, q.key("rows"), newField, raw)
			pipe.ZAdd(ctx, q.key("order"), redis.Z{Score: float64(p.ID), Member: newField})
			return nil
		})
		return err
	}

	for i := 0; i < requeueRetries; i++ {
		err := q.client.Watch(ctx, move, q.key("dead"))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return PendingRequest{}, err
		}
		return p, nil
	}
	return PendingRequest{}, fmt.Errorf("requeue %d: dead-letter list kept changing", id)
}

func (q *redisQueue) PurgeDead(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key("deadorder")).Result()
	if err != nil {
		return 0, err
	}
	if err := q.client.Del(ctx, q.key("dead"), q.key("deadorder")).Err(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (q *redisQueue) Count(ctx context.Context) (int, int, error) {
	pending, err := q.client.ZCard(ctx, q.key("order")).Result()
	if err != nil {
		return 0, 0, err
	}
	dead, err := q.client.ZCard(ctx, q.key("deadorder")).Result()
	if err != nil {
		return 0, 0, err
	}
	return int(pending), int(dead), nil
}

func (q *redisQueue) Close() error { return q.client.Close() }
