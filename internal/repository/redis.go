package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketsync/internal/config"
	"marketsync/internal/domain"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds a client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

// RedisJobQueue dispatches job ids through a redis list so several workers
// (and restarts) share one queue. LPUSH on enqueue, BRPOP on dequeue.
type RedisJobQueue struct {
	client        *redis.Client
	key           string
	deadLetterKey string
}

var _ domain.JobQueue = (*RedisJobQueue)(nil)

func NewRedisJobQueue(client *redis.Client, key, deadLetterKey string) *RedisJobQueue {
	return &RedisJobQueue{client: client, key: key, deadLetterKey: deadLetterKey}
}

func (q *RedisJobQueue) Push(ctx context.Context, jobID string) error {
	if q.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := q.client.LPush(ctx, q.key, jobID).Err(); err != nil {
		return fmt.Errorf("failed to push job to redis: %w", err)
	}
	return nil
}

func (q *RedisJobQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	if q.client == nil {
		return "", fmt.Errorf("redis client is nil")
	}
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to pop job from redis: %w", err)
	}
	if len(res) != 2 {
		return "", nil
	}
	return res[1], nil
}

func (q *RedisJobQueue) Remove(ctx context.Context, jobID string) error {
	if q.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := q.client.LRem(ctx, q.key, 0, jobID).Err(); err != nil {
		return fmt.Errorf("failed to remove job from redis: %w", err)
	}
	return nil
}

func (q *RedisJobQueue) DeadLetter(ctx context.Context, jobID, reason string) error {
	if q.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	payload, err := json.Marshal(DeadLetter{JobID: jobID, Reason: reason, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.deadLetterKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns the most recent dead-lettered jobs, newest first.
func (q *RedisJobQueue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.client.LRange(ctx, q.deadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Ping checks the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
