package repository

import (
	"context"
	"testing"
	"time"

	"marketsync/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisQueue(t *testing.T) (*RedisJobQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClient(config.RedisConfig{Address: mr.Addr()})
	t.Cleanup(func() { _ = Close(client) })
	return NewRedisJobQueue(client, "test:jobs", "test:dead"), mr
}

func TestRedisJobQueue_FIFO(t *testing.T) {
	q, mr := newRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "a"))
	require.NoError(t, q.Push(ctx, "b"))

	list, err := mr.List("test:jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, list)

	id, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	id, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestRedisJobQueue_PopTimeoutReturnsEmpty(t *testing.T) {
	q, _ := newRedisQueue(t)

	id, err := q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestRedisJobQueue_RemoveAndDeadLetter(t *testing.T) {
	q, mr := newRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "a"))
	require.NoError(t, q.Push(ctx, "b"))
	require.NoError(t, q.Remove(ctx, "a"))

	list, err := mr.List("test:jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, list)

	require.NoError(t, q.DeadLetter(ctx, "a", "retries exhausted"))
	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "a", dead[0].JobID)
	assert.Equal(t, "retries exhausted", dead[0].Reason)
}

func TestRedisJobQueue_ErrorsWhenServerGone(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := NewRedisClient(config.RedisConfig{Address: mr.Addr()})
	defer Close(client)
	q := NewRedisJobQueue(client, "test:jobs", "test:dead")

	require.NoError(t, Ping(context.Background(), client))
	mr.Close()

	assert.Error(t, q.Push(context.Background(), "a"))
	assert.Error(t, Ping(context.Background(), client))
}
