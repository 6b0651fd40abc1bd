package repository

import (
	"context"
	"sync/atomic"
	"time"

	"marketsync/internal/domain"

	"github.com/rs/zerolog"
)

// FailoverJobQueue prefers the primary queue (redis) and switches to the
// fallback (memory) when it errors, probing the primary again after retryAfter.
type FailoverJobQueue struct {
	primary    domain.JobQueue
	fallback   domain.JobQueue
	logger     *zerolog.Logger
	isDown     atomic.Bool
	lastCheck  atomic.Int64
	retryAfter time.Duration
}

var _ domain.JobQueue = (*FailoverJobQueue)(nil)

func NewFailoverJobQueue(primary, fallback domain.JobQueue, logger *zerolog.Logger) *FailoverJobQueue {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverJobQueue{
		primary:    primary,
		fallback:   fallback,
		logger:     logger,
		retryAfter: time.Minute,
	}
}

// usePrimary reports whether the primary should be tried for this call.
func (q *FailoverJobQueue) usePrimary() bool {
	if !q.isDown.Load() {
		return true
	}
	return time.Since(time.Unix(0, q.lastCheck.Load())) > q.retryAfter
}

func (q *FailoverJobQueue) markDown(err error, op string) {
	if !q.isDown.Swap(true) {
		q.logger.Error().Err(err).Str("op", op).Msg("Primary job queue failed, falling back to memory")
	}
	q.lastCheck.Store(time.Now().UnixNano())
}

func (q *FailoverJobQueue) markUp() {
	if q.isDown.Swap(false) {
		q.logger.Info().Msg("Primary job queue recovered")
	}
}

func (q *FailoverJobQueue) Push(ctx context.Context, jobID string) error {
	if q.usePrimary() {
		err := q.primary.Push(ctx, jobID)
		if err == nil {
			q.markUp()
			return nil
		}
		q.markDown(err, "push")
	}
	return q.fallback.Push(ctx, jobID)
}

// Pop drains anything parked in the fallback before blocking on the primary.
func (q *FailoverJobQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	if id, err := q.fallback.Pop(ctx, 0); err != nil || id != "" {
		return id, err
	}

	if q.usePrimary() {
		id, err := q.primary.Pop(ctx, timeout)
		if err == nil {
			q.markUp()
			return id, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		q.markDown(err, "pop")
	}
	return q.fallback.Pop(ctx, timeout)
}

func (q *FailoverJobQueue) Remove(ctx context.Context, jobID string) error {
	if err := q.fallback.Remove(ctx, jobID); err != nil {
		return err
	}
	if q.usePrimary() {
		if err := q.primary.Remove(ctx, jobID); err != nil {
			q.markDown(err, "remove")
		}
	}
	return nil
}

func (q *FailoverJobQueue) DeadLetter(ctx context.Context, jobID, reason string) error {
	if q.usePrimary() {
		err := q.primary.DeadLetter(ctx, jobID, reason)
		if err == nil {
			return nil
		}
		q.markDown(err, "dead_letter")
	}
	return q.fallback.DeadLetter(ctx, jobID, reason)
}
