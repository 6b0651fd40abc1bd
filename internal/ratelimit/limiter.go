package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"marketsync/internal/logging"
	"marketsync/internal/metrics"

	"github.com/rs/zerolog"
)

var (
	// ErrQueueCleared is returned to callers whose request was still queued when the platform queue was cleared.
	ErrQueueCleared = errors.New("rate limit queue cleared")
	ErrClosed       = errors.New("rate limiter closed")
)

// Stats is a point-in-time view of one platform queue.
type Stats struct {
	Queued      int
	Submitted   uint64
	Second      int
	Minute      int
	Hour        int
	PausedUntil time.Time
}

type platformQueue struct {
	name       string
	items      requestHeap
	state      *state
	seq        uint64
	processing bool
	wake       chan struct{}
}

// Limiter admits work per platform under second/minute/hour windows, highest priority first.
type Limiter struct {
	mu     sync.Mutex
	queues map[string]*platformQueue
	closed bool
	logger zerolog.Logger

	now     func() time.Time
	onAdmit func(platform string, priority int, seq uint64)
}

func New(logger *zerolog.Logger) *Limiter {
	l := &Limiter{
		queues: make(map[string]*platformQueue),
		logger: logging.Component(logger, "ratelimit"),
		now:    time.Now,
	}
	return l
}

// Configure sets the limits of a platform. Counters of the current windows are kept.
func (l *Limiter) Configure(platform string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.queueLocked(platform)
	q.state.setLimits(limits)
	q.signal()
}

// Submit queues action and blocks until it has been admitted and has returned.
// The action's error is passed through unchanged. If ctx ends first the request is
// dropped without consuming window capacity and ctx.Err() is returned.
func (l *Limiter) Submit(ctx context.Context, platform string, priority int, action func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	q := l.queueLocked(platform)
	q.seq++
	req := &request{
		ctx:      ctx,
		priority: priority,
		seq:      q.seq,
		action:   action,
		done:     make(chan error, 1),
	}
	q.items.push(req)
	metrics.SetQueueDepth(platform, q.items.Len())
	if !q.processing {
		q.processing = true
		go l.drain(q)
	} else {
		q.signal()
	}
	l.mu.Unlock()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		l.mu.Lock()
		q.signal()
		l.mu.Unlock()
		return ctx.Err()
	}
}

// PauseUntil stops admissions for a platform until the given time.
func (l *Limiter) PauseUntil(platform string, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.queueLocked(platform)
	if until.After(q.state.pausedUntil) {
		q.state.pausedUntil = until
		l.logger.Debug().Str("platform", platform).Time("until", until).Msg("platform paused")
	}
}

// Clear rejects every queued request of the platform with ErrQueueCleared.
func (l *Limiter) Clear(platform string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.queues[platform]
	if !ok {
		return 0
	}
	return l.clearLocked(q)
}

// Close clears every queue and rejects further submissions.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	for _, q := range l.queues {
		l.clearLocked(q)
	}
}

func (l *Limiter) Stats(platform string) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.queues[platform]
	if !ok {
		return Stats{}
	}
	now := l.now()
	counts := [3]int{}
	for i := range q.state.windows {
		if now.Before(q.state.windows[i].resetAt) {
			counts[i] = q.state.windows[i].count
		}
	}
	return Stats{
		Queued:      q.items.Len(),
		Submitted:   q.seq,
		Second:      counts[0],
		Minute:      counts[1],
		Hour:        counts[2],
		PausedUntil: q.state.pausedUntil,
	}
}

func (l *Limiter) queueLocked(platform string) *platformQueue {
	q, ok := l.queues[platform]
	if !ok {
		q = &platformQueue{
			name:  platform,
			state: newState(Limits{}),
			wake:  make(chan struct{}, 1),
		}
		l.queues[platform] = q
	}
	return q
}

func (l *Limiter) clearLocked(q *platformQueue) int {
	n := q.items.Len()
	for q.items.Len() > 0 {
		q.items.pop().done <- ErrQueueCleared
	}
	metrics.SetQueueDepth(q.name, 0)
	q.signal()
	return n
}

// drain is the only admission loop of a queue while q.processing is set.
func (l *Limiter) drain(q *platformQueue) {
	for {
		l.mu.Lock()
		for head := q.items.peek(); head != nil && head.ctx.Err() != nil; head = q.items.peek() {
			q.items.pop().done <- head.ctx.Err()
		}
		if q.items.Len() == 0 {
			q.processing = false
			metrics.SetQueueDepth(q.name, 0)
			l.mu.Unlock()
			return
		}

		wait := q.state.admit(l.now())
		if wait == 0 {
			req := q.items.pop()
			metrics.SetQueueDepth(q.name, q.items.Len())
			if l.onAdmit != nil {
				l.onAdmit(q.name, req.priority, req.seq)
			}
			l.mu.Unlock()
			go func() {
				req.done <- req.action(req.ctx)
			}()
			continue
		}
		l.mu.Unlock()

		l.logger.Debug().Str("platform", q.name).Dur("wait", wait).Msg("rate limit reached, waiting")
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		}
	}
}

func (q *platformQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
