package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"marketsync/internal/domain"
	"marketsync/internal/events"
	"marketsync/internal/logging"
	"marketsync/internal/metrics"
	"marketsync/internal/models"
	"marketsync/internal/platform"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotRetryable = errors.New("job is not retryable")
	// ErrRetryLimitReached also matches ErrJobNotRetryable.
	ErrRetryLimitReached = fmt.Errorf("%w: retry limit reached", ErrJobNotRetryable)
	ErrJobFinished       = errors.New("job already finished")
	ErrInvalidJob        = errors.New("invalid job")
)

const persistTimeout = 5 * time.Second

// Options tunes the worker pool.
type Options struct {
	MaxConcurrentJobs int
	// MaxJobRetries defaults when nil; a pointer to 0 disables job retries.
	MaxJobRetries     *int
	JobTimeout        time.Duration
	// PollInterval bounds how often idle workers scan the store for pending jobs.
	PollInterval time.Duration
	PopTimeout   time.Duration
	BatchSize    int
	// ProgressInterval throttles progress writes while a job runs.
	ProgressInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrentJobs <= 0 {
		o.MaxConcurrentJobs = models.DefaultMaxConcurrentJobs
	}
	if o.MaxJobRetries == nil || *o.MaxJobRetries < 0 {
		n := models.DefaultMaxJobRetries
		o.MaxJobRetries = &n
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 15 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.PopTimeout <= 0 {
		o.PopTimeout = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = time.Second
	}
}

// ProgressRecorder receives item counts as jobs advance.
type ProgressRecorder interface {
	RecordSyncProgress(platform string, processed, failed int)
}

// ConflictRecorder stores divergences found by catalog sync.
type ConflictRecorder interface {
	RecordConflict(ctx context.Context, c models.Conflict) (*models.Conflict, error)
}

// Deps are the collaborators an Orchestrator drives. Progress and Events may be nil.
type Deps struct {
	Store     domain.Store
	Queue     domain.JobQueue
	Registry  *platform.Registry
	Conflicts ConflictRecorder
	Progress  ProgressRecorder
	Events    domain.EventPublisher
}

// JobRequest is the input to CreateJob.
type JobRequest struct {
	OrganizationID string             `json:"organization_id"`
	StoreID        string             `json:"store_id"`
	Platform       string             `json:"platform"`
	Type           models.JobType     `json:"type"`
	Options        models.JobMetadata `json:"options"`
}

type jobRun struct {
	cancelled atomic.Bool
}

// Orchestrator owns the SyncJob lifecycle: it persists jobs, dispatches them to
// a bounded pool of workers and applies every status transition.
type Orchestrator struct {
	deps      Deps
	opts      Options
	executors map[models.JobType]Executor
	logger    zerolog.Logger
	now       func() time.Time

	// mu serializes status transitions and guards inFlight.
	mu       sync.Mutex
	inFlight map[string]*jobRun

	lastPoll atomic.Int64
	wg       sync.WaitGroup
}

func NewOrchestrator(deps Deps, opts Options, logger *zerolog.Logger) *Orchestrator {
	opts.applyDefaults()
	o := &Orchestrator{
		deps:      deps,
		opts:      opts,
		executors: defaultExecutors(),
		logger:    logging.Component(logger, "orchestrator"),
		now:       time.Now,
		inFlight:  make(map[string]*jobRun),
	}
	return o
}

// RegisterExecutor replaces the executor for a job type.
func (o *Orchestrator) RegisterExecutor(t models.JobType, e Executor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.executors[t] = e
}

// CreateJob persists a pending job and queues it for dispatch.
func (o *Orchestrator) CreateJob(ctx context.Context, req JobRequest) (*models.SyncJob, error) {
	if req.OrganizationID == "" {
		return nil, fmt.Errorf("%w: organization id is required", ErrInvalidJob)
	}
	if !req.Type.IsValid() {
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidJob, req.Type)
	}
	if _, err := o.deps.Registry.Get(req.Platform); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	now := o.now().UTC()
	job := &models.SyncJob{
		ID:             uuid.NewString(),
		OrganizationID: req.OrganizationID,
		StoreID:        req.StoreID,
		Platform:       req.Platform,
		Type:           req.Type,
		Status:         models.JobStatusPending,
		Metadata:       models.JobMetadata{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for k, v := range req.Options {
		job.Metadata[k] = v
	}

	if err := o.deps.Store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	o.enqueue(ctx, job.ID)

	o.logger.Info().
		Str("job_id", job.ID).
		Str("platform", job.Platform).
		Str("type", string(job.Type)).
		Msg("job created")
	metrics.IncJob(string(job.Type), string(job.Status))
	o.publish(events.EventJobCreated, job)

	return job.Clone(), nil
}

// RetryJob re-queues a failed job whose retry count is still below the limit.
func (o *Orchestrator) RetryJob(ctx context.Context, id string) (*models.SyncJob, error) {
	o.mu.Lock()
	job, err := o.getJob(ctx, id)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if job.Status != models.JobStatusFailed {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: status is %s", ErrJobNotRetryable, job.Status)
	}
	if job.RetryCount >= *o.opts.MaxJobRetries {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %d of %d used", ErrRetryLimitReached, job.RetryCount, *o.opts.MaxJobRetries)
	}

	job.ResetProgress()
	job.RetryCount++
	job.Status = models.JobStatusPending
	job.UpdatedAt = o.now().UTC()
	if err := o.deps.Store.UpdateJob(ctx, job); err != nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("persist retry: %w", err)
	}
	o.mu.Unlock()

	o.enqueue(ctx, job.ID)
	o.logger.Info().Str("job_id", job.ID).Int("retry_count", job.RetryCount).Msg("job retried")
	metrics.IncJob(string(job.Type), string(job.Status))
	o.publish(events.EventJobRetried, job)

	return job.Clone(), nil
}

// CancelJob fails a queued job immediately. A running job is flagged and fails
// once its executor reaches the next item; calls already sent are not aborted.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) (*models.SyncJob, error) {
	o.mu.Lock()
	if run, ok := o.inFlight[id]; ok {
		run.cancelled.Store(true)
		o.mu.Unlock()
		o.logger.Info().Str("job_id", id).Msg("cancellation requested for running job")
		return o.getJob(ctx, id)
	}

	job, err := o.getJob(ctx, id)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if job.Status.IsTerminal() {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: status is %s", ErrJobFinished, job.Status)
	}

	now := o.now().UTC()
	job.Status = models.JobStatusFailed
	job.LastError = models.CancelledMessage
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := o.deps.Store.UpdateJob(ctx, job); err != nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("persist cancellation: %w", err)
	}
	o.mu.Unlock()

	if err := o.deps.Queue.Remove(ctx, id); err != nil {
		o.logger.Warn().Err(err).Str("job_id", id).Msg("failed to remove cancelled job from queue")
	}
	o.logger.Info().Str("job_id", id).Msg("job cancelled")
	metrics.IncJob(string(job.Type), "cancelled")
	o.publish(events.EventJobCancelled, job)

	return job.Clone(), nil
}

func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*models.SyncJob, error) {
	return o.getJob(ctx, id)
}

// Start recovers jobs interrupted by a previous shutdown and launches the
// worker pool. Workers exit when ctx is cancelled; Wait blocks until they do.
func (o *Orchestrator) Start(ctx context.Context) {
	o.recoverInterrupted(ctx)

	o.logger.Info().Int("workers", o.opts.MaxConcurrentJobs).Msg("orchestrator started")
	for i := 0; i < o.opts.MaxConcurrentJobs; i++ {
		o.wg.Add(1)
		go func(worker int) {
			defer o.wg.Done()
			o.loop(ctx, worker)
		}(i)
	}
}

func (o *Orchestrator) Wait() {
	o.wg.Wait()
	o.logger.Info().Msg("orchestrator stopped")
}

func (o *Orchestrator) loop(ctx context.Context, worker int) {
	logger := o.logger.With().Int("worker", worker).Logger()
	for {
		if ctx.Err() != nil {
			return
		}

		id, err := o.deps.Queue.Pop(ctx, o.opts.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("dequeue failed")
			if !sleep(ctx, o.opts.PollInterval) {
				return
			}
			continue
		}
		if id != "" {
			o.process(ctx, id)
			continue
		}

		o.pollPending(ctx)
	}
}

// pollPending picks up pending jobs the queue lost, at most once per PollInterval.
func (o *Orchestrator) pollPending(ctx context.Context) {
	now := o.now().UnixNano()
	last := o.lastPoll.Load()
	if now-last < int64(o.opts.PollInterval) || !o.lastPoll.CompareAndSwap(last, now) {
		return
	}

	jobs, err := o.deps.Store.ListJobsByStatus(ctx, models.JobStatusPending, o.opts.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error().Err(err).Msg("fetch pending jobs")
		}
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		o.process(ctx, job.ID)
	}
}

func (o *Orchestrator) process(ctx context.Context, id string) {
	job, run, ok := o.begin(ctx, id)
	if !ok {
		return
	}

	o.logger.Info().
		Str("job_id", job.ID).
		Str("platform", job.Platform).
		Str("type", string(job.Type)).
		Int("retry_count", job.RetryCount).
		Msg("job started")
	metrics.IncJob(string(job.Type), string(job.Status))
	o.publish(events.EventJobStarted, job)

	execErr := o.execute(ctx, job, run)
	o.finish(ctx, job, run, execErr)
}

// begin moves a pending job to running. It reports false when the job is
// already in flight, gone, or no longer pending.
func (o *Orchestrator) begin(ctx context.Context, id string) (*models.SyncJob, *jobRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, busy := o.inFlight[id]; busy {
		return nil, nil, false
	}
	job, err := o.deps.Store.GetJob(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) && ctx.Err() == nil {
			o.logger.Error().Err(err).Str("job_id", id).Msg("load dequeued job")
		}
		return nil, nil, false
	}
	if job.Status != models.JobStatusPending {
		return nil, nil, false
	}

	now := o.now().UTC()
	job.Status = models.JobStatusRunning
	job.StartedAt = &now
	job.CompletedAt = nil
	job.UpdatedAt = now
	if err := o.deps.Store.UpdateJob(ctx, job); err != nil {
		o.logger.Error().Err(err).Str("job_id", id).Msg("mark job running")
		return nil, nil, false
	}

	run := &jobRun{}
	o.inFlight[id] = run
	return job, run, true
}

func (o *Orchestrator) execute(ctx context.Context, job *models.SyncJob, run *jobRun) error {
	o.mu.Lock()
	exec, ok := o.executors[job.Type]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no executor for %s", ErrInvalidJob, job.Type)
	}
	adapter, err := o.deps.Registry.Get(job.Platform)
	if err != nil {
		return err
	}

	jobCtx, cancel := context.WithTimeout(ctx, o.opts.JobTimeout)
	defer cancel()

	tracker := &progressTracker{o: o, job: job}
	r := &Run{
		Job:       job.Clone(),
		Adapter:   adapter,
		Catalog:   o.deps.Store,
		Conflicts: o.deps.Conflicts,
		Logger:    o.logger.With().Str("job_id", job.ID).Str("platform", job.Platform).Logger(),
		report:    func(total, processed, failed int) { tracker.report(ctx, total, processed, failed) },
		cancelled: run.cancelled.Load,
		now:       o.now,
	}

	err = exec.Execute(jobCtx, r)
	if err != nil && ctx.Err() == nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("job timed out after %s: %w", o.opts.JobTimeout, err)
	}
	return err
}

func (o *Orchestrator) finish(ctx context.Context, job *models.SyncJob, run *jobRun, execErr error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	o.mu.Lock()
	delete(o.inFlight, job.ID)

	now := o.now().UTC()
	eventType := ""
	switch {
	case run.cancelled.Load() || errors.Is(execErr, ErrJobCancelled):
		job.Status = models.JobStatusFailed
		job.LastError = models.CancelledMessage
		job.CompletedAt = &now
		eventType = events.EventJobCancelled
	case execErr != nil && ctx.Err() != nil:
		// Shutdown interrupted the job; leave it for the next start.
		job.ResetProgress()
		job.Status = models.JobStatusPending
	case execErr != nil:
		job.Status = models.JobStatusFailed
		job.LastError = execErr.Error()
		job.CompletedAt = &now
		eventType = events.EventJobFailed
	default:
		job.Status = models.JobStatusCompleted
		job.LastError = ""
		job.CompletedAt = &now
		eventType = events.EventJobCompleted
	}
	job.UpdatedAt = now

	err := o.deps.Store.UpdateJob(persistCtx, job)
	o.mu.Unlock()

	logger := o.logger.With().
		Str("job_id", job.ID).
		Str("platform", job.Platform).
		Str("status", string(job.Status)).
		Int("processed", job.ProcessedItems).
		Int("failed", job.FailedItems).
		Logger()
	if err != nil {
		logger.Error().Err(err).Msg("persist job outcome")
	}

	switch eventType {
	case "":
		logger.Warn().Err(execErr).Msg("job interrupted by shutdown")
		return
	case events.EventJobFailed:
		logger.Error().Err(execErr).Str("error_kind", string(platform.KindOf(execErr))).Msg("job failed")
		if job.RetryCount >= *o.opts.MaxJobRetries {
			if err := o.deps.Queue.DeadLetter(persistCtx, job.ID, job.LastError); err != nil {
				logger.Error().Err(err).Msg("dead-letter push failed")
			}
		}
	case events.EventJobCancelled:
		logger.Info().Msg("job cancelled")
	default:
		logger.Info().Dur("duration", job.Duration()).Msg("job completed")
	}

	status := string(job.Status)
	if eventType == events.EventJobCancelled {
		status = "cancelled"
	}
	metrics.IncJob(string(job.Type), status)
	o.publish(eventType, job)
}

// recoverInterrupted returns jobs left running by a crashed process to pending.
func (o *Orchestrator) recoverInterrupted(ctx context.Context) {
	jobs, err := o.deps.Store.ListJobsByStatus(ctx, models.JobStatusRunning, 0)
	if err != nil {
		o.logger.Error().Err(err).Msg("list interrupted jobs")
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, job := range jobs {
		if _, busy := o.inFlight[job.ID]; busy {
			continue
		}
		job.ResetProgress()
		job.Status = models.JobStatusPending
		job.UpdatedAt = o.now().UTC()
		if err := o.deps.Store.UpdateJob(ctx, job); err != nil {
			o.logger.Error().Err(err).Str("job_id", job.ID).Msg("requeue interrupted job")
			continue
		}
		o.logger.Warn().Str("job_id", job.ID).Msg("interrupted job returned to pending")
	}
}

func (o *Orchestrator) enqueue(ctx context.Context, id string) {
	if err := o.deps.Queue.Push(ctx, id); err != nil {
		o.logger.Warn().Err(err).Str("job_id", id).Msg("queue push failed, job left to polling")
	}
}

func (o *Orchestrator) getJob(ctx context.Context, id string) (*models.SyncJob, error) {
	job, err := o.deps.Store.GetJob(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (o *Orchestrator) publish(eventType string, job *models.SyncJob) {
	if o.deps.Events == nil {
		return
	}
	payload := events.JobEventPayload{
		JobID:          job.ID,
		OrganizationID: job.OrganizationID,
		StoreID:        job.StoreID,
		Platform:       job.Platform,
		Type:           string(job.Type),
		Status:         string(job.Status),
		Progress:       job.Progress(),
		ProcessedItems: job.ProcessedItems,
		FailedItems:    job.FailedItems,
		Error:          job.LastError,
		At:             o.now().UTC(),
	}
	if err := o.deps.Events.PublishJSON(eventType, payload); err != nil {
		o.logger.Error().Err(err).Str("event", eventType).Msg("failed to publish job event")
	}
}

// progressTracker applies executor reports to the running job.
type progressTracker struct {
	o           *Orchestrator
	job         *models.SyncJob
	lastPersist time.Time
}

func (t *progressTracker) report(ctx context.Context, total, processed, failed int) {
	job := t.job
	dProcessed := processed - job.ProcessedItems
	dFailed := failed - job.FailedItems
	job.TotalItems = total
	job.ProcessedItems = processed
	job.FailedItems = failed

	if dProcessed > 0 || dFailed > 0 {
		if t.o.deps.Progress != nil {
			t.o.deps.Progress.RecordSyncProgress(job.Platform, dProcessed, dFailed)
		}
		metrics.AddSyncItems(job.Platform, dProcessed, dFailed)
	}

	now := t.o.now()
	done := total > 0 && processed+failed >= total
	if !done && now.Sub(t.lastPersist) < t.o.opts.ProgressInterval {
		return
	}
	t.lastPersist = now
	job.UpdatedAt = now.UTC()
	if err := t.o.deps.Store.UpdateJob(ctx, job); err != nil {
		t.o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("persist progress")
		return
	}
	t.o.publish(events.EventJobProgress, job)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
