package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marketsync/internal/config"
	"marketsync/internal/domain"
	"marketsync/internal/logging"
	"marketsync/internal/models"
)

// Schedule creates a job of one type for one platform at a fixed interval.
type Schedule struct {
	OrganizationID string
	StoreID        string
	Platform       string
	Type           models.JobType
	Every          time.Duration
	Options        models.JobMetadata
}

// JobCreator is the part of the Orchestrator the scheduler needs.
type JobCreator interface {
	CreateJob(ctx context.Context, req JobRequest) (*models.SyncJob, error)
}

// Scheduler fires recurring jobs. A tick is skipped while a job of the same
// platform and type is still pending or running.
type Scheduler struct {
	jobs      JobCreator
	store     domain.JobStore
	schedules []Schedule
	logger    zerolog.Logger
}

func NewScheduler(jobs JobCreator, store domain.JobStore, schedules []Schedule, logger *zerolog.Logger) *Scheduler {
	s := &Scheduler{
		jobs:      jobs,
		store:     store,
		schedules: schedules,
		logger:    logging.Component(logger, "scheduler"),
	}
	return s
}

// SchedulesFromPlatforms builds schedules from platform definitions.
func SchedulesFromPlatforms(platforms []config.PlatformConfig) ([]Schedule, error) {
	var out []Schedule
	for _, p := range platforms {
		for name, every := range p.Schedules {
			t := models.JobType(name)
			if !t.IsValid() {
				return nil, fmt.Errorf("platform %s: unknown scheduled job type %q", p.Name, name)
			}
			out = append(out, Schedule{
				OrganizationID: p.OrganizationID,
				StoreID:        p.StoreID,
				Platform:       p.Name,
				Type:           t,
				Every:          every,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, sch := range s.schedules {
		wg.Add(1)
		go func(sch Schedule) {
			defer wg.Done()
			s.every(ctx, sch)
		}(sch)
	}
	s.logger.Info().Int("schedules", len(s.schedules)).Msg("scheduler started")
	wg.Wait()
}

func (s *Scheduler) every(ctx context.Context, sch Schedule) {
	ticker := time.NewTicker(sch.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.trigger(ctx, sch); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).
					Str("platform", sch.Platform).
					Str("type", string(sch.Type)).
					Msg("scheduled job not created")
			}
		}
	}
}

// trigger returns nil without error when an earlier run is still active.
func (s *Scheduler) trigger(ctx context.Context, sch Schedule) (*models.SyncJob, error) {
	active, err := s.hasActive(ctx, sch)
	if err != nil {
		return nil, err
	}
	if active {
		s.logger.Debug().Str("platform", sch.Platform).Str("type", string(sch.Type)).Msg("previous run still active")
		return nil, nil
	}

	opts := models.JobMetadata{models.OptionSchedule: sch.Every.String()}
	for k, v := range sch.Options {
		opts[k] = v
	}
	return s.jobs.CreateJob(ctx, JobRequest{
		OrganizationID: sch.OrganizationID,
		StoreID:        sch.StoreID,
		Platform:       sch.Platform,
		Type:           sch.Type,
		Options:        opts,
	})
}

func (s *Scheduler) hasActive(ctx context.Context, sch Schedule) (bool, error) {
	jobs, err := s.store.ListJobs(ctx, sch.OrganizationID)
	if err != nil {
		return false, fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range jobs {
		if job.Platform == sch.Platform && job.Type == sch.Type && !job.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}
