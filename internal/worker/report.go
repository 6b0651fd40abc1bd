package worker

import (
	"context"
	"fmt"
	"time"

	"marketsync/internal/models"
)

// JobMetrics summarizes an organization's job history.
type JobMetrics struct {
	OrganizationID  string                   `json:"organization_id"`
	TotalJobs       int                      `json:"total_jobs"`
	ByStatus        map[models.JobStatus]int `json:"by_status"`
	ByType          map[models.JobType]int   `json:"by_type"`
	Running         int                      `json:"running"`
	Cancelled       int                      `json:"cancelled"`
	Retries         int                      `json:"retries"`
	SuccessRate     float64                  `json:"success_rate"`
	AverageDuration time.Duration            `json:"average_duration"`
	ItemsProcessed  int64                    `json:"items_processed"`
	ItemsFailed     int64                    `json:"items_failed"`
	LastJobAt       *time.Time               `json:"last_job_at,omitempty"`
}

// GetMetrics aggregates the stored jobs of an organization. SuccessRate is
// completed over finished jobs and is zero while nothing has finished.
func (o *Orchestrator) GetMetrics(ctx context.Context, organizationID string) (*JobMetrics, error) {
	jobs, err := o.deps.Store.ListJobs(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	m := &JobMetrics{
		OrganizationID: organizationID,
		TotalJobs:      len(jobs),
		ByStatus:       make(map[models.JobStatus]int),
		ByType:         make(map[models.JobType]int),
	}

	var completed, finished int
	var totalDuration time.Duration
	for _, job := range jobs {
		m.ByStatus[job.Status]++
		m.ByType[job.Type]++
		m.Retries += job.RetryCount
		m.ItemsProcessed += int64(job.ProcessedItems)
		m.ItemsFailed += int64(job.FailedItems)

		switch job.Status {
		case models.JobStatusRunning:
			m.Running++
		case models.JobStatusCompleted:
			completed++
			finished++
			totalDuration += job.Duration()
		case models.JobStatusFailed:
			finished++
			if job.LastError == models.CancelledMessage {
				m.Cancelled++
			}
		}

		if m.LastJobAt == nil || job.CreatedAt.After(*m.LastJobAt) {
			t := job.CreatedAt
			m.LastJobAt = &t
		}
	}

	if finished > 0 {
		m.SuccessRate = float64(completed) / float64(finished)
	}
	if completed > 0 {
		m.AverageDuration = totalDuration / time.Duration(completed)
	}
	return m, nil
}
