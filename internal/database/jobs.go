package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketsync/internal/domain"
	"marketsync/internal/models"
)

const jobSelect = `SELECT id, organization_id, store_id, platform, type, status, total_items, processed_items,
              failed_items, retry_count, last_error, metadata, created_at, updated_at, started_at, completed_at
              FROM sync_jobs`

func (db *DB) CreateJob(ctx context.Context, job *models.SyncJob) error {
	meta, err := encodeMetadata(job.Metadata)
	if err != nil {
		return err
	}

	query := `INSERT INTO sync_jobs (id, organization_id, store_id, platform, type, status, total_items,
              processed_items, failed_items, retry_count, last_error, metadata, created_at, updated_at,
              started_at, completed_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, query,
		job.ID,
		job.OrganizationID,
		job.StoreID,
		job.Platform,
		string(job.Type),
		string(job.Status),
		job.TotalItems,
		job.ProcessedItems,
		job.FailedItems,
		job.RetryCount,
		job.LastError,
		meta,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (db *DB) UpdateJob(ctx context.Context, job *models.SyncJob) error {
	meta, err := encodeMetadata(job.Metadata)
	if err != nil {
		return err
	}

	query := `UPDATE sync_jobs SET organization_id = ?, store_id = ?, platform = ?, type = ?, status = ?,
              total_items = ?, processed_items = ?, failed_items = ?, retry_count = ?, last_error = ?,
              metadata = ?, updated_at = ?, started_at = ?, completed_at = ?
              WHERE id = ?`
	result, err := db.ExecContext(ctx, query,
		job.OrganizationID,
		job.StoreID,
		job.Platform,
		string(job.Type),
		string(job.Status),
		job.TotalItems,
		job.ProcessedItems,
		job.FailedItems,
		job.RetryCount,
		job.LastError,
		meta,
		job.UpdatedAt.UTC(),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id string) (*models.SyncJob, error) {
	row := db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns an organization's jobs, newest first.
func (db *DB) ListJobs(ctx context.Context, organizationID string) ([]*models.SyncJob, error) {
	return db.queryJobs(ctx, jobSelect+` WHERE organization_id = ? ORDER BY created_at DESC`, organizationID)
}

// ListJobsByStatus returns jobs in a status, oldest first. limit <= 0 means all.
func (db *DB) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.SyncJob, error) {
	var sb strings.Builder
	sb.WriteString(jobSelect)
	sb.WriteString(` WHERE status = ? ORDER BY created_at ASC`)
	args := []interface{}{string(status)}
	if limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}
	return db.queryJobs(ctx, sb.String(), args...)
}

func (db *DB) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*models.SyncJob, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*models.SyncJob, error) {
	var (
		job                    models.SyncJob
		jobType, status, meta  string
		startedAt, completedAt sql.NullTime
	)
	err := s.Scan(
		&job.ID, &job.OrganizationID, &job.StoreID, &job.Platform, &jobType, &status,
		&job.TotalItems, &job.ProcessedItems, &job.FailedItems, &job.RetryCount, &job.LastError,
		&meta, &job.CreatedAt, &job.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &job.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return &job, nil
}

func encodeMetadata(m models.JobMetadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
