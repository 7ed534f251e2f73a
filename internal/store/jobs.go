package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/models"
)

// InsertJob adds a job to the queue. When the dedupe key is already taken the
// existing job is loaded into job and inserted is false.
func (s *Store) InsertJob(ctx context.Context, job *models.Job) (inserted bool, err error) {
	job.AvailableAt = utc(job.AvailableAt)
	job.CreatedAt, job.UpdatedAt = utc(job.CreatedAt), utc(job.UpdatedAt)

	n, err := s.exec(ctx, `
		INSERT INTO jobs (id, type, payload, status, attempts, max_attempts, available_at,
			lease_until, claimed_by, dedupe_key, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		job.ID, job.Type, job.Payload, job.Status, job.Attempts, job.MaxAttempts, job.AvailableAt,
		job.LeaseUntil, job.ClaimedBy, job.DedupeKey, job.LastError, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert job: %w", err)
	}
	if n == 1 || job.DedupeKey == nil {
		return n == 1, nil
	}

	var existing models.Job
	if err := s.get(ctx, &existing, "SELECT * FROM jobs WHERE dedupe_key = ?", *job.DedupeKey); err != nil {
		return false, fmt.Errorf("failed to load deduplicated job: %w", err)
	}
	*job = existing
	return false, nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := s.get(ctx, &job, "SELECT * FROM jobs WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// nextClaimableJobID finds the oldest job of a type that is queued and due,
// or claimed with an expired lease
func (s *Store) nextClaimableJobID(ctx context.Context, jobType string, now time.Time) (string, error) {
	var id string
	err := s.get(ctx, &id, `
		SELECT id FROM jobs
		WHERE type = ?
		  AND ((status = ? AND available_at <= ?) OR (status = ? AND lease_until <= ?))
		ORDER BY available_at, created_at
		LIMIT 1`,
		jobType, models.JobStatusQueued, now, models.JobStatusClaimed, now)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// ClaimJob leases the next available job of a type to workerID. It returns
// nil when no job is available. Losing a race to another worker retries with
// the next candidate.
func (s *Store) ClaimJob(ctx context.Context, jobType, workerID string, now time.Time, lease time.Duration) (*models.Job, error) {
	now = utc(now)
	leaseUntil := utc(now.Add(lease))

	for i := 0; i < 5; i++ {
		id, err := s.nextClaimableJobID(ctx, jobType, now)
		if err != nil {
			return nil, fmt.Errorf("failed to find claimable job: %w", err)
		}
		if id == "" {
			return nil, nil
		}

		n, err := s.exec(ctx, `
			UPDATE jobs
			SET status = ?, claimed_by = ?, lease_until = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = ?
			  AND ((status = ? AND available_at <= ?) OR (status = ? AND lease_until <= ?))`,
			models.JobStatusClaimed, workerID, leaseUntil, now, id,
			models.JobStatusQueued, now, models.JobStatusClaimed, now)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		if n == 1 {
			return s.GetJob(ctx, id)
		}
	}
	return nil, nil
}

// CompleteJob marks a claimed job done. It reports false when the lease was
// lost to another worker in the meantime.
func (s *Store) CompleteJob(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE jobs SET status = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?`,
		models.JobStatusDone, utc(now), id, models.JobStatusClaimed, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}
	return n == 1, nil
}

// RescheduleJob puts a claimed job back in the queue after a failed attempt
func (s *Store) RescheduleJob(ctx context.Context, id, workerID, lastError string, availableAt, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE jobs
		SET status = ?, available_at = ?, lease_until = NULL, claimed_by = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?`,
		models.JobStatusQueued, utc(availableAt), lastError, utc(now), id, models.JobStatusClaimed, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to reschedule job: %w", err)
	}
	return n == 1, nil
}

// BuryJob moves a claimed job to the dead-letter state
func (s *Store) BuryJob(ctx context.Context, id, workerID, lastError string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE jobs SET status = ?, lease_until = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?`,
		models.JobStatusDead, lastError, utc(now), id, models.JobStatusClaimed, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to bury job: %w", err)
	}
	return n == 1, nil
}

// ListDeadJobs lists dead-lettered jobs, newest first
func (s *Store) ListDeadJobs(ctx context.Context, limit uint64) ([]models.Job, error) {
	var jobs []models.Job
	err := s.selectBuilt(ctx, &jobs, s.builder.
		Select("*").
		From("jobs").
		Where("status = ?", models.JobStatusDead).
		OrderBy("updated_at DESC").
		Limit(limit))
	return jobs, err
}

// RetryDeadJob puts a dead job back in the queue with a fresh attempt budget
func (s *Store) RetryDeadJob(ctx context.Context, id string, now time.Time) (bool, error) {
	now = utc(now)
	n, err := s.exec(ctx, `
		UPDATE jobs SET status = ?, attempts = 0, available_at = ?, claimed_by = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.JobStatusQueued, now, now, id, models.JobStatusDead)
	if err != nil {
		return false, fmt.Errorf("failed to retry job: %w", err)
	}
	return n == 1, nil
}

// RequeueExpiredLeases returns jobs whose lease expired to the queue, or to
// the dead-letter state when they exhausted their attempts
func (s *Store) RequeueExpiredLeases(ctx context.Context, now time.Time) (requeued, buried int64, err error) {
	now = utc(now)

	buried, err = s.execBuilt(ctx, s.builder.
		Update("jobs").
		Set("status", models.JobStatusDead).
		Set("lease_until", nil).
		Set("last_error", "lease expired after final attempt").
		Set("updated_at", now).
		Where("status = ?", models.JobStatusClaimed).
		Where("lease_until <= ?", now).
		Where("attempts >= max_attempts"))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to bury expired jobs: %w", err)
	}

	requeued, err = s.execBuilt(ctx, s.builder.
		Update("jobs").
		Set("status", models.JobStatusQueued).
		Set("lease_until", nil).
		Set("claimed_by", nil).
		Set("available_at", now).
		Set("updated_at", now).
		Where("status = ?", models.JobStatusClaimed).
		Where("lease_until <= ?", now))
	if err != nil {
		return 0, buried, fmt.Errorf("failed to requeue expired jobs: %w", err)
	}
	return requeued, buried, nil
}

// CountJobs counts jobs by type and status
func (s *Store) CountJobs(ctx context.Context, jobType, status string) (int, error) {
	var n int
	err := s.get(ctx, &n, "SELECT COUNT(*) FROM jobs WHERE type = ? AND status = ?", jobType, status)
	return n, err
}

// ListJobs lists jobs of a type and status in creation order
func (s *Store) ListJobs(ctx context.Context, jobType, status string) ([]models.Job, error) {
	var jobs []models.Job
	err := s.selectRows(ctx, &jobs,
		"SELECT * FROM jobs WHERE type = ? AND status = ? ORDER BY created_at, id", jobType, status)
	return jobs, err
}
