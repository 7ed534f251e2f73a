// Package queue is the durable, at-least-once job queue shared by all workers.
// Jobs live in the jobs table; a claim is an exclusive lease that becomes
// reclaimable once it expires.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config controls leases and retries
type Config struct {
	Lease       time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		Lease:       30 * time.Second,
		MaxAttempts: 8,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  5 * time.Minute,
	}
}

// Queue enqueues and hands out jobs
type Queue struct {
	store  *store.Store
	cfg    Config
	now    func() time.Time
	jitter func(n int64) int64
	logger *zap.Logger
}

// NewQueue creates a new job queue on top of the store
func NewQueue(s *store.Store, cfg Config) *Queue {
	return &Queue{
		store:  s,
		cfg:    cfg,
		now:    time.Now,
		jitter: rand.Int63n,
		logger: util.GetLogger(),
	}
}

// SetClock overrides the time source
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// With returns a queue that writes through the given store, typically a
// transaction, so jobs commit together with the state change that caused them
func (q *Queue) With(tx *store.Store) *Queue {
	cp := *q
	cp.store = tx
	return &cp
}

type enqueueOptions struct {
	notBefore   time.Time
	dedupeKey   string
	maxAttempts int
}

// EnqueueOption customizes a single enqueue
type EnqueueOption func(*enqueueOptions)

// NotBefore delays the job until t
func NotBefore(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.notBefore = t }
}

// DedupeKey makes the enqueue a no-op if a job with the same key exists
func DedupeKey(key string) EnqueueOption {
	return func(o *enqueueOptions) { o.dedupeKey = key }
}

// MaxAttempts overrides the attempt budget of the job
func MaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// Enqueue adds a job and returns its ID. With a dedupe key that is already
// used, the ID of the existing job is returned.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts ...EnqueueOption) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := q.now()
	o := enqueueOptions{notBefore: now, maxAttempts: q.cfg.MaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}

	job := &models.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     string(raw),
		Status:      models.JobStatusQueued,
		MaxAttempts: o.maxAttempts,
		AvailableAt: o.notBefore,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if o.dedupeKey != "" {
		job.DedupeKey = &o.dedupeKey
	}

	inserted, err := q.store.InsertJob(ctx, job)
	if err != nil {
		return "", err
	}
	if !inserted {
		q.logger.Debug("Job already enqueued",
			zap.String("type", jobType),
			zap.String("dedupe_key", o.dedupeKey),
			zap.String("job_id", job.ID))
	}
	return job.ID, nil
}

// Claim leases the next available job of a type, or returns nil
func (q *Queue) Claim(ctx context.Context, jobType, workerID string) (*models.Job, error) {
	return q.store.ClaimJob(ctx, jobType, workerID, q.now(), q.cfg.Lease)
}

// Complete marks a claimed job done
func (q *Queue) Complete(ctx context.Context, job *models.Job) error {
	ok, err := q.store.CompleteJob(ctx, job.ID, claimedBy(job), q.now())
	if err != nil {
		return err
	}
	if !ok {
		q.logger.Warn("Lease lost before completion, job may run again",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type))
	}
	return nil
}

// Fail records a failed attempt. Retryable failures go back to the queue with
// backoff until the attempt budget is spent; everything else is dead-lettered.
func (q *Queue) Fail(ctx context.Context, job *models.Job, cause error, retryable bool) error {
	now := q.now()
	msg := cause.Error()

	if !retryable || job.Attempts >= job.MaxAttempts {
		ok, err := q.store.BuryJob(ctx, job.ID, claimedBy(job), msg, now)
		if err != nil {
			return err
		}
		if ok {
			util.JobsDeadTotal.WithLabelValues(job.Type).Inc()
			q.logger.Error("Job moved to dead letter",
				zap.String("job_id", job.ID),
				zap.String("type", job.Type),
				zap.Int("attempts", job.Attempts),
				zap.Bool("retryable", retryable),
				zap.String("error", msg))
		}
		return nil
	}

	delay := q.Backoff(job.Attempts)
	_, err := q.store.RescheduleJob(ctx, job.ID, claimedBy(job), msg, now.Add(delay), now)
	if err != nil {
		return err
	}
	q.logger.Warn("Job failed, retrying",
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempts),
		zap.Duration("backoff", delay),
		zap.String("error", msg))
	return nil
}

// Backoff returns the delay before retrying after the given attempt:
// exponential from the base, capped, with equal jitter
func (q *Queue) Backoff(attempt int) time.Duration {
	d := q.cfg.BackoffMax
	if attempt < 1 {
		attempt = 1
	}
	if attempt <= 32 {
		if exp := q.cfg.BackoffBase << uint(attempt-1); exp > 0 && exp < d {
			d = exp
		}
	}
	half := d / 2
	return half + time.Duration(q.jitter(int64(half)+1))
}

// ListDead returns dead-lettered jobs for manual inspection
func (q *Queue) ListDead(ctx context.Context, limit uint64) ([]models.Job, error) {
	return q.store.ListDeadJobs(ctx, limit)
}

// Retry puts a dead job back in the queue
func (q *Queue) Retry(ctx context.Context, jobID string) (bool, error) {
	return q.store.RetryDeadJob(ctx, jobID, q.now())
}

// RequeueExpiredLeases releases jobs held by workers that stopped renewing
func (q *Queue) RequeueExpiredLeases(ctx context.Context) (requeued, buried int64, err error) {
	return q.store.RequeueExpiredLeases(ctx, q.now())
}

func claimedBy(job *models.Job) string {
	if job.ClaimedBy == nil {
		return ""
	}
	return *job.ClaimedBy
}
