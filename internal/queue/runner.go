package queue

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/apperr"
	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Handler processes one job. Returning nil completes the job.
type Handler func(ctx context.Context, job *models.Job) error

// Runner polls one job type and runs its handler with bounded concurrency.
// Each concurrency slot claims jobs under its own ID, so a slot that lost its
// lease cannot complete a job another slot has reclaimed.
type Runner struct {
	queue        *Queue
	jobType      string
	workerID     string
	handler      Handler
	concurrency  int64
	sem          *semaphore.Weighted
	slots        chan int
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewRunner creates a new runner for a job type
func NewRunner(q *Queue, jobType, workerID string, handler Handler, concurrency int, pollInterval time.Duration) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	slots := make(chan int, concurrency)
	for i := 0; i < concurrency; i++ {
		slots <- i
	}
	return &Runner{
		queue:        q,
		jobType:      jobType,
		workerID:     workerID,
		handler:      handler,
		concurrency:  int64(concurrency),
		sem:          semaphore.NewWeighted(int64(concurrency)),
		slots:        slots,
		pollInterval: pollInterval,
		logger:       util.GetLogger().With(zap.String("job_type", jobType)),
	}
}

// Start polls until ctx is cancelled, then waits for in-flight jobs
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("Starting job runner",
		zap.String("worker_id", r.workerID),
		zap.Int64("concurrency", r.concurrency))

	for {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}
		slot := <-r.slots

		job, err := r.queue.Claim(ctx, r.jobType, r.claimant(slot))
		if err != nil || job == nil {
			r.slots <- slot
			r.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				r.logger.Error("Failed to claim job", zap.Error(err))
			}
			select {
			case <-ctx.Done():
			case <-time.After(r.pollInterval):
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}

		go func() {
			defer r.sem.Release(1)
			defer func() { r.slots <- slot }()
			// In-flight jobs finish even when the runner is stopping.
			r.process(context.WithoutCancel(ctx), job)
		}()
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), r.queue.cfg.Lease)
	defer cancel()
	if err := r.sem.Acquire(waitCtx, r.concurrency); err != nil {
		r.logger.Warn("Runner stopped with jobs in flight; their leases will expire")
	}
	r.logger.Info("Job runner stopped")
	return ctx.Err()
}

// RunOnce claims and processes a single job synchronously. It reports whether
// a job was found.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	var slot int
	select {
	case slot = <-r.slots:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { r.slots <- slot }()

	job, err := r.queue.Claim(ctx, r.jobType, r.claimant(slot))
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	r.process(ctx, job)
	return true, nil
}

// Drain processes jobs until none is available
func (r *Runner) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		found, err := r.RunOnce(ctx)
		if err != nil || !found {
			return n, err
		}
		n++
	}
}

// claimant is the lease owner ID of one concurrency slot
func (r *Runner) claimant(slot int) string {
	return fmt.Sprintf("%s/%s/%d", r.workerID, r.jobType, slot)
}

func (r *Runner) process(ctx context.Context, job *models.Job) {
	start := time.Now()
	defer func() {
		util.JobProcessingLatency.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())
	}()

	if job.Attempts > job.MaxAttempts {
		r.fail(ctx, job, fmt.Errorf("attempt budget exhausted after expired leases"), false)
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, r.queue.cfg.Lease)
	err := r.safeHandle(handlerCtx, job)
	cancel()

	if err == nil {
		if err := r.queue.Complete(ctx, job); err != nil {
			r.logger.Error("Failed to complete job", zap.String("job_id", job.ID), zap.Error(err))
		}
		util.JobsProcessedTotal.WithLabelValues(job.Type, "done").Inc()
		return
	}

	r.fail(ctx, job, err, apperr.IsRetryable(err))
}

func (r *Runner) fail(ctx context.Context, job *models.Job, cause error, retryable bool) {
	outcome := "retry"
	if !retryable || job.Attempts >= job.MaxAttempts {
		outcome = "dead"
	}
	util.JobsProcessedTotal.WithLabelValues(job.Type, outcome).Inc()

	if err := r.queue.Fail(ctx, job, cause, retryable); err != nil {
		r.logger.Error("Failed to record job failure", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// safeHandle turns a handler panic into a retryable failure
func (r *Runner) safeHandle(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return r.handler(ctx, job)
}
