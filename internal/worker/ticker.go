package worker

import (
	"context"
	"time"

	"settlement-service/internal/redisclient"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// Locker hands out the distributed tick lock
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (*redisclient.Lock, error)
	ReleaseLock(ctx context.Context, lock *redisclient.Lock) (bool, error)
}

// Ticker runs a periodic task. With a Locker only one instance runs each
// tick; the task itself must stay correct when the lock is unavailable.
type Ticker struct {
	name     string
	interval time.Duration
	locker   Locker
	task     func(ctx context.Context) error
	logger   *zap.Logger
}

// NewTicker creates a new ticker. locker may be nil.
func NewTicker(name string, interval time.Duration, locker Locker, task func(ctx context.Context) error) *Ticker {
	return &Ticker{
		name:     name,
		interval: interval,
		locker:   locker,
		task:     task,
		logger:   util.GetLogger().With(zap.String("ticker", name)),
	}
}

// Start runs the task every interval until ctx is cancelled
func (t *Ticker) Start(ctx context.Context) error {
	t.logger.Info("Starting ticker", zap.Duration("interval", t.interval))

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if _, err := t.RunOnce(ctx); err != nil {
			t.logger.Error("Tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			t.logger.Info("Ticker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce runs the task if this instance wins the tick lock. It reports
// whether the task ran.
func (t *Ticker) RunOnce(ctx context.Context) (bool, error) {
	if t.locker != nil {
		lock, err := t.locker.AcquireLock(ctx, "tick:"+t.name, t.interval)
		if err != nil {
			// scanning twice is wasteful, not wrong
			t.logger.Warn("Tick lock unavailable, running unlocked", zap.Error(err))
		} else if lock == nil {
			t.logger.Debug("Tick skipped, lock held elsewhere")
			return false, nil
		} else {
			defer func() {
				if _, err := t.locker.ReleaseLock(context.WithoutCancel(ctx), lock); err != nil {
					t.logger.Warn("Failed to release tick lock", zap.Error(err))
				}
			}()
		}
	}

	return true, t.task(ctx)
}
