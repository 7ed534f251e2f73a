package service

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/queue"

	"github.com/google/uuid"
)

// clock is embedded by services that read the current time
type clock struct {
	now func() time.Time
}

// SetClock overrides the time source
func (c *clock) SetClock(now func() time.Time) {
	c.now = now
}

func newEvent(eventType string, now time.Time) *models.Event {
	return &models.Event{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: now,
		},
	}
}

// notify enqueues an outbound event. Called with a transaction-bound queue the
// event commits together with the state change it reports.
func notify(ctx context.Context, q *queue.Queue, event *models.Event) error {
	if _, err := q.Enqueue(ctx, models.JobTypeNotification, event); err != nil {
		return fmt.Errorf("failed to enqueue %s notification: %w", event.EventType, err)
	}
	return nil
}
