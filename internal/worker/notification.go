package worker

import (
	"context"
	"fmt"

	"settlement-service/internal/apperr"
	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// Publisher delivers outbound events
type Publisher interface {
	Publish(ctx context.Context, event *models.Event) error
}

// NotificationWorker publishes the events carried by notification jobs
type NotificationWorker struct {
	publisher Publisher
	logger    *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(publisher Publisher) *NotificationWorker {
	return &NotificationWorker{
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// Handle publishes one notification job. A failed publish is retried; the
// event may then be delivered more than once and consumers dedupe on event_id.
func (w *NotificationWorker) Handle(ctx context.Context, job *models.Job) error {
	var event models.Event
	if err := job.Decode(&event); err != nil {
		return apperr.Validation(apperr.ReasonInvalidPayload, "notification %s: %v", job.ID, err)
	}
	if event.EventType == "" {
		return apperr.Validation(apperr.ReasonInvalidPayload, "notification %s has no event type", job.ID)
	}

	if err := w.publisher.Publish(ctx, &event); err != nil {
		return apperr.Transient(fmt.Errorf("failed to publish %s: %w", event.EventType, err))
	}

	w.logger.Debug("Event published",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("key", event.Key()))
	return nil
}
