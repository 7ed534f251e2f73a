package worker

import (
	"context"

	"settlement-service/internal/broker"
	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// WebhookRecorder registers payment provider deliveries
type WebhookRecorder interface {
	RecordWebhook(ctx context.Context, d *models.WebhookDelivery) (bool, error)
}

// WebhookWorker consumes webhook deliveries relayed on Kafka
type WebhookWorker struct {
	consumer *broker.Consumer
	handler  *broker.WebhookHandler
	logger   *zap.Logger
}

// NewWebhookWorker creates a new webhook worker
func NewWebhookWorker(consumer *broker.Consumer, recorder WebhookRecorder) *WebhookWorker {
	handler := broker.NewWebhookHandler()
	handler.OnDelivery(func(ctx context.Context, d *models.WebhookDelivery) error {
		_, err := recorder.RecordWebhook(ctx, d)
		return err
	})

	return &WebhookWorker{
		consumer: consumer,
		handler:  handler,
		logger:   util.GetLogger(),
	}
}

// Start starts the worker
func (w *WebhookWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting webhook worker")
	return w.consumer.StartConsuming(ctx, w.handler.HandleMessage)
}

// Stop stops the worker
func (w *WebhookWorker) Stop() error {
	w.logger.Info("Stopping webhook worker")
	return w.consumer.Close()
}
