package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"settlement-service/internal/apperr"
	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// Publish publishes a settlement event keyed by the entity it concerns
func (ep *EventPublisher) Publish(ctx context.Context, event *models.Event) error {
	if err := ep.producer.PublishEvent(ctx, event.Key(), event); err != nil {
		return err
	}
	util.EventsPublishedTotal.WithLabelValues(event.EventType).Inc()
	return nil
}

// WebhookHandler decodes webhook deliveries relayed on Kafka
type WebhookHandler struct {
	validate   *validator.Validate
	onDelivery func(context.Context, *models.WebhookDelivery) error
	logger     *zap.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{
		validate: validator.New(),
		logger:   util.GetLogger(),
	}
}

// OnDelivery registers the handler for decoded deliveries
func (wh *WebhookHandler) OnDelivery(handler func(context.Context, *models.WebhookDelivery) error) {
	wh.onDelivery = handler
}

// HandleMessage decodes a delivery and passes it on. Malformed deliveries are
// validation errors so the consumer skips them.
func (wh *WebhookHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var delivery models.WebhookDelivery
	if err := json.Unmarshal(msg.Value, &delivery); err != nil {
		return apperr.Validation(apperr.ReasonInvalidPayload, "failed to unmarshal webhook delivery: %v", err)
	}
	if err := wh.validate.Struct(&delivery); err != nil {
		return apperr.Validation(apperr.ReasonInvalidPayload, "invalid webhook delivery: %v", err)
	}

	wh.logger.Debug("Handling webhook delivery",
		zap.String("event_id", delivery.EventID),
		zap.String("payment_intent_id", delivery.PaymentIntentID))

	if wh.onDelivery == nil {
		return fmt.Errorf("no webhook delivery handler registered")
	}
	return wh.onDelivery(ctx, &delivery)
}
