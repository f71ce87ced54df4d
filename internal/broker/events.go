package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"delivery-order-service/internal/models"
	"delivery-order-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// NotificationPublisher publishes notification events keyed by recipient
type NotificationPublisher struct {
	producer *Producer
}

// NewNotificationPublisher creates a new notification publisher
func NewNotificationPublisher(producer *Producer) *NotificationPublisher {
	return &NotificationPublisher{producer: producer}
}

// Publish publishes a notification event
func (np *NotificationPublisher) Publish(ctx context.Context, event *models.NotificationEvent) error {
	key := fmt.Sprintf("user-%d", event.RecipientID)
	return np.producer.PublishEvent(ctx, key, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onNotification func(context.Context, *models.NotificationEvent) error
	logger         *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnNotification registers a handler for notification events
func (eh *EventHandler) OnNotification(handler func(context.Context, *models.NotificationEvent) error) {
	eh.onNotification = handler
}

// HandleMessage routes messages to appropriate handlers. Messages that cannot
// be decoded are logged and skipped so they do not block the partition.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		eh.logger.Error("Dropping undecodable message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeNotification:
		if eh.onNotification == nil {
			return nil
		}
		var event models.NotificationEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			eh.logger.Error("Dropping malformed notification event", zap.String("event_id", baseEvent.EventID), zap.Error(err))
			return nil
		}
		return eh.onNotification(ctx, &event)

	default:
		eh.logger.Warn("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
