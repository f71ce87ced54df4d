package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"delivery-order-service/internal/broker"
	"delivery-order-service/internal/models"
	"delivery-order-service/internal/store"
	"delivery-order-service/internal/util"

	"go.uber.org/zap"
)

// Inbox persists delivered notifications
type Inbox interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	SaveNotification(ctx context.Context, n *models.Notification, eventType string) error
}

// NotificationWorker stores notification events in recipients' inboxes
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	inbox        Inbox
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, inbox Inbox) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		inbox:        inbox,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnNotification(w.HandleNotification)
	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

// HandleNotification stores one notification event. Redelivered events are
// acknowledged without a second inbox entry.
func (w *NotificationWorker) HandleNotification(ctx context.Context, event *models.NotificationEvent) error {
	processed, err := w.inbox.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("check event processed: %w", err)
	}
	if processed {
		w.logger.Debug("Notification already stored", zap.String("event_id", event.EventID))
		return nil
	}

	var data json.RawMessage
	if len(event.Data) > 0 {
		data, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("marshal notification data: %w", err)
		}
	}

	notification := &models.Notification{
		EventID:     event.EventID,
		RecipientID: event.RecipientID,
		Type:        event.Type,
		Title:       event.Title,
		Message:     event.Message,
		OrderID:     event.OrderID,
		Data:        data,
	}

	err = w.inbox.SaveNotification(ctx, notification, event.EventType)
	if errors.Is(err, store.ErrDuplicateKey) {
		return nil
	}
	if err != nil {
		return err
	}

	util.NotificationsStoredTotal.WithLabelValues(event.Type).Inc()
	w.logger.Info("Notification stored",
		zap.String("event_id", event.EventID),
		zap.Int64("recipient_id", event.RecipientID),
		zap.String("type", event.Type))
	return nil
}
