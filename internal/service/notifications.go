package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"delivery-order-service/internal/models"
	"delivery-order-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var notificationTitles = map[string]string{
	models.NotificationNewOrder:          "New order",
	models.NotificationOrderAccepted:     "Order accepted",
	models.NotificationOrderRejected:     "Order rejected",
	models.NotificationOrderCancelled:    "Order cancelled",
	models.NotificationOrderReady:        "Order ready",
	models.NotificationDeliveryAvailable: "Delivery available",
	models.NotificationDriverAssigned:    "Driver assigned",
	models.NotificationOrderPickedUp:     "Order picked up",
	models.NotificationOrderInTransit:    "Order on the way",
	models.NotificationOrderDelivered:    "Order delivered",
	models.NotificationOrderCompleted:    "Order completed",
}

func notificationMessage(kind string, order *models.Order) string {
	switch kind {
	case models.NotificationNewOrder:
		return fmt.Sprintf("You received order #%d (%s)", order.ID, order.Total.StringFixed(2))
	case models.NotificationOrderAccepted:
		return fmt.Sprintf("Your order #%d was accepted and is being prepared", order.ID)
	case models.NotificationOrderRejected:
		if order.RejectionReason != nil && *order.RejectionReason != "" {
			return fmt.Sprintf("Your order #%d was rejected: %s", order.ID, *order.RejectionReason)
		}
		return fmt.Sprintf("Your order #%d was rejected", order.ID)
	case models.NotificationOrderCancelled:
		return fmt.Sprintf("Order #%d was cancelled", order.ID)
	case models.NotificationOrderReady:
		return fmt.Sprintf("Your order #%d is ready", order.ID)
	case models.NotificationDeliveryAvailable:
		return fmt.Sprintf("Order #%d is waiting for a driver at %s", order.ID, order.DeliveryAddress)
	case models.NotificationDriverAssigned:
		return fmt.Sprintf("A driver was assigned to order #%d", order.ID)
	case models.NotificationOrderPickedUp:
		return fmt.Sprintf("Your order #%d was picked up", order.ID)
	case models.NotificationOrderInTransit:
		return fmt.Sprintf("Your order #%d is on the way", order.ID)
	case models.NotificationOrderDelivered:
		return fmt.Sprintf("Order #%d was delivered", order.ID)
	case models.NotificationOrderCompleted:
		return fmt.Sprintf("Order #%d is completed", order.ID)
	}
	return fmt.Sprintf("Order #%d was updated", order.ID)
}

// notify emits one notification. Failures are logged and counted, never
// returned: the order change is already durable.
func (s *OrderService) notify(ctx context.Context, order *models.Order, kind string, recipientID int64, notes string) {
	if s.notifier == nil || recipientID <= 0 {
		return
	}

	data := map[string]string{
		"order_id": strconv.FormatInt(order.ID, 10),
		"status":   string(order.Status),
	}
	if notes != "" {
		data["notes"] = notes
	}

	event := &models.NotificationEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeNotification,
			Timestamp: time.Now(),
		},
		RecipientID: recipientID,
		Type:        kind,
		Title:       notificationTitles[kind],
		Message:     notificationMessage(kind, order),
		OrderID:     order.ID,
		Data:        data,
	}

	if err := s.notifier.Publish(ctx, event); err != nil {
		util.NotificationFailuresTotal.WithLabelValues(kind).Inc()
		s.logger.Warn("Failed to publish notification",
			zap.String("type", kind),
			zap.Int64("order_id", order.ID),
			zap.Int64("recipient_id", recipientID),
			zap.Error(err))
	}
}

// notifyTransition fans a transition out to its recipients, skipping the
// actor who made the change.
func (s *OrderService) notifyTransition(ctx context.Context, order *models.Order, t Transition, req *TransitionRequest) {
	notified := map[int64]bool{}
	if req.Actor.Role != RoleSystem {
		notified[req.Actor.ID] = true
	}

	send := func(kind string, recipientID int64) {
		if recipientID <= 0 || notified[recipientID] {
			return
		}
		notified[recipientID] = true
		s.notify(ctx, order, kind, recipientID, req.Notes)
	}

	for _, r := range t.Recipients {
		switch r {
		case NotifyBuyer:
			send(t.Notification, order.BuyerID)
		case NotifySeller:
			send(t.Notification, order.SellerID)
		case NotifyDriver:
			if order.DriverID != nil {
				send(t.Notification, *order.DriverID)
			}
		case NotifyAvailableDrivers:
			if order.DeliveryType != models.DeliveryTypeDelivery {
				continue
			}
			drivers, err := s.orders.ListAvailableDriverIDs(ctx)
			if err != nil {
				util.NotificationFailuresTotal.WithLabelValues(models.NotificationDeliveryAvailable).Inc()
				s.logger.Warn("Failed to list available drivers", zap.Int64("order_id", order.ID), zap.Error(err))
				continue
			}
			for _, id := range drivers {
				send(models.NotificationDeliveryAvailable, id)
			}
		}
	}
}
