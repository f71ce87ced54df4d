package models

import (
	"encoding/json"
	"time"
)

// Notification types
const (
	NotificationNewOrder          = "new_order"
	NotificationOrderAccepted     = "order_accepted"
	NotificationOrderRejected     = "order_rejected"
	NotificationOrderCancelled    = "order_cancelled"
	NotificationOrderReady        = "order_ready"
	NotificationDeliveryAvailable = "delivery_available"
	NotificationDriverAssigned    = "driver_assigned"
	NotificationOrderPickedUp     = "order_picked_up"
	NotificationOrderInTransit    = "order_in_transit"
	NotificationOrderDelivered    = "order_delivered"
	NotificationOrderCompleted    = "order_completed"
)

// EventTypeNotification tags notification events on the broker
const EventTypeNotification = "NOTIFICATION"

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationEvent is emitted to a single recipient on an order event
type NotificationEvent struct {
	BaseEvent
	RecipientID int64             `json:"recipient_id"`
	Type        string            `json:"type"`
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	OrderID     int64             `json:"order_id"`
	Data        map[string]string `json:"data,omitempty"`
}

// Notification is a persisted inbox entry for a user
type Notification struct {
	ID          int64           `db:"id" json:"id"`
	EventID     string          `db:"event_id" json:"event_id"`
	RecipientID int64           `db:"recipient_id" json:"recipient_id"`
	Type        string          `db:"type" json:"type"`
	Title       string          `db:"title" json:"title"`
	Message     string          `db:"message" json:"message"`
	OrderID     int64           `db:"order_id" json:"order_id"`
	Data        json.RawMessage `db:"data" json:"data,omitempty"`
	IsRead      bool            `db:"is_read" json:"is_read"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}
