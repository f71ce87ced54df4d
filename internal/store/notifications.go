package store

import (
	"context"
	"fmt"

	"delivery-order-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// SaveNotification stores the notification and marks its event processed in
// one transaction. A replayed event is reported as ErrDuplicateKey.
func (s *Store) SaveNotification(ctx context.Context, n *models.Notification, eventType string) error {
	err := s.WithTx(ctx, DefaultTxOptions(), func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO processed_events (event_id, event_type, processed_at) VALUES ($1, $2, NOW())",
			n.EventID, eventType); err != nil {
			return err
		}

		return tx.GetContext(ctx, &n.ID, `
			INSERT INTO notifications (event_id, recipient_id, type, title, message, order_id, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
			RETURNING id`,
			n.EventID, n.RecipientID, n.Type, n.Title, n.Message, n.OrderID, jsonText(n.Data))
	})
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	return nil
}

// ListNotifications returns the newest notifications of a recipient
func (s *Store) ListNotifications(ctx context.Context, recipientID int64, limit int) ([]models.Notification, error) {
	var notifications []models.Notification
	err := s.db.SelectContext(ctx, &notifications, `
		SELECT id, event_id, recipient_id, type, title, message, order_id, data, is_read, created_at
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return notifications, nil
}

func jsonText(data []byte) string {
	if len(data) == 0 {
		return "{}"
	}
	return string(data)
}
