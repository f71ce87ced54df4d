package store

import (
	"context"
	"fmt"

	"delivery-order-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateOrderWithItems inserts the order and its items in one transaction, so
// an order never exists without its items.
func (s *Store) CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	err := s.WithRetry(ctx, DefaultTxOptions(), func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO orders (
				buyer_id, seller_id, subtotal, delivery_fee, total, delivery_type, status,
				delivery_address, delivery_lat, delivery_lng, customer_name, customer_phone,
				payment_method, notes, idempotency_key
			) VALUES (
				:buyer_id, :seller_id, :subtotal, :delivery_fee, :total, :delivery_type, :status,
				:delivery_address, :delivery_lat, :delivery_lng, :customer_name, :customer_phone,
				:payment_method, :notes, :idempotency_key
			)
			RETURNING id, created_at, updated_at`

		rows, err := sqlx.NamedQueryContext(ctx, tx, query, order)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if !rows.Next() {
			rows.Close()
			return fmt.Errorf("insert order: no row returned")
		}
		if err := rows.Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan order id: %w", err)
		}
		rows.Close()

		for i := range items {
			items[i].OrderID = order.ID
			err := tx.GetContext(ctx, &items[i].ID, `
				INSERT INTO order_items (order_id, product_id, daily_product_id, product_name, image_url, unit_price, quantity)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id`,
				items[i].OrderID, items[i].ProductID, items[i].DailyProductID,
				items[i].ProductName, items[i].ImageURL, items[i].UnitPrice, items[i].Quantity)
			if err != nil {
				return fmt.Errorf("insert order item %d: %w", i, err)
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if isNoRows(err) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves a buyer's order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, buyerID int64, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE buyer_id = $1 AND idempotency_key = $2", buyerID, key)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// timestampColumn names the column stamped on first entry into status
func timestampColumn(status models.OrderStatus) string {
	switch status {
	case models.OrderStatusAccepted:
		return "accepted_at"
	case models.OrderStatusReady:
		return "ready_at"
	case models.OrderStatusPickedUp:
		return "picked_up_at"
	case models.OrderStatusDelivered:
		return "delivered_at"
	case models.OrderStatusCompleted:
		return "completed_at"
	}
	return ""
}

// UpdateOrderStatus moves an order from change.From to change.To. It returns
// ErrStaleStatus when the order is no longer in change.From.
func (s *Store) UpdateOrderStatus(ctx context.Context, change models.StatusChange) error {
	query := `
		UPDATE orders
		SET status = $1,
		    driver_id = COALESCE($2, driver_id),
		    rejection_reason = COALESCE($3, rejection_reason),
		    updated_at = NOW()`
	if col := timestampColumn(change.To); col != "" {
		query += fmt.Sprintf(",\n\t\t    %[1]s = COALESCE(%[1]s, NOW())", col)
	}
	query += `
		WHERE id = $4 AND status = $5`

	result, err := s.db.ExecContext(ctx, query,
		change.To, change.DriverID, change.RejectionReason, change.OrderID, change.From)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.staleOrMissing(ctx, change.OrderID)
	}
	return nil
}

// DeletePendingOrder deletes the items and then the order, only while the
// order is still pending.
func (s *Store) DeletePendingOrder(ctx context.Context, orderID int64) error {
	err := s.WithTx(ctx, DefaultTxOptions(), func(tx *sqlx.Tx) error {
		var status models.OrderStatus
		err := tx.GetContext(ctx, &status,
			"SELECT status FROM orders WHERE id = $1 FOR UPDATE", orderID)
		if isNoRows(err) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		if status != models.OrderStatusPending {
			return ErrStaleStatus
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM order_items WHERE order_id = $1", orderID); err != nil {
			return fmt.Errorf("delete order items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM orders WHERE id = $1", orderID); err != nil {
			return fmt.Errorf("delete order: %w", err)
		}
		return nil
	})
	return err
}

func (s *Store) staleOrMissing(ctx context.Context, orderID int64) error {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)", orderID)
	if err != nil {
		return fmt.Errorf("check order exists: %w", err)
	}
	if !exists {
		return ErrOrderNotFound
	}
	return ErrStaleStatus
}

// RecordStockMutations appends a mutation batch to the audit table
func (s *Store) RecordStockMutations(ctx context.Context, records []models.StockMutation) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO stock_mutations (
			batch_id, order_id, product_id, product_type, direction, old_quantity, new_quantity, delta
		) VALUES (
			:batch_id, :order_id, :product_id, :product_type, :direction, :old_quantity, :new_quantity, :delta
		)`

	if _, err := s.db.NamedExecContext(ctx, query, records); err != nil {
		return fmt.Errorf("record stock mutations: %w", err)
	}
	return nil
}

// GetStockBalance counts the sale and restore batches recorded for an order
func (s *Store) GetStockBalance(ctx context.Context, orderID int64) (*models.StockBalance, error) {
	var balance models.StockBalance
	err := s.db.GetContext(ctx, &balance, `
		SELECT
			COUNT(DISTINCT batch_id) FILTER (WHERE direction = 'sale') AS sales,
			COUNT(DISTINCT batch_id) FILTER (WHERE direction = 'restore') AS restores
		FROM stock_mutations
		WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("get stock balance: %w", err)
	}
	return &balance, nil
}

// GetSaleMutations returns the lines of the newest sale batch of an order
func (s *Store) GetSaleMutations(ctx context.Context, orderID int64) ([]models.StockMutation, error) {
	var mutations []models.StockMutation
	err := s.db.SelectContext(ctx, &mutations, `
		SELECT id, batch_id, order_id, product_id, product_type, direction,
		       old_quantity, new_quantity, delta, created_at
		FROM stock_mutations
		WHERE order_id = $1
		  AND batch_id = (
			SELECT batch_id FROM stock_mutations
			WHERE order_id = $1 AND direction = 'sale'
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		  )
		ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("get sale mutations: %w", err)
	}
	return mutations, nil
}

// ListAvailableDriverIDs returns drivers currently idle
func (s *Store) ListAvailableDriverIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids,
		"SELECT id FROM drivers WHERE status = 'available' ORDER BY id")
	return ids, err
}
