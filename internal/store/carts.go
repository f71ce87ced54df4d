package store

import (
	"context"
	"fmt"

	"delivery-order-service/internal/models"
)

// GetCartItems returns the buyer's cart in insertion order
func (s *Store) GetCartItems(ctx context.Context, userID int64) ([]models.CartItem, error) {
	var items []models.CartItem
	err := s.db.SelectContext(ctx, &items, `
		SELECT id, user_id, product_id, product_type, quantity, product_name, price, image_url, seller_id, created_at
		FROM cart_items
		WHERE user_id = $1
		ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("get cart items: %w", err)
	}
	return items, nil
}

// ClearCart removes every cart line of the buyer
func (s *Store) ClearCart(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cart_items WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
