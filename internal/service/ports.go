package service

import (
	"context"
	"time"

	"delivery-order-service/internal/models"
)

// StockLedger reads and atomically adjusts product stock in both catalogs
type StockLedger interface {
	GetStock(ctx context.Context, productType models.ProductType, productID int64) (*models.StockLevel, error)
	FindActiveDailyByName(ctx context.Context, sellerID int64, name string, createdBefore time.Time) (*models.StockLevel, error)
	DecrementStock(ctx context.Context, productType models.ProductType, productID int64, quantity int) (int, error)
	IncrementStock(ctx context.Context, productType models.ProductType, productID int64, quantity int) (int, error)
}

// MutationLog persists applied stock batches per order
type MutationLog interface {
	RecordStockMutations(ctx context.Context, records []models.StockMutation) error
	GetStockBalance(ctx context.Context, orderID int64) (*models.StockBalance, error)
	GetSaleMutations(ctx context.Context, orderID int64) ([]models.StockMutation, error)
}

// OrderRepository persists orders and their items
type OrderRepository interface {
	MutationLog
	CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, buyerID int64, key string) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	UpdateOrderStatus(ctx context.Context, change models.StatusChange) error
	DeletePendingOrder(ctx context.Context, orderID int64) error
	ListAvailableDriverIDs(ctx context.Context) ([]int64, error)
}

// CartRepository loads and clears a buyer's cart
type CartRepository interface {
	GetCartItems(ctx context.Context, userID int64) ([]models.CartItem, error)
	ClearCart(ctx context.Context, userID int64) error
}

// Notifier emits notification events; delivery is fire-and-forget
type Notifier interface {
	Publish(ctx context.Context, event *models.NotificationEvent) error
}

// Locker hands out short-lived exclusive locks identified by a token
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// StockItem is one requested line checked against or applied to the ledger.
// ProductName, SellerID and AsOf drive the daily product name fallback.
// Exact lines name a ledger row already written by a recorded batch and are
// applied to that row without any lookup.
type StockItem struct {
	ProductID   int64              `json:"product_id" binding:"required"`
	ProductType models.ProductType `json:"product_type" binding:"required"`
	Quantity    int                `json:"quantity" binding:"required,min=1"`
	ProductName string             `json:"product_name,omitempty"`
	SellerID    int64              `json:"seller_id,omitempty"`
	AsOf        time.Time          `json:"-"`
	Exact       bool               `json:"-"`
}

// stockItemsFromOrder converts persisted order items into ledger lines
func stockItemsFromOrder(order *models.Order, items []models.OrderItem) []StockItem {
	out := make([]StockItem, 0, len(items))
	for _, item := range items {
		out = append(out, StockItem{
			ProductID:   item.RefID(),
			ProductType: item.ProductType(),
			Quantity:    item.Quantity,
			ProductName: item.ProductName,
			SellerID:    order.SellerID,
			AsOf:        order.CreatedAt,
		})
	}
	return out
}

// reversalItems turns recorded mutations into exact lines undoing them
func reversalItems(mutations []models.StockMutation) []StockItem {
	out := make([]StockItem, 0, len(mutations))
	for _, m := range mutations {
		quantity := m.Delta
		if quantity < 0 {
			quantity = -quantity
		}
		out = append(out, StockItem{
			ProductID:   m.ProductID,
			ProductType: m.ProductType,
			Quantity:    quantity,
			Exact:       true,
		})
	}
	return out
}
