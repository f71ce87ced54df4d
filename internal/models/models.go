package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductType tells which catalog a line item points at
type ProductType string

const (
	ProductTypeRegular ProductType = "regular"
	ProductTypeDaily   ProductType = "daily"
)

// Valid reports whether t names a known catalog
func (t ProductType) Valid() bool {
	return t == ProductTypeRegular || t == ProductTypeDaily
}

// StockLevel is the ledger view of a product in either catalog
type StockLevel struct {
	ProductID   int64           `db:"id" json:"product_id"`
	ProductType ProductType     `db:"product_type" json:"product_type"`
	SellerID    int64           `db:"seller_id" json:"seller_id"`
	Name        string          `db:"name" json:"name"`
	Price       decimal.Decimal `db:"price" json:"price"`
	ImageURL    string          `db:"image_url" json:"image_url,omitempty"`
	Quantity    int             `db:"stock_quantity" json:"quantity"`
	IsAvailable bool            `db:"is_available" json:"is_available"`
}

// CartItem is a buyer's cart line with a display snapshot taken at add time
type CartItem struct {
	ID          int64           `db:"id" json:"id"`
	UserID      int64           `db:"user_id" json:"user_id"`
	ProductID   int64           `db:"product_id" json:"product_id"`
	ProductType ProductType     `db:"product_type" json:"product_type"`
	Quantity    int             `db:"quantity" json:"quantity"`
	ProductName string          `db:"product_name" json:"product_name"`
	Price       decimal.Decimal `db:"price" json:"price"`
	ImageURL    string          `db:"image_url" json:"image_url,omitempty"`
	SellerID    int64           `db:"seller_id" json:"seller_id"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// DeliveryType is how the buyer receives the order
type DeliveryType string

const (
	DeliveryTypePickup   DeliveryType = "pickup"
	DeliveryTypeDineIn   DeliveryType = "dine-in"
	DeliveryTypeDelivery DeliveryType = "delivery"
)

// Valid reports whether d is a known delivery type
func (d DeliveryType) Valid() bool {
	switch d {
	case DeliveryTypePickup, DeliveryTypeDineIn, DeliveryTypeDelivery:
		return true
	}
	return false
}

// OrderStatus is a state of the order lifecycle
type OrderStatus string

// Order statuses
const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusAssigned  OrderStatus = "assigned"
	OrderStatusPickedUp  OrderStatus = "picked_up"
	OrderStatusInTransit OrderStatus = "in_transit"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// IsTerminal reports whether no further transition is permitted from s
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Order represents a buyer's order placed with a single seller
type Order struct {
	ID              int64           `db:"id" json:"id"`
	BuyerID         int64           `db:"buyer_id" json:"buyer_id"`
	SellerID        int64           `db:"seller_id" json:"seller_id"`
	DriverID        *int64          `db:"driver_id" json:"driver_id,omitempty"`
	Subtotal        decimal.Decimal `db:"subtotal" json:"subtotal"`
	DeliveryFee     decimal.Decimal `db:"delivery_fee" json:"delivery_fee"`
	Total           decimal.Decimal `db:"total" json:"total"`
	DeliveryType    DeliveryType    `db:"delivery_type" json:"delivery_type"`
	Status          OrderStatus     `db:"status" json:"status"`
	DeliveryAddress string          `db:"delivery_address" json:"delivery_address,omitempty"`
	DeliveryLat     *float64        `db:"delivery_lat" json:"delivery_lat,omitempty"`
	DeliveryLng     *float64        `db:"delivery_lng" json:"delivery_lng,omitempty"`
	CustomerName    string          `db:"customer_name" json:"customer_name,omitempty"`
	CustomerPhone   string          `db:"customer_phone" json:"customer_phone,omitempty"`
	PaymentMethod   string          `db:"payment_method" json:"payment_method"`
	Notes           string          `db:"notes" json:"notes,omitempty"`
	IdempotencyKey  *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	RejectionReason *string         `db:"rejection_reason" json:"rejection_reason,omitempty"`
	AcceptedAt      *time.Time      `db:"accepted_at" json:"accepted_at,omitempty"`
	ReadyAt         *time.Time      `db:"ready_at" json:"ready_at,omitempty"`
	PickedUpAt      *time.Time      `db:"picked_up_at" json:"picked_up_at,omitempty"`
	DeliveredAt     *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem represents items in an order. Exactly one of ProductID and
// DailyProductID is set.
type OrderItem struct {
	ID             int64           `db:"id" json:"id"`
	OrderID        int64           `db:"order_id" json:"order_id"`
	ProductID      *int64          `db:"product_id" json:"product_id,omitempty"`
	DailyProductID *int64          `db:"daily_product_id" json:"daily_product_id,omitempty"`
	ProductName    string          `db:"product_name" json:"product_name"`
	ImageURL       string          `db:"image_url" json:"image_url,omitempty"`
	UnitPrice      decimal.Decimal `db:"unit_price" json:"unit_price"`
	Quantity       int             `db:"quantity" json:"quantity"`
}

// ProductType derives the catalog from whichever reference is populated
func (i OrderItem) ProductType() ProductType {
	if i.DailyProductID != nil {
		return ProductTypeDaily
	}
	return ProductTypeRegular
}

// RefID returns the populated product reference
func (i OrderItem) RefID() int64 {
	if i.DailyProductID != nil {
		return *i.DailyProductID
	}
	if i.ProductID != nil {
		return *i.ProductID
	}
	return 0
}

// StockDirection is the sign of a stock mutation batch
type StockDirection string

const (
	StockDirectionSale    StockDirection = "sale"
	StockDirectionRestore StockDirection = "restore"
)

// StockMutation records one applied stock change inside a batch
type StockMutation struct {
	ID          int64          `db:"id" json:"id"`
	BatchID     string         `db:"batch_id" json:"batch_id"`
	OrderID     int64          `db:"order_id" json:"order_id"`
	ProductID   int64          `db:"product_id" json:"product_id"`
	ProductType ProductType    `db:"product_type" json:"product_type"`
	Direction   StockDirection `db:"direction" json:"direction"`
	OldQuantity int            `db:"old_quantity" json:"old_quantity"`
	NewQuantity int            `db:"new_quantity" json:"new_quantity"`
	Delta       int            `db:"delta" json:"delta"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

// StockBalance counts the recorded sale and restore batches of an order
type StockBalance struct {
	Sales    int `db:"sales"`
	Restores int `db:"restores"`
}

// Committed reports whether the order currently holds decremented stock
func (b StockBalance) Committed() bool {
	return b.Sales > b.Restores
}

// StatusChange is a compare-and-set status update of an order
type StatusChange struct {
	OrderID         int64
	From            OrderStatus
	To              OrderStatus
	DriverID        *int64
	RejectionReason *string
}
