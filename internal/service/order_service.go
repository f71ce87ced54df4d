package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"delivery-order-service/internal/models"
	"delivery-order-service/internal/store"
	"delivery-order-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Settings holds the business knobs of the order service
type Settings struct {
	DeliveryFee decimal.Decimal
	LockTTL     time.Duration
}

// OrderService drives orders through their lifecycle and keeps the stock
// ledger consistent with it.
type OrderService struct {
	ledger    StockLedger
	orders    OrderRepository
	carts     CartRepository
	notifier  Notifier
	locker    Locker
	validator *StockValidator
	mutator   *StockMutator
	settings  Settings
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(
	ledger StockLedger,
	orders OrderRepository,
	carts CartRepository,
	notifier Notifier,
	locker Locker,
	settings Settings,
) *OrderService {
	if settings.LockTTL <= 0 {
		settings.LockTTL = 10 * time.Second
	}
	return &OrderService{
		ledger:    ledger,
		orders:    orders,
		carts:     carts,
		notifier:  notifier,
		locker:    locker,
		validator: NewStockValidator(ledger),
		mutator:   NewStockMutator(ledger, orders),
		settings:  settings,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// CreateOrderRequest carries the delivery details of a checkout; the lines
// come from the buyer's cart.
type CreateOrderRequest struct {
	BuyerID         int64               `json:"-"`
	DeliveryType    models.DeliveryType `json:"delivery_type" binding:"required"`
	DeliveryAddress string              `json:"delivery_address,omitempty"`
	DeliveryLat     *float64            `json:"delivery_lat,omitempty"`
	DeliveryLng     *float64            `json:"delivery_lng,omitempty"`
	CustomerName    string              `json:"customer_name,omitempty"`
	CustomerPhone   string              `json:"customer_phone,omitempty"`
	PaymentMethod   string              `json:"payment_method" binding:"required"`
	Notes           string              `json:"notes,omitempty"`
	IdempotencyKey  string              `json:"idempotency_key,omitempty"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	OrderID  int64              `json:"order_id"`
	Status   models.OrderStatus `json:"status"`
	Total    decimal.Decimal    `json:"total"`
	Replayed bool               `json:"replayed,omitempty"`
}

// TransitionRequest asks to move an order to Status
type TransitionRequest struct {
	OrderID  int64
	Status   models.OrderStatus
	Actor    Actor
	Notes    string
	Reason   string
	DriverID *int64
}

// OrderDetails is an order with its items
type OrderDetails struct {
	Order *models.Order      `json:"order"`
	Items []models.OrderItem `json:"items"`
}

// CreateOrder turns the buyer's cart into a pending order. Stock is only
// validated here; the sale happens when the seller accepts.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if err := validateCreateRequest(req); err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_request").Inc()
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.orders.GetOrderByIdempotencyKey(ctx, req.BuyerID, req.IdempotencyKey)
		if err != nil {
			return nil, persistenceError("check idempotency", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("order_id", existing.ID))
			return replayResponse(existing), nil
		}
	}

	release, err := s.lock(ctx, fmt.Sprintf("checkout:%d", req.BuyerID), ErrCheckoutInProgress)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("locked").Inc()
		return nil, err
	}
	defer release()

	cart, err := s.carts.GetCartItems(ctx, req.BuyerID)
	if err != nil {
		return nil, persistenceError("load cart", err)
	}
	if len(cart) == 0 {
		util.OrdersFailedTotal.WithLabelValues("empty_cart").Inc()
		return nil, &ValidationError{Field: "cart", Message: "cart is empty"}
	}

	sellerID := cart[0].SellerID
	for _, line := range cart[1:] {
		if line.SellerID != sellerID {
			util.OrdersFailedTotal.WithLabelValues("multiple_sellers").Inc()
			return nil, &ValidationError{Field: "cart", Message: "all items must come from the same seller"}
		}
	}

	now := s.now()
	lines, items, subtotal, err := s.priceCart(ctx, cart, sellerID, now)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("stale_cart").Inc()
		return nil, err
	}

	result, err := s.validator.Validate(ctx, lines)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
		return nil, &InsufficientStockError{Items: result.OffendingItems}
	}

	deliveryFee := decimal.Zero
	if req.DeliveryType == models.DeliveryTypeDelivery {
		deliveryFee = s.settings.DeliveryFee
	}

	order := &models.Order{
		BuyerID:         req.BuyerID,
		SellerID:        sellerID,
		Subtotal:        subtotal,
		DeliveryFee:     deliveryFee,
		Total:           subtotal.Add(deliveryFee),
		DeliveryType:    req.DeliveryType,
		Status:          models.OrderStatusPending,
		DeliveryAddress: req.DeliveryAddress,
		DeliveryLat:     req.DeliveryLat,
		DeliveryLng:     req.DeliveryLng,
		CustomerName:    req.CustomerName,
		CustomerPhone:   req.CustomerPhone,
		PaymentMethod:   req.PaymentMethod,
		Notes:           req.Notes,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}

	if err := s.orders.CreateOrderWithItems(ctx, order, items); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) && req.IdempotencyKey != "" {
			existing, getErr := s.orders.GetOrderByIdempotencyKey(ctx, req.BuyerID, req.IdempotencyKey)
			if getErr == nil && existing != nil {
				return replayResponse(existing), nil
			}
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, persistenceError("create order", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("buyer_id", order.BuyerID),
		zap.Int64("seller_id", order.SellerID),
		zap.String("total", order.Total.StringFixed(2)))

	if err := s.carts.ClearCart(ctx, req.BuyerID); err != nil {
		s.logger.Warn("Failed to clear cart after checkout",
			zap.Int64("buyer_id", req.BuyerID),
			zap.Error(err))
	}

	s.notify(ctx, order, models.NotificationNewOrder, order.SellerID, "")

	return &CreateOrderResponse{
		OrderID: order.ID,
		Status:  order.Status,
		Total:   order.Total,
	}, nil
}

// priceCart resolves every cart line against the catalog and snapshots the
// authoritative price. Lines whose product is gone fail the whole checkout.
func (s *OrderService) priceCart(ctx context.Context, cart []models.CartItem, sellerID int64, now time.Time) ([]StockItem, []models.OrderItem, decimal.Decimal, error) {
	var (
		lines    = make([]StockItem, 0, len(cart))
		items    = make([]models.OrderItem, 0, len(cart))
		subtotal = decimal.Zero
		missing  []int64
	)

	for _, line := range cart {
		if !line.ProductType.Valid() {
			return nil, nil, decimal.Zero, &ValidationError{Field: "cart", Message: fmt.Sprintf("unknown product type %q", line.ProductType)}
		}
		if line.Quantity <= 0 {
			return nil, nil, decimal.Zero, &ValidationError{Field: "cart", Message: fmt.Sprintf("product %d: quantity must be positive", line.ProductID)}
		}

		item := StockItem{
			ProductID:   line.ProductID,
			ProductType: line.ProductType,
			Quantity:    line.Quantity,
			ProductName: line.ProductName,
			SellerID:    sellerID,
			AsOf:        now,
		}
		level, err := resolveStock(ctx, s.ledger, item, s.now)
		if errors.Is(err, store.ErrProductNotFound) {
			missing = append(missing, line.ProductID)
			continue
		}
		if err != nil {
			return nil, nil, decimal.Zero, persistenceError("read product", err)
		}
		if level.SellerID != sellerID {
			return nil, nil, decimal.Zero, &ValidationError{Field: "cart", Message: fmt.Sprintf("product %d is not sold by seller %d", level.ProductID, sellerID)}
		}

		item.ProductID = level.ProductID
		item.ProductName = level.Name
		lines = append(lines, item)

		orderItem := models.OrderItem{
			ProductName: level.Name,
			ImageURL:    level.ImageURL,
			UnitPrice:   level.Price,
			Quantity:    line.Quantity,
		}
		id := level.ProductID
		if line.ProductType == models.ProductTypeDaily {
			orderItem.DailyProductID = &id
		} else {
			orderItem.ProductID = &id
		}
		items = append(items, orderItem)

		subtotal = subtotal.Add(level.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	if len(missing) > 0 {
		return nil, nil, decimal.Zero, &NotFoundError{
			Resource: "product",
			IDs:      missing,
			Message:  "cart is out of date, refresh it and try again",
		}
	}
	return lines, items, subtotal, nil
}

// TransitionStatus moves an order along one lifecycle edge. A stock effect is
// applied before the status is persisted; if persisting fails the effect is
// reverted and the order keeps its prior status.
func (s *OrderService) TransitionStatus(ctx context.Context, req *TransitionRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.TransitionStatus")
	defer span.End()

	if !req.Actor.Role.Valid() {
		return nil, &ValidationError{Field: "actor", Message: fmt.Sprintf("unknown role %q", req.Actor.Role)}
	}

	release, err := s.lock(ctx, fmt.Sprintf("order:%d", req.OrderID), ErrOrderBusy)
	if err != nil {
		return nil, err
	}
	defer release()

	order, err := s.getOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	t, driverID, err := CheckTransition(order, req.Status, req.Actor, req.DriverID)
	if err != nil {
		util.OrderTransitionsTotal.WithLabelValues(string(order.Status), string(req.Status), "rejected").Inc()
		return nil, err
	}

	applied, err := s.applyStockEffect(ctx, order, t.Stock)
	if err != nil {
		util.OrderTransitionsTotal.WithLabelValues(string(t.From), string(t.To), "failed").Inc()
		return nil, err
	}

	change := models.StatusChange{
		OrderID:  order.ID,
		From:     t.From,
		To:       t.To,
		DriverID: driverID,
	}
	if t.To == models.OrderStatusRejected || t.To == models.OrderStatusCancelled {
		if reason := firstNonEmpty(req.Reason, req.Notes); reason != "" {
			change.RejectionReason = &reason
		}
	}

	if err := s.orders.UpdateOrderStatus(ctx, change); err != nil {
		util.OrderTransitionsTotal.WithLabelValues(string(t.From), string(t.To), "failed").Inc()
		s.revertStockEffect(ctx, order, applied)
		switch {
		case errors.Is(err, store.ErrStaleStatus):
			return nil, &IllegalTransitionError{From: t.From, To: t.To, Reason: "order status changed concurrently", Err: err}
		case errors.Is(err, store.ErrOrderNotFound):
			return nil, &NotFoundError{Resource: "order", IDs: []int64{order.ID}}
		}
		return nil, persistenceError("update order status", err)
	}

	util.OrderTransitionsTotal.WithLabelValues(string(t.From), string(t.To), "applied").Inc()
	s.logger.Info("Order status changed",
		zap.Int64("order_id", order.ID),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("actor", string(req.Actor.Role)))

	updated := *order
	updated.Status = t.To
	if driverID != nil {
		updated.DriverID = driverID
	}
	if change.RejectionReason != nil {
		updated.RejectionReason = change.RejectionReason
	}
	if fresh, err := s.orders.GetOrderByID(ctx, order.ID); err == nil {
		updated = *fresh
	} else {
		s.logger.Warn("Failed to reload order after status change", zap.Int64("order_id", order.ID), zap.Error(err))
	}

	s.notifyTransition(ctx, &updated, t, req)
	return &updated, nil
}

// applyStockEffect runs the ledger side of a transition at most once per
// order: a sale only when no sale is outstanding, a restore only when one is.
// A restore replays the outstanding sale batch row for row.
func (s *OrderService) applyStockEffect(ctx context.Context, order *models.Order, effect StockEffect) (*MutationResult, error) {
	if effect == StockNone {
		return nil, nil
	}

	balance, err := s.orders.GetStockBalance(ctx, order.ID)
	if err != nil {
		return nil, persistenceError("read stock balance", err)
	}

	direction := models.StockDirectionSale
	if effect == StockRestore {
		direction = models.StockDirectionRestore
	}

	switch {
	case direction == models.StockDirectionSale && balance.Committed():
		s.logger.Warn("Stock already sold for order, skipping sale", zap.Int64("order_id", order.ID))
		return nil, nil
	case direction == models.StockDirectionRestore && !balance.Committed():
		s.logger.Warn("No sold stock recorded for order, skipping restore", zap.Int64("order_id", order.ID))
		return nil, nil
	}

	if direction == models.StockDirectionRestore {
		sold, err := s.orders.GetSaleMutations(ctx, order.ID)
		if err != nil {
			return nil, persistenceError("load sale batch", err)
		}
		if len(sold) == 0 {
			return nil, persistenceError("load sale batch", fmt.Errorf("no sale lines recorded for order %d", order.ID))
		}
		return s.mutator.Apply(ctx, order.ID, reversalItems(sold), direction)
	}

	items, err := s.orders.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, persistenceError("load order items", err)
	}

	return s.mutator.Apply(ctx, order.ID, stockItemsFromOrder(order, items), direction)
}

// revertStockEffect undoes a batch applied by this call after the status
// change it belonged to could not be persisted.
func (s *OrderService) revertStockEffect(ctx context.Context, order *models.Order, applied *MutationResult) {
	if applied == nil || len(applied.Mutations) == 0 {
		return
	}

	direction := models.StockDirectionRestore
	if applied.Mutations[0].Direction == models.StockDirectionRestore {
		direction = models.StockDirectionSale
	}

	if _, err := s.mutator.Apply(context.WithoutCancel(ctx), order.ID, reversalItems(applied.Mutations), direction); err != nil {
		util.StockRollbackFailuresTotal.Inc()
		s.logger.Error("Failed to revert stock after status update failure, ledger needs manual reconciliation",
			zap.Int64("order_id", order.ID),
			zap.String("batch_id", applied.BatchID),
			zap.Error(err))
	}
}

// DeleteUnconfirmedOrder removes a pending order on behalf of its buyer.
// Pending orders hold no sold stock, so a restore only runs if the mutation
// log says otherwise.
func (s *OrderService) DeleteUnconfirmedOrder(ctx context.Context, orderID, buyerID int64) error {
	ctx, span := util.StartSpan(ctx, "OrderService.DeleteUnconfirmedOrder")
	defer span.End()

	release, err := s.lock(ctx, fmt.Sprintf("order:%d", orderID), ErrOrderBusy)
	if err != nil {
		return err
	}
	defer release()

	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.BuyerID != buyerID {
		return &ForbiddenError{Reason: "order belongs to another buyer"}
	}
	if order.Status != models.OrderStatusPending {
		return &IllegalTransitionError{From: order.Status, To: order.Status, Reason: "only pending orders can be deleted"}
	}

	balance, err := s.orders.GetStockBalance(ctx, orderID)
	if err != nil {
		return persistenceError("read stock balance", err)
	}
	if balance.Committed() {
		s.logger.Warn("Pending order holds sold stock, restoring before delete", zap.Int64("order_id", orderID))
		if _, err := s.applyStockEffect(ctx, order, StockRestore); err != nil {
			return err
		}
	}

	if err := s.orders.DeletePendingOrder(ctx, orderID); err != nil {
		switch {
		case errors.Is(err, store.ErrStaleStatus):
			return &IllegalTransitionError{From: order.Status, To: order.Status, Reason: "order status changed concurrently", Err: err}
		case errors.Is(err, store.ErrOrderNotFound):
			return &NotFoundError{Resource: "order", IDs: []int64{orderID}}
		}
		return persistenceError("delete order", err)
	}

	util.OrdersDeletedTotal.Inc()
	s.logger.Info("Pending order deleted", zap.Int64("order_id", orderID), zap.Int64("buyer_id", buyerID))

	s.notify(ctx, order, models.NotificationOrderCancelled, order.SellerID, "")
	return nil
}

// ValidateStock runs the advisory pre-flight check for arbitrary lines
func (s *OrderService) ValidateStock(ctx context.Context, items []StockItem) (*ValidationResult, error) {
	return s.validator.Validate(ctx, items)
}

// GetOrder retrieves an order with its items
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*OrderDetails, error) {
	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	items, err := s.orders.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, persistenceError("load order items", err)
	}
	return &OrderDetails{Order: order, Items: items}, nil
}

func (s *OrderService) getOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := s.orders.GetOrderByID(ctx, orderID)
	if errors.Is(err, store.ErrOrderNotFound) {
		return nil, &NotFoundError{Resource: "order", IDs: []int64{orderID}}
	}
	if err != nil {
		return nil, persistenceError("load order", err)
	}
	return order, nil
}

// lock takes the named lock or fails with busy. Lock errors are logged and
// tolerated; the conditional writes in the store stay the real guard.
func (s *OrderService) lock(ctx context.Context, key string, busy error) (func(), error) {
	noop := func() {}
	if s.locker == nil {
		return noop, nil
	}

	token, ok, err := s.locker.AcquireLock(ctx, key, s.settings.LockTTL)
	if err != nil {
		s.logger.Warn("Lock unavailable, continuing without it", zap.String("key", key), zap.Error(err))
		return noop, nil
	}
	if !ok {
		return nil, busy
	}

	return func() {
		if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func validateCreateRequest(req *CreateOrderRequest) error {
	if req.BuyerID <= 0 {
		return &ValidationError{Field: "buyer_id", Message: "must be positive"}
	}
	if !req.DeliveryType.Valid() {
		return &ValidationError{Field: "delivery_type", Message: "must be pickup, dine-in or delivery"}
	}
	if req.DeliveryType == models.DeliveryTypeDelivery && strings.TrimSpace(req.DeliveryAddress) == "" {
		return &ValidationError{Field: "delivery_address", Message: "required for delivery orders"}
	}
	if strings.TrimSpace(req.PaymentMethod) == "" {
		return &ValidationError{Field: "payment_method", Message: "required"}
	}
	return nil
}

func replayResponse(order *models.Order) *CreateOrderResponse {
	return &CreateOrderResponse{
		OrderID:  order.ID,
		Status:   order.Status,
		Total:    order.Total,
		Replayed: true,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
