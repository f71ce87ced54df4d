package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"delivery-order-service/internal/models"
	"delivery-order-service/internal/store"
	"delivery-order-service/internal/util"

	"go.uber.org/zap"
)

// ValidationResult is the outcome of a pre-flight stock check
type ValidationResult struct {
	Valid          bool            `json:"valid"`
	Reason         string          `json:"reason,omitempty"`
	OffendingItems []OffendingItem `json:"offending_items,omitempty"`
}

// StockValidator checks requested lines against current stock without
// reserving anything. The conditional write in StockMutator stays the
// authoritative check.
type StockValidator struct {
	ledger StockLedger
	logger *zap.Logger
	now    func() time.Time
}

// NewStockValidator creates a new stock validator
func NewStockValidator(ledger StockLedger) *StockValidator {
	return &StockValidator{
		ledger: ledger,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// Validate reads every line and reports those that are missing, unavailable
// or short of stock.
func (v *StockValidator) Validate(ctx context.Context, items []StockItem) (*ValidationResult, error) {
	ctx, span := util.StartSpan(ctx, "StockValidator.Validate")
	defer span.End()

	if len(items) == 0 {
		return nil, &ValidationError{Field: "items", Message: "at least one item is required"}
	}

	result := &ValidationResult{Valid: true}
	for i, item := range items {
		if !item.ProductType.Valid() {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d].product_type", i), Message: "must be regular or daily"}
		}
		if item.Quantity <= 0 {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Message: "must be positive"}
		}

		offending := OffendingItem{
			ProductID:   item.ProductID,
			ProductType: item.ProductType,
			Name:        item.ProductName,
			Requested:   item.Quantity,
		}

		level, err := resolveStock(ctx, v.ledger, item, v.now)
		if errors.Is(err, store.ErrProductNotFound) {
			offending.Reason = "product not found"
			result.OffendingItems = append(result.OffendingItems, offending)
			continue
		}
		if err != nil {
			return nil, persistenceError("read stock", err)
		}

		offending.ProductID = level.ProductID
		offending.Name = level.Name
		offending.Available = level.Quantity

		switch {
		case !level.IsAvailable:
			offending.Reason = "product unavailable"
		case level.Quantity < item.Quantity:
			offending.Reason = "insufficient stock"
		default:
			continue
		}
		result.OffendingItems = append(result.OffendingItems, offending)
	}

	if len(result.OffendingItems) > 0 {
		result.Valid = false
		result.Reason = fmt.Sprintf("%d item(s) cannot be fulfilled", len(result.OffendingItems))
		v.logger.Debug("Stock validation failed", zap.Int("offending", len(result.OffendingItems)))
	}
	return result, nil
}

// resolveStock reads a line by id. A daily product whose id no longer
// resolves falls back to the newest unexpired daily product of the same seller
// and name that already existed at item.AsOf.
func resolveStock(ctx context.Context, ledger StockLedger, item StockItem, now func() time.Time) (*models.StockLevel, error) {
	level, err := ledger.GetStock(ctx, item.ProductType, item.ProductID)
	if err == nil {
		return level, nil
	}
	if !errors.Is(err, store.ErrProductNotFound) || item.ProductType != models.ProductTypeDaily || item.ProductName == "" {
		return nil, err
	}

	asOf := item.AsOf
	if asOf.IsZero() {
		asOf = now()
	}

	level, err = ledger.FindActiveDailyByName(ctx, item.SellerID, item.ProductName, asOf)
	if err != nil {
		return nil, err
	}
	util.GetLogger().Warn("Resolved daily product by name",
		zap.Int64("requested_id", item.ProductID),
		zap.Int64("resolved_id", level.ProductID),
		zap.String("name", item.ProductName))
	return level, nil
}
