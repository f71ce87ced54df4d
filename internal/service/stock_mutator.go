package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"delivery-order-service/internal/models"
	"delivery-order-service/internal/store"
	"delivery-order-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MutationResult lists the stock changes applied by one batch
type MutationResult struct {
	BatchID   string
	Mutations []models.StockMutation
}

// StockMutator applies sale and restore batches to the ledger. Lines are
// applied one at a time; when a line fails, every line already applied is
// reversed in reverse order before the failure is returned.
//
// Apply is not idempotent. Callers guard each (order, direction) pair with
// the balance kept in the mutation log.
type StockMutator struct {
	ledger StockLedger
	log    MutationLog
	logger *zap.Logger
	now    func() time.Time
}

// NewStockMutator creates a new stock mutator
func NewStockMutator(ledger StockLedger, log MutationLog) *StockMutator {
	return &StockMutator{
		ledger: ledger,
		log:    log,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// Apply decrements (sale) or increments (restore) stock for every line and
// records the batch. On failure nothing stays applied unless the returned
// error is a *RollbackFailureError.
func (m *StockMutator) Apply(ctx context.Context, orderID int64, items []StockItem, direction models.StockDirection) (*MutationResult, error) {
	ctx, span := util.StartSpan(ctx, "StockMutator.Apply")
	defer span.End()

	start := time.Now()
	defer func() {
		util.StockMutationLatency.WithLabelValues(string(direction)).Observe(time.Since(start).Seconds())
	}()

	if direction != models.StockDirectionSale && direction != models.StockDirectionRestore {
		return nil, &ValidationError{Field: "direction", Message: fmt.Sprintf("unknown direction %q", direction)}
	}
	if len(items) == 0 {
		return nil, &ValidationError{Field: "items", Message: "order has no items"}
	}

	result := &MutationResult{BatchID: uuid.New().String()}
	for _, item := range items {
		mutation, err := m.applyOne(ctx, orderID, item, direction)
		if err != nil {
			util.StockMutationsTotal.WithLabelValues(string(direction), "failed").Inc()
			return nil, m.compensate(ctx, orderID, direction, result.Mutations, err)
		}
		mutation.BatchID = result.BatchID
		result.Mutations = append(result.Mutations, *mutation)
	}

	if err := m.log.RecordStockMutations(ctx, result.Mutations); err != nil {
		util.StockMutationsTotal.WithLabelValues(string(direction), "failed").Inc()
		return nil, m.compensate(ctx, orderID, direction, result.Mutations, persistenceError("record stock mutations", err))
	}

	util.StockMutationsTotal.WithLabelValues(string(direction), "applied").Inc()
	m.logger.Info("Stock batch applied",
		zap.Int64("order_id", orderID),
		zap.String("direction", string(direction)),
		zap.String("batch_id", result.BatchID),
		zap.Int("lines", len(result.Mutations)))
	return result, nil
}

func (m *StockMutator) applyOne(ctx context.Context, orderID int64, item StockItem, direction models.StockDirection) (*models.StockMutation, error) {
	if item.Quantity <= 0 {
		return nil, &ValidationError{Field: "quantity", Message: fmt.Sprintf("product %d: must be positive", item.ProductID)}
	}

	level, err := m.target(ctx, item)
	if err != nil {
		return nil, err
	}

	mutation := &models.StockMutation{
		OrderID:     orderID,
		ProductID:   level.ProductID,
		ProductType: item.ProductType,
		Direction:   direction,
	}

	if direction == models.StockDirectionSale {
		newQty, err := m.ledger.DecrementStock(ctx, item.ProductType, level.ProductID, item.Quantity)
		if err != nil {
			return nil, m.saleError(ctx, item, level, err)
		}
		mutation.NewQuantity = newQty
		mutation.OldQuantity = newQty + item.Quantity
		mutation.Delta = -item.Quantity
		return mutation, nil
	}

	newQty, err := m.ledger.IncrementStock(ctx, item.ProductType, level.ProductID, item.Quantity)
	if errors.Is(err, store.ErrProductNotFound) {
		return nil, &NotFoundError{Resource: "product", IDs: []int64{level.ProductID}}
	}
	if err != nil {
		return nil, persistenceError("increment stock", err)
	}
	mutation.NewQuantity = newQty
	mutation.OldQuantity = newQty - item.Quantity
	mutation.Delta = item.Quantity
	return mutation, nil
}

// target names the ledger row a line writes to. Exact lines skip the read so
// a row that expired since it was sold still gets its stock back.
func (m *StockMutator) target(ctx context.Context, item StockItem) (*models.StockLevel, error) {
	if item.Exact {
		return &models.StockLevel{
			ProductID:   item.ProductID,
			ProductType: item.ProductType,
			Name:        item.ProductName,
		}, nil
	}

	level, err := resolveStock(ctx, m.ledger, item, m.now)
	if errors.Is(err, store.ErrProductNotFound) {
		return nil, &NotFoundError{Resource: "product", IDs: []int64{item.ProductID}}
	}
	if err != nil {
		return nil, persistenceError("read stock", err)
	}
	return level, nil
}

func (m *StockMutator) saleError(ctx context.Context, item StockItem, level *models.StockLevel, err error) error {
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		available := level.Quantity
		if current, readErr := m.ledger.GetStock(ctx, item.ProductType, level.ProductID); readErr == nil {
			available = current.Quantity
		}
		return &InsufficientStockError{Items: []OffendingItem{{
			ProductID:   level.ProductID,
			ProductType: item.ProductType,
			Name:        level.Name,
			Requested:   item.Quantity,
			Available:   available,
			Reason:      "insufficient stock",
		}}}
	case errors.Is(err, store.ErrProductNotFound):
		return &NotFoundError{Resource: "product", IDs: []int64{level.ProductID}}
	}
	return persistenceError("decrement stock", err)
}

// compensate reverses applied mutations newest first. Every reversal is
// attempted even when an earlier one fails.
func (m *StockMutator) compensate(ctx context.Context, orderID int64, direction models.StockDirection, applied []models.StockMutation, cause error) error {
	if len(applied) == 0 {
		return fmt.Errorf("%s batch for order %d failed: %w", direction, orderID, cause)
	}

	// Compensation must finish even if the caller gave up on the request.
	ctx = context.WithoutCancel(ctx)

	var (
		pending []models.StockMutation
		errs    []error
	)
	for i := len(applied) - 1; i >= 0; i-- {
		mutation := applied[i]
		var err error
		if mutation.Delta < 0 {
			_, err = m.ledger.IncrementStock(ctx, mutation.ProductType, mutation.ProductID, -mutation.Delta)
		} else {
			_, err = m.ledger.DecrementStock(ctx, mutation.ProductType, mutation.ProductID, mutation.Delta)
		}
		if err != nil {
			pending = append(pending, mutation)
			errs = append(errs, fmt.Errorf("product %s/%d: %w", mutation.ProductType, mutation.ProductID, err))
		}
	}

	if len(pending) == 0 {
		m.logger.Warn("Stock batch rolled back",
			zap.Int64("order_id", orderID),
			zap.String("direction", string(direction)),
			zap.Int("reverted", len(applied)),
			zap.Error(cause))
		return fmt.Errorf("%s batch for order %d rolled back: %w", direction, orderID, cause)
	}

	util.StockRollbackFailuresTotal.Inc()
	rollbackErr := &RollbackFailureError{
		OrderID:   orderID,
		Direction: direction,
		Cause:     cause,
		Pending:   pending,
		Errs:      errs,
	}
	fields := []zap.Field{
		zap.Int64("order_id", orderID),
		zap.String("direction", string(direction)),
		zap.Error(rollbackErr),
	}
	for _, p := range pending {
		fields = append(fields, zap.String(fmt.Sprintf("uncompensated_%s_%d", p.ProductType, p.ProductID),
			fmt.Sprintf("old=%d new=%d delta=%d", p.OldQuantity, p.NewQuantity, p.Delta)))
	}
	m.logger.Error("Stock rollback failed, ledger needs manual reconciliation", fields...)
	return rollbackErr
}
