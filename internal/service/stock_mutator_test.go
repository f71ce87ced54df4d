package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"delivery-order-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMutator(clock *testClock) (*StockMutator, *fakeLedger, *fakeOrders) {
	ledger := newFakeLedger(clock.Now)
	orders := newFakeOrders()
	m := NewStockMutator(ledger, orders)
	m.now = clock.Now
	return m, ledger, orders
}

func regular(id int64, qty int) StockItem {
	return StockItem{ProductID: id, ProductType: models.ProductTypeRegular, Quantity: qty}
}

func TestStockMutatorSaleAndRestore(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m, ledger, orders := newTestMutator(clock)
	ledger.addRegular(1, 3, "Nasi Goreng", 25000, 5)
	ledger.addDaily(2, 3, "Soup", 12000, 4, clock.Now().Add(-time.Hour), clock.Now().Add(time.Hour))
	ctx := context.Background()

	items := []StockItem{
		regular(1, 5),
		{ProductID: 2, ProductType: models.ProductTypeDaily, Quantity: 1},
	}

	sale, err := m.Apply(ctx, 100, items, models.StockDirectionSale)
	require.NoError(t, err)
	require.Len(t, sale.Mutations, 2)
	assert.Equal(t, models.StockMutation{
		BatchID:     sale.BatchID,
		OrderID:     100,
		ProductID:   1,
		ProductType: models.ProductTypeRegular,
		Direction:   models.StockDirectionSale,
		OldQuantity: 5,
		NewQuantity: 0,
		Delta:       -5,
	}, sale.Mutations[0])

	a := ledger.stock(models.ProductTypeRegular, 1)
	assert.Equal(t, 0, a.Quantity)
	assert.False(t, a.IsAvailable)
	assert.Equal(t, 3, ledger.stock(models.ProductTypeDaily, 2).Quantity)

	restore, err := m.Apply(ctx, 100, items, models.StockDirectionRestore)
	require.NoError(t, err)
	assert.Equal(t, 5, restore.Mutations[0].NewQuantity)
	assert.Equal(t, 5, ledger.stock(models.ProductTypeRegular, 1).Quantity)
	assert.Equal(t, 4, ledger.stock(models.ProductTypeDaily, 2).Quantity)

	balance, err := orders.GetStockBalance(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, models.StockBalance{Sales: 1, Restores: 1}, *balance)
	assert.False(t, balance.Committed())
}

func TestStockMutatorRollsBackPartialSale(t *testing.T) {
	clock := &testClock{now: time.Now()}
	m, ledger, orders := newTestMutator(clock)
	ledger.addRegular(1, 3, "A", 1000, 10)
	ledger.addRegular(2, 3, "B", 1000, 10)
	ledger.addRegular(3, 3, "C", 1000, 1)

	_, err := m.Apply(context.Background(), 7, []StockItem{regular(1, 2), regular(2, 3), regular(3, 2)}, models.StockDirectionSale)

	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Len(t, insufficient.Items, 1)
	assert.Equal(t, OffendingItem{
		ProductID:   3,
		ProductType: models.ProductTypeRegular,
		Name:        "C",
		Requested:   2,
		Available:   1,
		Reason:      "insufficient stock",
	}, insufficient.Items[0])

	assert.Equal(t, 10, ledger.stock(models.ProductTypeRegular, 1).Quantity)
	assert.Equal(t, 10, ledger.stock(models.ProductTypeRegular, 2).Quantity)
	assert.Equal(t, 1, ledger.stock(models.ProductTypeRegular, 3).Quantity)
	assert.Empty(t, orders.mutations)
}

func TestStockMutatorMissingProduct(t *testing.T) {
	clock := &testClock{now: time.Now()}
	m, ledger, _ := newTestMutator(clock)
	ledger.addRegular(1, 3, "A", 1000, 10)

	_, err := m.Apply(context.Background(), 7, []StockItem{regular(1, 2), regular(42, 1)}, models.StockDirectionSale)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, []int64{42}, notFound.IDs)
	assert.Equal(t, 10, ledger.stock(models.ProductTypeRegular, 1).Quantity)
}

func TestStockMutatorCompensatesWhenAuditFails(t *testing.T) {
	clock := &testClock{now: time.Now()}
	m, ledger, orders := newTestMutator(clock)
	ledger.addRegular(1, 3, "A", 1000, 10)
	orders.recordErr = errors.New("connection reset")

	_, err := m.Apply(context.Background(), 7, []StockItem{regular(1, 4)}, models.StockDirectionSale)

	var persistence *PersistenceError
	require.ErrorAs(t, err, &persistence)
	assert.Equal(t, 10, ledger.stock(models.ProductTypeRegular, 1).Quantity)
}

func TestStockMutatorReportsRollbackFailure(t *testing.T) {
	clock := &testClock{now: time.Now()}
	m, ledger, _ := newTestMutator(clock)
	ledger.addRegular(1, 3, "A", 1000, 10)
	ledger.addRegular(2, 3, "B", 1000, 10)
	ledger.addRegular(3, 3, "C", 1000, 0)
	ledger.failIncrement[productKey{models.ProductTypeRegular, 1}] = errors.New("disk full")

	_, err := m.Apply(context.Background(), 7, []StockItem{regular(1, 2), regular(2, 2), regular(3, 1)}, models.StockDirectionSale)

	var rollback *RollbackFailureError
	require.ErrorAs(t, err, &rollback)
	assert.Equal(t, int64(7), rollback.OrderID)
	require.Len(t, rollback.Pending, 1)
	assert.Equal(t, int64(1), rollback.Pending[0].ProductID)

	var insufficient *InsufficientStockError
	assert.ErrorAs(t, err, &insufficient)

	assert.Equal(t, 8, ledger.stock(models.ProductTypeRegular, 1).Quantity)
	assert.Equal(t, 10, ledger.stock(models.ProductTypeRegular, 2).Quantity)
}

func TestStockMutatorRejectsBadInput(t *testing.T) {
	clock := &testClock{now: time.Now()}
	m, ledger, _ := newTestMutator(clock)
	ledger.addRegular(1, 3, "A", 1000, 10)
	ctx := context.Background()

	var validation *ValidationError
	_, err := m.Apply(ctx, 7, nil, models.StockDirectionSale)
	assert.ErrorAs(t, err, &validation)

	_, err = m.Apply(ctx, 7, []StockItem{regular(1, 1)}, models.StockDirection("gift"))
	assert.ErrorAs(t, err, &validation)

	_, err = m.Apply(ctx, 7, []StockItem{regular(1, 0)}, models.StockDirectionSale)
	assert.ErrorAs(t, err, &validation)
	assert.Equal(t, 10, ledger.stock(models.ProductTypeRegular, 1).Quantity)
}

func TestStockMutatorDailyFallbackNeverPicksLaterProduct(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)}
	m, ledger, _ := newTestMutator(clock)
	endOfDay := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	orderedAt := clock.Now()

	ledger.addDaily(20, 3, "Soup", 15000, 10, orderedAt.Add(-6*time.Hour), endOfDay)
	ledger.addDaily(21, 3, "Soup", 15000, 10, endOfDay.Add(2*time.Minute), endOfDay.Add(24*time.Hour))

	stale := StockItem{
		ProductID:   99,
		ProductType: models.ProductTypeDaily,
		Quantity:    2,
		ProductName: "Soup",
		SellerID:    3,
		AsOf:        orderedAt,
	}

	result, err := m.Apply(context.Background(), 1, []StockItem{stale}, models.StockDirectionSale)
	require.NoError(t, err)
	assert.Equal(t, int64(20), result.Mutations[0].ProductID)
	assert.Equal(t, 8, ledger.stock(models.ProductTypeDaily, 20).Quantity)

	clock.Advance(7 * time.Hour)

	_, err = m.Apply(context.Background(), 2, []StockItem{stale}, models.StockDirectionSale)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, 10, ledger.stock(models.ProductTypeDaily, 21).Quantity)
}
