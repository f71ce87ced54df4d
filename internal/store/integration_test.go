//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"delivery-order-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "app",
			"POSTGRES_PASSWORD": "secret",
			"POSTGRES_DB":       "orders_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://app:secret@%s:%s/orders_test?sslmode=disable", host, port.Port())
	s, err := NewStore(dsn, PoolConfig{MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxLifetime: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	applySchema(t, s.GetDB())
	return s
}

func applySchema(t *testing.T, db *sqlx.DB) {
	t.Helper()
	content, err := os.ReadFile("../../migrations/0001_init_schema.sql")
	require.NoError(t, err)

	up := strings.SplitN(string(content), "-- +migrate Down", 2)[0]
	up = strings.Replace(up, "-- +migrate Up", "", 1)
	_, err = db.Exec(up)
	require.NoError(t, err)
}

func seedProduct(t *testing.T, s *Store, stock int) int64 {
	t.Helper()
	var id int64
	err := s.GetDB().Get(&id, `
		INSERT INTO products (seller_id, name, price, stock_quantity, is_available)
		VALUES (1, 'Ayam Bakar', 30000, $1, TRUE)
		RETURNING id`, stock)
	require.NoError(t, err)
	return id
}

func TestConcurrentDecrementNeverOversells(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	productID := seedProduct(t, s, 10)

	var (
		wg           sync.WaitGroup
		sold         atomic.Int64
		insufficient atomic.Int64
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.DecrementStock(ctx, models.ProductTypeRegular, productID, 1)
			switch {
			case err == nil:
				sold.Add(1)
			case errors.Is(err, ErrInsufficientStock):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), sold.Load())
	assert.Equal(t, int64(15), insufficient.Load())

	level, err := s.GetStock(ctx, models.ProductTypeRegular, productID)
	require.NoError(t, err)
	assert.Equal(t, 0, level.Quantity)
	assert.False(t, level.IsAvailable)
}

func TestDailyFallbackIgnoresLaterProducts(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	var todayID int64
	err := s.GetDB().Get(&todayID, `
		INSERT INTO daily_products (seller_id, name, price, stock_quantity, expires_at, created_at)
		VALUES (1, 'Soup', 15000, 10, NOW() + INTERVAL '2 hours', NOW() - INTERVAL '1 hour')
		RETURNING id`)
	require.NoError(t, err)

	asOf := time.Now()

	_, err = s.GetDB().Exec(`
		INSERT INTO daily_products (seller_id, name, price, stock_quantity, expires_at, created_at)
		VALUES (1, 'Soup', 15000, 10, NOW() + INTERVAL '1 day', NOW() + INTERVAL '1 minute')`)
	require.NoError(t, err)

	level, err := s.FindActiveDailyByName(ctx, 1, "Soup", asOf)
	require.NoError(t, err)
	assert.Equal(t, todayID, level.ProductID)

	_, err = s.GetDB().Exec("UPDATE daily_products SET expires_at = NOW() - INTERVAL '1 minute' WHERE id = $1", todayID)
	require.NoError(t, err)

	_, err = s.FindActiveDailyByName(ctx, 1, "Soup", asOf)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestDailyFallbackAcceptsWideSellerID(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	const sellerID = int64(1) << 40

	var id int64
	err := s.GetDB().Get(&id, `
		INSERT INTO daily_products (seller_id, name, price, stock_quantity, expires_at, created_at)
		VALUES ($1, 'Soup', 15000, 10, NOW() + INTERVAL '2 hours', NOW() - INTERVAL '1 hour')
		RETURNING id`, sellerID)
	require.NoError(t, err)

	level, err := s.FindActiveDailyByName(ctx, sellerID, "Soup", time.Now())
	require.NoError(t, err)
	assert.Equal(t, id, level.ProductID)
}

func TestRestoreReopensSoldOutProductUnlessDisabled(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	soldOut := seedProduct(t, s, 2)
	disabled := seedProduct(t, s, 2)

	_, err := s.GetDB().Exec("UPDATE products SET is_disabled = TRUE, is_available = FALSE WHERE id = $1", disabled)
	require.NoError(t, err)

	for _, id := range []int64{soldOut, disabled} {
		_, err := s.DecrementStock(ctx, models.ProductTypeRegular, id, 2)
		require.NoError(t, err)
		_, err = s.IncrementStock(ctx, models.ProductTypeRegular, id, 2)
		require.NoError(t, err)
	}

	level, err := s.GetStock(ctx, models.ProductTypeRegular, soldOut)
	require.NoError(t, err)
	assert.Equal(t, 2, level.Quantity)
	assert.True(t, level.IsAvailable)

	level, err = s.GetStock(ctx, models.ProductTypeRegular, disabled)
	require.NoError(t, err)
	assert.Equal(t, 2, level.Quantity)
	assert.False(t, level.IsAvailable)
}

func TestSaleBatchReplayedForRestore(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	first := []models.StockMutation{{BatchID: "b-1", OrderID: 9, ProductID: 8, ProductType: models.ProductTypeDaily,
		Direction: models.StockDirectionSale, OldQuantity: 5, NewQuantity: 3, Delta: -2}}
	restore := []models.StockMutation{{BatchID: "b-2", OrderID: 9, ProductID: 8, ProductType: models.ProductTypeDaily,
		Direction: models.StockDirectionRestore, OldQuantity: 3, NewQuantity: 5, Delta: 2}}
	second := []models.StockMutation{{BatchID: "b-3", OrderID: 9, ProductID: 11, ProductType: models.ProductTypeDaily,
		Direction: models.StockDirectionSale, OldQuantity: 4, NewQuantity: 3, Delta: -1}}
	for _, batch := range [][]models.StockMutation{first, restore, second} {
		require.NoError(t, s.RecordStockMutations(ctx, batch))
	}

	mutations, err := s.GetSaleMutations(ctx, 9)
	require.NoError(t, err)
	require.Len(t, mutations, 1)
	assert.Equal(t, "b-3", mutations[0].BatchID)
	assert.Equal(t, int64(11), mutations[0].ProductID)
}

func TestOrderLifecyclePersistence(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	productID := seedProduct(t, s, 5)

	key := "checkout-1"
	order := &models.Order{
		BuyerID:        10,
		SellerID:       1,
		DeliveryType:   models.DeliveryTypePickup,
		Status:         models.OrderStatusPending,
		PaymentMethod:  "cash",
		IdempotencyKey: &key,
	}
	items := []models.OrderItem{{ProductID: &productID, ProductName: "Ayam Bakar", Quantity: 2}}
	require.NoError(t, s.CreateOrderWithItems(ctx, order, items))

	replay, err := s.GetOrderByIdempotencyKey(ctx, 10, key)
	require.NoError(t, err)
	require.NotNil(t, replay)
	assert.Equal(t, order.ID, replay.ID)

	dup := *order
	assert.ErrorIs(t, s.CreateOrderWithItems(ctx, &dup, items), ErrDuplicateKey)

	accept := models.StatusChange{OrderID: order.ID, From: models.OrderStatusPending, To: models.OrderStatusAccepted}
	require.NoError(t, s.UpdateOrderStatus(ctx, accept))
	assert.ErrorIs(t, s.UpdateOrderStatus(ctx, accept), ErrStaleStatus)

	stored, err := s.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAccepted, stored.Status)
	require.NotNil(t, stored.AcceptedAt)

	assert.ErrorIs(t, s.DeletePendingOrder(ctx, order.ID), ErrStaleStatus)

	storedItems, err := s.GetOrderItemsByOrderID(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, storedItems, 1)
	assert.Equal(t, models.ProductTypeRegular, storedItems[0].ProductType())
	assert.Equal(t, productID, storedItems[0].RefID())
}
