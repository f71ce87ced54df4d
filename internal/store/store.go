package store

import (
	"context"
	"fmt"
	"time"

	"delivery-order-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// PoolConfig sizes the database connection pool
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore creates a new database store
func NewStore(databaseURL string, pool PoolConfig) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing connection
func NewStoreWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks the connection is alive
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func catalogTable(productType models.ProductType) (string, error) {
	switch productType {
	case models.ProductTypeRegular:
		return "products", nil
	case models.ProductTypeDaily:
		return "daily_products", nil
	}
	return "", fmt.Errorf("unknown product type %q", productType)
}

const (
	regularStockColumns = `id, 'regular' AS product_type, seller_id, name, price, image_url,
		stock_quantity, is_available`
	dailyStockColumns = `id, 'daily' AS product_type, seller_id, name, price, image_url,
		stock_quantity, (expires_at > NOW()) AS is_available`
)

// GetStock reads the ledger view of a product from its catalog
func (s *Store) GetStock(ctx context.Context, productType models.ProductType, productID int64) (*models.StockLevel, error) {
	var query string
	switch productType {
	case models.ProductTypeRegular:
		query = "SELECT " + regularStockColumns + " FROM products WHERE id = $1"
	case models.ProductTypeDaily:
		query = "SELECT " + dailyStockColumns + " FROM daily_products WHERE id = $1"
	default:
		return nil, fmt.Errorf("unknown product type %q", productType)
	}

	var level models.StockLevel
	err := s.db.GetContext(ctx, &level, query, productID)
	if isNoRows(err) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stock %s/%d: %w", productType, productID, err)
	}
	return &level, nil
}

// FindActiveDailyByName returns the most recently created, not yet expired daily
// product with the given name that existed at createdBefore. A zero sellerID
// matches any seller.
func (s *Store) FindActiveDailyByName(ctx context.Context, sellerID int64, name string, createdBefore time.Time) (*models.StockLevel, error) {
	query := "SELECT " + dailyStockColumns + `
		FROM daily_products
		WHERE name = $1
		  AND expires_at >= NOW()
		  AND ($2::bigint = 0 OR seller_id = $2::bigint)
		  AND created_at <= $3
		ORDER BY created_at DESC
		LIMIT 1`

	var level models.StockLevel
	err := s.db.GetContext(ctx, &level, query, name, sellerID, createdBefore)
	if isNoRows(err) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find daily product %q: %w", name, err)
	}
	return &level, nil
}

// DecrementStock atomically subtracts quantity when enough stock is left and
// returns the new quantity. A regular product is available while it has stock
// and the seller has not disabled it.
func (s *Store) DecrementStock(ctx context.Context, productType models.ProductType, productID int64, quantity int) (int, error) {
	var query string
	switch productType {
	case models.ProductTypeRegular:
		query = `
			UPDATE products
			SET stock_quantity = stock_quantity - $1,
			    is_available = NOT is_disabled AND stock_quantity - $1 > 0,
			    updated_at = NOW()
			WHERE id = $2
			  AND stock_quantity >= $1
			RETURNING stock_quantity`
	case models.ProductTypeDaily:
		query = `
			UPDATE daily_products
			SET stock_quantity = stock_quantity - $1,
			    updated_at = NOW()
			WHERE id = $2
			  AND stock_quantity >= $1
			RETURNING stock_quantity`
	default:
		return 0, fmt.Errorf("unknown product type %q", productType)
	}

	var newQuantity int
	err := s.db.GetContext(ctx, &newQuantity, query, quantity, productID)
	if isNoRows(err) {
		exists, existsErr := s.productExists(ctx, productType, productID)
		if existsErr != nil {
			return 0, existsErr
		}
		if !exists {
			return 0, ErrProductNotFound
		}
		return 0, ErrInsufficientStock
	}
	if err != nil {
		return 0, fmt.Errorf("decrement stock %s/%d: %w", productType, productID, err)
	}
	return newQuantity, nil
}

// IncrementStock atomically adds quantity back and returns the new quantity.
// A sold-out regular product becomes available again unless it is disabled.
func (s *Store) IncrementStock(ctx context.Context, productType models.ProductType, productID int64, quantity int) (int, error) {
	var query string
	switch productType {
	case models.ProductTypeRegular:
		query = `
			UPDATE products
			SET stock_quantity = stock_quantity + $1,
			    is_available = NOT is_disabled AND stock_quantity + $1 > 0,
			    updated_at = NOW()
			WHERE id = $2
			RETURNING stock_quantity`
	case models.ProductTypeDaily:
		query = `
			UPDATE daily_products
			SET stock_quantity = stock_quantity + $1,
			    updated_at = NOW()
			WHERE id = $2
			RETURNING stock_quantity`
	default:
		return 0, fmt.Errorf("unknown product type %q", productType)
	}

	var newQuantity int
	err := s.db.GetContext(ctx, &newQuantity, query, quantity, productID)
	if isNoRows(err) {
		return 0, ErrProductNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment stock %s/%d: %w", productType, productID, err)
	}
	return newQuantity, nil
}

func (s *Store) productExists(ctx context.Context, productType models.ProductType, productID int64) (bool, error) {
	table, err := catalogTable(productType)
	if err != nil {
		return false, err
	}

	var exists bool
	err = s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM "+table+" WHERE id = $1)", productID)
	if err != nil {
		return false, fmt.Errorf("check product exists: %w", err)
	}
	return exists, nil
}
