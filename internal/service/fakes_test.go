package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"delivery-order-service/internal/models"
	"delivery-order-service/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

type productKey struct {
	productType models.ProductType
	id          int64
}

type fakeProduct struct {
	level     models.StockLevel
	disabled  bool
	expiresAt time.Time
	createdAt time.Time
}

// fakeLedger is an in-memory catalog with the same conditional write rules as
// the postgres store.
type fakeLedger struct {
	mu            sync.Mutex
	products      map[productKey]*fakeProduct
	failDecrement map[productKey]error
	failIncrement map[productKey]error
	now           func() time.Time
}

func newFakeLedger(now func() time.Time) *fakeLedger {
	return &fakeLedger{
		products:      map[productKey]*fakeProduct{},
		failDecrement: map[productKey]error{},
		failIncrement: map[productKey]error{},
		now:           now,
	}
}

func (l *fakeLedger) addRegular(id, sellerID int64, name string, price int64, stock int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.products[productKey{models.ProductTypeRegular, id}] = &fakeProduct{level: models.StockLevel{
		ProductID:   id,
		ProductType: models.ProductTypeRegular,
		SellerID:    sellerID,
		Name:        name,
		Price:       decimal.NewFromInt(price),
		Quantity:    stock,
		IsAvailable: true,
	}}
}

func (l *fakeLedger) addDaily(id, sellerID int64, name string, price int64, stock int, createdAt, expiresAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.products[productKey{models.ProductTypeDaily, id}] = &fakeProduct{
		level: models.StockLevel{
			ProductID:   id,
			ProductType: models.ProductTypeDaily,
			SellerID:    sellerID,
			Name:        name,
			Price:       decimal.NewFromInt(price),
			Quantity:    stock,
		},
		createdAt: createdAt,
		expiresAt: expiresAt,
	}
}

func (l *fakeLedger) remove(productType models.ProductType, id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.products, productKey{productType, id})
}

func (l *fakeLedger) disable(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.products[productKey{models.ProductTypeRegular, id}]
	p.disabled = true
	p.level.IsAvailable = false
}

func (l *fakeLedger) setStock(productType models.ProductType, id int64, stock int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.products[productKey{productType, id}].level.Quantity = stock
}

func (l *fakeLedger) stock(productType models.ProductType, id int64) models.StockLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view(l.products[productKey{productType, id}])
}

func (l *fakeLedger) view(p *fakeProduct) models.StockLevel {
	level := p.level
	if level.ProductType == models.ProductTypeDaily {
		level.IsAvailable = l.now().Before(p.expiresAt)
	}
	return level
}

func (l *fakeLedger) GetStock(_ context.Context, productType models.ProductType, productID int64) (*models.StockLevel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.products[productKey{productType, productID}]
	if !ok {
		return nil, store.ErrProductNotFound
	}
	level := l.view(p)
	return &level, nil
}

func (l *fakeLedger) FindActiveDailyByName(_ context.Context, sellerID int64, name string, createdBefore time.Time) (*models.StockLevel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var best *fakeProduct
	for key, p := range l.products {
		if key.productType != models.ProductTypeDaily || p.level.Name != name {
			continue
		}
		if sellerID != 0 && p.level.SellerID != sellerID {
			continue
		}
		if p.expiresAt.Before(l.now()) || p.createdAt.After(createdBefore) {
			continue
		}
		if best == nil || p.createdAt.After(best.createdAt) {
			best = p
		}
	}
	if best == nil {
		return nil, store.ErrProductNotFound
	}
	level := l.view(best)
	return &level, nil
}

func (l *fakeLedger) DecrementStock(_ context.Context, productType models.ProductType, productID int64, quantity int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := productKey{productType, productID}
	if err := l.failDecrement[key]; err != nil {
		return 0, err
	}
	p, ok := l.products[key]
	if !ok {
		return 0, store.ErrProductNotFound
	}
	if p.level.Quantity < quantity {
		return 0, store.ErrInsufficientStock
	}
	p.level.Quantity -= quantity
	if productType == models.ProductTypeRegular {
		p.level.IsAvailable = !p.disabled && p.level.Quantity > 0
	}
	return p.level.Quantity, nil
}

func (l *fakeLedger) IncrementStock(_ context.Context, productType models.ProductType, productID int64, quantity int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := productKey{productType, productID}
	if err := l.failIncrement[key]; err != nil {
		return 0, err
	}
	p, ok := l.products[key]
	if !ok {
		return 0, store.ErrProductNotFound
	}
	p.level.Quantity += quantity
	if productType == models.ProductTypeRegular {
		p.level.IsAvailable = !p.disabled && p.level.Quantity > 0
	}
	return p.level.Quantity, nil
}

// fakeOrders keeps orders, items and the mutation log in memory
type fakeOrders struct {
	mu          sync.Mutex
	nextID      int64
	orders      map[int64]*models.Order
	items       map[int64][]models.OrderItem
	mutations   []models.StockMutation
	drivers     []int64
	createErr   error
	updateErr   error
	recordErr   error
	balanceErr  error
	updateCalls int
	clock       func() time.Time
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{
		orders: map[int64]*models.Order{},
		items:  map[int64][]models.OrderItem{},
		clock:  time.Now,
	}
}

func (f *fakeOrders) CreateOrderWithItems(_ context.Context, order *models.Order, items []models.OrderItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if order.IdempotencyKey != nil {
		for _, o := range f.orders {
			if o.BuyerID == order.BuyerID && o.IdempotencyKey != nil && *o.IdempotencyKey == *order.IdempotencyKey {
				return store.ErrDuplicateKey
			}
		}
	}
	f.nextID++
	order.ID = f.nextID
	order.CreatedAt = f.clock()
	order.UpdatedAt = order.CreatedAt
	stored := *order
	f.orders[order.ID] = &stored

	copied := make([]models.OrderItem, len(items))
	for i := range items {
		items[i].OrderID = order.ID
		items[i].ID = int64(i + 1)
		copied[i] = items[i]
	}
	f.items[order.ID] = copied
	return nil
}

func (f *fakeOrders) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	copied := *o
	return &copied, nil
}

func (f *fakeOrders) GetOrderByIdempotencyKey(_ context.Context, buyerID int64, key string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.BuyerID == buyerID && o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			copied := *o
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeOrders) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OrderItem(nil), f.items[orderID]...), nil
}

func (f *fakeOrders) UpdateOrderStatus(_ context.Context, change models.StatusChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return f.updateErr
	}
	o, ok := f.orders[change.OrderID]
	if !ok {
		return store.ErrOrderNotFound
	}
	if o.Status != change.From {
		return store.ErrStaleStatus
	}
	o.Status = change.To
	if change.DriverID != nil {
		o.DriverID = change.DriverID
	}
	if change.RejectionReason != nil {
		o.RejectionReason = change.RejectionReason
	}
	now := time.Now()
	stamp := func(ts **time.Time) {
		if *ts == nil {
			*ts = &now
		}
	}
	switch change.To {
	case models.OrderStatusAccepted:
		stamp(&o.AcceptedAt)
	case models.OrderStatusReady:
		stamp(&o.ReadyAt)
	case models.OrderStatusPickedUp:
		stamp(&o.PickedUpAt)
	case models.OrderStatusDelivered:
		stamp(&o.DeliveredAt)
	case models.OrderStatusCompleted:
		stamp(&o.CompletedAt)
	}
	return nil
}

func (f *fakeOrders) DeletePendingOrder(_ context.Context, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return store.ErrOrderNotFound
	}
	if o.Status != models.OrderStatusPending {
		return store.ErrStaleStatus
	}
	delete(f.items, orderID)
	delete(f.orders, orderID)
	return nil
}

func (f *fakeOrders) RecordStockMutations(_ context.Context, records []models.StockMutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.mutations = append(f.mutations, records...)
	return nil
}

func (f *fakeOrders) GetStockBalance(_ context.Context, orderID int64) (*models.StockBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	sales, restores := map[string]bool{}, map[string]bool{}
	for _, m := range f.mutations {
		if m.OrderID != orderID {
			continue
		}
		if m.Direction == models.StockDirectionSale {
			sales[m.BatchID] = true
		} else {
			restores[m.BatchID] = true
		}
	}
	return &models.StockBalance{Sales: len(sales), Restores: len(restores)}, nil
}

func (f *fakeOrders) GetSaleMutations(_ context.Context, orderID int64) ([]models.StockMutation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := ""
	for _, m := range f.mutations {
		if m.OrderID == orderID && m.Direction == models.StockDirectionSale {
			batch = m.BatchID
		}
	}
	var out []models.StockMutation
	for _, m := range f.mutations {
		if batch != "" && m.BatchID == batch {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeOrders) ListAvailableDriverIDs(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := append([]int64(nil), f.drivers...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeOrders) order(id int64) *models.Order {
	o, _ := f.GetOrderByID(context.Background(), id)
	return o
}

func (f *fakeOrders) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func (f *fakeOrders) saleBatches(orderID int64) int {
	balance, _ := f.GetStockBalance(context.Background(), orderID)
	return balance.Sales
}

type fakeCarts struct {
	mu       sync.Mutex
	items    map[int64][]models.CartItem
	clearErr error
}

func newFakeCarts() *fakeCarts {
	return &fakeCarts{items: map[int64][]models.CartItem{}}
}

func (c *fakeCarts) add(userID int64, item models.CartItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item.UserID = userID
	c.items[userID] = append(c.items[userID], item)
}

func (c *fakeCarts) GetCartItems(_ context.Context, userID int64) ([]models.CartItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.CartItem(nil), c.items[userID]...), nil
}

func (c *fakeCarts) ClearCart(_ context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clearErr != nil {
		return c.clearErr
	}
	delete(c.items, userID)
	return nil
}

// mockNotifier records published events through testify's mock
type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Publish(ctx context.Context, event *models.NotificationEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// sent returns the notification types received by each recipient
func (m *mockNotifier) sent() map[int64][]string {
	out := map[int64][]string{}
	for _, call := range m.Calls {
		if call.Method != "Publish" {
			continue
		}
		event := call.Arguments.Get(1).(*models.NotificationEvent)
		out[event.RecipientID] = append(out[event.RecipientID], event.Type)
	}
	return out
}

// testClock is a settable time source
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]string
	err  error
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]string{}}
}

func (l *fakeLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", false, l.err
	}
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	token := uuid.New().String()
	l.held[key] = token
	return token, true, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] != token {
		return errors.New("lock not held")
	}
	delete(l.held, key)
	return nil
}
