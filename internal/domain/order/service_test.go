package order

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/domain/cart"
	"github.com/xenking/cloudforge-commerce/internal/domain/page"
	"github.com/xenking/cloudforge-commerce/internal/domain/product"
	"github.com/xenking/cloudforge-commerce/internal/event"
)

// --- Mock implementations ---

type mockCatalog struct {
	byID map[string]*product.Product
	err  error
}

func (m *mockCatalog) GetProduct(_ context.Context, id string) (*product.Product, error) {
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.byID[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

type mockCartStore struct {
	carts     map[string]*cart.Cart
	deleteErr error
}

func (m *mockCartStore) Get(_ context.Context, userID string) (*cart.Cart, error) {
	return m.carts[userID], nil
}

func (m *mockCartStore) Save(_ context.Context, c *cart.Cart) error {
	m.carts[c.UserID] = c
	return nil
}

func (m *mockCartStore) Delete(_ context.Context, userID string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.carts, userID)
	return nil
}

type memRepo struct {
	mu        sync.Mutex
	orders    map[string]Order
	createErr error
}

func newMemRepo() *memRepo {
	return &memRepo{orders: make(map[string]Order)}
}

func (m *memRepo) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *o
	cp.Items = append([]Item(nil), o.Items...)
	m.orders[o.ID] = cp
	return nil
}

func (m *memRepo) Get(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (m *memRepo) list(match func(Order) bool, req page.Request) page.Result[Order] {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Order
	for _, o := range m.orders {
		if match(o) {
			all = append(all, o)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	total := len(all)
	start := min(req.Offset(), total)
	end := min(start+req.Size, total)
	return page.NewResult(all[start:end], total, req)
}

func (m *memRepo) ListByUser(_ context.Context, userID string, req page.Request) (page.Result[Order], error) {
	return m.list(func(o Order) bool { return o.UserID == userID }, req), nil
}

func (m *memRepo) ListByStatus(_ context.Context, status Status, req page.Request) (page.Result[Order], error) {
	return m.list(func(o Order) bool { return o.Status == status }, req), nil
}

func (m *memRepo) UpdateStatus(_ context.Context, id string, from, to Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != from {
		return ErrStatusConflict
	}
	o.Status = to
	o.UpdatedAt = at
	m.orders[id] = o
	return nil
}

type published struct {
	topic   event.Topic
	key     string
	payload event.Payload
}

type mockPublisher struct {
	events []published
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, topic event.Topic, key string, p event.Payload) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, published{topic: topic, key: key, payload: p})
	return nil
}

// --- Helpers ---

var testShipping = ShippingInfo{Address: "1 Main St", City: "Springfield", Zip: "12345", Country: "US"}

func newCatalog(products ...product.Product) *mockCatalog {
	byID := make(map[string]*product.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}
	return &mockCatalog{byID: byID}
}

type fixture struct {
	svc     *Service
	catalog *mockCatalog
	carts   *mockCartStore
	repo    *memRepo
	events  *mockPublisher
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		catalog: newCatalog(
			product.Product{ID: "p1", Name: "Desk Lamp", Price: decimal.RequireFromString("50.00")},
			product.Product{ID: "p2", Name: "Notebook", Price: decimal.RequireFromString("3.35")},
		),
		carts:  &mockCartStore{carts: make(map[string]*cart.Cart)},
		repo:   newMemRepo(),
		events: &mockPublisher{},
	}
	f.svc = NewService(f.catalog, f.carts, f.repo, f.events, opts...)
	return f
}

func (f *fixture) placeOrder(t *testing.T) *Order {
	t.Helper()
	o, err := f.svc.CreateOrder(context.Background(), CreateRequest{
		UserID:   "u1",
		Items:    []LineRequest{{ProductID: "p1", Quantity: 2}},
		Shipping: testShipping,
	})
	require.NoError(t, err)
	return o
}

// --- Tests ---

func TestCreateOrder_Totals(t *testing.T) {
	f := newFixture()

	o, err := f.svc.CreateOrder(context.Background(), CreateRequest{
		UserID: "u1",
		Items: []LineRequest{
			{ProductID: "p1", Quantity: 2},
			{ProductID: "p2", Quantity: 3},
		},
		Shipping: testShipping,
		Notes:    "leave at door",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, o.Status)
	require.Len(t, o.Items, 2)
	assert.True(t, decimal.RequireFromString("100.00").Equal(o.Items[0].LineTotal))
	assert.True(t, decimal.RequireFromString("10.05").Equal(o.Items[1].LineTotal))
	assert.True(t, decimal.RequireFromString("110.05").Equal(o.TotalAmount))

	stored, err := f.repo.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "leave at door", stored.Notes)

	require.Len(t, f.events.events, 1)
	ev := f.events.events[0]
	assert.Equal(t, event.TopicOrderCreated, ev.topic)
	assert.Equal(t, o.ID, ev.key)
	payload := ev.payload.(*event.OrderCreated)
	assert.True(t, o.TotalAmount.Equal(payload.TotalAmount))
	assert.Len(t, payload.Items, 2)
	assert.Equal(t, "1 Main St, Springfield, 12345, US", payload.ShippingAddress)
}

func TestCreateOrder_ScenarioTwoItemsAtFifty(t *testing.T) {
	f := newFixture()
	o := f.placeOrder(t)

	assert.True(t, decimal.RequireFromString("100").Equal(o.TotalAmount))
	assert.Equal(t, StatusPending, o.Status)
}

func TestCreateOrder_Validation(t *testing.T) {
	f := newFixture()

	_, err := f.svc.CreateOrder(context.Background(), CreateRequest{
		UserID: "u1",
		Items:  []LineRequest{{ProductID: "p1", Quantity: 0}},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	names := make([]string, 0)
	for _, fe := range apperr.Fields(err) {
		names = append(names, fe.Name)
	}
	assert.ElementsMatch(t, []string{"items.quantity", "shippingAddress", "shippingCity", "shippingCountry"}, names)
	assert.Empty(t, f.repo.orders)
	assert.Empty(t, f.events.events)
}

func TestCreateOrder_EmptyItems(t *testing.T) {
	f := newFixture()

	_, err := f.svc.CreateOrder(context.Background(), CreateRequest{UserID: "u1", Shipping: testShipping})
	require.Error(t, err)
	require.Len(t, apperr.Fields(err), 1)
	assert.Equal(t, "items", apperr.Fields(err)[0].Name)
}

func TestCreateOrder_ProductNotFound(t *testing.T) {
	f := newFixture()

	_, err := f.svc.CreateOrder(context.Background(), CreateRequest{
		UserID:   "u1",
		Items:    []LineRequest{{ProductID: "missing", Quantity: 1}},
		Shipping: testShipping,
	})
	require.ErrorIs(t, err, product.ErrNotFound)
	assert.Empty(t, f.repo.orders)
}

func TestCreateOrder_PersistFailureDoesNotPublish(t *testing.T) {
	f := newFixture()
	f.repo.createErr = apperr.Wrap(apperr.KindTransient, errors.New("connection reset"), "insert order")

	_, err := f.svc.CreateOrder(context.Background(), CreateRequest{
		UserID:   "u1",
		Items:    []LineRequest{{ProductID: "p1", Quantity: 1}},
		Shipping: testShipping,
	})
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
	assert.Empty(t, f.events.events)
}

func TestCreateOrder_PublishFailureKeepsOrder(t *testing.T) {
	f := newFixture()
	f.events.err = errors.New("broker unavailable")

	o := f.placeOrder(t)

	_, err := f.repo.Get(context.Background(), o.ID)
	assert.NoError(t, err)
}

func TestCreateOrder_PriceFrozenAfterCatalogChange(t *testing.T) {
	f := newFixture()
	o := f.placeOrder(t)

	f.catalog.byID["p1"].Price = decimal.RequireFromString("75.00")

	stored, err := f.svc.Get(context.Background(), o.ID, "u1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("100.00").Equal(stored.TotalAmount))
	assert.True(t, decimal.RequireFromString("50.00").Equal(stored.Items[0].UnitPrice))
}

func TestCheckout_EmptyCart(t *testing.T) {
	f := newFixture()
	f.carts.carts["u1"] = cart.New("u1")

	for _, userID := range []string{"u1", "u2"} {
		_, err := f.svc.Checkout(context.Background(), CheckoutRequest{UserID: userID, Shipping: testShipping})
		require.ErrorIs(t, err, ErrCartEmpty)
		assert.Equal(t, apperr.KindCartEmpty, apperr.KindOf(err))
	}
	assert.Empty(t, f.repo.orders)
	assert.Empty(t, f.events.events)
}

func TestCheckout_UsesCartPricesAndClearsCart(t *testing.T) {
	f := newFixture()
	c := cart.New("u1")
	c.Add(cart.Item{ProductID: "p1", ProductName: "Desk Lamp", Quantity: 2, UnitPrice: decimal.RequireFromString("45.00")}, time.Now())
	f.carts.carts["u1"] = c
	f.catalog.err = errors.New("catalog must not be called")

	o, err := f.svc.Checkout(context.Background(), CheckoutRequest{UserID: "u1", Shipping: testShipping})
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("90.00").Equal(o.TotalAmount))
	assert.NotContains(t, f.carts.carts, "u1")
	require.Len(t, f.events.events, 1)
	assert.Equal(t, event.TopicOrderCreated, f.events.events[0].topic)
}

func TestCheckout_CartKeptWhenPersistFails(t *testing.T) {
	f := newFixture()
	c := cart.New("u1")
	c.Add(cart.Item{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(5)}, time.Now())
	f.carts.carts["u1"] = c
	f.repo.createErr = errors.New("insert failed")

	_, err := f.svc.Checkout(context.Background(), CheckoutRequest{UserID: "u1", Shipping: testShipping})
	require.Error(t, err)
	assert.Contains(t, f.carts.carts, "u1")
}

func TestCheckout_CartClearFailureIsNotFatal(t *testing.T) {
	f := newFixture()
	c := cart.New("u1")
	c.Add(cart.Item{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(5)}, time.Now())
	f.carts.carts["u1"] = c
	f.carts.deleteErr = errors.New("redis timeout")

	o, err := f.svc.Checkout(context.Background(), CheckoutRequest{UserID: "u1", Shipping: testShipping})
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.Len(t, f.events.events, 1)
}

func TestCancel(t *testing.T) {
	tests := []struct {
		name    string
		status  Status
		wantErr apperr.Kind
	}{
		{name: "pending", status: StatusPending},
		{name: "confirmed", status: StatusConfirmed},
		{name: "processing", status: StatusProcessing, wantErr: apperr.KindInvalidTransition},
		{name: "shipped", status: StatusShipped, wantErr: apperr.KindInvalidTransition},
		{name: "delivered", status: StatusDelivered, wantErr: apperr.KindInvalidTransition},
		{name: "already cancelled", status: StatusCancelled, wantErr: apperr.KindInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			o := f.placeOrder(t)
			stored := f.repo.orders[o.ID]
			stored.Status = tt.status
			f.repo.orders[o.ID] = stored
			f.events.events = nil

			got, err := f.svc.Cancel(context.Background(), o.ID, "u1", "changed my mind")
			if tt.wantErr != apperr.KindInternal {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, apperr.KindOf(err))
				var te *TransitionError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, tt.status, te.From)
				assert.Equal(t, tt.status, f.repo.orders[o.ID].Status)
				assert.Empty(t, f.events.events)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, StatusCancelled, got.Status)
			assert.Equal(t, StatusCancelled, f.repo.orders[o.ID].Status)
			require.Len(t, f.events.events, 1)
			ev := f.events.events[0].payload.(*event.OrderCancelled)
			assert.Equal(t, "changed my mind", ev.Reason)
		})
	}
}

func TestCancel_NotOwned(t *testing.T) {
	f := newFixture()
	o := f.placeOrder(t)

	_, err := f.svc.Cancel(context.Background(), o.ID, "someone-else", "")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StatusPending, f.repo.orders[o.ID].Status)

	_, err = f.svc.Cancel(context.Background(), "missing", "u1", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatus_EnforcesTransitions(t *testing.T) {
	f := newFixture()
	o := f.placeOrder(t)
	ctx := context.Background()

	for _, next := range []Status{StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered} {
		got, err := f.svc.UpdateStatus(ctx, o.ID, next)
		require.NoError(t, err, "to %s", next)
		assert.Equal(t, next, got.Status)
	}

	_, err := f.svc.UpdateStatus(ctx, o.ID, StatusPending)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
	assert.Equal(t, StatusDelivered, f.repo.orders[o.ID].Status)
}

func TestUpdateStatus_Permissive(t *testing.T) {
	f := newFixture(WithPermissiveStatusUpdates())
	o := f.placeOrder(t)
	ctx := context.Background()

	_, err := f.svc.UpdateStatus(ctx, o.ID, StatusDelivered)
	require.NoError(t, err)
	got, err := f.svc.UpdateStatus(ctx, o.ID, StatusPending)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestUpdateStatus_CancelPublishes(t *testing.T) {
	f := newFixture()
	o := f.placeOrder(t)
	f.events.events = nil

	_, err := f.svc.UpdateStatus(context.Background(), o.ID, StatusCancelled)
	require.NoError(t, err)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, event.TopicOrderCancelled, f.events.events[0].topic)
}

func TestUpdateStatus_UnknownStatus(t *testing.T) {
	f := newFixture()
	o := f.placeOrder(t)

	_, err := f.svc.UpdateStatus(context.Background(), o.ID, Status("LOST"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestHandlePaymentCompleted_ConfirmsOnce(t *testing.T) {
	f := newFixture()
	o := f.placeOrder(t)
	ctx := context.Background()

	env := event.NewEnvelope(event.TopicPaymentCompleted, o.ID, &event.PaymentCompleted{OrderID: o.ID}, time.Now())

	require.NoError(t, f.svc.HandlePaymentCompleted(ctx, env))
	assert.Equal(t, StatusConfirmed, f.repo.orders[o.ID].Status)

	// Redelivery is a no-op.
	require.NoError(t, f.svc.HandlePaymentCompleted(ctx, env))
	assert.Equal(t, StatusConfirmed, f.repo.orders[o.ID].Status)

	// Unknown orders are acknowledged.
	missing := event.NewEnvelope(event.TopicPaymentCompleted, "x", &event.PaymentCompleted{OrderID: "x"}, time.Now())
	assert.NoError(t, f.svc.HandlePaymentCompleted(ctx, missing))
}

func TestListForUser(t *testing.T) {
	f := newFixture()
	for range 3 {
		f.placeOrder(t)
	}

	res, err := f.svc.ListForUser(context.Background(), "u1", page.Request{Number: 0, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Len(t, res.Items, 2)
	assert.Equal(t, 2, res.TotalPages())

	res, err = f.svc.ListByStatus(context.Background(), StatusPending, page.Request{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
}
