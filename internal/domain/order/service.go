package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/ogen-go/ogen/validate"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/domain/cart"
	"github.com/xenking/cloudforge-commerce/internal/domain/page"
	"github.com/xenking/cloudforge-commerce/internal/domain/product"
	"github.com/xenking/cloudforge-commerce/internal/event"
)

// LineRequest is a requested product and quantity.
type LineRequest struct {
	ProductID string
	Quantity  int
}

// CreateRequest places an order for explicitly listed products.
type CreateRequest struct {
	UserID   string
	Items    []LineRequest
	Shipping ShippingInfo
	Notes    string
}

// CheckoutRequest converts the user's cart into an order.
type CheckoutRequest struct {
	UserID   string
	Shipping ShippingInfo
	Notes    string
}

// Option configures a Service.
type Option func(*Service)

// WithTracerProvider enables tracing of order operations.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		s.tracer = tp.Tracer("github.com/xenking/cloudforge-commerce/internal/domain/order")
	}
}

// WithPermissiveStatusUpdates lets UpdateStatus set any status, bypassing
// the transition table.
func WithPermissiveStatusUpdates() Option {
	return func(s *Service) {
		s.permissive = true
	}
}

// Service owns the order lifecycle: creation, checkout, cancellation and
// status changes.
type Service struct {
	catalog    product.Catalog
	carts      cart.Store
	orders     Repository
	events     event.Publisher
	tracer     trace.Tracer
	permissive bool
	now        func() time.Time
}

// NewService creates an order Service.
func NewService(catalog product.Catalog, carts cart.Store, orders Repository, events event.Publisher, opts ...Option) *Service {
	s := &Service{
		catalog: catalog,
		carts:   carts,
		orders:  orders,
		events:  events,
		tracer:  noop.NewTracerProvider().Tracer(""),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateOrder prices each requested product from the catalog, persists a
// PENDING order and publishes order.created.
func (s *Service) CreateOrder(ctx context.Context, req CreateRequest) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.CreateOrder")
	defer func() { endSpan(span, rerr) }()

	if err := validateCreate(req); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(req.Items))
	for _, line := range req.Items {
		p, err := s.catalog.GetProduct(ctx, line.ProductID)
		if err != nil {
			return nil, errors.Wrapf(err, "lookup product %s", line.ProductID)
		}
		items = append(items, Item{
			ProductID:   p.ID,
			ProductName: p.Name,
			Quantity:    line.Quantity,
			UnitPrice:   p.Price,
		})
	}

	o := newOrder(uuid.New().String(), req.UserID, items, req.Shipping, req.Notes, s.now())
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}
	span.SetAttributes(attribute.String("order.id", o.ID))

	s.publishCreated(ctx, o)
	return o, nil
}

// Checkout turns the user's cart into an order using the prices captured
// in the cart. The cart is cleared only after the order is stored.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Checkout")
	defer func() { endSpan(span, rerr) }()

	if err := apperr.Validation(append(userFields(req.UserID), shippingFields(req.Shipping)...)...); err != nil {
		return nil, err
	}

	c, err := s.carts.Get(ctx, req.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "load cart")
	}
	if c == nil || c.IsEmpty() {
		return nil, ErrCartEmpty
	}

	items := make([]Item, len(c.Items))
	for i, it := range c.Items {
		items[i] = Item{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		}
	}

	o := newOrder(uuid.New().String(), req.UserID, items, req.Shipping, req.Notes, s.now())
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}
	span.SetAttributes(attribute.String("order.id", o.ID))

	if err := s.carts.Delete(ctx, req.UserID); err != nil {
		zctx.From(ctx).Warn("Failed to clear cart after checkout",
			zap.String("user_id", req.UserID),
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
	}

	s.publishCreated(ctx, o)
	return o, nil
}

// Cancel cancels an order owned by userID.
func (s *Service) Cancel(ctx context.Context, orderID, userID, reason string) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Cancel", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, rerr) }()

	o, err := s.Get(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if !o.Status.Cancellable() {
		return nil, transitionError(o.ID, o.Status, StatusCancelled)
	}
	if err := s.transition(ctx, o, StatusCancelled); err != nil {
		return nil, err
	}

	s.publishCancelled(ctx, o, reason)
	return o, nil
}

// UpdateStatus is the administrative status change. Unless the service was
// built WithPermissiveStatusUpdates, the transition table is enforced.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, next Status) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.UpdateStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status", string(next)),
	))
	defer func() { endSpan(span, rerr) }()

	if _, err := ParseStatus(string(next)); err != nil {
		return nil, err
	}
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == next {
		return o, nil
	}
	if !s.permissive && !o.Status.CanTransitionTo(next) {
		return nil, transitionError(o.ID, o.Status, next)
	}
	if err := s.transition(ctx, o, next); err != nil {
		return nil, err
	}

	if next == StatusCancelled {
		s.publishCancelled(ctx, o, "Cancelled by administrator")
	}
	return o, nil
}

// ConfirmPayment moves a PENDING order to CONFIRMED after its payment
// completed. Orders in any other status are left alone, which makes
// redelivered payment events harmless.
func (s *Service) ConfirmPayment(ctx context.Context, orderID string) error {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != StatusPending {
		return nil
	}
	err = s.transition(ctx, o, StatusConfirmed)
	if errors.Is(err, ErrStatusConflict) {
		return nil
	}
	return err
}

// Get returns an order owned by userID.
func (s *Service) Get(ctx context.Context, orderID, userID string) (*Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrNotFound
	}
	return o, nil
}

// ListForUser pages through a user's orders, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, req page.Request) (page.Result[Order], error) {
	return s.orders.ListByUser(ctx, userID, req.Normalize())
}

// ListByStatus pages through all orders in a status, newest first.
func (s *Service) ListByStatus(ctx context.Context, status Status, req page.Request) (page.Result[Order], error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return page.Result[Order]{}, err
	}
	return s.orders.ListByStatus(ctx, status, req.Normalize())
}

// HandlePaymentCompleted consumes payment.completed.
func (s *Service) HandlePaymentCompleted(ctx context.Context, env event.Envelope) error {
	var p event.PaymentCompleted
	if err := env.Unmarshal(&p); err != nil {
		zctx.From(ctx).Error("Dropping malformed event", zap.String("event_id", env.ID), zap.Error(err))
		return nil
	}
	err := s.ConfirmPayment(ctx, p.OrderID)
	if apperr.Permanent(err) {
		zctx.From(ctx).Warn("Payment confirmation rejected",
			zap.String("order_id", p.OrderID),
			zap.Error(err),
		)
		return nil
	}
	return err
}

func (s *Service) transition(ctx context.Context, o *Order, next Status) error {
	now := s.now()
	if err := s.orders.UpdateStatus(ctx, o.ID, o.Status, next, now); err != nil {
		return errors.Wrapf(err, "update order %s status", o.ID)
	}
	o.Status = next
	o.UpdatedAt = now
	return nil
}

// publishCreated runs after commit; a failure leaves the order in place.
func (s *Service) publishCreated(ctx context.Context, o *Order) {
	lines := make([]event.OrderLine, len(o.Items))
	for i, it := range o.Items {
		lines[i] = event.OrderLine{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			LineTotal:   it.LineTotal,
		}
	}
	s.publish(ctx, event.TopicOrderCreated, o.ID, &event.OrderCreated{
		OrderID:         o.ID,
		UserID:          o.UserID,
		TotalAmount:     o.TotalAmount,
		ShippingAddress: o.Shipping.String(),
		Items:           lines,
		CreatedAt:       o.CreatedAt,
	})
}

func (s *Service) publishCancelled(ctx context.Context, o *Order, reason string) {
	s.publish(ctx, event.TopicOrderCancelled, o.ID, &event.OrderCancelled{
		OrderID:     o.ID,
		UserID:      o.UserID,
		Reason:      reason,
		CancelledAt: o.UpdatedAt,
	})
}

func (s *Service) publish(ctx context.Context, topic event.Topic, key string, p event.Payload) {
	if err := s.events.Publish(ctx, topic, key, p); err != nil {
		zctx.From(ctx).Error("Failed to publish event",
			zap.String("topic", topic.String()),
			zap.String("order_id", key),
			zap.Error(err),
		)
	}
}

func validateCreate(req CreateRequest) error {
	fields := userFields(req.UserID)
	if len(req.Items) == 0 {
		fields = append(fields, apperr.Field("items", "must not be empty"))
	}
	for _, it := range req.Items {
		if it.ProductID == "" {
			fields = append(fields, apperr.Field("items.productId", "is required"))
		}
		if it.Quantity <= 0 {
			fields = append(fields, apperr.Field("items.quantity", "must be greater than 0 for product "+it.ProductID))
		}
	}
	fields = append(fields, shippingFields(req.Shipping)...)
	return apperr.Validation(fields...)
}

func userFields(userID string) []validate.FieldError {
	if userID == "" {
		return []validate.FieldError{apperr.Field("userId", "is required")}
	}
	return nil
}

func shippingFields(s ShippingInfo) (fields []validate.FieldError) {
	if s.Address == "" {
		fields = append(fields, apperr.Field("shippingAddress", "is required"))
	}
	if s.City == "" {
		fields = append(fields, apperr.Field("shippingCity", "is required"))
	}
	if s.Country == "" {
		fields = append(fields, apperr.Field("shippingCountry", "is required"))
	}
	return fields
}

func endSpan(span trace.Span, err error) {
	if err != nil && !apperr.Permanent(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
