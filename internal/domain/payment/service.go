package payment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/ogen-go/ogen/validate"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/domain/page"
	"github.com/xenking/cloudforge-commerce/internal/event"
)

const instrumentationName = "github.com/xenking/cloudforge-commerce/internal/domain/payment"

const verificationFailedReason = "Payment signature verification failed"

var minAmount = decimal.RequireFromString("0.01")

// Config holds payment policy settings.
type Config struct {
	IdempotencyTTL  time.Duration
	DefaultCurrency string
	GatewayTimeout  time.Duration
}

func (c *Config) setDefaults() {
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.DefaultCurrency == "" {
		c.DefaultCurrency = "INR"
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 10 * time.Second
	}
}

// InitiateRequest starts a payment for an order.
type InitiateRequest struct {
	OrderID        string
	UserID         string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// VerifyRequest carries the gateway callback data collected by the client.
type VerifyRequest struct {
	OrderID           string
	GatewayOrderRef   string
	GatewayPaymentRef string
	Signature         string
}

// Option configures a Service.
type Option func(*Service)

// WithTracerProvider enables tracing of payment operations.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider enables payment outcome metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meter = mp.Meter(instrumentationName) }
}

// Service orchestrates payment initiation, verification and refunds.
type Service struct {
	payments Repository
	ledger   Ledger
	gateway  Gateway
	events   event.Publisher
	cfg      Config
	now      func() time.Time

	tracer   trace.Tracer
	meter    metric.Meter
	outcomes metric.Int64Counter
}

// NewService creates a payment Service.
func NewService(payments Repository, ledger Ledger, gateway Gateway, events event.Publisher, cfg Config, opts ...Option) (*Service, error) {
	cfg.setDefaults()
	s := &Service{
		payments: payments,
		ledger:   ledger,
		gateway:  gateway,
		events:   events,
		cfg:      cfg,
		now:      time.Now,
		tracer:   tracenoop.NewTracerProvider().Tracer(""),
		meter:    metricnoop.NewMeterProvider().Meter(""),
	}
	for _, o := range opts {
		o(s)
	}

	var err error
	s.outcomes, err = s.meter.Int64Counter("payments.outcomes",
		metric.WithDescription("Payment state changes by resulting status"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create outcomes counter")
	}
	return s, nil
}

// Initiate starts a payment. Repeated calls with the same idempotency key
// return the stored response without contacting the gateway again; a
// second attempt for an order that already has a payment returns that
// payment, or fails if it was already completed. Payments of another user
// are reported as ErrNotFound.
//
// Gateway failures do not fail the call: the payment is stored as FAILED
// and payment.failed is published.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (_ *Payment, rerr error) {
	ctx, span := s.tracer.Start(ctx, "payment.Initiate", trace.WithAttributes(
		attribute.String("order.id", req.OrderID),
	))
	defer func() { endSpan(span, rerr) }()

	if req.Currency == "" {
		req.Currency = s.cfg.DefaultCurrency
	}
	if err := validateInitiate(req); err != nil {
		return nil, err
	}
	lg := zctx.From(ctx).With(
		zap.String("order_id", req.OrderID),
		zap.String("idempotency_key", req.IdempotencyKey),
	)

	raw, ok, err := s.ledger.Lookup(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, errors.Wrap(err, "idempotency lookup")
	}
	if ok {
		lg.Debug("Returning stored response for idempotency key")
		span.SetAttributes(attribute.Bool("payment.replayed", true))
		p, err := decodeSnapshot(raw)
		if err != nil {
			return nil, err
		}
		return ownedBy(p, req.UserID)
	}

	existing, err := s.payments.GetByOrder(ctx, req.OrderID)
	switch {
	case err == nil:
		return existingPayment(existing, req.UserID)
	case !errors.Is(err, ErrNotFound):
		return nil, errors.Wrap(err, "lookup payment by order")
	}

	now := s.now()
	p := &Payment{
		ID:             uuid.New().String(),
		OrderID:        req.OrderID,
		UserID:         req.UserID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Status:         StatusPending,
		IdempotencyKey: req.IdempotencyKey,
		RefundedAmount: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	ref, gerr := s.gateway.CreateIntent(gctx, IntentRequest{
		Amount:   p.Amount,
		Currency: p.Currency,
		Receipt:  receipt(p.OrderID),
		Notes: map[string]string{
			"order_id":        p.OrderID,
			"idempotency_key": p.IdempotencyKey,
		},
	})
	cancel()
	if gerr != nil {
		lg.Warn("Gateway intent creation failed", zap.Error(gerr))
		p.Status = StatusFailed
		p.FailureReason = "Failed to create payment order: " + gerr.Error()
	} else {
		p.Status = StatusProcessing
		p.GatewayOrderRef = ref
	}

	if err := s.payments.Create(ctx, p); err != nil {
		if !errors.Is(err, ErrDuplicate) {
			return nil, errors.Wrap(err, "create payment")
		}
		// A concurrent initiate for the same order won the insert.
		existing, lerr := s.payments.GetByOrder(ctx, req.OrderID)
		if errors.Is(lerr, ErrNotFound) {
			return nil, apperr.Validation(apperr.Field("idempotencyKey", "already used for another payment"))
		}
		if lerr != nil {
			return nil, errors.Wrap(lerr, "lookup payment by order")
		}
		return existingPayment(existing, req.UserID)
	}
	s.record(ctx, p.Status)

	if p.Status == StatusFailed {
		s.publishFailed(ctx, p)
	}

	raw, err = json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "encode payment snapshot")
	}
	if err := s.ledger.Store(ctx, req.IdempotencyKey, raw, s.cfg.IdempotencyTTL); err != nil {
		lg.Warn("Failed to store idempotency record", zap.Error(err))
	}
	return decodeSnapshot(raw)
}

// Verify checks the gateway signature for an order's payment. Payments that
// were already captured are returned unchanged.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (_ *Payment, rerr error) {
	ctx, span := s.tracer.Start(ctx, "payment.Verify", trace.WithAttributes(
		attribute.String("order.id", req.OrderID),
	))
	defer func() { endSpan(span, rerr) }()

	if err := validateVerify(req); err != nil {
		return nil, err
	}

	p, err := s.payments.GetByOrder(ctx, req.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "lookup payment by order")
	}
	if p.Status.settled() {
		return p, nil
	}

	valid := p.GatewayOrderRef != "" &&
		req.GatewayOrderRef == p.GatewayOrderRef &&
		s.gateway.VerifySignature(req.GatewayOrderRef, req.GatewayPaymentRef, req.Signature)

	p.UpdatedAt = s.now()
	if !valid {
		p.Status = StatusFailed
		p.FailureReason = verificationFailedReason
		if err := s.payments.Update(ctx, p); err != nil {
			return nil, errors.Wrap(err, "update payment")
		}
		s.record(ctx, p.Status)
		s.publishFailed(ctx, p)
		return nil, ErrVerification
	}

	p.GatewayPaymentRef = req.GatewayPaymentRef
	p.GatewaySignature = req.Signature
	p.Status = StatusCompleted
	p.FailureReason = ""
	if err := s.payments.Update(ctx, p); err != nil {
		return nil, errors.Wrap(err, "update payment")
	}
	s.record(ctx, p.Status)

	if err := s.events.Publish(ctx, event.TopicPaymentCompleted, p.OrderID, &event.PaymentCompleted{
		PaymentID:         p.ID,
		OrderID:           p.OrderID,
		UserID:            p.UserID,
		Amount:            p.Amount,
		Currency:          p.Currency,
		GatewayPaymentRef: p.GatewayPaymentRef,
		CompletedAt:       p.UpdatedAt,
	}); err != nil {
		zctx.From(ctx).Error("Failed to publish payment completed",
			zap.String("payment_id", p.ID),
			zap.Error(err),
		)
	}
	return p, nil
}

// Refund returns money for a captured payment. A nil amount refunds the
// remaining balance. The amount is reserved on the payment row before the
// gateway is called and released again if the gateway rejects it, so
// concurrent refunds never exceed the captured amount.
func (s *Service) Refund(ctx context.Context, paymentID string, amount *decimal.Decimal, reason string) (_ *Payment, rerr error) {
	ctx, span := s.tracer.Start(ctx, "payment.Refund", trace.WithAttributes(
		attribute.String("payment.id", paymentID),
	))
	defer func() { endSpan(span, rerr) }()

	p, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return nil, errors.Wrap(err, "get payment")
	}
	if !p.Status.Refundable() {
		return nil, apperr.Newf(apperr.KindRefund, "payment %s cannot be refunded in status %s", p.ID, p.Status)
	}

	requested := p.Remaining()
	if amount != nil {
		requested = *amount
	}
	if !requested.IsPositive() {
		return nil, apperr.Validation(apperr.Field("amount", "must be greater than 0"))
	}
	if p.RefundedAmount.Add(requested).GreaterThan(p.Amount) {
		return nil, apperr.Newf(apperr.KindRefund,
			"refund of %s exceeds refundable balance %s", requested, p.Remaining())
	}

	reserved, err := s.payments.AdjustRefund(ctx, p.ID, requested, s.now())
	if err != nil {
		return nil, errors.Wrapf(err, "reserve refund of %s", requested)
	}

	lg := zctx.From(ctx).With(
		zap.String("payment_id", p.ID),
		zap.Stringer("amount", requested),
	)

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	refundRef, err := s.gateway.Refund(gctx, p.GatewayPaymentRef, requested)
	cancel()
	if err != nil {
		if _, rerr := s.payments.AdjustRefund(context.WithoutCancel(ctx), p.ID, requested.Neg(), s.now()); rerr != nil {
			lg.Error("Refund rejected by gateway but reservation not released", zap.Error(rerr))
		}
		return nil, apperr.Wrap(apperr.KindRefund, err, "gateway refund failed")
	}
	s.record(ctx, reserved.Status)

	lg.Info("Payment refunded",
		zap.String("refund_ref", refundRef),
		zap.String("reason", reason),
	)
	return reserved, nil
}

// Get returns a payment by id.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.payments.Get(ctx, id)
}

// GetByOrder returns the payment of an order.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Payment, error) {
	return s.payments.GetByOrder(ctx, orderID)
}

// ListForUser pages through a user's payments, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, req page.Request) (page.Result[Payment], error) {
	return s.payments.ListByUser(ctx, userID, req.Normalize())
}

// HandleOrderCreated consumes order.created and initiates the payment. The
// idempotency key is derived from the order so redeliveries are replays.
func (s *Service) HandleOrderCreated(ctx context.Context, env event.Envelope) error {
	lg := zctx.From(ctx).With(zap.String("event_id", env.ID))

	var oc event.OrderCreated
	if err := env.Unmarshal(&oc); err != nil {
		lg.Error("Dropping malformed event", zap.Error(err))
		return nil
	}

	p, err := s.Initiate(ctx, InitiateRequest{
		OrderID:        oc.OrderID,
		UserID:         oc.UserID,
		Amount:         oc.TotalAmount,
		IdempotencyKey: "order-" + oc.OrderID,
	})
	switch {
	case err == nil:
		lg.Info("Payment initiated for order",
			zap.String("order_id", oc.OrderID),
			zap.String("payment_id", p.ID),
			zap.String("status", string(p.Status)),
		)
		return nil
	case apperr.Permanent(err):
		lg.Warn("Payment initiation rejected", zap.String("order_id", oc.OrderID), zap.Error(err))
		return nil
	default:
		return err
	}
}

func (s *Service) publishFailed(ctx context.Context, p *Payment) {
	if err := s.events.Publish(ctx, event.TopicPaymentFailed, p.OrderID, &event.PaymentFailed{
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		UserID:    p.UserID,
		Amount:    p.Amount,
		Reason:    p.FailureReason,
		FailedAt:  p.UpdatedAt,
	}); err != nil {
		zctx.From(ctx).Error("Failed to publish payment failed",
			zap.String("payment_id", p.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) record(ctx context.Context, st Status) {
	s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(st))))
}

func existingPayment(p *Payment, userID string) (*Payment, error) {
	if _, err := ownedBy(p, userID); err != nil {
		return nil, err
	}
	if p.Status == StatusCompleted {
		return nil, ErrAlreadyCompleted
	}
	return p, nil
}

// ownedBy hides payments of other users behind ErrNotFound.
func ownedBy(p *Payment, userID string) (*Payment, error) {
	if p.UserID != userID {
		return nil, ErrNotFound
	}
	return p, nil
}

func decodeSnapshot(raw []byte) (*Payment, error) {
	var p Payment
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "decode payment snapshot")
	}
	return &p, nil
}

// receipt is the merchant-side reference sent to the gateway.
func receipt(orderID string) string {
	if len(orderID) > 8 {
		orderID = orderID[:8]
	}
	return "order_" + orderID
}

func validateInitiate(req InitiateRequest) error {
	var fields []validate.FieldError
	if req.OrderID == "" {
		fields = append(fields, apperr.Field("orderId", "is required"))
	}
	if req.UserID == "" {
		fields = append(fields, apperr.Field("userId", "is required"))
	}
	if req.Amount.LessThan(minAmount) {
		fields = append(fields, apperr.Field("amount", "must be at least 0.01"))
	}
	if req.IdempotencyKey == "" {
		fields = append(fields, apperr.Field("idempotencyKey", "is required"))
	}
	if len(req.Currency) != 3 {
		fields = append(fields, apperr.Field("currency", "must be a 3-letter ISO code"))
	}
	return apperr.Validation(fields...)
}

func validateVerify(req VerifyRequest) error {
	var fields []validate.FieldError
	if req.OrderID == "" {
		fields = append(fields, apperr.Field("orderId", "is required"))
	}
	if req.GatewayOrderRef == "" {
		fields = append(fields, apperr.Field("razorpayOrderId", "is required"))
	}
	if req.GatewayPaymentRef == "" {
		fields = append(fields, apperr.Field("razorpayPaymentId", "is required"))
	}
	if req.Signature == "" {
		fields = append(fields, apperr.Field("razorpaySignature", "is required"))
	}
	return apperr.Validation(fields...)
}

func endSpan(span trace.Span, err error) {
	if err != nil && !apperr.Permanent(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
