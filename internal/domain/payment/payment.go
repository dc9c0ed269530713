package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/domain/page"
)

// Status is the payment lifecycle state.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusProcessing        Status = "PROCESSING"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
	StatusPartiallyRefunded Status = "PARTIALLY_REFUNDED"
	StatusRefunded          Status = "REFUNDED"
)

// Refundable reports whether money can still be returned.
func (s Status) Refundable() bool {
	return s == StatusCompleted || s == StatusPartiallyRefunded
}

// Final reports whether the payment reached an end state of its primary flow.
func (s Status) Final() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRefunded
}

// settled reports whether the payment was captured at some point.
func (s Status) settled() bool {
	return s == StatusCompleted || s == StatusPartiallyRefunded || s == StatusRefunded
}

// Payment is a single payment attempt for an order. There is at most one
// per order.
type Payment struct {
	ID                string          `json:"id"`
	OrderID           string          `json:"orderId"`
	UserID            string          `json:"userId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            Status          `json:"status"`
	GatewayOrderRef   string          `json:"gatewayOrderId,omitempty"`
	GatewayPaymentRef string          `json:"gatewayPaymentId,omitempty"`
	GatewaySignature  string          `json:"gatewaySignature,omitempty"`
	IdempotencyKey    string          `json:"idempotencyKey"`
	FailureReason     string          `json:"failureReason,omitempty"`
	RefundedAmount    decimal.Decimal `json:"refundedAmount"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Remaining is the amount that can still be refunded.
func (p *Payment) Remaining() decimal.Decimal {
	return p.Amount.Sub(p.RefundedAmount)
}

// RefundStatus is the status of a captured payment of amount after refunded
// was returned.
func RefundStatus(amount, refunded decimal.Decimal) Status {
	switch {
	case refunded.IsZero():
		return StatusCompleted
	case refunded.GreaterThanOrEqual(amount):
		return StatusRefunded
	default:
		return StatusPartiallyRefunded
	}
}

var (
	// ErrNotFound is returned when no payment matches.
	ErrNotFound = apperr.New(apperr.KindNotFound, "payment not found")
	// ErrDuplicate is returned by Repository.Create when the order or the
	// idempotency key already has a payment.
	ErrDuplicate = apperr.New(apperr.KindDuplicatePayment, "payment already exists")
	// ErrAlreadyCompleted is returned when initiating a payment for an order
	// that has already been paid.
	ErrAlreadyCompleted = apperr.New(apperr.KindDuplicatePayment, "payment already completed for this order")
	// ErrVerification is returned when the gateway signature does not match.
	ErrVerification = apperr.New(apperr.KindPaymentVerification, "payment signature verification failed")
	// ErrRefundRejected is returned by Repository.AdjustRefund when the
	// payment is not refundable or the balance would leave [0, amount].
	ErrRefundRejected = apperr.New(apperr.KindRefund, "refund exceeds refundable balance")
)

// IntentRequest asks the gateway to create a payment intent.
type IntentRequest struct {
	Amount   decimal.Decimal
	Currency string
	Receipt  string
	Notes    map[string]string
}

// Gateway is the external payment provider.
type Gateway interface {
	// CreateIntent registers a payment with the provider and returns its
	// order reference.
	CreateIntent(ctx context.Context, req IntentRequest) (string, error)
	// VerifySignature checks the signature the provider returned to the
	// client after checkout.
	VerifySignature(orderRef, paymentRef, signature string) bool
	// Refund returns amount of a captured payment and yields the refund
	// reference.
	Refund(ctx context.Context, paymentRef string, amount decimal.Decimal) (string, error)
}

// Repository defines persistence operations for payments.
type Repository interface {
	// Create stores a new payment, returning ErrDuplicate on a unique
	// violation.
	Create(ctx context.Context, p *Payment) error
	Update(ctx context.Context, p *Payment) error
	// AdjustRefund atomically adds delta to the refunded amount of a
	// captured payment and derives its status with RefundStatus. A negative
	// delta releases an earlier reservation.
	AdjustRefund(ctx context.Context, id string, delta decimal.Decimal, at time.Time) (*Payment, error)
	Get(ctx context.Context, id string) (*Payment, error)
	GetByOrder(ctx context.Context, orderID string) (*Payment, error)
	ListByUser(ctx context.Context, userID string, req page.Request) (page.Result[Payment], error)
}

// Ledger remembers responses by idempotency key for a limited time.
type Ledger interface {
	Lookup(ctx context.Context, key string) ([]byte, bool, error)
	Store(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
