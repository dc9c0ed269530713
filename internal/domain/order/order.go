package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/domain/page"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

// transitions enumerates every allowed status change. Anything else is
// rejected.
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusProcessing, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped},
	StatusShipped:    {StatusDelivered},
}

// ParseStatus validates a status name, case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return st, nil
	}
	return "", apperr.Validation(apperr.Field("status", fmt.Sprintf("unknown order status %q", s)))
}

// Cancellable reports whether an order in this status may be cancelled.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanTransitionTo reports whether next is an allowed successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s cannot move from %s to %s", e.OrderID, e.From, e.To)
}

func transitionError(id string, from, to Status) error {
	return &apperr.Error{
		Kind: apperr.KindInvalidTransition,
		Err:  &TransitionError{OrderID: id, From: from, To: to},
	}
}

var (
	// ErrNotFound is returned when an order does not exist or belongs to a
	// different user.
	ErrNotFound = apperr.New(apperr.KindNotFound, "order not found")
	// ErrCartEmpty is returned when checking out a cart with no lines.
	ErrCartEmpty = apperr.New(apperr.KindCartEmpty, "cart is empty")
	// ErrStatusConflict is returned by Repository.UpdateStatus when the row
	// is no longer in the expected status.
	ErrStatusConflict = apperr.New(apperr.KindInvalidTransition, "order status changed concurrently")
)

// ShippingInfo is the delivery address captured at order time.
type ShippingInfo struct {
	Address string
	City    string
	State   string
	Zip     string
	Country string
}

// String renders the address on a single line.
func (s ShippingInfo) String() string {
	parts := make([]string, 0, 5)
	for _, p := range []string{s.Address, s.City, s.State, s.Zip, s.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// Item is an order line with its price frozen at creation.
type Item struct {
	ProductID   string
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
	LineTotal   decimal.Decimal
}

// Order is a customer order. Items and TotalAmount never change after
// creation; only Status moves.
type Order struct {
	ID          string
	UserID      string
	Items       []Item
	TotalAmount decimal.Decimal
	Status      Status
	Shipping    ShippingInfo
	Notes       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// newOrder builds a PENDING order and computes line and order totals. Line
// totals are rounded to cents first so the order total is their exact sum.
func newOrder(id, userID string, items []Item, shipping ShippingInfo, notes string, now time.Time) *Order {
	total := decimal.Zero
	for i := range items {
		items[i].LineTotal = items[i].UnitPrice.Mul(decimal.NewFromInt(int64(items[i].Quantity))).Round(2)
		total = total.Add(items[i].LineTotal)
	}
	return &Order{
		ID:          id,
		UserID:      userID,
		Items:       items,
		TotalAmount: total,
		Status:      StatusPending,
		Shipping:    shipping,
		Notes:       notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create stores the order and its items atomically.
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	ListByUser(ctx context.Context, userID string, req page.Request) (page.Result[Order], error)
	ListByStatus(ctx context.Context, status Status, req page.Request) (page.Result[Order], error)
	// UpdateStatus moves the order from one status to another, returning
	// ErrStatusConflict if the stored status is no longer from.
	UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) error
}
