package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/domain/page"
)

// Type identifies what a notification is about.
type Type string

const (
	TypeOrderConfirmation Type = "ORDER_CONFIRMATION"
	TypeOrderShipped      Type = "ORDER_SHIPPED"
	TypeOrderDelivered    Type = "ORDER_DELIVERED"
	TypeOrderCancelled    Type = "ORDER_CANCELLED"
	TypePaymentSuccess    Type = "PAYMENT_SUCCESS"
	TypePaymentFailed     Type = "PAYMENT_FAILED"
	TypeWelcome           Type = "WELCOME"
	TypePasswordReset     Type = "PASSWORD_RESET"
	TypePromotional       Type = "PROMOTIONAL"
)

// ParseType validates a notification type name.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case TypeOrderConfirmation, TypeOrderShipped, TypeOrderDelivered, TypeOrderCancelled,
		TypePaymentSuccess, TypePaymentFailed, TypeWelcome, TypePasswordReset, TypePromotional:
		return t, nil
	}
	return "", apperr.Validation(apperr.Field("type", fmt.Sprintf("unknown notification type %q", s)))
}

// Channel is the delivery medium.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
	ChannelPush  Channel = "PUSH"
	ChannelInApp Channel = "IN_APP"
)

// ParseChannel validates a channel name. An empty name means email.
func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToUpper(strings.TrimSpace(s)))
	switch c {
	case "":
		return ChannelEmail, nil
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp:
		return c, nil
	}
	return "", apperr.Validation(apperr.Field("channel", fmt.Sprintf("unknown channel %q", s)))
}

// Status is the delivery state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSending  Status = "SENDING"
	StatusSent     Status = "SENT"
	StatusFailed   Status = "FAILED"
	StatusRetrying Status = "RETRYING"
)

// Notification is a message addressed to a user.
type Notification struct {
	ID            string
	UserID        string
	Type          Type
	Channel       Channel
	Recipient     string
	Subject       string
	Content       string
	Status        Status
	RetryCount    int
	ErrorMessage  string
	ReferenceID   string
	ReferenceType string
	// DedupKey is unique when set; event consumers use it to avoid
	// notifying twice for a redelivered event.
	DedupKey  string
	SentAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	// ErrNotFound is returned when a notification does not exist.
	ErrNotFound = apperr.New(apperr.KindNotFound, "notification not found")
	// ErrDuplicate is returned by Repository.Create when the dedup key is
	// already taken.
	ErrDuplicate = apperr.New(apperr.KindValidation, "notification already exists")
)

// Repository defines persistence operations for notifications.
type Repository interface {
	Create(ctx context.Context, n *Notification) error
	Update(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id string) (*Notification, error)
	ListByUser(ctx context.Context, userID string, req page.Request) (page.Result[Notification], error)
	ListByType(ctx context.Context, t Type, req page.Request) (page.Result[Notification], error)
	// ListRetryable returns, oldest first, RETRYING notifications with
	// fewer than maxRetries attempts and SENDING notifications last touched
	// before staleBefore.
	ListRetryable(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]Notification, error)
}

// Email is an outgoing email message.
type Email struct {
	To      string
	Subject string
	HTML    string
}

// Sender delivers email.
type Sender interface {
	Send(ctx context.Context, m Email) error
}

// Contact is the addressable identity of a user.
type Contact struct {
	Email string
	Name  string
}

// Directory resolves users to contacts. Unknown users yield a
// KindNotFound error.
type Directory interface {
	Lookup(ctx context.Context, userID string) (*Contact, error)
}
