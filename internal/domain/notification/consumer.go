package notification

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/event"
)

// Consumer turns saga events into customer emails.
type Consumer struct {
	dispatcher *Dispatcher
	users      Directory
}

// NewConsumer creates a Consumer.
func NewConsumer(d *Dispatcher, users Directory) *Consumer {
	return &Consumer{dispatcher: d, users: users}
}

// Subscribe registers the consumer on every topic it handles.
func (c *Consumer) Subscribe(s event.Subscriber) {
	s.Subscribe(event.TopicOrderCreated, c.HandleOrderCreated)
	s.Subscribe(event.TopicOrderCancelled, c.HandleOrderCancelled)
	s.Subscribe(event.TopicPaymentCompleted, c.HandlePaymentCompleted)
	s.Subscribe(event.TopicPaymentFailed, c.HandlePaymentFailed)
}

func (c *Consumer) HandleOrderCreated(ctx context.Context, env event.Envelope) error {
	var oc event.OrderCreated
	if err := env.Unmarshal(&oc); err != nil {
		return dropMalformed(ctx, env, err)
	}
	lines := make([]Line, 0, len(oc.Items))
	for _, it := range oc.Items {
		lines = append(lines, Line{Name: it.ProductName, Quantity: it.Quantity, LineTotal: it.LineTotal})
	}
	return c.notify(ctx, env, oc.UserID, TypeOrderConfirmation, oc.OrderID, func(name string) Payload {
		return OrderConfirmation{
			CustomerName:    name,
			OrderID:         oc.OrderID,
			Items:           lines,
			TotalAmount:     oc.TotalAmount,
			ShippingAddress: oc.ShippingAddress,
		}
	})
}

func (c *Consumer) HandleOrderCancelled(ctx context.Context, env event.Envelope) error {
	var oc event.OrderCancelled
	if err := env.Unmarshal(&oc); err != nil {
		return dropMalformed(ctx, env, err)
	}
	return c.notify(ctx, env, oc.UserID, TypeOrderCancelled, oc.OrderID, func(name string) Payload {
		return OrderCancelled{CustomerName: name, OrderID: oc.OrderID, Reason: oc.Reason}
	})
}

func (c *Consumer) HandlePaymentCompleted(ctx context.Context, env event.Envelope) error {
	var pc event.PaymentCompleted
	if err := env.Unmarshal(&pc); err != nil {
		return dropMalformed(ctx, env, err)
	}
	return c.notify(ctx, env, pc.UserID, TypePaymentSuccess, pc.OrderID, func(name string) Payload {
		return PaymentSuccess{
			CustomerName: name,
			PaymentID:    pc.PaymentID,
			OrderID:      pc.OrderID,
			Amount:       pc.Amount,
			Currency:     pc.Currency,
			PaidAt:       pc.CompletedAt,
		}
	})
}

func (c *Consumer) HandlePaymentFailed(ctx context.Context, env event.Envelope) error {
	var pf event.PaymentFailed
	if err := env.Unmarshal(&pf); err != nil {
		return dropMalformed(ctx, env, err)
	}
	return c.notify(ctx, env, pf.UserID, TypePaymentFailed, pf.OrderID, func(name string) Payload {
		return PaymentFailure{CustomerName: name, OrderID: pf.OrderID, Amount: pf.Amount, Reason: pf.Reason}
	})
}

// notify resolves the recipient and sends one email keyed on the envelope,
// so a redelivered event finds the notification it already created.
// Directory and transport errors are returned for redelivery; business
// rejections and unknown users are logged and acknowledged.
func (c *Consumer) notify(ctx context.Context, env event.Envelope, userID string, t Type, orderID string, payload func(name string) Payload) error {
	lg := zctx.From(ctx).With(
		zap.String("event_id", env.ID),
		zap.String("user_id", userID),
		zap.String("type", string(t)),
	)

	contact, err := c.users.Lookup(ctx, userID)
	switch {
	case apperr.Is(err, apperr.KindNotFound):
		lg.Warn("Recipient unknown, skipping notification")
		return nil
	case err != nil:
		return errors.Wrap(err, "lookup recipient")
	}

	_, err = c.dispatcher.Send(ctx, Request{
		UserID:        userID,
		Type:          t,
		Channel:       ChannelEmail,
		Recipient:     contact.Email,
		Payload:       payload(contact.Name),
		ReferenceID:   orderID,
		ReferenceType: "ORDER",
		DedupKey:      env.ID + ":" + string(t),
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicate):
		lg.Debug("Notification already created for event")
		return nil
	case apperr.Permanent(err):
		lg.Warn("Notification rejected", zap.Error(err))
		return nil
	default:
		return err
	}
}

func dropMalformed(ctx context.Context, env event.Envelope, err error) error {
	zctx.From(ctx).Error("Dropping malformed event",
		zap.String("event_id", env.ID),
		zap.String("topic", env.Topic.String()),
		zap.Error(err),
	)
	return nil
}
