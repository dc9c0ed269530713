package event

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// OrderLine is an order item as carried in OrderCreated.
type OrderLine struct {
	ProductID   string
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
	LineTotal   decimal.Decimal
}

// OrderCreated is published once an order has been committed.
type OrderCreated struct {
	OrderID         string
	UserID          string
	TotalAmount     decimal.Decimal
	ShippingAddress string
	Items           []OrderLine
	CreatedAt       time.Time
}

func (p *OrderCreated) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("orderId")
	e.Str(p.OrderID)
	e.FieldStart("userId")
	e.Str(p.UserID)
	e.FieldStart("totalAmount")
	e.Str(p.TotalAmount.String())
	e.FieldStart("shippingAddress")
	e.Str(p.ShippingAddress)
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range p.Items {
		e.ObjStart()
		e.FieldStart("productId")
		e.Str(it.ProductID)
		e.FieldStart("productName")
		e.Str(it.ProductName)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.FieldStart("unitPrice")
		e.Str(it.UnitPrice.String())
		e.FieldStart("lineTotal")
		e.Str(it.LineTotal.String())
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("createdAt")
	encodeTime(e, p.CreatedAt)
	e.ObjEnd()
}

func (p *OrderCreated) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "orderId":
			p.OrderID, err = d.Str()
		case "userId":
			p.UserID, err = d.Str()
		case "totalAmount":
			p.TotalAmount, err = decodeDecimal(d)
		case "shippingAddress":
			p.ShippingAddress, err = d.Str()
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				var line OrderLine
				if err := line.decode(d); err != nil {
					return err
				}
				p.Items = append(p.Items, line)
				return nil
			})
		case "createdAt":
			p.CreatedAt, err = decodeTime(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
}

func (l *OrderLine) decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId":
			l.ProductID, err = d.Str()
		case "productName":
			l.ProductName, err = d.Str()
		case "quantity":
			l.Quantity, err = d.Int()
		case "unitPrice":
			l.UnitPrice, err = decodeDecimal(d)
		case "lineTotal":
			l.LineTotal, err = decodeDecimal(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
}

// OrderCancelled is published when an order moves to CANCELLED.
type OrderCancelled struct {
	OrderID     string
	UserID      string
	Reason      string
	CancelledAt time.Time
}

func (p *OrderCancelled) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("orderId")
	e.Str(p.OrderID)
	e.FieldStart("userId")
	e.Str(p.UserID)
	e.FieldStart("reason")
	e.Str(p.Reason)
	e.FieldStart("cancelledAt")
	encodeTime(e, p.CancelledAt)
	e.ObjEnd()
}

func (p *OrderCancelled) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "orderId":
			p.OrderID, err = d.Str()
		case "userId":
			p.UserID, err = d.Str()
		case "reason":
			p.Reason, err = d.Str()
		case "cancelledAt":
			p.CancelledAt, err = decodeTime(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
}

// PaymentCompleted is published when a payment signature is verified.
type PaymentCompleted struct {
	PaymentID         string
	OrderID           string
	UserID            string
	Amount            decimal.Decimal
	Currency          string
	GatewayPaymentRef string
	CompletedAt       time.Time
}

func (p *PaymentCompleted) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("paymentId")
	e.Str(p.PaymentID)
	e.FieldStart("orderId")
	e.Str(p.OrderID)
	e.FieldStart("userId")
	e.Str(p.UserID)
	e.FieldStart("amount")
	e.Str(p.Amount.String())
	e.FieldStart("currency")
	e.Str(p.Currency)
	e.FieldStart("gatewayPaymentId")
	e.Str(p.GatewayPaymentRef)
	e.FieldStart("completedAt")
	encodeTime(e, p.CompletedAt)
	e.ObjEnd()
}

func (p *PaymentCompleted) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "paymentId":
			p.PaymentID, err = d.Str()
		case "orderId":
			p.OrderID, err = d.Str()
		case "userId":
			p.UserID, err = d.Str()
		case "amount":
			p.Amount, err = decodeDecimal(d)
		case "currency":
			p.Currency, err = d.Str()
		case "gatewayPaymentId":
			p.GatewayPaymentRef, err = d.Str()
		case "completedAt":
			p.CompletedAt, err = decodeTime(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
}

// PaymentFailed is published when gateway intent creation or signature
// verification fails.
type PaymentFailed struct {
	PaymentID string
	OrderID   string
	UserID    string
	Amount    decimal.Decimal
	Reason    string
	FailedAt  time.Time
}

func (p *PaymentFailed) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("paymentId")
	e.Str(p.PaymentID)
	e.FieldStart("orderId")
	e.Str(p.OrderID)
	e.FieldStart("userId")
	e.Str(p.UserID)
	e.FieldStart("amount")
	e.Str(p.Amount.String())
	e.FieldStart("failureReason")
	e.Str(p.Reason)
	e.FieldStart("failedAt")
	encodeTime(e, p.FailedAt)
	e.ObjEnd()
}

func (p *PaymentFailed) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "paymentId":
			p.PaymentID, err = d.Str()
		case "orderId":
			p.OrderID, err = d.Str()
		case "userId":
			p.UserID, err = d.Str()
		case "amount":
			p.Amount, err = decodeDecimal(d)
		case "failureReason":
			p.Reason, err = d.Str()
		case "failedAt":
			p.FailedAt, err = decodeTime(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
}

func encodeTime(e *jx.Encoder, t time.Time) {
	if t.IsZero() {
		e.Null()
		return
	}
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	if d.Next() == jx.Null {
		return time.Time{}, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Amounts travel as strings to keep decimal precision; bare numbers from
// older producers are accepted too.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	default:
		return decimal.Zero, errors.Errorf("unexpected %s for amount", d.Next())
	}
}
