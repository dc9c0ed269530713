package notification

import (
	"bytes"
	"html/template"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Message is a rendered subject and HTML body.
type Message struct {
	Subject string
	Body    string
}

// Payload is the typed data a notification is rendered from.
type Payload interface {
	templateName() string
}

// Line is an order line shown in a confirmation.
type Line struct {
	Name      string
	Quantity  int
	LineTotal decimal.Decimal
}

type OrderConfirmation struct {
	CustomerName    string
	OrderID         string
	Items           []Line
	TotalAmount     decimal.Decimal
	ShippingAddress string
}

type OrderShipped struct {
	CustomerName   string
	OrderID        string
	Carrier        string
	TrackingNumber string
}

type OrderCancelled struct {
	CustomerName string
	OrderID      string
	Reason       string
}

type PaymentSuccess struct {
	CustomerName string
	PaymentID    string
	OrderID      string
	Amount       decimal.Decimal
	Currency     string
	PaidAt       time.Time
}

type PaymentFailure struct {
	CustomerName string
	OrderID      string
	Amount       decimal.Decimal
	Reason       string
}

type Welcome struct {
	CustomerName string
}

// Generic is the fallback payload for types without a dedicated template.
type Generic struct {
	CustomerName string
	Text         string
}

func (OrderConfirmation) templateName() string { return "order-confirmation" }
func (OrderShipped) templateName() string      { return "order-shipped" }
func (OrderCancelled) templateName() string    { return "order-cancelled" }
func (PaymentSuccess) templateName() string    { return "payment-success" }
func (PaymentFailure) templateName() string    { return "payment-failed" }
func (Welcome) templateName() string           { return "welcome" }
func (Generic) templateName() string           { return "base" }

const layout = `<!DOCTYPE html>
<html><body style="font-family:Arial,sans-serif;color:#222">
<h2>CloudForge</h2>
{{template "content" .}}
<p style="color:#888;font-size:12px">You are receiving this email because you have an account at CloudForge.</p>
</body></html>`

var bodies = map[string]string{
	"base": `<p>Hello {{with .CustomerName}}{{.}}{{else}}there{{end}},</p>
<p>{{with .Text}}{{.}}{{else}}You have a new notification from CloudForge.{{end}}</p>`,
	"order-confirmation": `<p>Hello {{.CustomerName}},</p>
<p>Thank you for your order <strong>{{.OrderID}}</strong>.</p>
<table>{{range .Items}}<tr><td>{{.Name}}</td><td>x{{.Quantity}}</td><td>{{.LineTotal.StringFixed 2}}</td></tr>{{end}}</table>
<p>Total: <strong>{{.TotalAmount.StringFixed 2}}</strong></p>
{{with .ShippingAddress}}<p>Shipping to: {{.}}</p>{{end}}`,
	"order-shipped": `<p>Hello {{.CustomerName}},</p>
<p>Your order <strong>{{.OrderID}}</strong> is on its way{{with .Carrier}} with {{.}}{{end}}.</p>
{{with .TrackingNumber}}<p>Tracking number: {{.}}</p>{{end}}`,
	"order-cancelled": `<p>Hello {{.CustomerName}},</p>
<p>Your order <strong>{{.OrderID}}</strong> has been cancelled.</p>
{{with .Reason}}<p>Reason: {{.}}</p>{{end}}`,
	"payment-success": `<p>Hello {{.CustomerName}},</p>
<p>We received your payment of <strong>{{.Amount.StringFixed 2}} {{.Currency}}</strong> for order {{.OrderID}}.</p>
<p>Payment reference: {{.PaymentID}}{{if not .PaidAt.IsZero}}, {{.PaidAt.Format "02 Jan 2006 15:04 MST"}}{{end}}</p>`,
	"payment-failed": `<p>Hello {{.CustomerName}},</p>
<p>Your payment of <strong>{{.Amount.StringFixed 2}}</strong> for order {{.OrderID}} could not be processed.</p>
{{with .Reason}}<p>Reason: {{.}}</p>{{end}}
<p>Please try again from your order page.</p>`,
	"welcome": `<p>Hello {{.CustomerName}},</p>
<p>Welcome to CloudForge! Your account is ready.</p>`,
}

var templates = func() map[string]*template.Template {
	base := template.Must(template.New("layout").Parse(layout))
	out := make(map[string]*template.Template, len(bodies))
	for name, body := range bodies {
		t := template.Must(base.Clone())
		out[name] = template.Must(t.New("content").Parse(body))
	}
	return out
}()

// Subject returns the subject line for a notification type. Types without
// a dedicated subject get the generic one.
func Subject(t Type, orderID string) string {
	switch t {
	case TypeOrderConfirmation:
		return "Order Confirmed! " + orderID
	case TypePaymentSuccess:
		return "Payment Successful! ✓"
	case TypePaymentFailed:
		return "Payment Failed - Action Required"
	case TypeWelcome:
		return "Welcome to CloudForge! 🎉"
	case TypeOrderShipped:
		return "Your Order Has Shipped! 🚀"
	case TypeOrderCancelled:
		return "Order Cancelled " + orderID
	default:
		return "Notification from CloudForge"
	}
}

// Render produces the subject and body for t. A nil payload, or one that
// does not belong to t, falls back to the generic template.
func Render(t Type, p Payload) (Message, error) {
	if p == nil || !matches(t, p) {
		p = Generic{CustomerName: customerName(p)}
	}
	var buf bytes.Buffer
	if err := templates[p.templateName()].ExecuteTemplate(&buf, "layout", p); err != nil {
		return Message{}, errors.Wrapf(err, "render %s", p.templateName())
	}
	return Message{Subject: Subject(t, orderID(p)), Body: buf.String()}, nil
}

func matches(t Type, p Payload) bool {
	switch p.(type) {
	case OrderConfirmation:
		return t == TypeOrderConfirmation
	case OrderShipped:
		return t == TypeOrderShipped
	case OrderCancelled:
		return t == TypeOrderCancelled
	case PaymentSuccess:
		return t == TypePaymentSuccess
	case PaymentFailure:
		return t == TypePaymentFailed
	case Welcome:
		return t == TypeWelcome
	case Generic:
		return true
	}
	return false
}

func orderID(p Payload) string {
	switch v := p.(type) {
	case OrderConfirmation:
		return v.OrderID
	case OrderCancelled:
		return v.OrderID
	}
	return ""
}

func customerName(p Payload) string {
	switch v := p.(type) {
	case OrderConfirmation:
		return v.CustomerName
	case OrderShipped:
		return v.CustomerName
	case OrderCancelled:
		return v.CustomerName
	case PaymentSuccess:
		return v.CustomerName
	case PaymentFailure:
		return v.CustomerName
	case Welcome:
		return v.CustomerName
	}
	return ""
}
