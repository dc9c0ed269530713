// Package handler exposes the commerce services over a JSON REST API
// mounted under /api.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/cloudforge-commerce/internal/domain/auth"
	"github.com/xenking/cloudforge-commerce/internal/domain/cart"
	"github.com/xenking/cloudforge-commerce/internal/domain/notification"
	"github.com/xenking/cloudforge-commerce/internal/domain/order"
	"github.com/xenking/cloudforge-commerce/internal/domain/page"
	"github.com/xenking/cloudforge-commerce/internal/domain/payment"
)

// CartService is the cart behaviour the API needs.
type CartService interface {
	Get(ctx context.Context, userID string) (*cart.Cart, error)
	AddItem(ctx context.Context, userID, productID string, qty int) (*cart.Cart, error)
	SetQuantity(ctx context.Context, userID, productID string, qty int) (*cart.Cart, error)
	RemoveItem(ctx context.Context, userID, productID string) (*cart.Cart, error)
	Clear(ctx context.Context, userID string) error
}

// OrderService is the order behaviour the API needs.
type OrderService interface {
	CreateOrder(ctx context.Context, req order.CreateRequest) (*order.Order, error)
	Checkout(ctx context.Context, req order.CheckoutRequest) (*order.Order, error)
	Cancel(ctx context.Context, orderID, userID, reason string) (*order.Order, error)
	UpdateStatus(ctx context.Context, orderID string, next order.Status) (*order.Order, error)
	Get(ctx context.Context, orderID, userID string) (*order.Order, error)
	ListForUser(ctx context.Context, userID string, req page.Request) (page.Result[order.Order], error)
	ListByStatus(ctx context.Context, status order.Status, req page.Request) (page.Result[order.Order], error)
}

// PaymentService is the payment behaviour the API needs.
type PaymentService interface {
	Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Payment, error)
	Verify(ctx context.Context, req payment.VerifyRequest) (*payment.Payment, error)
	Refund(ctx context.Context, paymentID string, amount *decimal.Decimal, reason string) (*payment.Payment, error)
	Get(ctx context.Context, id string) (*payment.Payment, error)
	GetByOrder(ctx context.Context, orderID string) (*payment.Payment, error)
	ListForUser(ctx context.Context, userID string, req page.Request) (page.Result[payment.Payment], error)
}

// NotificationService is the notification behaviour the API needs.
type NotificationService interface {
	Send(ctx context.Context, req notification.Request) (*notification.Notification, error)
	SendWelcome(ctx context.Context, userID, email, name string) (*notification.Notification, error)
	Get(ctx context.Context, id string) (*notification.Notification, error)
	ListForUser(ctx context.Context, userID string, req page.Request) (page.Result[notification.Notification], error)
	ListByType(ctx context.Context, t notification.Type, req page.Request) (page.Result[notification.Notification], error)
}

// Config holds non-dependency settings.
type Config struct {
	// RazorpayKeyID is the public gateway key returned with payments so the
	// client can open the checkout widget.
	RazorpayKeyID string
}

// Handler serves the REST API. Services left nil are not routed, so a
// process only exposes the components it runs.
type Handler struct {
	Carts         CartService
	Orders        OrderService
	Payments      PaymentService
	Notifications NotificationService

	cfg      Config
	security *Security
}

// New creates a Handler that guards admin routes with security.
func New(cfg Config, security *Security) *Handler {
	return &Handler{cfg: cfg, security: security}
}

// Mount registers the API routes on r.
func (h *Handler) Mount(r chi.Router) {
	admin := h.security.RequireScope(auth.ScopeAdmin)

	r.Route("/api", func(r chi.Router) {
		if h.Carts != nil && h.Orders != nil {
			r.Route("/cart", func(r chi.Router) {
				r.Use(RequireUser)
				r.Get("/", h.getCart)
				r.Delete("/", h.clearCart)
				r.Post("/items", h.addCartItem)
				r.Put("/items/{productId}", h.setCartItem)
				r.Delete("/items/{productId}", h.removeCartItem)
				r.Post("/checkout", h.checkout)
			})
		}
		if h.Orders != nil {
			r.Route("/orders", func(r chi.Router) {
				r.With(admin).Get("/status/{status}", h.listOrdersByStatus)
				r.With(admin).Put("/{id}/status", h.updateOrderStatus)

				r.Group(func(r chi.Router) {
					r.Use(RequireUser)
					r.Post("/", h.createOrder)
					r.Get("/", h.listOrders)
					r.Get("/{id}", h.getOrder)
					r.Put("/{id}/cancel", h.cancelOrder)
				})
			})
		}
		if h.Payments != nil {
			r.Route("/payments", func(r chi.Router) {
				r.With(admin).Post("/{id}/refund", h.refundPayment)

				r.Group(func(r chi.Router) {
					r.Use(RequireUser)
					r.Post("/", h.initiatePayment)
					r.Post("/verify", h.verifyPayment)
					r.Get("/", h.listPayments)
					r.Get("/{id}", h.getPayment)
					r.Get("/order/{orderId}", h.getPaymentByOrder)
				})
			})
		}
		if h.Notifications != nil {
			r.Route("/notifications", func(r chi.Router) {
				r.With(admin).Get("/type/{type}", h.listNotificationsByType)

				r.Group(func(r chi.Router) {
					r.Use(RequireUser)
					r.Post("/", h.sendNotification)
					r.Post("/welcome", h.sendWelcome)
					r.Get("/{id}", h.getNotification)
					r.Get("/user/{userId}", h.listUserNotifications)
				})
			})
		}
	})
}

// Router returns a chi router with the API and any extra routes mounted.
func (h *Handler) Router(extra func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	if extra != nil {
		extra(r)
	}
	h.Mount(r)
	return r
}
