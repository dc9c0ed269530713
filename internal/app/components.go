package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/cloudforge-commerce/internal/client"
	"github.com/xenking/cloudforge-commerce/internal/client/catalog"
	"github.com/xenking/cloudforge-commerce/internal/client/users"
	"github.com/xenking/cloudforge-commerce/internal/domain/cart"
	"github.com/xenking/cloudforge-commerce/internal/domain/notification"
	"github.com/xenking/cloudforge-commerce/internal/domain/order"
	"github.com/xenking/cloudforge-commerce/internal/domain/payment"
	"github.com/xenking/cloudforge-commerce/internal/domain/product"
	"github.com/xenking/cloudforge-commerce/internal/event"
	"github.com/xenking/cloudforge-commerce/internal/gateway/razorpay"
	"github.com/xenking/cloudforge-commerce/internal/handler"
	"github.com/xenking/cloudforge-commerce/internal/mail"
	"github.com/xenking/cloudforge-commerce/internal/storage/postgres"
	"github.com/xenking/cloudforge-commerce/internal/storage/redis"
)

// wiring holds the shared infrastructure components are built from.
type wiring struct {
	cfg    *Config
	m      Telemetry
	pool   *pgxpool.Pool
	rdb    *goredis.Client
	broker *broker
}

// addOrders wires carts and orders. Orders confirm themselves when their
// payment completes.
func (w *wiring) addOrders(h *handler.Handler) error {
	var products product.Catalog = catalog.New(client.New(client.Config{
		BaseURL:    w.cfg.Catalog.BaseURL,
		Timeout:    w.cfg.Catalog.Timeout,
		MaxRetries: w.cfg.Catalog.MaxRetries,
	}, w.m.TracerProvider(), w.m.MeterProvider()))
	if ttl := w.cfg.Catalog.CacheTTL; ttl > 0 {
		products = catalog.NewCached(products, redis.NewCache(w.rdb, "catalog:product:", ttl))
	}

	carts := redis.NewCartStore(w.rdb, w.cfg.Cart.TTL)
	opts := []order.Option{order.WithTracerProvider(w.m.TracerProvider())}
	if w.cfg.Orders.PermissiveStatusUpdates {
		opts = append(opts, order.WithPermissiveStatusUpdates())
	}
	orders := order.NewService(products, carts, postgres.NewOrderRepository(w.pool), w.broker.publisher, opts...)

	sub, err := w.broker.group(groupOrders)
	if err != nil {
		return err
	}
	sub.Subscribe(event.TopicPaymentCompleted, orders.HandlePaymentCompleted)

	h.Carts = cart.NewService(carts, products)
	h.Orders = orders
	return nil
}

// addPayments wires the payment orchestrator, which opens a gateway intent
// for every created order.
func (w *wiring) addPayments(h *handler.Handler) error {
	gw := razorpay.New(razorpay.Config{
		BaseURL:   w.cfg.Razorpay.BaseURL,
		KeyID:     w.cfg.Razorpay.KeyID,
		KeySecret: w.cfg.Razorpay.KeySecret,
		Timeout:   w.cfg.Payment.GatewayTimeout,
	}, w.m.TracerProvider(), w.m.MeterProvider())

	payments, err := payment.NewService(
		postgres.NewPaymentRepository(w.pool),
		redis.NewLedger(w.rdb),
		gw,
		w.broker.publisher,
		payment.Config{
			IdempotencyTTL:  w.cfg.Payment.IdempotencyTTL,
			DefaultCurrency: w.cfg.Payment.DefaultCurrency,
			GatewayTimeout:  w.cfg.Payment.GatewayTimeout,
		},
		payment.WithTracerProvider(w.m.TracerProvider()),
		payment.WithMeterProvider(w.m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create payment service")
	}

	sub, err := w.broker.group(groupPayments)
	if err != nil {
		return err
	}
	sub.Subscribe(event.TopicOrderCreated, payments.HandleOrderCreated)

	h.Payments = payments
	return nil
}

// addNotifications wires the dispatcher and its event consumer. The
// returned loop delivers and retries queued notifications.
func (w *wiring) addNotifications(ctx context.Context, h *handler.Handler) (func(context.Context) error, error) {
	var sender notification.Sender = mail.LogSender{}
	if w.cfg.SMTP.Host != "" {
		s, err := mail.NewSMTPSender(mail.Config{
			Host:     w.cfg.SMTP.Host,
			Port:     w.cfg.SMTP.Port,
			Username: w.cfg.SMTP.Username,
			Password: w.cfg.SMTP.Password,
			From:     w.cfg.SMTP.From,
			FromName: w.cfg.SMTP.FromName,
			TLS:      w.cfg.SMTP.TLS,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create smtp sender")
		}
		sender = s
	} else {
		zctx.From(ctx).Warn("SMTP host not configured, emails will only be logged")
	}

	dispatcher, err := notification.NewDispatcher(
		postgres.NewNotificationRepository(w.pool),
		sender,
		notification.Config{
			MaxRetries:    w.cfg.Notification.MaxRetries,
			SendTimeout:   w.cfg.Notification.SendTimeout,
			SweepInterval: w.cfg.Notification.SweepInterval,
			SweepBatch:    w.cfg.Notification.SweepBatch,
			Workers:       w.cfg.Notification.Workers,
			StaleAfter:    w.cfg.Notification.StaleAfter,
		},
		notification.WithMeterProvider(w.m.MeterProvider()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create dispatcher")
	}

	directory := users.New(client.New(client.Config{
		BaseURL:    w.cfg.Users.BaseURL,
		Timeout:    w.cfg.Users.Timeout,
		MaxRetries: w.cfg.Users.MaxRetries,
	}, w.m.TracerProvider(), w.m.MeterProvider()))

	sub, err := w.broker.group(groupNotifications)
	if err != nil {
		return nil, err
	}
	notification.NewConsumer(dispatcher, directory).Subscribe(sub)

	h.Notifications = dispatcher
	zctx.From(ctx).Info("Notifications enabled", zap.Int("workers", w.cfg.Notification.Workers))
	return dispatcher.Run, nil
}
