package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/cloudforge-commerce/internal/handler"
	"github.com/xenking/cloudforge-commerce/internal/storage/postgres"
	"github.com/xenking/cloudforge-commerce/internal/storage/redis"
	"github.com/xenking/cloudforge-commerce/pkg/health"
	"github.com/xenking/cloudforge-commerce/pkg/httpmiddleware"
)

// Telemetry provides the tracer and meter providers components report to.
// *app.Telemetry from go-faster/sdk satisfies it.
type Telemetry interface {
	TracerProvider() trace.TracerProvider
	MeterProvider() metric.MeterProvider
}

// Run creates all dependencies, starts the HTTP server and the event
// consumers of the enabled components, and handles graceful shutdown. It is
// the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("broker", cfg.Broker.Kind),
		zap.Bool("orders", cfg.Components.Orders),
		zap.Bool("payments", cfg.Components.Payments),
		zap.Bool("notifications", cfg.Components.Notifications),
	)
	ctx = zctx.Base(ctx, lg)

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	rdb, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		return errors.Wrap(err, "connect redis")
	}
	defer func() { _ = rdb.Close() }()

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddReadinessCheck("redis", 5*time.Second, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)

	b, err := newBroker(cfg.Broker, rdb, m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create broker")
	}

	if cfg.APIKeyPepper == "" {
		lg.Warn("API key pepper is empty; admin keys are hashed without a secret")
	}
	h := handler.New(
		handler.Config{RazorpayKeyID: cfg.Razorpay.KeyID},
		handler.NewSecurity(postgres.NewAPIKeyRepository(pool), []byte(cfg.APIKeyPepper)),
	)

	w := &wiring{cfg: cfg, m: m, pool: pool, rdb: rdb, broker: b}
	var loops []func(context.Context) error
	if cfg.Components.Orders {
		if err := w.addOrders(h); err != nil {
			return errors.Wrap(err, "orders")
		}
	}
	if cfg.Components.Payments {
		if err := w.addPayments(h); err != nil {
			return errors.Wrap(err, "payments")
		}
	}
	if cfg.Components.Notifications {
		run, err := w.addNotifications(ctx, h)
		if err != nil {
			return errors.Wrap(err, "notifications")
		}
		loops = append(loops, run)
	}
	// Consumers are known only once every component has subscribed.
	loops = append(loops, b.runners...)

	router := h.Router(func(r chi.Router) {
		r.Get("/livez", healthSvc.LiveEndpoint)
		r.Get("/readyz", healthSvc.ReadyEndpoint)
	})

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins: cfg.CORS.Origins,
				AllowHeaders: []string{
					"Content-Type", "Authorization",
					handler.HeaderUserID, handler.HeaderAPIKey, "Idempotency-Key", httpmiddleware.HeaderRequestID,
				},
				ExposeHeaders:    []string{httpmiddleware.HeaderRequestID, "Retry-After"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
				Key:    httpmiddleware.HeaderOrIP(handler.HeaderUserID),
			}),
			httpmiddleware.Instrument("cloudforge-api", m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.LogRequests(),
			httpmiddleware.Labeler(),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, run := range loops {
		g.Go(func() error {
			if err := run(gctx); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	// Graceful shutdown: wait for cancellation or a failed loop, drain,
	// then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	g.Go(func() error {
		healthSvc.SetReady(true)
		lg.Info("Starting HTTP server", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http serve")
		}
		return nil
	})

	return g.Wait()
}
