package notification

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/ogen-go/ogen/validate"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/domain/page"
)

const instrumentationName = "github.com/xenking/cloudforge-commerce/internal/domain/notification"

// Config holds delivery settings.
type Config struct {
	MaxRetries    int
	SendTimeout   time.Duration
	SweepInterval time.Duration
	SweepBatch    int
	Workers       int
	QueueSize     int
	// StaleAfter is how long a notification may stay SENDING before the
	// sweep assumes its worker died and delivers it again.
	StaleAfter time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
}

// Request asks for a notification to be sent. Subject and Content, when
// set, replace the rendered values.
type Request struct {
	UserID        string
	Type          Type
	Channel       Channel
	Recipient     string
	Subject       string
	Content       string
	Payload       Payload
	ReferenceID   string
	ReferenceType string
	DedupKey      string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMeterProvider enables delivery outcome metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(d *Dispatcher) { d.meter = mp.Meter(instrumentationName) }
}

// Dispatcher persists notifications and delivers email through a bounded
// worker pool. Failed deliveries are retried by a periodic sweep.
type Dispatcher struct {
	repo   Repository
	sender Sender
	cfg    Config
	queue  chan Notification
	now    func() time.Time

	meter      metric.Meter
	deliveries metric.Int64Counter
}

// NewDispatcher creates a Dispatcher. Deliveries only happen while Run is
// active.
func NewDispatcher(repo Repository, sender Sender, cfg Config, opts ...Option) (*Dispatcher, error) {
	cfg.setDefaults()
	d := &Dispatcher{
		repo:   repo,
		sender: sender,
		cfg:    cfg,
		queue:  make(chan Notification, cfg.QueueSize),
		now:    time.Now,
		meter:  metricnoop.NewMeterProvider().Meter(""),
	}
	for _, o := range opts {
		o(d)
	}

	var err error
	d.deliveries, err = d.meter.Int64Counter("notifications.deliveries",
		metric.WithDescription("Notification delivery attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create deliveries counter")
	}
	return d, nil
}

// Send renders and persists a notification and, for email, queues it for
// delivery. Email is stored as SENDING, other channels as PENDING.
func (d *Dispatcher) Send(ctx context.Context, req Request) (*Notification, error) {
	if req.Channel == "" {
		req.Channel = ChannelEmail
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	msg, err := Render(req.Type, req.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "render")
	}
	if req.Subject != "" {
		msg.Subject = req.Subject
	}
	if req.Content != "" {
		msg.Body = req.Content
	}

	// Email rows start as SENDING so that a crash before delivery leaves them
	// to the stale sweep.
	status := StatusPending
	if req.Channel == ChannelEmail {
		status = StatusSending
	}
	now := d.now().UTC()
	n := Notification{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		Type:          req.Type,
		Channel:       req.Channel,
		Recipient:     strings.TrimSpace(req.Recipient),
		Subject:       msg.Subject,
		Content:       msg.Body,
		Status:        status,
		ReferenceID:   req.ReferenceID,
		ReferenceType: req.ReferenceType,
		DedupKey:      req.DedupKey,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := d.repo.Create(ctx, &n); err != nil {
		return nil, errors.Wrap(err, "create notification")
	}

	lg := zctx.From(ctx).With(
		zap.String("notification_id", n.ID),
		zap.String("type", string(n.Type)),
	)
	if n.Channel != ChannelEmail {
		lg.Info("Channel has no transport, notification left pending", zap.String("channel", string(n.Channel)))
		return &n, nil
	}

	select {
	case d.queue <- n:
	default:
		n.Status = StatusRetrying
		if err := d.repo.Update(ctx, &n); err != nil {
			// Still SENDING in storage; the sweep picks it up once stale.
			lg.Warn("Delivery queue full, deferring to stale sweep", zap.Error(err))
			n.Status = StatusSending
			return &n, nil
		}
		lg.Warn("Delivery queue full, deferring to sweep")
	}
	return &n, nil
}

// Run starts the delivery workers and the retry sweep and blocks until ctx
// is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range d.cfg.Workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case n := <-d.queue:
					d.deliver(ctx, &n)
				}
			}
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(d.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
					zctx.From(ctx).Error("Notification sweep failed", zap.Error(err))
				}
			}
		}
	})
	return g.Wait()
}

// Sweep redelivers notifications waiting for a retry, oldest first, and
// reports how many it attempted.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	staleBefore := d.now().Add(-d.cfg.StaleAfter)
	pending, err := d.repo.ListRetryable(ctx, d.cfg.MaxRetries, staleBefore, d.cfg.SweepBatch)
	if err != nil {
		return 0, errors.Wrap(err, "list retryable")
	}
	for i := range pending {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		n := &pending[i]
		n.Status = StatusSending
		n.UpdatedAt = d.now().UTC()
		if err := d.repo.Update(ctx, n); err != nil {
			return i, errors.Wrap(err, "mark sending")
		}
		d.deliver(ctx, n)
	}
	if len(pending) > 0 {
		zctx.From(ctx).Info("Notification sweep done", zap.Int("count", len(pending)))
	}
	return len(pending), nil
}

// deliver makes one attempt and records the outcome. The outcome is stored
// even when ctx is cancelled mid-send.
func (d *Dispatcher) deliver(ctx context.Context, n *Notification) {
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err := d.sender.Send(sendCtx, Email{To: n.Recipient, Subject: n.Subject, HTML: n.Content})
	cancel()

	lg := zctx.From(ctx).With(zap.String("notification_id", n.ID))
	now := d.now().UTC()
	n.UpdatedAt = now
	if err == nil {
		n.Status = StatusSent
		n.SentAt = &now
		n.ErrorMessage = ""
	} else {
		n.RetryCount++
		n.ErrorMessage = err.Error()
		n.Status = StatusRetrying
		if n.RetryCount >= d.cfg.MaxRetries {
			n.Status = StatusFailed
		}
		lg.Warn("Notification delivery failed",
			zap.Error(err),
			zap.Int("retry_count", n.RetryCount),
			zap.String("status", string(n.Status)),
		)
	}
	d.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(n.Status))))

	if err := d.repo.Update(context.WithoutCancel(ctx), n); err != nil {
		lg.Error("Record delivery outcome", zap.Error(err))
	}
}

// Get returns a notification by id.
func (d *Dispatcher) Get(ctx context.Context, id string) (*Notification, error) {
	return d.repo.Get(ctx, id)
}

// ListForUser returns a page of a user's notifications, newest first.
func (d *Dispatcher) ListForUser(ctx context.Context, userID string, req page.Request) (page.Result[Notification], error) {
	return d.repo.ListByUser(ctx, userID, req.Normalize())
}

// ListByType returns a page of notifications of one type, newest first.
func (d *Dispatcher) ListByType(ctx context.Context, t Type, req page.Request) (page.Result[Notification], error) {
	return d.repo.ListByType(ctx, t, req.Normalize())
}

// SendWelcome emails the welcome message to a new user.
func (d *Dispatcher) SendWelcome(ctx context.Context, userID, email, name string) (*Notification, error) {
	return d.Send(ctx, Request{
		UserID:        userID,
		Type:          TypeWelcome,
		Channel:       ChannelEmail,
		Recipient:     email,
		Payload:       Welcome{CustomerName: name},
		ReferenceID:   userID,
		ReferenceType: "USER",
	})
}

func validateRequest(req Request) error {
	var fields []validate.FieldError
	if strings.TrimSpace(req.UserID) == "" {
		fields = append(fields, apperr.Field("userId", "must not be empty"))
	}
	if _, err := ParseType(string(req.Type)); err != nil {
		fields = append(fields, apperr.Field("type", "unknown notification type"))
	}
	if _, err := ParseChannel(string(req.Channel)); err != nil {
		fields = append(fields, apperr.Field("channel", "unknown channel"))
	}
	recipient := strings.TrimSpace(req.Recipient)
	switch {
	case recipient == "":
		fields = append(fields, apperr.Field("recipient", "must not be empty"))
	case req.Channel == ChannelEmail:
		if addr, err := mail.ParseAddress(recipient); err != nil || addr.Address != recipient {
			fields = append(fields, apperr.Field("recipient", "must be a valid email address"))
		}
	}
	return apperr.Validation(fields...)
}
