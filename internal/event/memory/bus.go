// Package memory is an in-process event bus with the same delivery
// semantics as the broker: per-key ordering and at-least-once delivery with
// redelivery on handler failure. It backs tests and single-process runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/cloudforge-commerce/internal/event"
)

// Config tunes the bus.
type Config struct {
	Partitions    int
	Buffer        int
	MaxDeliveries int
	RetryDelay    time.Duration
}

func (c *Config) setDefaults() {
	if c.Partitions <= 0 {
		c.Partitions = 4
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 50 * time.Millisecond
	}
}

var (
	_ event.Publisher  = (*Bus)(nil)
	_ event.Subscriber = (*Bus)(nil)
)

// Bus is an in-memory partitioned event bus.
type Bus struct {
	cfg    Config
	queues map[event.Topic][]chan event.Envelope

	mu       sync.RWMutex
	handlers map[event.Topic][]event.Handler
	dead     []event.Envelope
}

// New creates a Bus with queues for every known topic.
func New(cfg Config) *Bus {
	cfg.setDefaults()
	queues := make(map[event.Topic][]chan event.Envelope, len(event.Topics))
	for _, t := range event.Topics {
		parts := make([]chan event.Envelope, cfg.Partitions)
		for i := range parts {
			parts[i] = make(chan event.Envelope, cfg.Buffer)
		}
		queues[t] = parts
	}
	return &Bus{
		cfg:      cfg,
		queues:   queues,
		handlers: make(map[event.Topic][]event.Handler),
	}
}

// Subscribe adds a handler for topic. Each handler behaves like its own
// consumer group: it sees every message and retries independently.
func (b *Bus) Subscribe(topic event.Topic, h event.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish enqueues p on the partition selected by key.
func (b *Bus) Publish(ctx context.Context, topic event.Topic, key string, p event.Payload) error {
	return b.Republish(ctx, event.NewEnvelope(topic, key, p, time.Now()))
}

// Republish enqueues an existing envelope, keeping its identity.
func (b *Bus) Republish(ctx context.Context, env event.Envelope) error {
	parts, ok := b.queues[env.Topic]
	if !ok {
		return errors.Errorf("unknown topic %q", env.Topic)
	}
	select {
	case parts[event.Partition(env.Key, len(parts))] <- env:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "publish")
	}
}

// DeadLetters returns envelopes that exhausted their deliveries.
func (b *Bus) DeadLetters() []event.Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]event.Envelope(nil), b.dead...)
}

// Run consumes every partition until ctx is done. Partitions are drained
// concurrently; messages within a partition are handled one at a time.
func (b *Bus) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for topic, parts := range b.queues {
		for _, q := range parts {
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case env := <-q:
						b.dispatch(ctx, topic, env)
					}
				}
			})
		}
	}
	return g.Wait()
}

func (b *Bus) dispatch(ctx context.Context, topic event.Topic, env event.Envelope) {
	b.mu.RLock()
	handlers := b.handlers[topic]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, h, env)
	}
}

func (b *Bus) deliver(ctx context.Context, h event.Handler, env event.Envelope) {
	lg := zctx.From(ctx).With(
		zap.String("topic", env.Topic.String()),
		zap.String("event_id", env.ID),
	)
	for attempt := 1; ; attempt++ {
		err := h(ctx, env)
		if err == nil {
			return
		}
		if attempt >= b.cfg.MaxDeliveries {
			lg.Error("Event dead-lettered", zap.Int("attempts", attempt), zap.Error(err))
			b.mu.Lock()
			b.dead = append(b.dead, env)
			b.mu.Unlock()
			return
		}
		lg.Warn("Event handler failed, redelivering", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.cfg.RetryDelay):
		}
	}
}
