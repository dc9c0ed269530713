package redisstream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/cloudforge-commerce/internal/event"
)

const (
	reasonMalformed     = "malformed envelope"
	reasonMaxDeliveries = "max deliveries exceeded"
)

// errPartitionBlocked reports that a message stayed pending and holds back
// the rest of its partition.
var errPartitionBlocked = errors.New("partition blocked by pending message")

var _ event.Subscriber = (*Consumer)(nil)

// Consumer reads subscribed topics through one consumer group.
type Consumer struct {
	rdb     goredis.Cmdable
	group   string
	cfg     Config
	metrics *metrics

	mu       sync.Mutex
	handlers map[event.Topic][]event.Handler
}

// NewConsumer creates a Consumer for group. mp may be nil.
func NewConsumer(rdb goredis.Cmdable, group string, cfg Config, mp metric.MeterProvider) (*Consumer, error) {
	cfg.setDefaults()
	m, err := newMetrics(mp)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		rdb:      rdb,
		group:    group,
		cfg:      cfg,
		metrics:  m,
		handlers: make(map[event.Topic][]event.Handler),
	}, nil
}

// Subscribe adds a handler for topic. Handlers of one topic run in
// registration order and a message is acknowledged only when all of them
// succeed. Subscribe must be called before Run.
func (c *Consumer) Subscribe(topic event.Topic, h event.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = append(c.handlers[topic], h)
}

// Run creates the consumer groups and reads every partition stream of the
// subscribed topics until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	topics := make(map[event.Topic][]event.Handler, len(c.handlers))
	for t, hs := range c.handlers {
		topics[t] = append([]event.Handler(nil), hs...)
	}
	c.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for topic, handlers := range topics {
		for n := range c.cfg.Partitions {
			stream := StreamName(topic, n)
			if err := c.ensureGroup(ctx, stream); err != nil {
				return err
			}
			p := &partition{
				c:           c,
				topic:       topic,
				stream:      stream,
				handlers:    handlers,
				claimCursor: "0-0",
			}
			g.Go(func() error { return p.run(ctx) })
		}
	}
	zctx.From(ctx).Info("Event consumer started",
		zap.String("group", c.group),
		zap.String("consumer", c.cfg.Consumer),
		zap.Int("topics", len(topics)),
	)
	return g.Wait()
}

func (c *Consumer) ensureGroup(ctx context.Context, stream string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "create group %s on %s", c.group, stream)
	}
	return nil
}

// partition is the single reader of one stream.
type partition struct {
	c        *Consumer
	topic    event.Topic
	stream   string
	handlers []event.Handler

	claimCursor string
	lastClaim   time.Time

	// backlog is set while this consumer has pending messages that must be
	// handled before new ones are read.
	backlog  bool
	failedID string
	failures int64
}

func (p *partition) run(ctx context.Context) error {
	lg := zctx.From(ctx).With(zap.String("stream", p.stream))
	ctx = zctx.Base(ctx, lg)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = 30 * time.Second

	for ctx.Err() == nil {
		err := p.poll(ctx)
		if err == nil {
			bo.Reset()
			continue
		}
		if ctx.Err() != nil {
			break
		}
		wait := bo.NextBackOff()
		if errors.Is(err, errPartitionBlocked) {
			// Retry before ClaimIdle so the message is not reclaimed.
			wait = min(wait, p.c.cfg.ClaimIdle/2)
		} else {
			lg.Warn("Stream poll failed", zap.Error(err), zap.Duration("retry_in", wait))
		}
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// poll reclaims idle pending messages when due, then reads this consumer's
// own pending messages if any are left, and new ones otherwise.
func (p *partition) poll(ctx context.Context) error {
	cfg := p.c.cfg
	if time.Since(p.lastClaim) >= cfg.ClaimIdle/2 {
		if err := p.reclaim(ctx); err != nil {
			return errors.Wrap(err, "reclaim")
		}
		p.lastClaim = time.Now()
	}

	start := ">"
	if p.backlog {
		start = "0"
	}
	streams, err := p.c.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    p.c.group,
		Consumer: cfg.Consumer,
		Streams:  []string{p.stream, start},
		Count:    cfg.BatchSize,
		Block:    cfg.Block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "xreadgroup")
	}
	var msgs []goredis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	if p.backlog && len(msgs) == 0 {
		p.backlog = false
		return nil
	}
	return p.process(ctx, msgs, nil)
}

// process handles msgs in stream order and stops at the first one left
// pending, so later messages of the partition cannot overtake it.
func (p *partition) process(ctx context.Context, msgs []goredis.XMessage, deliveries map[string]int64) error {
	for _, msg := range msgs {
		var ok bool
		if n := deliveries[msg.ID]; n > p.c.cfg.MaxDeliveries {
			ok = p.deadLetter(ctx, msg, reasonMaxDeliveries, n)
		} else {
			ok = p.handle(ctx, msg)
		}
		if !ok {
			p.backlog = true
			return errPartitionBlocked
		}
	}
	return nil
}

// reclaim takes over messages left pending for at least ClaimIdle, by this
// or any other consumer of the group, and either retries or dead-letters
// them depending on how often they were delivered.
func (p *partition) reclaim(ctx context.Context) error {
	cfg := p.c.cfg
	msgs, next, err := p.c.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   p.stream,
		Group:    p.c.group,
		Consumer: cfg.Consumer,
		MinIdle:  cfg.ClaimIdle,
		Start:    p.claimCursor,
		Count:    cfg.BatchSize,
	}).Result()
	if err != nil {
		return err
	}
	p.claimCursor = next
	if len(msgs) == 0 {
		return nil
	}

	deliveries, err := p.deliveryCounts(ctx, msgs)
	if err != nil {
		return err
	}
	return p.process(ctx, msgs, deliveries)
}

func (p *partition) deliveryCounts(ctx context.Context, msgs []goredis.XMessage) (map[string]int64, error) {
	pipe := p.c.rdb.Pipeline()
	cmds := make([]*goredis.XPendingExtCmd, len(msgs))
	for i, msg := range msgs {
		cmds[i] = pipe.XPendingExt(ctx, &goredis.XPendingExtArgs{
			Stream: p.stream,
			Group:  p.c.group,
			Start:  msg.ID,
			End:    msg.ID,
			Count:  1,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "xpending")
	}
	out := make(map[string]int64, len(msgs))
	for _, cmd := range cmds {
		for _, pe := range cmd.Val() {
			out[pe.ID] = pe.RetryCount
		}
	}
	return out, nil
}

// handle runs the handlers for msg and reports whether it left the pending
// list, either acknowledged or dead-lettered. A message failing
// MaxDeliveries times in a row is dead-lettered.
func (p *partition) handle(ctx context.Context, msg goredis.XMessage) bool {
	lg := zctx.From(ctx).With(zap.String("message_id", msg.ID))

	raw, _ := msg.Values[fieldEnvelope].(string)
	env, err := event.DecodeEnvelope([]byte(raw))
	if err != nil {
		lg.Error("Malformed envelope", zap.Error(err))
		return p.deadLetter(ctx, msg, reasonMalformed, 1)
	}

	lg = lg.With(zap.String("event_id", env.ID))
	hctx := zctx.Base(ctx, lg)
	for _, h := range p.handlers {
		if err := h(hctx, env); err != nil {
			add(ctx, p.c.metrics.failed, p.topic)
			if p.failedID != msg.ID {
				p.failedID, p.failures = msg.ID, 0
			}
			p.failures++
			if p.failures >= p.c.cfg.MaxDeliveries {
				return p.deadLetter(ctx, msg, reasonMaxDeliveries, p.failures)
			}
			lg.Warn("Event handler failed, blocking partition", zap.Error(err), zap.Int64("failures", p.failures))
			return false
		}
	}
	p.failedID, p.failures = "", 0

	if err := p.c.rdb.XAck(ctx, p.stream, p.c.group, msg.ID).Err(); err != nil {
		// The message is re-read from the pending list and handled again.
		lg.Error("Ack failed", zap.Error(err))
		return false
	}
	add(ctx, p.c.metrics.consumed, p.topic)
	return true
}

// deadLetter copies msg to the topic's dead-letter stream and acknowledges
// it in one transaction.
func (p *partition) deadLetter(ctx context.Context, msg goredis.XMessage, reason string, deliveries int64) bool {
	lg := zctx.From(ctx).With(zap.String("message_id", msg.ID))

	values := map[string]any{
		fieldSource:     p.stream,
		fieldReason:     reason,
		fieldDeliveries: deliveries,
	}
	if raw, ok := msg.Values[fieldEnvelope]; ok {
		values[fieldEnvelope] = raw
	}
	_, err := p.c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: DeadLetterStream(p.topic),
			MaxLen: p.c.cfg.MaxLen,
			Approx: true,
			Values: values,
		})
		pipe.XAck(ctx, p.stream, p.c.group, msg.ID)
		return nil
	})
	if err != nil {
		lg.Error("Dead-letter failed", zap.Error(err))
		return false
	}
	if p.failedID == msg.ID {
		p.failedID, p.failures = "", 0
	}
	add(ctx, p.c.metrics.deadLettered, p.topic)
	lg.Error("Event dead-lettered", zap.String("reason", reason), zap.Int64("deliveries", deliveries))
	return true
}
