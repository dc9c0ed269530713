package redisstream

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/cloudforge-commerce/internal/event"
)

var _ event.Publisher = (*Publisher)(nil)

// Publisher appends events to partition streams.
type Publisher struct {
	rdb     goredis.Cmdable
	cfg     Config
	metrics *metrics
	now     func() time.Time
}

// NewPublisher creates a Publisher. mp may be nil.
func NewPublisher(rdb goredis.Cmdable, cfg Config, mp metric.MeterProvider) (*Publisher, error) {
	cfg.setDefaults()
	m, err := newMetrics(mp)
	if err != nil {
		return nil, err
	}
	return &Publisher{rdb: rdb, cfg: cfg, metrics: m, now: time.Now}, nil
}

// Publish wraps p in a new envelope and appends it to the partition stream
// of key. A timeout leaves the outcome unknown: the message may or may not
// have been appended.
func (p *Publisher) Publish(ctx context.Context, topic event.Topic, key string, payload event.Payload) error {
	return p.Republish(ctx, event.NewEnvelope(topic, key, payload, p.now()))
}

// Republish appends an existing envelope, keeping its id.
func (p *Publisher) Republish(ctx context.Context, env event.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	stream := StreamName(env.Topic, event.Partition(env.Key, p.cfg.Partitions))
	err := p.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		MaxLen: p.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{fieldEnvelope: env.Encode()},
	}).Err()
	if err != nil {
		return errors.Wrapf(err, "xadd %s", stream)
	}
	add(ctx, p.metrics.published, env.Topic)
	return nil
}
