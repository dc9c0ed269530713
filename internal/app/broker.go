package app

import (
	"context"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/cloudforge-commerce/internal/event"
	"github.com/xenking/cloudforge-commerce/internal/event/memory"
	"github.com/xenking/cloudforge-commerce/internal/event/redisstream"
)

// Consumer groups, one per component. Each group sees every event of the
// topics it subscribes to.
const (
	groupOrders        = "order-service"
	groupPayments      = "payment-service"
	groupNotifications = "notification-service"
)

// broker hands out the publisher and per-group subscribers of the
// configured transport, and collects the loops that must run.
type broker struct {
	publisher event.Publisher
	group     func(name string) (event.Subscriber, error)
	runners   []func(context.Context) error
}

func newBroker(cfg BrokerConfig, rdb *goredis.Client, mp metric.MeterProvider) (*broker, error) {
	if cfg.Kind == "memory" {
		bus := memory.New(memory.Config{
			Partitions:    cfg.Partitions,
			MaxDeliveries: int(cfg.MaxDeliveries),
		})
		return &broker{
			publisher: bus,
			group:     func(string) (event.Subscriber, error) { return bus, nil },
			runners:   []func(context.Context) error{bus.Run},
		}, nil
	}

	streamCfg := redisstream.Config{
		Partitions:    cfg.Partitions,
		MaxLen:        cfg.MaxLen,
		ClaimIdle:     cfg.ClaimIdle,
		MaxDeliveries: cfg.MaxDeliveries,
		Consumer:      cfg.Consumer,
	}
	pub, err := redisstream.NewPublisher(rdb, streamCfg, mp)
	if err != nil {
		return nil, errors.Wrap(err, "create publisher")
	}
	b := &broker{publisher: pub}
	b.group = func(name string) (event.Subscriber, error) {
		c, err := redisstream.NewConsumer(rdb, name, streamCfg, mp)
		if err != nil {
			return nil, errors.Wrapf(err, "create consumer %s", name)
		}
		b.runners = append(b.runners, c.Run)
		return c, nil
	}
	return b, nil
}
