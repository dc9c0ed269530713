package redisstream

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/xenking/cloudforge-commerce/internal/event"
)

const instrumentationName = "github.com/xenking/cloudforge-commerce/internal/event/redisstream"

type metrics struct {
	published    metric.Int64Counter
	consumed     metric.Int64Counter
	failed       metric.Int64Counter
	deadLettered metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	var (
		m   metrics
		err error
	)
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.published, "events.published", "Events appended to a stream"},
		{&m.consumed, "events.consumed", "Events handled and acknowledged"},
		{&m.failed, "events.failed", "Handler failures left pending for redelivery"},
		{&m.deadLettered, "events.dead_lettered", "Events moved to the dead-letter stream"},
	} {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, errors.Wrapf(err, "create %s counter", c.name)
		}
	}
	return &m, nil
}

func add(ctx context.Context, c metric.Int64Counter, topic event.Topic) {
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic.String())))
}
