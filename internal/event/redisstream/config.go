// Package redisstream carries events over Redis Streams.
//
// Every topic is split into Partitions streams named <topic>.p<n>; a key
// always lands on the same stream, and each stream is consumed by a single
// goroutine per consumer, which keeps per-key order. Each service reads
// through its own consumer group. A message whose handler fails stays
// pending and blocks its partition: the consumer retries it with backoff
// from its pending list before reading anything newer, and after
// MaxDeliveries failures moves it to <topic>.dlq and acknowledges it.
// Messages left pending by a consumer that went away are reclaimed with
// XAUTOCLAIM once idle for ClaimIdle; those may run after newer messages
// the new owner already handled.
package redisstream

import (
	"fmt"
	"os"
	"time"

	"github.com/xenking/cloudforge-commerce/internal/event"
)

const (
	fieldEnvelope   = "envelope"
	fieldSource     = "source"
	fieldReason     = "reason"
	fieldDeliveries = "deliveries"
)

// Config tunes the streams. Publisher and Consumer must agree on
// Partitions.
type Config struct {
	Partitions     int
	MaxLen         int64
	PublishTimeout time.Duration
	Block          time.Duration
	BatchSize      int64
	ClaimIdle      time.Duration
	MaxDeliveries  int64
	// Consumer names this process within its group. Defaults to the
	// hostname and pid.
	Consumer string
}

func (c *Config) setDefaults() {
	if c.Partitions <= 0 {
		c.Partitions = 8
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 100_000
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 30 * time.Second
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "consumer"
		}
		c.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
}

// StreamName is the stream holding partition n of topic.
func StreamName(topic event.Topic, n int) string {
	return fmt.Sprintf("%s.p%d", topic, n)
}

// DeadLetterStream is the stream holding topic's dead letters.
func DeadLetterStream(topic event.Topic) string {
	return string(topic) + ".dlq"
}
