package redisstream

import (
	"context"
	"strconv"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xenking/cloudforge-commerce/internal/event"
)

// DeadLetter is an entry of a dead-letter stream.
type DeadLetter struct {
	ID         string
	Source     string
	Reason     string
	Deliveries int64
	// Envelope is the raw encoded envelope. It may not decode when Reason
	// is a decoding failure.
	Envelope []byte
}

// ScanDeadLetters calls fn for every entry of topic's dead-letter stream,
// oldest first, reading batch entries per round trip.
func ScanDeadLetters(ctx context.Context, rdb goredis.Cmdable, topic event.Topic, batch int64, fn func(DeadLetter) error) error {
	if batch <= 0 {
		batch = 100
	}
	stream := DeadLetterStream(topic)
	start := "-"
	for {
		msgs, err := rdb.XRangeN(ctx, stream, start, "+", batch).Result()
		if err != nil {
			return errors.Wrapf(err, "xrange %s", stream)
		}
		for _, msg := range msgs {
			if err := fn(toDeadLetter(msg)); err != nil {
				return err
			}
		}
		if int64(len(msgs)) < batch {
			return nil
		}
		start = "(" + msgs[len(msgs)-1].ID
	}
}

// DeleteDeadLetters removes entries from topic's dead-letter stream.
func DeleteDeadLetters(ctx context.Context, rdb goredis.Cmdable, topic event.Topic, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := rdb.XDel(ctx, DeadLetterStream(topic), ids...).Err(); err != nil {
		return errors.Wrap(err, "xdel")
	}
	return nil
}

func toDeadLetter(msg goredis.XMessage) DeadLetter {
	str := func(k string) string {
		s, _ := msg.Values[k].(string)
		return s
	}
	deliveries, _ := strconv.ParseInt(str(fieldDeliveries), 10, 64)
	return DeadLetter{
		ID:         msg.ID,
		Source:     str(fieldSource),
		Reason:     str(fieldReason),
		Deliveries: deliveries,
		Envelope:   []byte(str(fieldEnvelope)),
	}
}
