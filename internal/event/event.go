// Package event defines the choreography contract between services: topics,
// the envelope every message travels in, typed payloads and the
// publish/consume interfaces implemented by the broker adapters.
//
// Delivery is at-least-once with ordering only among messages that share a
// partition key. Handlers must be idempotent.
package event

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
)

// Topic names a stream of events.
type Topic string

const (
	TopicOrderCreated     Topic = "order.created"
	TopicOrderCancelled   Topic = "order.cancelled"
	TopicPaymentCompleted Topic = "payment.completed"
	TopicPaymentFailed    Topic = "payment.failed"
)

// Topics lists every topic known to the system.
var Topics = []Topic{TopicOrderCreated, TopicOrderCancelled, TopicPaymentCompleted, TopicPaymentFailed}

func (t Topic) String() string { return string(t) }

// Payload is an event body that can write itself as JSON.
type Payload interface {
	Encode(e *jx.Encoder)
}

// Decodable is an event body that can read itself from JSON.
type Decodable interface {
	Decode(d *jx.Decoder) error
}

// Publisher sends events to the broker. A nil error means the broker
// accepted the message; it says nothing about consumption.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, key string, p Payload) error
}

// Handler processes one delivery. Returning an error requests redelivery.
type Handler func(ctx context.Context, env Envelope) error

// Subscriber registers handlers before the consumer is started.
type Subscriber interface {
	Subscribe(topic Topic, h Handler)
}

// Envelope wraps a payload with routing and identity metadata. ID is stable
// across redeliveries and replays and is what consumers deduplicate on.
type Envelope struct {
	ID         string
	Topic      Topic
	Key        string
	OccurredAt time.Time
	Payload    []byte
}

// NewEnvelope encodes p into a fresh envelope.
func NewEnvelope(topic Topic, key string, p Payload, now time.Time) Envelope {
	var e jx.Encoder
	p.Encode(&e)
	return Envelope{
		ID:         uuid.New().String(),
		Topic:      topic,
		Key:        key,
		OccurredAt: now.UTC(),
		Payload:    e.Bytes(),
	}
}

// Encode serializes the envelope, embedding the payload as raw JSON.
func (env Envelope) Encode() []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("id")
	e.Str(env.ID)
	e.FieldStart("topic")
	e.Str(string(env.Topic))
	e.FieldStart("key")
	e.Str(env.Key)
	e.FieldStart("occurredAt")
	encodeTime(&e, env.OccurredAt)
	e.FieldStart("payload")
	if len(env.Payload) == 0 {
		e.Null()
	} else {
		e.Raw(env.Payload)
	}
	e.ObjEnd()
	return e.Bytes()
}

// DecodeEnvelope parses an envelope produced by Encode. Unknown fields are
// skipped so producers can add metadata without breaking consumers.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			env.ID, err = d.Str()
		case "topic":
			var s string
			s, err = d.Str()
			env.Topic = Topic(s)
		case "key":
			env.Key, err = d.Str()
		case "occurredAt":
			env.OccurredAt, err = decodeTime(d)
		case "payload":
			var raw jx.Raw
			raw, err = d.Raw()
			env.Payload = append([]byte(nil), raw...)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if env.ID == "" || env.Topic == "" {
		return Envelope{}, errors.New("decode envelope: missing id or topic")
	}
	return env, nil
}

// Unmarshal decodes the envelope payload into v.
func (env Envelope) Unmarshal(v Decodable) error {
	if err := v.Decode(jx.DecodeBytes(env.Payload)); err != nil {
		return errors.Wrapf(err, "decode %s payload", env.Topic)
	}
	return nil
}
