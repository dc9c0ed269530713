package event

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_OrderCreated(t *testing.T) {
	created := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	p := &OrderCreated{
		OrderID:     "o-1",
		UserID:      "u-1",
		TotalAmount: decimal.RequireFromString("100.00"),
		Items: []OrderLine{{
			ProductID:   "p-1",
			ProductName: "Lamp",
			Quantity:    2,
			UnitPrice:   decimal.RequireFromString("50.00"),
			LineTotal:   decimal.RequireFromString("100.00"),
		}},
		CreatedAt: created,
	}

	env := NewEnvelope(TopicOrderCreated, p.OrderID, p, created)
	decoded, err := DecodeEnvelope(env.Encode())
	require.NoError(t, err)

	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, TopicOrderCreated, decoded.Topic)
	assert.Equal(t, "o-1", decoded.Key)
	assert.True(t, created.Equal(decoded.OccurredAt))

	var got OrderCreated
	require.NoError(t, decoded.Unmarshal(&got))
	assert.Equal(t, "u-1", got.UserID)
	assert.True(t, p.TotalAmount.Equal(got.TotalAmount))
	require.Len(t, got.Items, 1)
	assert.Equal(t, 2, got.Items[0].Quantity)
	assert.True(t, created.Equal(got.CreatedAt))
}

func TestDecodeEnvelope_ToleratesUnknownFields(t *testing.T) {
	raw := []byte(`{"id":"e1","topic":"payment.failed","key":"o1","traceId":"abc",` +
		`"occurredAt":null,"payload":{"orderId":"o1","amount":12.5,"failureReason":"card declined","extra":[1,2]}}`)

	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.True(t, env.OccurredAt.IsZero())

	var p PaymentFailed
	require.NoError(t, env.Unmarshal(&p))
	assert.Equal(t, "o1", p.OrderID)
	assert.Equal(t, "card declined", p.Reason)
	assert.True(t, decimal.RequireFromString("12.5").Equal(p.Amount))
}

func TestDecodeEnvelope_Invalid(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"topic":"order.created"}`))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`not json`))
	assert.Error(t, err)
}

func TestPartition_StableAndBounded(t *testing.T) {
	for _, key := range []string{"a", "order-123", "0f8e2c1a-5b7d-4a4e-9c55-2d1b6a2f4e10"} {
		p := Partition(key, 8)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 8)
		assert.Equal(t, p, Partition(key, 8))
	}
	assert.Equal(t, 0, Partition("anything", 1))
}
