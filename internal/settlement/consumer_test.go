package settlement

import (
	"context"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-order-settlement/internal/events"
	kafkax "github.com/ariefcatur/go-order-settlement/internal/kafka"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/redisx"
)

func cancelMessage(orderID string) (kafkago.Message, events.Envelope) {
	env := events.NewEnvelope(events.EventCancelRequested, "storefront", orderID,
		events.CancelRequestedPayload{OrderID: orderID, Reason: "requested by customer"}, testNow)
	return kafkago.Message{Topic: events.TopicCancelRequested, Value: kafkax.MustMarshal(env)}, env
}

var testNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func TestCancelConsumerCancelsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := settled(t, h, "k1")
	dedup := redisx.NewMemoryDedup()
	c := NewCancelConsumer(h.orch, dedup, nil)

	msg, _ := cancelMessage(res.Order.ID)
	require.NoError(t, c.Handle(ctx, msg))
	require.NoError(t, c.Handle(ctx, msg))

	ord, err := h.assembler.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRefunded, ord.Status)

	refunds, err := h.coord.ListRefunds(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Len(t, refunds, 1)
}

func TestCancelConsumerCommitsHopelessRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := NewCancelConsumer(h.orch, redisx.NewMemoryDedup(), nil)

	unknown, _ := cancelMessage("missing")
	assert.NoError(t, c.Handle(ctx, unknown))
	assert.NoError(t, c.Handle(ctx, kafkago.Message{Value: []byte("not json")}))

	other := events.NewEnvelope(events.EventPurchaseSettled, "x", "k1", events.PurchaseSettledPayload{}, testNow)
	assert.NoError(t, c.Handle(ctx, kafkago.Message{Value: kafkax.MustMarshal(other)}))
}

func TestCancelConsumerRedeliversFailedRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := settled(t, h, "k1")
	dedup := redisx.NewMemoryDedup()
	c := NewCancelConsumer(h.orch, dedup, nil)
	h.gateway.failRefunds = true

	msg, env := cancelMessage(res.Order.ID)
	assert.Error(t, c.Handle(ctx, msg))

	first, err := dedup.FirstSeen(ctx, env.EventID)
	require.NoError(t, err)
	assert.True(t, first, "dedup mark is dropped so the redelivery runs")
	require.NoError(t, dedup.Forget(ctx, env.EventID))

	h.gateway.failRefunds = false
	require.NoError(t, c.Handle(ctx, msg))
	ord, err := h.assembler.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRefunded, ord.Status)
}
