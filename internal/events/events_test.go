package events

import (
	"encoding/json"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kafkax "github.com/ariefcatur/go-order-settlement/internal/kafka"
)

type message struct {
	topic   string
	key     []byte
	value   []byte
	headers []kafkago.Header
}

type sink struct{ msgs []message }

func (s *sink) Publish(topic string, key, value []byte, headers ...kafkago.Header) {
	s.msgs = append(s.msgs, message{topic, key, value, headers})
}

func TestEmitWrapsPayloadInEnvelope(t *testing.T) {
	s := &sink{}
	e := NewEmitter(s, "settlement-api")

	e.Emit(TopicPurchaseAborted, EventPurchaseAborted, "idem-1", PurchaseAbortedPayload{
		IdempotencyKey: "idem-1",
		Reason:         "payment declined",
		StockTouched:   true,
	})

	require.Len(t, s.msgs, 1)
	m := s.msgs[0]
	assert.Equal(t, TopicPurchaseAborted, m.topic)
	assert.Equal(t, []byte("idem-1"), m.key)
	assert.Equal(t, "x-event-type", m.headers[0].Key)
	assert.Equal(t, EventPurchaseAborted, string(m.headers[0].Value))

	var env Envelope
	require.NoError(t, json.Unmarshal(m.value, &env))
	assert.Equal(t, EventPurchaseAborted, env.EventType)
	assert.Equal(t, 1, env.EventVersion)
	assert.Equal(t, "settlement-api", env.Producer)
	assert.NotEmpty(t, env.EventID)

	p, err := kafkax.UnwrapPayload[PurchaseAbortedPayload](env.Payload)
	require.NoError(t, err)
	assert.True(t, p.StockTouched)
	assert.False(t, p.MoneyTouched)
}

func TestNilEmitterDiscards(t *testing.T) {
	var e *Emitter
	assert.NotPanics(t, func() {
		e.Emit(TopicPurchaseSettled, EventPurchaseSettled, "x", PurchaseSettledPayload{})
	})
}
