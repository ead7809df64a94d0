package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/go-order-settlement/internal/kafka"
)

const (
	EventPurchaseSettled    = "PurchaseSettled"
	EventPurchaseAborted    = "PurchaseAborted"
	EventReservationExpired = "ReservationExpired"
	EventRestockRequired    = "RestockRequired"
	EventCancelRequested    = "CancelRequested"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type PurchaseSettledPayload struct {
	IdempotencyKey string `json:"idempotency_key"`
	OrderID        string `json:"order_id"`
	OrderNumber    string `json:"order_number"`
	PaymentID      string `json:"payment_id"`
	FinalAmount    int64  `json:"final_amount"`
	PaymentStatus  string `json:"payment_status"`
}

type PurchaseAbortedPayload struct {
	IdempotencyKey string `json:"idempotency_key"`
	OrderID        string `json:"order_id,omitempty"`
	PaymentID      string `json:"payment_id,omitempty"`
	Reason         string `json:"reason"`
	StockTouched   bool   `json:"stock_touched"`
	MoneyTouched   bool   `json:"money_touched"`
}

type ReservationExpiredPayload struct {
	ReservationID string    `json:"reservation_id"`
	ProductID     string    `json:"product_id"`
	Quantity      int       `json:"quantity"`
	OrderRef      string    `json:"order_ref"`
	ExpiredAt     time.Time `json:"expired_at"`
}

// RestockRequiredPayload flags confirmed stock that automatic compensation
// cannot return; an operator decides whether to restock.
type RestockRequiredPayload struct {
	OrderID       string `json:"order_id"`
	ReservationID string `json:"reservation_id"`
	ProductID     string `json:"product_id"`
	Quantity      int    `json:"quantity"`
	Reason        string `json:"reason"`
}

type CancelRequestedPayload struct {
	OrderID     string `json:"order_id"`
	RequestedBy string `json:"requested_by,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}

// Emitter wraps payloads in a v1 envelope and hands them to a Publisher.
// A nil *Emitter discards events.
type Emitter struct {
	pub      Publisher
	producer string
	now      func() time.Time
}

func NewEmitter(pub Publisher, producer string) *Emitter {
	return &Emitter{pub: pub, producer: producer, now: time.Now}
}

func (e *Emitter) Emit(topic, eventType, correlationID string, payload any) {
	if e == nil || e.pub == nil {
		return
	}
	env := NewEnvelope(eventType, e.producer, correlationID, payload, e.now())
	e.pub.Publish(topic, PartitionKey(correlationID), kafkax.MustMarshal(env),
		kafkax.EventHeaders(eventType, env.EventVersion)...)
}

func NewEnvelope(eventType, producer, correlationID string, payload any, at time.Time) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    at.UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       kafkax.MustMarshal(payload),
	}
}
