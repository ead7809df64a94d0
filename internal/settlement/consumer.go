package settlement

import (
	"context"
	"encoding/json"
	"errors"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
	"github.com/ariefcatur/go-order-settlement/internal/events"
	kafkax "github.com/ariefcatur/go-order-settlement/internal/kafka"
	"github.com/ariefcatur/go-order-settlement/internal/payment"
)

// Deduper remembers which events were already handled.
type Deduper interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// CancelConsumer executes cancellation requests published by other
// services on events.TopicCancelRequested.
type CancelConsumer struct {
	orch  *Orchestrator
	dedup Deduper
	log   *zap.Logger
}

func NewCancelConsumer(orch *Orchestrator, dedup Deduper, log *zap.Logger) *CancelConsumer {
	if log == nil {
		log = orch.log
	}
	return &CancelConsumer{orch: orch, dedup: dedup, log: log}
}

// Handle is a kafka.Handler. A nil return commits the message. Requests that
// can never succeed (unknown order, shipped order, bad payload) are logged
// and committed; anything else is returned so the message is redelivered.
func (c *CancelConsumer) Handle(ctx context.Context, m kafkago.Message) error {
	if t := kafkax.HeaderValue(m, kafkax.HeaderEventType); t != "" && t != events.EventCancelRequested {
		return nil
	}
	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		c.log.Error("drop undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != events.EventCancelRequested {
		return nil
	}

	if c.dedup != nil {
		first, err := c.dedup.FirstSeen(ctx, env.EventID)
		if err != nil {
			return err
		}
		if !first {
			c.log.Debug("duplicate cancel request", zap.String("event_id", env.EventID))
			return nil
		}
	}

	p, err := kafkax.UnwrapPayload[events.CancelRequestedPayload](env.Payload)
	if err != nil || p.OrderID == "" {
		c.log.Error("drop malformed cancel request", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	res, err := c.orch.CancelSettledOrder(ctx, p.OrderID, p.Reason)
	switch {
	case err == nil:
		c.log.Info("cancel request handled",
			zap.String("event_id", env.EventID),
			zap.String("order_id", p.OrderID),
			zap.String("order_status", string(res.OrderStatus)),
			zap.Bool("already_cancelled", res.AlreadyCancelled),
		)
		if res.RefundStatus == payment.StatusFailed {
			return c.retry(ctx, env.EventID, errors.New("refund failed"))
		}
		return nil
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrStateConflict), errors.Is(err, apperr.ErrValidation):
		c.log.Warn("cancel request rejected",
			zap.String("event_id", env.EventID),
			zap.String("order_id", p.OrderID),
			zap.Error(err),
		)
		return nil
	default:
		return c.retry(ctx, env.EventID, err)
	}
}

func (c *CancelConsumer) retry(ctx context.Context, eventID string, cause error) error {
	if c.dedup != nil {
		if err := c.dedup.Forget(context.WithoutCancel(ctx), eventID); err != nil {
			c.log.Warn("forget dedup mark", zap.String("event_id", eventID), zap.Error(err))
		}
	}
	return cause
}
