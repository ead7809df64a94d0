package settlement

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/payment"
	"github.com/ariefcatur/go-order-settlement/internal/stock"
)

type RestockItem struct {
	ReservationID string `json:"reservation_id"`
	ProductID     string `json:"product_id"`
	Quantity      int    `json:"quantity"`
}

type CancelResult struct {
	OrderID      string         `json:"order_id"`
	OrderStatus  orders.Status  `json:"order_status"`
	RefundID     string         `json:"refund_id,omitempty"`
	RefundStatus payment.Status `json:"refund_status,omitempty"`
	// RestockRequired lists confirmed stock left for an operator to restock.
	RestockRequired []RestockItem `json:"restock_required,omitempty"`
	// AlreadyCancelled is set when the order was cancelled or refunded
	// before this call.
	AlreadyCancelled bool `json:"already_cancelled,omitempty"`
}

// CancelSettledOrder unwinds an order that a purchase left Pending or Paid.
// A Paid order is fully refunded and moves to Refunded; a Pending one is
// cancelled together with its deferred payment. Still-reserved stock is
// released. Confirmed stock is flagged for manual restock. Orders that have
// shipped cannot be cancelled.
func (o *Orchestrator) CancelSettledOrder(ctx context.Context, orderID, reason string) (CancelResult, error) {
	release, err := o.lock(ctx, "order:"+orderID)
	if err != nil {
		return CancelResult{}, err
	}
	defer release()

	ord, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return CancelResult{}, err
	}
	res := CancelResult{OrderID: ord.ID, OrderStatus: ord.Status}
	if reason == "" {
		reason = "order cancelled"
	}

	// a purchase still running for this order owns its payment and stock
	if ord.ExternalID != "" {
		releasePurchase, err := o.lock(ctx, "purchase:"+ord.ExternalID)
		if err != nil {
			return res, err
		}
		defer releasePurchase()

		a, err := o.attempts.Get(ctx, ord.ExternalID)
		switch {
		case err == nil && !a.Phase.Terminal():
			return o.cancelInterrupted(ctx, a, reason)
		case err != nil && !errors.Is(err, ErrAttemptNotFound):
			return res, fmt.Errorf("load attempt: %w", err)
		}
	}

	switch ord.Status {
	case orders.StatusCancelled, orders.StatusRefunded:
		res.AlreadyCancelled = true
		if r, ok := o.latestRefund(ctx, ord.ID); ok {
			res.RefundID, res.RefundStatus = r.ID, r.Status
		}
		return res, nil
	case orders.StatusPending, orders.StatusPaid:
	default:
		return res, &orders.TransitionError{OrderID: ord.ID, From: ord.Status, To: orders.StatusCancelled}
	}

	pays, err := o.payments.ListOrderPayments(ctx, ord.ID)
	if err != nil {
		return res, err
	}
	for _, p := range pays {
		switch p.Status {
		case payment.StatusPending:
			if _, err := o.payments.CancelPayment(ctx, p.ID); err != nil && !errors.Is(err, payment.ErrNotPending) {
				return res, fmt.Errorf("cancel payment %s: %w", p.ID, err)
			}
		case payment.StatusProcessing:
			if _, err := o.payments.Abandon(ctx, p.ID, reason); err != nil {
				return res, err
			}
		case payment.StatusCompleted:
			if p.Refundable() == 0 {
				continue
			}
			r, err := o.payments.RefundPayment(ctx, p.ID, 0, reason)
			if err != nil {
				return res, fmt.Errorf("refund payment %s: %w", p.ID, err)
			}
			res.RefundID, res.RefundStatus = r.ID, r.Status
			if r.Status == payment.StatusFailed {
				// order is left as it is so the cancellation can be retried
				o.log.Warn("cancel refund failed",
					zap.String("order_id", ord.ID),
					zap.String("refund_id", r.ID),
					zap.String("reason", r.FailureReason),
				)
				return res, nil
			}
		}
	}

	to := orders.StatusCancelled
	if ord.Status == orders.StatusPaid {
		to = orders.StatusRefunded
	}
	cctx := context.WithoutCancel(ctx)
	updated, err := o.orders.UpdateStatus(cctx, ord.ID, to)
	if err != nil {
		return res, err
	}
	res.OrderStatus = updated.Status
	o.invalidate(cctx, ord.ID)

	rs, err := o.ledger.ReservationsFor(cctx, ord.ExternalID)
	if err != nil {
		return res, fmt.Errorf("list reservations: %w", err)
	}
	for _, r := range rs {
		got, released, err := o.ledger.ReleaseReservation(cctx, r.ID)
		if err != nil {
			return res, fmt.Errorf("release %s: %w", r.ID, err)
		}
		if released {
			o.metrics.ReservationReleased("cancel")
			continue
		}
		if got.Status == stock.StatusConfirmed {
			o.flagRestock(ord.ID, got, reason)
			res.RestockRequired = append(res.RestockRequired, RestockItem{
				ReservationID: got.ID,
				ProductID:     got.ProductID,
				Quantity:      got.Quantity,
			})
		}
	}

	o.log.Info("order cancelled",
		zap.String("order_id", ord.ID),
		zap.String("order_status", string(res.OrderStatus)),
		zap.String("refund_id", res.RefundID),
		zap.Int("restock_required", len(res.RestockRequired)),
	)
	return res, nil
}

// cancelInterrupted finishes an attempt that stopped mid-saga by
// compensating it, which leaves its order Cancelled.
func (o *Orchestrator) cancelInterrupted(ctx context.Context, a Attempt, reason string) (CancelResult, error) {
	o.log.Warn("cancelling interrupted purchase",
		zap.String("idempotency_key", a.Key),
		zap.String("phase", string(a.Phase)),
	)
	pr := o.compensate(ctx, &a, reason)
	res := CancelResult{OrderID: a.OrderID}
	if pr.Order != nil {
		res.OrderStatus = pr.Order.Status
	}
	if r, ok := o.latestRefund(ctx, a.OrderID); ok {
		res.RefundID, res.RefundStatus = r.ID, r.Status
	}
	if pr.CompensationPending {
		return res, fmt.Errorf("compensate %s: %w", a.Key, apperr.ErrInProgress)
	}
	return res, nil
}

func (o *Orchestrator) latestRefund(ctx context.Context, orderID string) (payment.Refund, bool) {
	pays, err := o.payments.ListOrderPayments(ctx, orderID)
	if err != nil {
		return payment.Refund{}, false
	}
	var last payment.Refund
	for _, p := range pays {
		rs, err := o.payments.ListRefunds(ctx, p.ID)
		if err != nil {
			continue
		}
		for _, r := range rs {
			if last.ID == "" || !r.CreatedAt.Before(last.CreatedAt) {
				last = r
			}
		}
	}
	return last, last.ID != ""
}

// Invalidator drops cached order views after a status change.
type Invalidator interface {
	Invalidate(ctx context.Context, orderID string) error
}

func (o *Orchestrator) invalidate(ctx context.Context, orderID string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.Invalidate(ctx, orderID); err != nil {
		o.log.Warn("invalidate order cache", zap.String("order_id", orderID), zap.Error(err))
	}
}
