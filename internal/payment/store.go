package payment

import (
	"context"
	"time"
)

type Store interface {
	Insert(ctx context.Context, p Payment) error
	Get(ctx context.Context, id string) (Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]Payment, error)
	// Settle writes o only if the payment is still in `from`. Otherwise the
	// current payment is returned with ErrStatusChanged.
	Settle(ctx context.Context, id string, from Status, o Outcome, at time.Time) (Payment, error)

	// HoldRefund adds r.Amount to the payment's refunded amount, provided the
	// payment is Completed and the total stays within its amount, and records
	// r in the same step. It returns ErrNotRefundable or ErrRefundTooLarge
	// without writing anything when those conditions fail.
	HoldRefund(ctx context.Context, r Refund, at time.Time) (Payment, error)
	// FinishRefund moves an in-flight refund to Completed or Failed. A failed
	// refund gives its hold back; a completed one marks the payment Refunded
	// once completed refunds cover the full amount.
	FinishRefund(ctx context.Context, refundID string, to Status, gatewayRefundID, failureReason string, at time.Time) (Refund, Payment, error)
	GetRefund(ctx context.Context, id string) (Refund, error)
	ListRefunds(ctx context.Context, paymentID string) ([]Refund, error)
}
