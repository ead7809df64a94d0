// Package payment records charges and refunds against an external gateway.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
	"github.com/ariefcatur/go-order-settlement/internal/logger"
	"github.com/ariefcatur/go-order-settlement/internal/metrics"
)

type Config struct {
	DefaultCurrency string
	// Timeout bounds a single gateway call.
	Timeout     time.Duration
	MaxAttempts int
	// Backoff is the delay before the first retry; it doubles per retry.
	Backoff time.Duration
}

type Coordinator struct {
	store   Store
	gw      Gateway
	cfg     Config
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(store Store, gw Gateway, cfg Config, log *zap.Logger, m *metrics.Metrics, opts ...Option) *Coordinator {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	c := &Coordinator{store: store, gw: gw, cfg: cfg, now: time.Now, log: logger.OrNop(log), metrics: m}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreatePayment records a payment for an order. Gateway methods are charged
// synchronously and come back Completed or Failed; a decline is a Failed
// payment, not an error. Deferred methods come back Pending.
func (c *Coordinator) CreatePayment(ctx context.Context, in CreateInput) (Payment, error) {
	if in.OrderID == "" || in.UserID == "" {
		return Payment{}, apperr.Validation("order_id and user_id are required")
	}
	if in.Amount < 0 {
		return Payment{}, apperr.Validation("amount must not be negative")
	}
	if !in.Method.Valid() {
		return Payment{}, apperr.Validation(fmt.Sprintf("unknown payment method %q", in.Method))
	}
	if !in.Method.Deferred() && in.Token == "" && in.Amount > 0 {
		return Payment{}, apperr.Validation("payment token is required")
	}
	if in.PaymentID != "" {
		existing, err := c.store.Get(ctx, in.PaymentID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrPaymentNotFound) {
			return Payment{}, err
		}
	} else {
		in.PaymentID = NewPaymentID()
	}
	if in.Currency == "" {
		in.Currency = c.cfg.DefaultCurrency
	}

	now := c.now().UTC()
	p := Payment{
		ID:        in.PaymentID,
		OrderID:   in.OrderID,
		UserID:    in.UserID,
		Amount:    in.Amount,
		Currency:  in.Currency,
		Method:    in.Method,
		Status:    StatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.Method.Deferred() {
		p.Status = StatusPending
	}
	if err := c.store.Insert(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicatePayment) {
			return c.store.Get(ctx, p.ID)
		}
		return Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	if p.Status == StatusPending {
		c.log.Info("deferred payment created",
			zap.String("payment_id", p.ID),
			zap.String("order_id", p.OrderID),
			zap.String("method", string(p.Method)),
		)
		return p, nil
	}
	if p.Amount == 0 {
		return c.settle(ctx, p.ID, Outcome{Status: StatusCompleted})
	}

	var res ChargeResult
	err := c.call(ctx, "charge", func(ctx context.Context) error {
		var err error
		res, err = c.gw.Charge(ctx, ChargeRequest{
			Amount:         p.Amount,
			Currency:       p.Currency,
			Token:          in.Token,
			IdempotencyKey: p.ID,
			Description:    in.Description,
		})
		return err
	})
	// the outcome has to be written even if the caller gave up
	wctx := context.WithoutCancel(ctx)
	switch {
	case err != nil:
		code := FailureUnavailable
		if errors.Is(err, apperr.ErrTimeout) {
			code = FailureTimeout
		} else if !errors.Is(err, apperr.ErrGatewayTransient) {
			code = FailureError
		}
		c.log.Warn("charge outcome unknown, flagged for reconciliation",
			zap.String("payment_id", p.ID),
			zap.String("order_id", p.OrderID),
			zap.String("failure_code", code),
			zap.Error(err),
		)
		return c.settle(wctx, p.ID, Outcome{Status: StatusFailed, FailureCode: code, FailureReason: err.Error(), Ambiguous: true})
	case !res.Approved:
		c.log.Info("charge declined",
			zap.String("payment_id", p.ID),
			zap.String("decline_code", res.DeclineCode),
		)
		return c.settle(wctx, p.ID, Outcome{Status: StatusFailed, FailureCode: res.DeclineCode, FailureReason: res.DeclineReason})
	default:
		return c.approved(wctx, p.ID, Outcome{
			Status:           StatusCompleted,
			GatewayPaymentID: res.GatewayID,
			CardBrand:        res.CardBrand,
			CardLastFour:     res.Last4,
		})
	}
}

// approved records a definite approval. A payment abandoned as ambiguous
// while the charge was in flight is resolved to Completed, so the gateway
// reference needed to refund it is never lost.
func (c *Coordinator) approved(ctx context.Context, id string, o Outcome) (Payment, error) {
	p, err := c.settle(ctx, id, o)
	if !errors.Is(err, ErrStatusChanged) || p.Status != StatusFailed || !p.Ambiguous {
		return p, err
	}
	p, err = c.store.Settle(ctx, id, StatusFailed, o, c.now().UTC())
	if err != nil {
		return p, fmt.Errorf("resolve abandoned payment %s: %w", id, err)
	}
	c.log.Warn("abandoned payment was approved by the gateway",
		zap.String("payment_id", p.ID),
		zap.String("order_id", p.OrderID),
		zap.String("gateway_payment_id", p.GatewayPaymentID),
	)
	return p, nil
}

func (c *Coordinator) settle(ctx context.Context, id string, o Outcome) (Payment, error) {
	p, err := c.store.Settle(ctx, id, StatusProcessing, o, c.now().UTC())
	if err != nil {
		return p, fmt.Errorf("settle payment %s: %w", id, err)
	}
	c.log.Info("payment settled",
		zap.String("payment_id", p.ID),
		zap.String("status", string(p.Status)),
		zap.Bool("ambiguous", p.Ambiguous),
	)
	return p, nil
}

// call runs fn with a per-attempt timeout, retrying transient gateway errors
// with doubling backoff. A timeout is not retried and comes back wrapping
// apperr.ErrTimeout.
func (c *Coordinator) call(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := c.cfg.Backoff
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		err := fn(callCtx)
		expired := callCtx.Err() != nil
		cancel()

		switch {
		case err == nil:
			c.metrics.GatewayCall(op, "ok")
			return nil
		case expired || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			c.metrics.GatewayCall(op, "timeout")
			return fmt.Errorf("%s: %w: %v", op, apperr.ErrTimeout, err)
		case !errors.Is(err, apperr.ErrGatewayTransient):
			c.metrics.GatewayCall(op, "error")
			return fmt.Errorf("%s: %w", op, err)
		case attempt >= c.cfg.MaxAttempts:
			c.metrics.GatewayCall(op, "exhausted")
			return fmt.Errorf("%s after %d attempts: %w", op, attempt, err)
		}

		c.metrics.GatewayCall(op, "retry")
		c.log.Warn("gateway call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.metrics.GatewayCall(op, "timeout")
			return fmt.Errorf("%s: %w: %v", op, apperr.ErrTimeout, ctx.Err())
		case <-t.C:
		}
		delay *= 2
	}
}

// ConfirmPayment completes a deferred payment once it was paid out of band.
func (c *Coordinator) ConfirmPayment(ctx context.Context, id string) (Payment, error) {
	return c.finishPending(ctx, id, StatusCompleted)
}

// CancelPayment cancels a deferred payment that was never paid.
func (c *Coordinator) CancelPayment(ctx context.Context, id string) (Payment, error) {
	return c.finishPending(ctx, id, StatusCancelled)
}

func (c *Coordinator) finishPending(ctx context.Context, id string, to Status) (Payment, error) {
	p, err := c.store.Settle(ctx, id, StatusPending, Outcome{Status: to}, c.now().UTC())
	if errors.Is(err, ErrStatusChanged) {
		return p, ErrNotPending
	}
	if err != nil {
		return Payment{}, err
	}
	c.log.Info("deferred payment finished",
		zap.String("payment_id", id),
		zap.String("status", string(to)),
	)
	return p, nil
}

// Abandon fails a payment left Processing by a crashed attempt. The charge
// may have reached the gateway, so it is flagged ambiguous. Payments already
// past Processing are returned as they are.
func (c *Coordinator) Abandon(ctx context.Context, id, reason string) (Payment, error) {
	p, err := c.store.Settle(ctx, id, StatusProcessing, Outcome{
		Status:        StatusFailed,
		FailureCode:   FailureTimeout,
		FailureReason: reason,
		Ambiguous:     true,
	}, c.now().UTC())
	if errors.Is(err, ErrStatusChanged) {
		return p, nil
	}
	if err != nil {
		return Payment{}, err
	}
	c.log.Warn("processing payment abandoned, flagged for reconciliation",
		zap.String("payment_id", id),
		zap.String("reason", reason),
	)
	return p, nil
}

// RefundPayment refunds amount from a Completed payment; zero means the whole
// refundable balance. The amount is held against the balance before the
// gateway is called, so concurrent refunds cannot exceed the payment.
//
// Gateway failure leaves a Failed refund and releases the hold. A timeout
// leaves the refund Processing with the hold kept until reconciled. Payments
// with no gateway reference get a Pending refund for manual processing.
func (c *Coordinator) RefundPayment(ctx context.Context, paymentID string, amount int64, reason string) (Refund, error) {
	if amount < 0 {
		return Refund{}, apperr.Validation("refund amount must not be negative")
	}
	p, err := c.store.Get(ctx, paymentID)
	if err != nil {
		return Refund{}, err
	}
	if p.Status != StatusCompleted {
		return Refund{}, ErrNotRefundable
	}
	if amount == 0 {
		amount = p.Refundable()
	}
	if amount <= 0 || amount > p.Refundable() {
		return Refund{}, ErrRefundTooLarge
	}

	now := c.now().UTC()
	r := Refund{
		ID:        NewRefundID(),
		PaymentID: p.ID,
		Amount:    amount,
		Reason:    reason,
		Status:    StatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.GatewayPaymentID == "" {
		r.Status = StatusPending
	}
	if _, err := c.store.HoldRefund(ctx, r, now); err != nil {
		return Refund{}, err
	}
	if r.Status == StatusPending {
		c.metrics.RefundFinished(string(StatusPending))
		c.log.Info("refund recorded for manual processing",
			zap.String("refund_id", r.ID),
			zap.String("payment_id", p.ID),
			zap.Int64("amount", amount),
		)
		return r, nil
	}

	var res RefundResult
	err = c.call(ctx, "refund", func(ctx context.Context) error {
		var err error
		res, err = c.gw.Refund(ctx, RefundRequest{GatewayPaymentID: p.GatewayPaymentID, Amount: amount, IdempotencyKey: r.ID})
		return err
	})
	wctx := context.WithoutCancel(ctx)
	if errors.Is(err, apperr.ErrTimeout) {
		c.metrics.RefundFinished(string(StatusProcessing))
		c.log.Warn("refund outcome unknown, hold kept for reconciliation",
			zap.String("refund_id", r.ID),
			zap.String("payment_id", p.ID),
			zap.Error(err),
		)
		return r, nil
	}
	if err != nil || !res.Success {
		why := res.FailureReason
		if err != nil {
			why = err.Error()
		}
		failed, _, ferr := c.store.FinishRefund(wctx, r.ID, StatusFailed, "", why, c.now().UTC())
		if ferr != nil {
			return r, fmt.Errorf("record failed refund %s: %w", r.ID, ferr)
		}
		c.metrics.RefundFinished(string(StatusFailed))
		c.log.Warn("refund failed",
			zap.String("refund_id", r.ID),
			zap.String("payment_id", p.ID),
			zap.String("reason", why),
		)
		return failed, nil
	}
	return c.completeRefund(wctx, r.ID, res.RefundGatewayID)
}

func (c *Coordinator) completeRefund(ctx context.Context, refundID, gatewayRefundID string) (Refund, error) {
	done, p, err := c.store.FinishRefund(ctx, refundID, StatusCompleted, gatewayRefundID, "", c.now().UTC())
	if err != nil {
		return done, fmt.Errorf("record refund %s: %w", refundID, err)
	}
	c.metrics.RefundFinished(string(StatusCompleted))
	c.log.Info("refund completed",
		zap.String("refund_id", done.ID),
		zap.String("payment_id", p.ID),
		zap.Int64("amount", done.Amount),
		zap.String("payment_status", string(p.Status)),
	)
	return done, nil
}

// CompleteManualRefund marks a Pending refund as paid out by an operator.
func (c *Coordinator) CompleteManualRefund(ctx context.Context, refundID string) (Refund, error) {
	r, err := c.store.GetRefund(ctx, refundID)
	if err != nil {
		return Refund{}, err
	}
	if r.Status != StatusPending {
		return r, fmt.Errorf("refund is %s: %w", r.Status, apperr.ErrStateConflict)
	}
	return c.completeRefund(ctx, refundID, "")
}

func (c *Coordinator) GetPayment(ctx context.Context, id string) (Payment, error) {
	return c.store.Get(ctx, id)
}

func (c *Coordinator) ListOrderPayments(ctx context.Context, orderID string) ([]Payment, error) {
	return c.store.ListByOrder(ctx, orderID)
}

func (c *Coordinator) GetRefund(ctx context.Context, id string) (Refund, error) {
	return c.store.GetRefund(ctx, id)
}

func (c *Coordinator) ListRefunds(ctx context.Context, paymentID string) ([]Refund, error) {
	return c.store.ListRefunds(ctx, paymentID)
}
