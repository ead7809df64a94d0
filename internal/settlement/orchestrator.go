// Package settlement drives a purchase across the stock ledger, the order
// assembler and the payment coordinator, and compensates whatever was done
// when a step fails.
//
// Each step commits on its own. The attempt record is updated before every
// step so that an interrupted purchase can be compensated later from what
// was persisted, either on retry with the same idempotency key or by the
// recovery sweep.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
	"github.com/ariefcatur/go-order-settlement/internal/catalog"
	"github.com/ariefcatur/go-order-settlement/internal/events"
	"github.com/ariefcatur/go-order-settlement/internal/logger"
	"github.com/ariefcatur/go-order-settlement/internal/metrics"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/payment"
	"github.com/ariefcatur/go-order-settlement/internal/redisx"
	"github.com/ariefcatur/go-order-settlement/internal/stock"
)

// Locker serializes work per key across processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

type Config struct {
	ReservationTTL time.Duration
	// CompensationTimeout bounds compensation, which runs detached from the
	// caller's context.
	CompensationTimeout time.Duration
	Currency            string
}

type Orchestrator struct {
	ledger   *stock.Ledger
	orders   *orders.Assembler
	payments *payment.Coordinator
	catalog  catalog.Lookup
	attempts AttemptStore
	locker   Locker
	cache    Invalidator
	cfg      Config
	now      func() time.Time
	log      *zap.Logger
	metrics  *metrics.Metrics
	emitter  *events.Emitter
}

type Deps struct {
	Ledger   *stock.Ledger
	Orders   *orders.Assembler
	Payments *payment.Coordinator
	Catalog  catalog.Lookup
	Attempts AttemptStore
	Locker   Locker
	Cache    Invalidator
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	Emitter  *events.Emitter
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New wires an orchestrator. Without a Locker, keys are locked in process
// only.
func New(d Deps, cfg Config, opts ...Option) *Orchestrator {
	if d.Locker == nil {
		d.Locker = redisx.NewMemoryGuard(0)
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 15 * time.Minute
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 30 * time.Second
	}
	o := &Orchestrator{
		ledger:   d.Ledger,
		orders:   d.Orders,
		payments: d.Payments,
		catalog:  d.Catalog,
		attempts: d.Attempts,
		locker:   d.Locker,
		cache:    d.Cache,
		cfg:      cfg,
		now:      time.Now,
		log:      logger.OrNop(d.Log),
		metrics:  d.Metrics,
		emitter:  d.Emitter,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type LineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type PurchaseRequest struct {
	IdempotencyKey string                 `json:"idempotency_key"`
	UserID         string                 `json:"user_id"`
	StoreID        string                 `json:"store_id"`
	Items          []LineItem             `json:"items"`
	Shipping       orders.ShippingAddress `json:"shipping_address"`
	ShippingFee    int64                  `json:"shipping_fee"`
	TaxAmount      int64                  `json:"tax_amount"`
	DiscountAmount int64                  `json:"discount_amount"`
	Notes          string                 `json:"notes"`
	PaymentMethod  payment.Method         `json:"payment_method"`
	PaymentToken   string                 `json:"payment_token"`
	Currency       string                 `json:"currency"`
}

type Outcome string

const (
	OutcomeSettled           Outcome = "SETTLED"
	OutcomeAwaitingPayment   Outcome = "AWAITING_PAYMENT"
	OutcomeInsufficientStock Outcome = "INSUFFICIENT_STOCK"
	OutcomeAborted           Outcome = "ABORTED"
)

// PurchaseResult always says whether stock or money was touched so the
// caller can tell if a retry is safe.
type PurchaseResult struct {
	Status       Outcome          `json:"status"`
	Order        *orders.Order    `json:"order,omitempty"`
	Payment      *payment.Payment `json:"payment,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	StockTouched bool             `json:"stock_touched"`
	MoneyTouched bool             `json:"money_touched"`
	Replayed     bool             `json:"replayed"`
	Shortages    []Shortage       `json:"shortages,omitempty"`
	// CompensationPending is set when some compensation step failed and is
	// left for the recovery sweep.
	CompensationPending bool `json:"compensation_pending,omitempty"`
}

// aggregate merges lines for the same product so each product is reserved
// once per attempt.
func aggregate(items []LineItem) ([]LineItem, error) {
	if len(items) == 0 {
		return nil, apperr.Validation("purchase must contain at least one item")
	}
	qty := map[string]int{}
	var order []string
	for _, it := range items {
		if it.ProductID == "" {
			return nil, apperr.Validation("product_id is required")
		}
		if it.Quantity <= 0 {
			return nil, apperr.Validation(fmt.Sprintf("invalid quantity for product %s", it.ProductID))
		}
		if _, ok := qty[it.ProductID]; !ok {
			order = append(order, it.ProductID)
		}
		qty[it.ProductID] += it.Quantity
	}
	// fixed order keeps concurrent attempts from reserving in opposite orders
	sort.Strings(order)
	out := make([]LineItem, 0, len(order))
	for _, id := range order {
		out = append(out, LineItem{ProductID: id, Quantity: qty[id]})
	}
	return out, nil
}

// Purchase runs the saga for one idempotency key. A retry with the same key
// returns the recorded result instead of buying again.
func (o *Orchestrator) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	if req.IdempotencyKey == "" {
		return PurchaseResult{}, apperr.Validation("idempotency_key is required")
	}
	if !req.PaymentMethod.Valid() {
		return PurchaseResult{}, apperr.Validation(fmt.Sprintf("unknown payment method %q", req.PaymentMethod))
	}
	if !req.PaymentMethod.Deferred() && req.PaymentToken == "" {
		return PurchaseResult{}, apperr.Validation("payment_token is required")
	}
	items, err := aggregate(req.Items)
	if err != nil {
		return PurchaseResult{}, err
	}

	release, err := o.lock(ctx, "purchase:"+req.IdempotencyKey)
	if err != nil {
		return PurchaseResult{}, err
	}
	defer release()

	prev, err := o.attempts.Get(ctx, req.IdempotencyKey)
	switch {
	case err == nil:
		if prev.UserID != req.UserID {
			return PurchaseResult{}, apperr.Validation("idempotency_key already used by another user")
		}
		return o.resume(ctx, prev)
	case !errors.Is(err, ErrAttemptNotFound):
		return PurchaseResult{}, err
	}

	in, err := o.price(ctx, req, items)
	if err != nil {
		return PurchaseResult{}, err
	}

	now := o.now().UTC()
	a, created, err := o.attempts.Create(ctx, Attempt{
		Key:       req.IdempotencyKey,
		UserID:    req.UserID,
		Phase:     PhaseReserving,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("create attempt: %w", err)
	}
	if !created {
		return o.resume(ctx, a)
	}
	o.log.Info("purchase started",
		zap.String("idempotency_key", a.Key),
		zap.String("user_id", a.UserID),
		zap.Int("lines", len(items)),
	)
	return o.run(ctx, a, req, in), nil
}

func (o *Orchestrator) lock(ctx context.Context, key string) (func(), error) {
	token, ok, err := o.locker.Acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, apperr.ErrInProgress
	}
	return func() {
		if err := o.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			o.log.Warn("release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// price builds the order request from catalog prices and validates it, so
// nothing is reserved for a request the assembler would reject.
func (o *Orchestrator) price(ctx context.Context, req PurchaseRequest, items []LineItem) (orders.CreateInput, error) {
	in := orders.CreateInput{
		ExternalID:     req.IdempotencyKey,
		UserID:         req.UserID,
		StoreID:        req.StoreID,
		Shipping:       req.Shipping,
		ShippingFee:    req.ShippingFee,
		TaxAmount:      req.TaxAmount,
		DiscountAmount: req.DiscountAmount,
		Notes:          req.Notes,
	}
	for _, it := range items {
		p, err := o.catalog.GetProduct(ctx, it.ProductID)
		if errors.Is(err, catalog.ErrProductNotFound) {
			return in, apperr.Validation(fmt.Sprintf("unknown product %s", it.ProductID))
		}
		if err != nil {
			return in, fmt.Errorf("price %s: %w", it.ProductID, err)
		}
		in.Items = append(in.Items, orders.ItemInput{
			ProductID:    p.ID,
			ProductName:  p.Name,
			ProductImage: p.Image,
			Price:        p.Price,
			Quantity:     it.Quantity,
		})
	}
	return in, orders.Validate(in)
}

func (o *Orchestrator) save(ctx context.Context, a *Attempt, phase Phase) {
	a.Phase = phase
	a.UpdatedAt = o.now().UTC()
	if err := o.attempts.Save(ctx, *a); err != nil {
		// the saga continues; recovery also finds state by order_ref and external_id
		o.log.Error("save attempt",
			zap.String("idempotency_key", a.Key),
			zap.String("phase", string(phase)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) run(ctx context.Context, a Attempt, req PurchaseRequest, in orders.CreateInput) PurchaseResult {
	// Reserving
	for _, it := range in.Items {
		out, err := o.ledger.ReserveStock(ctx, it.ProductID, it.Quantity, a.Key, o.cfg.ReservationTTL)
		if err != nil {
			return o.compensate(ctx, &a, fmt.Sprintf("reserve %s: %v", it.ProductID, err))
		}
		if !out.Reserved {
			a.Shortages = []Shortage{{ProductID: it.ProductID, Required: it.Quantity, Available: out.Available}}
			return o.reject(ctx, &a, fmt.Errorf("reserve %s: %w", it.ProductID, out.Err()))
		}
		a.ReservationIDs = append(a.ReservationIDs, out.Reservation.ID)
		a.StockTouched = true
		o.save(ctx, &a, PhaseReserving)
	}

	// Ordering
	o.save(ctx, &a, PhaseOrdering)
	ord, _, err := o.orders.CreateOrder(ctx, in)
	if err != nil {
		return o.compensate(ctx, &a, fmt.Sprintf("create order: %v", err))
	}
	a.OrderID = ord.ID
	a.PaymentID = payment.NewPaymentID()

	// Charging
	o.save(ctx, &a, PhaseCharging)
	pay, err := o.payments.CreatePayment(ctx, payment.CreateInput{
		PaymentID:   a.PaymentID,
		OrderID:     ord.ID,
		UserID:      ord.UserID,
		Amount:      ord.FinalAmount,
		Currency:    o.currency(req.Currency),
		Method:      req.PaymentMethod,
		Token:       req.PaymentToken,
		Description: ord.OrderNumber,
	})
	if err != nil {
		return o.compensate(ctx, &a, fmt.Sprintf("charge: %v", err))
	}

	switch pay.Status {
	case payment.StatusCompleted:
		a.MoneyTouched = true
		if ord, err = o.orders.UpdateStatus(ctx, ord.ID, orders.StatusPaid); err != nil {
			return o.compensate(ctx, &a, fmt.Sprintf("mark order paid: %v", err))
		}
		if err := o.confirmAll(ctx, a.ReservationIDs); err != nil {
			return o.compensate(ctx, &a, err.Error())
		}
		return o.finish(ctx, &a, PhaseSettled, OutcomeSettled, ord, pay)

	case payment.StatusPending:
		// stock is committed now; a deferred payment can take longer than
		// any reservation TTL
		if err := o.confirmAll(ctx, a.ReservationIDs); err != nil {
			return o.compensate(ctx, &a, err.Error())
		}
		return o.finish(ctx, &a, PhaseAwaitingPayment, OutcomeAwaitingPayment, ord, pay)

	default:
		a.MoneyTouched = pay.Ambiguous
		reason := "payment " + string(pay.Status)
		if err := pay.Failure(); err != nil {
			reason = err.Error()
		}
		return o.compensate(ctx, &a, reason)
	}
}

func (o *Orchestrator) currency(c string) string {
	if c != "" {
		return c
	}
	return o.cfg.Currency
}

// confirmAll consumes every reservation. A reservation that is no longer
// Reserved, typically released by the reaper after its TTL, fails the
// attempt. All of them are checked before any is confirmed so a lapsed one
// does not leave the others consumed; a release racing between the check and
// the confirm still does, and is flagged for restock by compensation.
func (o *Orchestrator) confirmAll(ctx context.Context, ids []string) error {
	for _, id := range ids {
		r, err := o.ledger.Reservation(ctx, id)
		if err != nil {
			return fmt.Errorf("load reservation %s: %w", id, err)
		}
		if r.Status == stock.StatusReleased {
			return fmt.Errorf("reservation %s is %s", id, r.Status)
		}
	}
	for _, id := range ids {
		r, err := o.ledger.ConfirmReservation(ctx, id)
		if errors.Is(err, stock.ErrWrongState) {
			if r.Status == stock.StatusConfirmed {
				continue
			}
			return fmt.Errorf("reservation %s is %s", id, r.Status)
		}
		if err != nil {
			return fmt.Errorf("confirm reservation %s: %w", id, err)
		}
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, a *Attempt, phase Phase, outcome Outcome, ord orders.Order, pay payment.Payment) PurchaseResult {
	o.save(ctx, a, phase)
	o.invalidate(ctx, ord.ID)
	o.metrics.PurchaseFinished(string(outcome))
	o.log.Info("purchase settled",
		zap.String("idempotency_key", a.Key),
		zap.String("order_id", ord.ID),
		zap.String("payment_id", pay.ID),
		zap.String("outcome", string(outcome)),
	)
	o.emitter.Emit(events.TopicPurchaseSettled, events.EventPurchaseSettled, a.Key, events.PurchaseSettledPayload{
		IdempotencyKey: a.Key,
		OrderID:        ord.ID,
		OrderNumber:    ord.OrderNumber,
		PaymentID:      pay.ID,
		FinalAmount:    ord.FinalAmount,
		PaymentStatus:  string(pay.Status),
	})
	return PurchaseResult{
		Status:       outcome,
		Order:        &ord,
		Payment:      &pay,
		StockTouched: a.StockTouched,
		MoneyTouched: a.MoneyTouched,
	}
}

// reject releases what was reserved and reports the shortage. No order
// exists at this point.
func (o *Orchestrator) reject(ctx context.Context, a *Attempt, cause error) PurchaseResult {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CompensationTimeout)
	defer cancel()
	pending := o.releaseStock(cctx, a, "") != nil
	a.Reason = cause.Error()
	phase := PhaseRejected
	if pending {
		phase = PhaseCompensating
	}
	o.save(cctx, a, phase)
	o.metrics.PurchaseFinished(string(OutcomeInsufficientStock))
	o.log.Info("purchase rejected: insufficient stock",
		zap.String("idempotency_key", a.Key),
		zap.Any("shortages", a.Shortages),
	)
	o.emitter.Emit(events.TopicPurchaseAborted, events.EventPurchaseAborted, a.Key, events.PurchaseAbortedPayload{
		IdempotencyKey: a.Key,
		Reason:         "INSUFFICIENT_STOCK",
		StockTouched:   a.StockTouched,
	})
	return PurchaseResult{
		Status:              OutcomeInsufficientStock,
		Reason:              a.Reason,
		StockTouched:        a.StockTouched,
		Shortages:           a.Shortages,
		CompensationPending: pending,
	}
}

// compensate undoes every effect recorded for the attempt: reservations are
// released, a completed charge is refunded and the order is cancelled. Each
// step is idempotent, so compensating twice is harmless.
func (o *Orchestrator) compensate(ctx context.Context, a *Attempt, reason string) PurchaseResult {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CompensationTimeout)
	defer cancel()

	o.log.Warn("compensating purchase",
		zap.String("idempotency_key", a.Key),
		zap.String("order_id", a.OrderID),
		zap.String("payment_id", a.PaymentID),
		zap.String("reason", reason),
	)
	if a.Reason == "" {
		a.Reason = reason
	}
	o.save(cctx, a, PhaseCompensating)

	var failed []error
	ord, err := o.findOrder(cctx, a)
	if err != nil {
		failed = append(failed, err)
	}
	if err := o.unwindPayment(cctx, a, reason); err != nil {
		failed = append(failed, err)
	}
	if err := o.releaseStock(cctx, a, ord.ID); err != nil {
		failed = append(failed, err)
	}
	if ord.ID != "" {
		if _, err := o.orders.UpdateStatus(cctx, ord.ID, orders.StatusCancelled); err != nil && !errors.Is(err, apperr.ErrStateConflict) {
			failed = append(failed, fmt.Errorf("cancel order: %w", err))
		}
		ord, _ = o.orders.Get(cctx, ord.ID)
		o.invalidate(cctx, ord.ID)
	}

	res := PurchaseResult{
		Status:       OutcomeAborted,
		Reason:       a.Reason,
		StockTouched: a.StockTouched,
		MoneyTouched: a.MoneyTouched,
	}
	if ord.ID != "" {
		res.Order = &ord
	}
	if a.PaymentID != "" {
		if p, err := o.payments.GetPayment(cctx, a.PaymentID); err == nil {
			res.Payment = &p
		}
	}
	if len(failed) > 0 {
		res.CompensationPending = true
		o.log.Error("compensation incomplete, left for recovery",
			zap.String("idempotency_key", a.Key),
			zap.Error(errors.Join(failed...)),
		)
		return res
	}

	o.save(cctx, a, PhaseAborted)
	o.metrics.PurchaseFinished(string(OutcomeAborted))
	o.emitter.Emit(events.TopicPurchaseAborted, events.EventPurchaseAborted, a.Key, events.PurchaseAbortedPayload{
		IdempotencyKey: a.Key,
		OrderID:        a.OrderID,
		PaymentID:      a.PaymentID,
		Reason:         a.Reason,
		StockTouched:   a.StockTouched,
		MoneyTouched:   a.MoneyTouched,
	})
	return res
}

// findOrder returns the attempt's order, looking it up by external id when
// the attempt was interrupted before recording it. A zero Order means none
// was created.
func (o *Orchestrator) findOrder(ctx context.Context, a *Attempt) (orders.Order, error) {
	var (
		ord orders.Order
		err error
	)
	if a.OrderID != "" {
		ord, err = o.orders.Get(ctx, a.OrderID)
	} else {
		ord, err = o.orders.FindByExternalID(ctx, a.Key)
	}
	if errors.Is(err, orders.ErrOrderNotFound) {
		return orders.Order{}, nil
	}
	if err != nil {
		return orders.Order{}, fmt.Errorf("load order: %w", err)
	}
	a.OrderID = ord.ID
	return ord, nil
}

func (o *Orchestrator) unwindPayment(ctx context.Context, a *Attempt, reason string) error {
	if a.PaymentID == "" {
		return nil
	}
	p, err := o.payments.GetPayment(ctx, a.PaymentID)
	if errors.Is(err, payment.ErrPaymentNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load payment: %w", err)
	}
	switch p.Status {
	case payment.StatusProcessing:
		a.MoneyTouched = true
		_, err = o.payments.Abandon(ctx, p.ID, reason)
		return err
	case payment.StatusPending:
		_, err = o.payments.CancelPayment(ctx, p.ID)
		if errors.Is(err, payment.ErrNotPending) {
			return o.unwindPayment(ctx, a, reason)
		}
		return err
	case payment.StatusCompleted:
		a.MoneyTouched = true
		if p.Refundable() == 0 {
			// refunds already in flight cover it
			return nil
		}
		r, err := o.payments.RefundPayment(ctx, p.ID, 0, "purchase aborted: "+reason)
		if err != nil {
			return fmt.Errorf("refund: %w", err)
		}
		if r.Status == payment.StatusFailed {
			return fmt.Errorf("refund %s failed: %s", r.ID, r.FailureReason)
		}
		return nil
	case payment.StatusFailed:
		if p.Ambiguous {
			a.MoneyTouched = true
		}
	}
	return nil
}

// releaseStock releases every reservation of the attempt. Reservations that
// were already confirmed cannot be returned automatically and are flagged
// for an operator.
func (o *Orchestrator) releaseStock(ctx context.Context, a *Attempt, orderID string) error {
	ids := map[string]bool{}
	for _, id := range a.ReservationIDs {
		ids[id] = true
	}
	listed, err := o.ledger.ReservationsFor(ctx, a.Key)
	if err != nil {
		return fmt.Errorf("list reservations: %w", err)
	}
	for _, r := range listed {
		if !ids[r.ID] {
			a.ReservationIDs = append(a.ReservationIDs, r.ID)
			a.StockTouched = true
			ids[r.ID] = true
		}
	}

	var failed []error
	for _, id := range a.ReservationIDs {
		r, released, err := o.ledger.ReleaseReservation(ctx, id)
		if err != nil {
			failed = append(failed, fmt.Errorf("release %s: %w", id, err))
			continue
		}
		if released {
			o.metrics.ReservationReleased("compensation")
			continue
		}
		if r.Status == stock.StatusConfirmed {
			o.flagRestock(orderID, r, "purchase aborted after stock was confirmed")
		}
	}
	return errors.Join(failed...)
}

func (o *Orchestrator) flagRestock(orderID string, r stock.Reservation, reason string) {
	o.metrics.RestockFlagged()
	o.log.Warn("confirmed stock needs manual restock",
		zap.String("order_id", orderID),
		zap.String("reservation_id", r.ID),
		zap.String("product_id", r.ProductID),
		zap.Int("quantity", r.Quantity),
		zap.String("reason", reason),
	)
	o.emitter.Emit(events.TopicRestockRequired, events.EventRestockRequired, orderID, events.RestockRequiredPayload{
		OrderID:       orderID,
		ReservationID: r.ID,
		ProductID:     r.ProductID,
		Quantity:      r.Quantity,
		Reason:        reason,
	})
}

// resume answers a repeated idempotency key. Finished attempts are replayed
// from the record; an unfinished one belongs to an interrupted run and is
// compensated.
func (o *Orchestrator) resume(ctx context.Context, a Attempt) (PurchaseResult, error) {
	if !a.Phase.Terminal() {
		o.log.Warn("resuming interrupted purchase",
			zap.String("idempotency_key", a.Key),
			zap.String("phase", string(a.Phase)),
		)
		res := o.compensate(ctx, &a, "purchase interrupted")
		res.Replayed = true
		return res, nil
	}

	res := PurchaseResult{
		Reason:       a.Reason,
		StockTouched: a.StockTouched,
		MoneyTouched: a.MoneyTouched,
		Shortages:    a.Shortages,
		Replayed:     true,
	}
	switch a.Phase {
	case PhaseSettled:
		res.Status = OutcomeSettled
	case PhaseAwaitingPayment:
		res.Status = OutcomeAwaitingPayment
	case PhaseRejected:
		res.Status = OutcomeInsufficientStock
	default:
		res.Status = OutcomeAborted
	}
	if a.OrderID != "" {
		ord, err := o.orders.Get(ctx, a.OrderID)
		if err != nil {
			return PurchaseResult{}, err
		}
		res.Order = &ord
	}
	if a.PaymentID != "" {
		p, err := o.payments.GetPayment(ctx, a.PaymentID)
		if err == nil {
			res.Payment = &p
		} else if !errors.Is(err, payment.ErrPaymentNotFound) {
			return PurchaseResult{}, err
		}
	}
	return res, nil
}

// Recover compensates attempts that stopped making progress more than
// olderThan ago. It returns how many attempts it finished.
func (o *Orchestrator) Recover(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := o.attempts.ListStale(ctx, o.now().UTC().Add(-olderThan), 100)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, a := range stale {
		release, err := o.lock(ctx, "purchase:"+a.Key)
		if errors.Is(err, apperr.ErrInProgress) {
			continue
		}
		if err != nil {
			return done, err
		}
		cur, err := o.attempts.Get(ctx, a.Key)
		if err == nil && !cur.Phase.Terminal() {
			if res := o.compensate(ctx, &cur, "recovered after interruption"); !res.CompensationPending {
				done++
			}
		}
		release()
	}
	if done > 0 {
		o.log.Info("recovered interrupted purchases", zap.Int("count", done))
	}
	return done, nil
}

// GetReservationStatus reports a reservation's current status.
func (o *Orchestrator) GetReservationStatus(ctx context.Context, reservationID string) (stock.Status, error) {
	r, err := o.ledger.Reservation(ctx, reservationID)
	if err != nil {
		return "", err
	}
	return r.Status, nil
}

// ConfirmDeferredPayment completes a deferred payment and marks its order
// Paid. Calling it again after a partial failure finishes the job.
func (o *Orchestrator) ConfirmDeferredPayment(ctx context.Context, paymentID string) (orders.Order, payment.Payment, error) {
	p, err := o.payments.ConfirmPayment(ctx, paymentID)
	if errors.Is(err, payment.ErrNotPending) && p.Status == payment.StatusCompleted {
		err = nil
	}
	if err != nil {
		return orders.Order{}, p, err
	}
	ord, err := o.orders.Get(ctx, p.OrderID)
	if err != nil {
		return orders.Order{}, p, err
	}
	if ord.Status == orders.StatusPending {
		if ord, err = o.orders.UpdateStatus(ctx, ord.ID, orders.StatusPaid); err != nil {
			return ord, p, err
		}
		o.invalidate(ctx, ord.ID)
	}
	o.log.Info("deferred payment confirmed",
		zap.String("payment_id", p.ID),
		zap.String("order_id", ord.ID),
		zap.String("order_status", string(ord.Status)),
	)
	return ord, p, nil
}
