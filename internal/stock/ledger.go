package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/logger"
)

// Ledger owns per-product available quantity and the reservations held
// against it.
type Ledger struct {
	store Store
	now   func() time.Time
	log   *zap.Logger
}

type Option func(*Ledger)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(store Store, log *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now, log: logger.OrNop(log)}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CheckStock is a read-only availability check.
func (l *Ledger) CheckStock(ctx context.Context, productID string, qty int) (bool, int, error) {
	current, err := l.store.Stock(ctx, productID)
	if err != nil {
		return false, 0, err
	}
	return current >= qty, current, nil
}

// ReserveStock holds qty units of productID for orderRef until now+ttl.
func (l *Ledger) ReserveStock(ctx context.Context, productID string, qty int, orderRef string, ttl time.Duration) (ReserveOutcome, error) {
	if qty <= 0 {
		return ReserveOutcome{}, ErrInvalidQuantity
	}
	now := l.now().UTC()
	r := Reservation{
		ID:        uuid.NewString(),
		ProductID: productID,
		Quantity:  qty,
		OrderRef:  orderRef,
		Status:    StatusReserved,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	ok, available, err := l.store.Reserve(ctx, r)
	if err != nil {
		return ReserveOutcome{}, fmt.Errorf("reserve %s: %w", productID, err)
	}
	if !ok {
		l.log.Info("reservation rejected",
			zap.String("product_id", productID),
			zap.Int("required", qty),
			zap.Int("available", available),
			zap.String("order_ref", orderRef),
		)
		return ReserveOutcome{Available: available}, nil
	}
	l.log.Debug("stock reserved",
		zap.String("reservation_id", r.ID),
		zap.String("product_id", productID),
		zap.Int("quantity", qty),
		zap.Int("remaining", available),
	)
	return ReserveOutcome{Reserved: true, Reservation: r, Available: available}, nil
}

// ConfirmReservation consumes a Reserved reservation. Stock is untouched: it
// was decremented when the reservation was made. Any other status yields
// ErrWrongState along with the reservation as it is.
func (l *Ledger) ConfirmReservation(ctx context.Context, id string) (Reservation, error) {
	return l.store.Transition(ctx, id, StatusConfirmed, l.now().UTC())
}

// ReleaseReservation returns a Reserved reservation's quantity to stock.
// Releasing a reservation that is already Confirmed or Released is a no-op
// success; released reports whether this call restored stock.
func (l *Ledger) ReleaseReservation(ctx context.Context, id string) (r Reservation, released bool, err error) {
	r, err = l.store.Transition(ctx, id, StatusReleased, l.now().UTC())
	if errors.Is(err, ErrWrongState) {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	return r, true, nil
}

func (l *Ledger) Reservation(ctx context.Context, id string) (Reservation, error) {
	return l.store.Get(ctx, id)
}

func (l *Ledger) ReservationsFor(ctx context.Context, orderRef string) ([]Reservation, error) {
	return l.store.ListByOrderRef(ctx, orderRef)
}

// ExpiredReservations lists up to limit Reserved rows past their deadline.
func (l *Ledger) ExpiredReservations(ctx context.Context, limit int) ([]Reservation, error) {
	return l.store.ListExpired(ctx, l.now().UTC(), limit)
}

// Restock is the manual operator correction for stock consumed by a
// confirmed reservation that was later cancelled.
func (l *Ledger) Restock(ctx context.Context, productID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, ErrInvalidQuantity
	}
	level, err := l.store.Restock(ctx, productID, qty)
	if err != nil {
		return 0, err
	}
	l.log.Info("manual restock applied",
		zap.String("product_id", productID),
		zap.Int("quantity", qty),
		zap.Int("stock", level),
	)
	return level, nil
}
