package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
)

// Reservation is a time-bounded hold on product stock. While Reserved its
// quantity has already been subtracted from the product's stock.
type Reservation struct {
	ID        string    `json:"reservation_id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	OrderRef  string    `json:"order_ref"`
	Status    Status    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReserveOutcome reports a reservation attempt. A rejection is a normal
// outcome: Reserved is false and Available holds the stock observed.
type ReserveOutcome struct {
	Reserved    bool
	Reservation Reservation
	Available   int
}

// Err describes a rejection as an error wrapping apperr.ErrInsufficientStock,
// or returns nil when the stock was reserved.
func (o ReserveOutcome) Err() error {
	if o.Reserved {
		return nil
	}
	return fmt.Errorf("%w: %d available", apperr.ErrInsufficientStock, o.Available)
}

var (
	ErrProductNotFound     = fmt.Errorf("product %w", apperr.ErrNotFound)
	ErrReservationNotFound = fmt.Errorf("reservation %w", apperr.ErrNotFound)
	ErrWrongState          = fmt.Errorf("reservation not in %s: %w", StatusReserved, apperr.ErrStateConflict)
	ErrInvalidQuantity     = apperr.Validation("quantity must be greater than 0")
)

// Store persists product stock and reservations. Reserve and Transition must
// each be a single atomic step against the store.
type Store interface {
	// Stock returns the available quantity of a product.
	Stock(ctx context.Context, productID string) (int, error)
	// Reserve decrements stock by r.Quantity only if stock >= r.Quantity and
	// records r in the same step. When stock is short it returns false and the
	// current stock without changing anything.
	Reserve(ctx context.Context, r Reservation) (ok bool, available int, err error)
	// Transition moves a Reserved reservation to `to`, returning stock to the
	// product when `to` is Released. A reservation that is no longer Reserved
	// is returned unchanged together with ErrWrongState.
	Transition(ctx context.Context, id string, to Status, at time.Time) (Reservation, error)
	Get(ctx context.Context, id string) (Reservation, error)
	ListByOrderRef(ctx context.Context, orderRef string) ([]Reservation, error)
	// ListExpired returns at most limit Reserved rows with expires_at < now,
	// oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
	// Restock adds qty to a product's stock and returns the new level.
	Restock(ctx context.Context, productID string, qty int) (int, error)
}
