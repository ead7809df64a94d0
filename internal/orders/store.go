package orders

import (
	"context"
	"time"
)

// Store persists orders and their items. Insert writes both in one
// transaction.
type Store interface {
	Insert(ctx context.Context, o Order) error
	Get(ctx context.Context, id string) (Order, error)
	FindByExternalID(ctx context.Context, externalID string) (Order, error)
	ListByUser(ctx context.Context, f ListFilter) ([]Order, error)
	// UpdateStatus moves the order from `from` to `to` only if it is still in
	// `from`, stamping shipped_at or delivered_at when `to` calls for it.
	UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) (Order, error)
	SetTracking(ctx context.Context, id string, t TrackingInfo, at time.Time) (Order, error)
}
