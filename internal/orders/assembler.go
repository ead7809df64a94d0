package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
	"github.com/ariefcatur/go-order-settlement/internal/logger"
)

const maxNumberAttempts = 5

// Assembler prices, validates and persists orders and drives their status.
type Assembler struct {
	store   Store
	now     func() time.Time
	numbers func(time.Time) string
	log     *zap.Logger
}

type Option func(*Assembler)

func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithNumberGenerator replaces the order number generator.
func WithNumberGenerator(gen func(time.Time) string) Option {
	return func(a *Assembler) { a.numbers = gen }
}

func NewAssembler(store Store, log *zap.Logger, opts ...Option) *Assembler {
	a := &Assembler{store: store, now: time.Now, numbers: NewOrderNumber, log: logger.OrNop(log)}
	for _, o := range opts {
		o(a)
	}
	return a
}

// NewOrderNumber returns ORD + YYYYMMDDHHMMSS + 8 random upper hex chars.
func NewOrderNumber(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "ORD" + at.UTC().Format("20060102150405") + strings.ToUpper(suffix)
}

// CreateOrder validates and persists a Pending order. existed is true when
// an order with the same ExternalID was already there; that order is
// returned untouched.
func (a *Assembler) CreateOrder(ctx context.Context, in CreateInput) (Order, bool, error) {
	if err := Validate(in); err != nil {
		return Order{}, false, err
	}
	if in.ExternalID != "" {
		o, err := a.store.FindByExternalID(ctx, in.ExternalID)
		if err == nil {
			return o, true, nil
		}
		if !errors.Is(err, ErrOrderNotFound) {
			return Order{}, false, err
		}
	}

	o := build(in, a.now().UTC())
	for attempt := 1; ; attempt++ {
		o.OrderNumber = a.numbers(o.CreatedAt)
		err := a.store.Insert(ctx, o)
		if err == nil {
			break
		}
		if errors.Is(err, ErrDuplicateExternalID) {
			existing, ferr := a.store.FindByExternalID(ctx, in.ExternalID)
			if ferr != nil {
				return Order{}, false, ferr
			}
			return existing, true, nil
		}
		if !errors.Is(err, ErrDuplicateOrderNumber) || attempt == maxNumberAttempts {
			return Order{}, false, fmt.Errorf("insert order: %w", err)
		}
		a.log.Warn("order number collision, regenerating",
			zap.String("order_number", o.OrderNumber),
			zap.Int("attempt", attempt),
		)
	}

	a.log.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("order_number", o.OrderNumber),
		zap.String("user_id", o.UserID),
		zap.Int64("final_amount", o.FinalAmount),
	)
	return o, false, nil
}

// Validate checks an order request without touching the store.
func Validate(in CreateInput) error {
	if in.UserID == "" {
		return apperr.Validation("user_id is required")
	}
	if in.StoreID == "" {
		return apperr.Validation("store_id is required")
	}
	if len(in.Items) == 0 {
		return apperr.Validation("order must contain at least one item")
	}
	var total int64
	for _, it := range in.Items {
		if it.ProductID == "" {
			return apperr.Validation("product_id is required")
		}
		if it.Quantity <= 0 {
			return apperr.Validation(fmt.Sprintf("invalid quantity for product %s", it.ProductID))
		}
		if it.Price < 0 {
			return apperr.Validation(fmt.Sprintf("invalid price for product %s", it.ProductID))
		}
		total += it.Price * int64(it.Quantity)
	}
	if in.ShippingFee < 0 || in.TaxAmount < 0 || in.DiscountAmount < 0 {
		return apperr.Validation("fees, tax and discount must not be negative")
	}
	if total+in.ShippingFee+in.TaxAmount-in.DiscountAmount < 0 {
		return apperr.Validation("discount exceeds order amount")
	}
	s := in.Shipping
	if s.Name == "" || s.Address == "" || s.City == "" || s.Country == "" {
		return apperr.Validation("shipping name, address, city and country are required")
	}
	return nil
}

func build(in CreateInput, now time.Time) Order {
	o := Order{
		ID:             uuid.NewString(),
		ExternalID:     in.ExternalID,
		UserID:         in.UserID,
		StoreID:        in.StoreID,
		Status:         StatusPending,
		ShippingFee:    in.ShippingFee,
		TaxAmount:      in.TaxAmount,
		DiscountAmount: in.DiscountAmount,
		Shipping:       in.Shipping,
		Notes:          in.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, it := range in.Items {
		line := it.Price * int64(it.Quantity)
		o.TotalAmount += line
		o.Items = append(o.Items, OrderItem{
			ID:           uuid.NewString(),
			OrderID:      o.ID,
			ProductID:    it.ProductID,
			ProductName:  it.ProductName,
			ProductImage: it.ProductImage,
			Price:        it.Price,
			Quantity:     it.Quantity,
			TotalPrice:   line,
		})
	}
	o.FinalAmount = o.TotalAmount + o.ShippingFee + o.TaxAmount - o.DiscountAmount
	return o
}

// UpdateStatus applies a forward transition. The write is conditional on the
// status read here, so a concurrent change surfaces as a TransitionError
// instead of being overwritten.
func (a *Assembler) UpdateStatus(ctx context.Context, id string, to Status) (Order, error) {
	if !to.Valid() {
		return Order{}, apperr.Validation(fmt.Sprintf("unknown order status %q", to))
	}
	cur, err := a.store.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if !CanTransition(cur.Status, to) {
		return cur, &TransitionError{OrderID: id, From: cur.Status, To: to}
	}
	o, err := a.store.UpdateStatus(ctx, id, cur.Status, to, a.now().UTC())
	if errors.Is(err, ErrStatusChanged) {
		return o, &TransitionError{OrderID: id, From: o.Status, To: to}
	}
	if err != nil {
		return Order{}, err
	}
	a.log.Info("order status changed",
		zap.String("order_id", id),
		zap.String("from", string(cur.Status)),
		zap.String("to", string(to)),
	)
	return o, nil
}

// AddShipping records tracking details on a paid order and moves a Paid
// order to Shipped.
func (a *Assembler) AddShipping(ctx context.Context, id string, t TrackingInfo) (Order, error) {
	if t.TrackingNumber == "" {
		return Order{}, apperr.Validation("tracking_number is required")
	}
	cur, err := a.store.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if !cur.Status.Fulfilled() {
		return cur, &TransitionError{OrderID: id, From: cur.Status, To: StatusShipped}
	}
	o, err := a.store.SetTracking(ctx, id, t, a.now().UTC())
	if err != nil {
		return Order{}, err
	}
	if o.Status != StatusPaid {
		return o, nil
	}
	shipped, err := a.store.UpdateStatus(ctx, id, StatusPaid, StatusShipped, a.now().UTC())
	if errors.Is(err, ErrStatusChanged) {
		// someone else advanced it first
		return shipped, nil
	}
	if err != nil {
		return Order{}, err
	}
	a.log.Info("order shipped",
		zap.String("order_id", id),
		zap.String("tracking_number", t.TrackingNumber),
	)
	return shipped, nil
}

func (a *Assembler) Get(ctx context.Context, id string) (Order, error) {
	return a.store.Get(ctx, id)
}

func (a *Assembler) FindByExternalID(ctx context.Context, externalID string) (Order, error) {
	return a.store.FindByExternalID(ctx, externalID)
}

// ListUserOrders returns a user's orders newest first.
func (a *Assembler) ListUserOrders(ctx context.Context, f ListFilter) ([]Order, error) {
	if f.UserID == "" {
		return nil, apperr.Validation("user_id is required")
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("unknown order status %q", f.Status))
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	return a.store.ListByUser(ctx, f)
}
