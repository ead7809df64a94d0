package orders

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
)

var testNow = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func address() ShippingAddress {
	return ShippingAddress{Name: "Rina", Phone: "0812", Address: "Jl. Merdeka 1", City: "Bandung", Country: "ID", PostalCode: "40111"}
}

func input(ext string) CreateInput {
	return CreateInput{
		ExternalID:     ext,
		UserID:         "u1",
		StoreID:        "s1",
		Items:          []ItemInput{{ProductID: "p1", ProductName: "Mug", Price: 500, Quantity: 2}},
		Shipping:       address(),
		ShippingFee:    200,
		TaxAmount:      50,
		DiscountAmount: 100,
	}
}

func setup(t *testing.T, opts ...Option) (*Assembler, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewAssembler(store, nil, opts...), store
}

func TestCreateOrderComputesTotals(t *testing.T) {
	a, _ := setup(t)
	o, existed, err := a.CreateOrder(context.Background(), input(""))
	require.NoError(t, err)
	assert.False(t, existed)

	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, int64(1000), o.TotalAmount)
	assert.Equal(t, int64(1150), o.FinalAmount)
	require.Len(t, o.Items, 1)
	assert.Equal(t, int64(1000), o.Items[0].TotalPrice)
	assert.Equal(t, o.ID, o.Items[0].OrderID)
	assert.Regexp(t, regexp.MustCompile(`^ORD20260504103000[0-9A-F]{8}$`), o.OrderNumber)
}

func TestCreateOrderFinalAmountInvariant(t *testing.T) {
	a, _ := setup(t)
	in := input("")
	in.Items = []ItemInput{
		{ProductID: "p1", Price: 333, Quantity: 3},
		{ProductID: "p2", Price: 0, Quantity: 1},
		{ProductID: "p3", Price: 1250, Quantity: 4},
	}
	in.ShippingFee, in.TaxAmount, in.DiscountAmount = 999, 17, 5000
	o, _, err := a.CreateOrder(context.Background(), in)
	require.NoError(t, err)

	var sum int64
	for _, it := range o.Items {
		sum += it.Price * int64(it.Quantity)
	}
	assert.Equal(t, sum, o.TotalAmount)
	assert.Equal(t, sum+999+17-5000, o.FinalAmount)
}

func TestCreateOrderValidation(t *testing.T) {
	cases := map[string]func(*CreateInput){
		"zero quantity":      func(in *CreateInput) { in.Items[0].Quantity = 0 },
		"negative price":     func(in *CreateInput) { in.Items[0].Price = -1 },
		"no items":           func(in *CreateInput) { in.Items = nil },
		"negative fee":       func(in *CreateInput) { in.ShippingFee = -5 },
		"discount too big":   func(in *CreateInput) { in.DiscountAmount = 10_000 },
		"missing city":       func(in *CreateInput) { in.Shipping.City = "" },
		"missing user":       func(in *CreateInput) { in.UserID = "" },
		"missing product id": func(in *CreateInput) { in.Items[0].ProductID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			a, store := setup(t)
			in := input("")
			mutate(&in)
			_, _, err := a.CreateOrder(context.Background(), in)
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Empty(t, store.orders, "nothing persisted")
		})
	}
}

func TestCreateOrderIdempotentByExternalID(t *testing.T) {
	a, store := setup(t)
	ctx := context.Background()
	first, existed, err := a.CreateOrder(ctx, input("attempt-1"))
	require.NoError(t, err)
	require.False(t, existed)

	second, existed, err := a.CreateOrder(ctx, input("attempt-1"))
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.orders, 1)
}

func TestCreateOrderRetriesOrderNumberCollision(t *testing.T) {
	calls := 0
	gen := func(time.Time) string {
		calls++
		if calls <= 2 {
			return "ORD-FIXED"
		}
		return fmt.Sprintf("ORD-%d", calls)
	}
	a, _ := setup(t, WithNumberGenerator(gen))
	ctx := context.Background()

	first, _, err := a.CreateOrder(ctx, input(""))
	require.NoError(t, err)
	assert.Equal(t, "ORD-FIXED", first.OrderNumber)

	second, _, err := a.CreateOrder(ctx, input(""))
	require.NoError(t, err)
	assert.Equal(t, "ORD-3", second.OrderNumber)
}

func TestCreateOrderGivesUpAfterRepeatedCollisions(t *testing.T) {
	a, _ := setup(t, WithNumberGenerator(func(time.Time) string { return "ORD-SAME" }))
	ctx := context.Background()
	_, _, err := a.CreateOrder(ctx, input(""))
	require.NoError(t, err)

	_, _, err = a.CreateOrder(ctx, input(""))
	assert.ErrorIs(t, err, ErrDuplicateOrderNumber)
}

func TestStatusLattice(t *testing.T) {
	allowed := [][2]Status{
		{StatusPending, StatusPaid}, {StatusPending, StatusCancelled},
		{StatusPaid, StatusShipped}, {StatusPaid, StatusCancelled}, {StatusPaid, StatusRefunded},
		{StatusShipped, StatusDelivered}, {StatusDelivered, StatusCompleted},
	}
	for _, p := range allowed {
		assert.True(t, CanTransition(p[0], p[1]), "%s -> %s", p[0], p[1])
	}
	rejected := [][2]Status{
		{StatusPending, StatusShipped}, {StatusShipped, StatusCancelled}, {StatusDelivered, StatusCancelled},
		{StatusCancelled, StatusPaid}, {StatusRefunded, StatusPaid}, {StatusCompleted, StatusCancelled},
		{StatusPaid, StatusPending}, {StatusPaid, StatusPaid},
	}
	for _, p := range rejected {
		assert.False(t, CanTransition(p[0], p[1]), "%s -> %s", p[0], p[1])
	}
}

func TestUpdateStatusForwardOnly(t *testing.T) {
	a, _ := setup(t)
	ctx := context.Background()
	o, _, err := a.CreateOrder(ctx, input(""))
	require.NoError(t, err)

	_, err = a.UpdateStatus(ctx, o.ID, StatusShipped)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusPending, te.From)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)

	for _, to := range []Status{StatusPaid, StatusShipped, StatusDelivered, StatusCompleted} {
		o, err = a.UpdateStatus(ctx, o.ID, to)
		require.NoError(t, err, to)
		assert.Equal(t, to, o.Status)
	}
	require.NotNil(t, o.ShippedAt)
	require.NotNil(t, o.DeliveredAt)

	_, err = a.UpdateStatus(ctx, o.ID, StatusCancelled)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
}

func TestUpdateStatusUnknown(t *testing.T) {
	a, _ := setup(t)
	o, _, _ := a.CreateOrder(context.Background(), input(""))
	_, err := a.UpdateStatus(context.Background(), o.ID, Status("LOST"))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = a.UpdateStatus(context.Background(), "missing", StatusPaid)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAddShippingRequiresPaid(t *testing.T) {
	a, _ := setup(t)
	ctx := context.Background()
	o, _, _ := a.CreateOrder(ctx, input(""))

	_, err := a.AddShipping(ctx, o.ID, TrackingInfo{TrackingNumber: "JNE123"})
	assert.ErrorIs(t, err, apperr.ErrStateConflict)

	_, err = a.UpdateStatus(ctx, o.ID, StatusPaid)
	require.NoError(t, err)

	eta := testNow.Add(72 * time.Hour)
	got, err := a.AddShipping(ctx, o.ID, TrackingInfo{TrackingNumber: "JNE123", ShippingCompany: "JNE", EstimatedDelivery: &eta})
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, got.Status)
	assert.Equal(t, "JNE123", got.Tracking.TrackingNumber)
	require.NotNil(t, got.ShippedAt)
	assert.Equal(t, testNow, *got.ShippedAt)
}

func TestAddShippingLaterKeepsStatus(t *testing.T) {
	a, _ := setup(t)
	ctx := context.Background()
	o, _, _ := a.CreateOrder(ctx, input(""))
	for _, to := range []Status{StatusPaid, StatusShipped, StatusDelivered} {
		_, err := a.UpdateStatus(ctx, o.ID, to)
		require.NoError(t, err)
	}
	got, err := a.AddShipping(ctx, o.ID, TrackingInfo{TrackingNumber: "FIX-2"})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)
	assert.Equal(t, "FIX-2", got.Tracking.TrackingNumber)

	_, err = a.AddShipping(ctx, o.ID, TrackingInfo{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestListUserOrders(t *testing.T) {
	store := NewMemoryStore()
	now := testNow
	a := NewAssembler(store, nil, WithClock(func() time.Time { now = now.Add(time.Minute); return now }))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		o, _, err := a.CreateOrder(ctx, input(""))
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}
	other := input("")
	other.UserID = "u2"
	_, _, _ = a.CreateOrder(ctx, other)
	_, err := a.UpdateStatus(ctx, ids[1], StatusCancelled)
	require.NoError(t, err)

	page1, err := a.ListUserOrders(ctx, ListFilter{UserID: "u1", Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, ids[4], page1[0].ID, "newest first")
	assert.Equal(t, ids[3], page1[1].ID)

	page3, err := a.ListUserOrders(ctx, ListFilter{UserID: "u1", Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, ids[0], page3[0].ID)

	cancelled, err := a.ListUserOrders(ctx, ListFilter{UserID: "u1", Status: StatusCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, ids[1], cancelled[0].ID)

	_, err = a.ListUserOrders(ctx, ListFilter{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
