package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-order-settlement/internal/config"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/payment"
	"github.com/ariefcatur/go-order-settlement/internal/settlement"
	"github.com/ariefcatur/go-order-settlement/internal/stock"
)

func TestBuildMemory(t *testing.T) {
	t.Setenv("STORE_DRIVER", config.DriverMemory)
	ctx := context.Background()
	a, err := Build(ctx, config.Load(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Producer)
	ps, err := a.Catalog.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, ps, len(demoProducts))

	res, err := a.Orchestrator.Purchase(ctx, settlement.PurchaseRequest{
		IdempotencyKey: "k1",
		UserID:         "u1",
		StoreID:        "s1",
		Items:          []settlement.LineItem{{ProductID: "demo-cap", Quantity: 2}},
		Shipping:       orders.ShippingAddress{Name: "Rina", Address: "Jl. Merdeka 1", City: "Bandung", Country: "ID"},
		PaymentMethod:  payment.MethodCreditCard,
		PaymentToken:   "tok_visa",
	})
	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomeSettled, res.Status)
	assert.Equal(t, int64(16000), res.Order.FinalAmount)

	mfs, err := a.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestBuildUnknownDriver(t *testing.T) {
	cfg := config.Load()
	cfg.StoreDriver = "mongo"
	_, err := Build(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestRunSweepersReleasesExpiredReservations(t *testing.T) {
	t.Setenv("STORE_DRIVER", config.DriverMemory)
	t.Setenv("REAPER_INTERVAL", "10ms")
	a, err := Build(context.Background(), config.Load(), nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	out, err := a.Ledger.ReserveStock(ctx, "demo-mug", 1, "k1", time.Millisecond)
	require.NoError(t, err)
	require.True(t, out.Reserved)

	done := make(chan error, 1)
	go func() { done <- a.RunSweepers(ctx) }()

	assert.Eventually(t, func() bool {
		r, err := a.Ledger.Reservation(context.Background(), out.Reservation.ID)
		return err == nil && r.Status == stock.StatusReleased
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweepers did not stop")
	}
}
