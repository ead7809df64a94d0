package stock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupLedger(t *testing.T, stock map[string]int) (*Ledger, *MemoryStore, *clock) {
	t.Helper()
	store := NewMemoryStore()
	for id, n := range stock {
		store.SetStock(id, n)
	}
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewLedger(store, nil, WithClock(c.Now)), store, c
}

func TestCheckStock(t *testing.T) {
	ledger, _, _ := setupLedger(t, map[string]int{"p1": 4})
	ctx := context.Background()

	ok, current, err := ledger.CheckStock(ctx, "p1", 4)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4, current)

	ok, _, err = ledger.CheckStock(ctx, "p1", 5)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ledger.CheckStock(ctx, "missing", 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReserveStockDecrementsAndRecords(t *testing.T) {
	ledger, store, c := setupLedger(t, map[string]int{"p1": 10})
	ctx := context.Background()

	out, err := ledger.ReserveStock(ctx, "p1", 3, "attempt-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, out.Reserved)
	assert.NoError(t, out.Err())
	assert.Equal(t, 7, out.Available)
	assert.Equal(t, StatusReserved, out.Reservation.Status)
	assert.Equal(t, c.Now().Add(30*time.Second), out.Reservation.ExpiresAt)

	n, _ := store.Stock(ctx, "p1")
	assert.Equal(t, 7, n)

	got, err := ledger.Reservation(ctx, out.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, "attempt-1", got.OrderRef)
}

func TestReserveStockInsufficientIsOutcome(t *testing.T) {
	ledger, store, _ := setupLedger(t, map[string]int{"p1": 2})
	ctx := context.Background()

	out, err := ledger.ReserveStock(ctx, "p1", 3, "attempt-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, out.Reserved)
	assert.Equal(t, 2, out.Available)
	assert.ErrorIs(t, out.Err(), apperr.ErrInsufficientStock)

	n, _ := store.Stock(ctx, "p1")
	assert.Equal(t, 2, n)
}

func TestReserveStockValidation(t *testing.T) {
	ledger, _, _ := setupLedger(t, map[string]int{"p1": 2})

	_, err := ledger.ReserveStock(context.Background(), "p1", 0, "a", time.Minute)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = ledger.ReserveStock(context.Background(), "nope", 1, "a", time.Minute)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestTwoConcurrentReservationsOnlyOneWins(t *testing.T) {
	ledger, store, _ := setupLedger(t, map[string]int{"p1": 5})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]ReserveOutcome, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := ledger.ReserveStock(ctx, "p1", 3, "attempt", time.Minute)
			assert.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()

	assert.NotEqual(t, results[0].Reserved, results[1].Reserved)
	n, _ := store.Stock(ctx, "p1")
	assert.Equal(t, 2, n)
}

func TestNoOversellUnderConcurrency(t *testing.T) {
	const initial = 37
	ledger, store, _ := setupLedger(t, map[string]int{"p1": initial})
	ctx := context.Background()

	var reserved int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			qty := i%3 + 1
			out, err := ledger.ReserveStock(ctx, "p1", qty, "attempt", time.Minute)
			if assert.NoError(t, err) && out.Reserved {
				atomic.AddInt64(&reserved, int64(qty))
			}
		}(i)
	}
	wg.Wait()

	n, _ := store.Stock(ctx, "p1")
	assert.LessOrEqual(t, reserved, int64(initial))
	assert.Equal(t, initial-int(reserved), n)
	assert.GreaterOrEqual(t, n, 0)
}

func TestConfirmReservation(t *testing.T) {
	ledger, store, _ := setupLedger(t, map[string]int{"p1": 5})
	ctx := context.Background()

	out, err := ledger.ReserveStock(ctx, "p1", 2, "a", time.Minute)
	require.NoError(t, err)

	r, err := ledger.ConfirmReservation(ctx, out.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, r.Status)

	n, _ := store.Stock(ctx, "p1")
	assert.Equal(t, 3, n, "confirm must not touch stock")

	r, err = ledger.ConfirmReservation(ctx, out.Reservation.ID)
	assert.ErrorIs(t, err, ErrWrongState)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	assert.Equal(t, StatusConfirmed, r.Status)

	_, err = ledger.ConfirmReservation(ctx, "unknown")
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestReleaseReservationIsIdempotent(t *testing.T) {
	ledger, store, _ := setupLedger(t, map[string]int{"p1": 5})
	ctx := context.Background()

	out, err := ledger.ReserveStock(ctx, "p1", 4, "a", time.Minute)
	require.NoError(t, err)

	r, released, err := ledger.ReleaseReservation(ctx, out.Reservation.ID)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, StatusReleased, r.Status)

	r, released, err = ledger.ReleaseReservation(ctx, out.Reservation.ID)
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, StatusReleased, r.Status)

	n, _ := store.Stock(ctx, "p1")
	assert.Equal(t, 5, n, "a second release must not restock twice")
}

func TestReleaseConfirmedIsNoop(t *testing.T) {
	ledger, store, _ := setupLedger(t, map[string]int{"p1": 5})
	ctx := context.Background()

	out, _ := ledger.ReserveStock(ctx, "p1", 4, "a", time.Minute)
	_, err := ledger.ConfirmReservation(ctx, out.Reservation.ID)
	require.NoError(t, err)

	r, released, err := ledger.ReleaseReservation(ctx, out.Reservation.ID)
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, StatusConfirmed, r.Status)

	n, _ := store.Stock(ctx, "p1")
	assert.Equal(t, 1, n)

	_, _, err = ledger.ReleaseReservation(ctx, "unknown")
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestConfirmAndReleaseRaceHasOneWinner(t *testing.T) {
	for i := 0; i < 50; i++ {
		ledger, store, _ := setupLedger(t, map[string]int{"p1": 5})
		ctx := context.Background()
		out, _ := ledger.ReserveStock(ctx, "p1", 5, "a", time.Minute)

		var wg sync.WaitGroup
		var confirmErr error
		var released bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, confirmErr = ledger.ConfirmReservation(ctx, out.Reservation.ID)
		}()
		go func() {
			defer wg.Done()
			_, released, _ = ledger.ReleaseReservation(ctx, out.Reservation.ID)
		}()
		wg.Wait()

		n, _ := store.Stock(ctx, "p1")
		if confirmErr == nil {
			assert.False(t, released)
			assert.Equal(t, 0, n)
		} else {
			assert.ErrorIs(t, confirmErr, ErrWrongState)
			assert.True(t, released)
			assert.Equal(t, 5, n)
		}
	}
}

func TestExpiredReservations(t *testing.T) {
	ledger, _, c := setupLedger(t, map[string]int{"p1": 10})
	ctx := context.Background()

	short, _ := ledger.ReserveStock(ctx, "p1", 1, "a", 10*time.Second)
	long, _ := ledger.ReserveStock(ctx, "p1", 1, "b", time.Hour)
	done, _ := ledger.ReserveStock(ctx, "p1", 1, "c", 5*time.Second)
	_, err := ledger.ConfirmReservation(ctx, done.Reservation.ID)
	require.NoError(t, err)

	c.Advance(11 * time.Second)
	expired, err := ledger.ExpiredReservations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, short.Reservation.ID, expired[0].ID)
	assert.NotEqual(t, long.Reservation.ID, expired[0].ID)
}

func TestReservationsForAndRestock(t *testing.T) {
	ledger, _, _ := setupLedger(t, map[string]int{"p1": 10, "p2": 10})
	ctx := context.Background()

	_, _ = ledger.ReserveStock(ctx, "p1", 1, "attempt-9", time.Minute)
	_, _ = ledger.ReserveStock(ctx, "p2", 2, "attempt-9", time.Minute)
	_, _ = ledger.ReserveStock(ctx, "p2", 2, "other", time.Minute)

	rs, err := ledger.ReservationsFor(ctx, "attempt-9")
	require.NoError(t, err)
	assert.Len(t, rs, 2)

	level, err := ledger.Restock(ctx, "p2", 3)
	require.NoError(t, err)
	assert.Equal(t, 9, level)

	_, err = ledger.Restock(ctx, "p2", 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
