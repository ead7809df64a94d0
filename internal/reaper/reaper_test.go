package reaper

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-order-settlement/internal/events"
	"github.com/ariefcatur/go-order-settlement/internal/metrics"
	"github.com/ariefcatur/go-order-settlement/internal/stock"
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

type sink struct {
	mu     sync.Mutex
	topics []string
	values [][]byte
}

func (s *sink) Publish(topic string, _, value []byte, _ ...kafkago.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	s.values = append(s.values, value)
}

func setup(t *testing.T, initial int, batch int) (*Reaper, *stock.Ledger, *stock.MemoryStore, *clock, *sink) {
	t.Helper()
	store := stock.NewMemoryStore()
	store.SetStock("p1", initial)
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ledger := stock.NewLedger(store, nil, stock.WithClock(c.Now))
	s := &sink{}
	r := New(ledger, Config{Interval: time.Hour, Batch: batch}, nil, metrics.New(prometheus.NewRegistry()), events.NewEmitter(s, "test"))
	return r, ledger, store, c, s
}

func TestSweepReleasesAfterTTL(t *testing.T) {
	r, ledger, store, c, s := setup(t, 5, 10)
	ctx := context.Background()

	out, err := ledger.ReserveStock(ctx, "p1", 3, "attempt-1", 30*time.Second)
	require.NoError(t, err)

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing is expired before the TTL")

	c.Advance(31 * time.Second)
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := ledger.Reservation(ctx, out.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, stock.StatusReleased, got.Status)

	level, _ := store.Stock(ctx, "p1")
	assert.Equal(t, 5, level)

	require.Len(t, s.topics, 1)
	assert.Equal(t, events.TopicReservationExpired, s.topics[0])
	var env events.Envelope
	require.NoError(t, json.Unmarshal(s.values[0], &env))
	assert.Equal(t, "attempt-1", env.CorrelationID)
}

func TestSweepSkipsConfirmed(t *testing.T) {
	r, ledger, store, c, _ := setup(t, 5, 10)
	ctx := context.Background()

	out, _ := ledger.ReserveStock(ctx, "p1", 2, "attempt-1", time.Second)
	_, err := ledger.ConfirmReservation(ctx, out.Reservation.ID)
	require.NoError(t, err)

	c.Advance(time.Minute)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	level, _ := store.Stock(ctx, "p1")
	assert.Equal(t, 3, level)
}

func TestSweepDrainsInBatches(t *testing.T) {
	r, ledger, store, c, _ := setup(t, 25, 4)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := ledger.ReserveStock(ctx, "p1", 1, "bulk", time.Second)
		require.NoError(t, err)
	}
	c.Advance(2 * time.Second)

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	level, _ := store.Stock(ctx, "p1")
	assert.Equal(t, 25, level)
}

func TestRunStopsOnCancel(t *testing.T) {
	r, ledger, store, c, _ := setup(t, 5, 10)
	_, _ = ledger.ReserveStock(context.Background(), "p1", 5, "a", time.Second)
	c.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		assert.NoError(t, r.Run(ctx))
		close(done)
	}()

	require.Eventually(t, func() bool {
		level, _ := store.Stock(context.Background(), "p1")
		return level == 5
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
