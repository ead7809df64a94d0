package settlement

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-order-settlement/internal/catalog"
	"github.com/ariefcatur/go-order-settlement/internal/events"
	"github.com/ariefcatur/go-order-settlement/internal/metrics"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/payment"
	"github.com/ariefcatur/go-order-settlement/internal/redisx"
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
	events []events.Envelope
}

func (s *sink) Publish(_ string, _, value []byte, _ ...kafkago.Header) {
	var env events.Envelope
	_ = json.Unmarshal(value, &env)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, env)
}

func (s *sink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

// hookGateway runs onCharge before delegating to the sandbox and can fail
// refunds on demand.
type hookGateway struct {
	mu          sync.Mutex
	sandbox     *payment.SandboxGateway
	onCharge    func()
	failRefunds bool
}

func (g *hookGateway) Charge(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	g.mu.Lock()
	hook := g.onCharge
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	return g.sandbox.Charge(ctx, req)
}

func (g *hookGateway) Refund(ctx context.Context, req payment.RefundRequest) (payment.RefundResult, error) {
	g.mu.Lock()
	fail := g.failRefunds
	g.mu.Unlock()
	if fail {
		return payment.RefundResult{FailureReason: "processor rejected refund"}, nil
	}
	return g.sandbox.Refund(ctx, req)
}

type harness struct {
	orch      *Orchestrator
	clock     *clock
	stock     *stock.MemoryStore
	ledger    *stock.Ledger
	orders    *orders.MemoryStore
	assembler *orders.Assembler
	payments  *payment.MemoryStore
	coord     *payment.Coordinator
	gateway   *hookGateway
	attempts  *MemoryAttempts
	guard     *redisx.MemoryGuard
	cache     *redisx.MemoryCache
	sink      *sink
	metrics   *metrics.Metrics
}

const ttl = 15 * time.Minute

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    &clock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)},
		stock:    stock.NewMemoryStore(),
		orders:   orders.NewMemoryStore(),
		payments: payment.NewMemoryStore(),
		gateway:  &hookGateway{sandbox: payment.NewSandboxGateway()},
		attempts: NewMemoryAttempts(),
		guard:    redisx.NewMemoryGuard(time.Minute),
		cache:    redisx.NewMemoryCache(),
		sink:     &sink{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	h.stock.SetStock("p1", 5)
	h.stock.SetStock("p2", 10)
	h.stock.SetStock("p3", 1)
	cat := catalog.NewStatic(
		catalog.Product{ID: "p1", SKU: "MUG", Name: "Mug", Image: "mug.png", Price: 500},
		catalog.Product{ID: "p2", SKU: "PLATE", Name: "Plate", Price: 300},
		catalog.Product{ID: "p3", SKU: "BOWL", Name: "Bowl", Price: 250},
	)

	h.ledger = stock.NewLedger(h.stock, nil, stock.WithClock(h.clock.Now))
	h.assembler = orders.NewAssembler(h.orders, nil, orders.WithClock(h.clock.Now))
	h.coord = payment.NewCoordinator(h.payments, h.gateway, payment.Config{
		DefaultCurrency: "USD",
		Timeout:         50 * time.Millisecond,
		MaxAttempts:     2,
		Backoff:         time.Millisecond,
	}, nil, h.metrics, payment.WithClock(h.clock.Now))
	h.orch = New(Deps{
		Ledger:   h.ledger,
		Orders:   h.assembler,
		Payments: h.coord,
		Catalog:  cat,
		Attempts: h.attempts,
		Locker:   h.guard,
		Cache:    h.cache,
		Metrics:  h.metrics,
		Emitter:  events.NewEmitter(h.sink, "test"),
	}, Config{ReservationTTL: ttl, Currency: "USD"}, WithClock(h.clock.Now))
	return h
}

func request(key string, items ...LineItem) PurchaseRequest {
	if len(items) == 0 {
		items = []LineItem{{ProductID: "p1", Quantity: 2}}
	}
	return PurchaseRequest{
		IdempotencyKey: key,
		UserID:         "u1",
		StoreID:        "s1",
		Items:          items,
		Shipping: orders.ShippingAddress{
			Name: "Rina", Phone: "0812", Address: "Jl. Merdeka 1", City: "Bandung", Country: "ID", PostalCode: "40111",
		},
		ShippingFee:    200,
		TaxAmount:      50,
		DiscountAmount: 100,
		PaymentMethod:  payment.MethodCreditCard,
		PaymentToken:   "tok_visa",
	}
}

func (h *harness) level(t *testing.T, productID string) int {
	t.Helper()
	n, err := h.stock.Stock(context.Background(), productID)
	require.NoError(t, err)
	return n
}

func (h *harness) reservations(t *testing.T, key string) []stock.Reservation {
	t.Helper()
	rs, err := h.ledger.ReservationsFor(context.Background(), key)
	require.NoError(t, err)
	return rs
}
