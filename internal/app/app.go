// Package app wires the settlement components from configuration. Every
// process in cmd/ builds the same graph and then runs the part it owns.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-order-settlement/internal/catalog"
	"github.com/ariefcatur/go-order-settlement/internal/config"
	"github.com/ariefcatur/go-order-settlement/internal/events"
	kafkax "github.com/ariefcatur/go-order-settlement/internal/kafka"
	"github.com/ariefcatur/go-order-settlement/internal/logger"
	"github.com/ariefcatur/go-order-settlement/internal/metrics"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/payment"
	"github.com/ariefcatur/go-order-settlement/internal/postgres"
	"github.com/ariefcatur/go-order-settlement/internal/reaper"
	"github.com/ariefcatur/go-order-settlement/internal/redisx"
	"github.com/ariefcatur/go-order-settlement/internal/settlement"
	"github.com/ariefcatur/go-order-settlement/internal/stock"
)

// Catalog is what the processes need from the product catalog.
type Catalog interface {
	catalog.Lookup
	ListProducts(ctx context.Context) ([]catalog.Product, error)
}

// Cache is the order view cache shared by the API and the orchestrator.
type Cache interface {
	Get(ctx context.Context, orderID string) ([]byte, bool, error)
	Set(ctx context.Context, orderID string, v []byte) error
	Invalidate(ctx context.Context, orderID string) error
}

type App struct {
	Cfg      config.Config
	Log      *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Ledger       *stock.Ledger
	Orders       *orders.Assembler
	Payments     *payment.Coordinator
	Catalog      Catalog
	Orchestrator *settlement.Orchestrator
	Cache        Cache
	Dedup        settlement.Deduper

	// Producer is nil when events are not published.
	Producer *kafkax.Producer
	Emitter  *events.Emitter

	closers []func()
}

// Build connects the stores selected by cfg.StoreDriver. The producer, if
// any, is started on ctx and stops when ctx is done.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	log = logger.OrNop(log)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a := &App{Cfg: cfg, Log: log, Registry: reg, Metrics: metrics.New(reg)}

	var (
		stockStore   stock.Store
		orderStore   orders.Store
		paymentStore payment.Store
		attempts     settlement.AttemptStore
		locker       settlement.Locker
	)
	switch cfg.StoreDriver {
	case config.DriverMemory:
		levels := stock.NewMemoryStore()
		static := catalog.NewStatic()
		for _, p := range demoProducts {
			static.Put(p)
			levels.SetStock(p.ID, p.Stock)
		}
		stockStore, orderStore, paymentStore = levels, orders.NewMemoryStore(), payment.NewMemoryStore()
		attempts = settlement.NewMemoryAttempts()
		a.Catalog = static
		locker = redisx.NewMemoryGuard(redisx.TTLPurchaseLock)
		a.Cache = redisx.NewMemoryCache()
		a.Dedup = redisx.NewMemoryDedup()
		log.Warn("running with in-memory stores, state is lost on exit")

	case config.DriverPostgres:
		inv, err := a.pool(ctx, "inventory", cfg.InventoryDSN, stock.Schema)
		if err != nil {
			a.Close()
			return nil, err
		}
		ord, err := a.pool(ctx, "orders", cfg.OrdersDSN, orders.Schema, settlement.Schema)
		if err != nil {
			a.Close()
			return nil, err
		}
		pay, err := a.pool(ctx, "payments", cfg.PaymentsDSN, payment.Schema)
		if err != nil {
			a.Close()
			return nil, err
		}
		stockStore = &stock.PostgresStore{DB: inv}
		orderStore = &orders.PostgresStore{DB: ord}
		paymentStore = &payment.PostgresStore{DB: pay}
		attempts = &settlement.PostgresAttempts{DB: ord}
		a.Catalog = &catalog.Postgres{DB: inv}

		if redisx.Enabled(cfg.RedisAddr) {
			rdb := redisx.New(cfg.RedisAddr)
			a.closers = append(a.closers, func() { _ = rdb.Close() })
			if err := rdb.Ping(ctx).Err(); err != nil {
				a.Close()
				return nil, fmt.Errorf("redis ping: %w", err)
			}
			locker = redisx.NewGuard(rdb, redisx.TTLPurchaseLock)
			a.Cache = redisx.NewStatusCache(rdb)
			a.Dedup = redisx.NewDedup(rdb, cfg.ServiceName)
			log.Info("redis connected", zap.String("addr", cfg.RedisAddr))
		} else {
			locker = redisx.NewMemoryGuard(redisx.TTLPurchaseLock)
			a.Cache = redisx.NewMemoryCache()
			a.Dedup = redisx.NewMemoryDedup()
			log.Warn("REDIS_ADDR empty, locks and dedup are process-local")
		}

		if len(cfg.KafkaBrokers) > 0 {
			a.Producer = kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
			a.Producer.Start(ctx)
			a.Emitter = events.NewEmitter(a.Producer, cfg.ServiceName)
		}

	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	a.Ledger = stock.NewLedger(stockStore, log)
	a.Orders = orders.NewAssembler(orderStore, log)
	a.Payments = payment.NewCoordinator(paymentStore, payment.NewSandboxGateway(), payment.Config{
		DefaultCurrency: cfg.DefaultCurrency,
		Timeout:         cfg.GatewayTimeout,
		MaxAttempts:     cfg.GatewayMaxAttempts,
		Backoff:         cfg.GatewayBackoff,
	}, log, a.Metrics)
	a.Orchestrator = settlement.New(settlement.Deps{
		Ledger:   a.Ledger,
		Orders:   a.Orders,
		Payments: a.Payments,
		Catalog:  a.Catalog,
		Attempts: attempts,
		Locker:   locker,
		Cache:    a.Cache,
		Log:      log,
		Metrics:  a.Metrics,
		Emitter:  a.Emitter,
	}, settlement.Config{
		ReservationTTL: cfg.ReservationTTL,
		Currency:       cfg.DefaultCurrency,
	})
	return a, nil
}

func (a *App) pool(ctx context.Context, name, dsn string, schemas ...string) (*pgxpool.Pool, error) {
	db, err := postgres.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s db connect: %w", name, err)
	}
	a.closers = append(a.closers, db.Close)
	if err := postgres.Migrate(ctx, db, schemas...); err != nil {
		return nil, fmt.Errorf("%s db migrate: %w", name, err)
	}
	a.Log.Info("database ready", zap.String("store", name))
	return db, nil
}

// Close flushes the producer and closes connections in reverse order.
func (a *App) Close() {
	if a.Producer != nil {
		a.Producer.Close()
		a.Producer.WaitClosed()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

var demoProducts = []catalog.Product{
	{ID: "demo-mug", SKU: "MUG-01", Name: "Ceramic Mug", Price: 4500, Stock: 50},
	{ID: "demo-tee", SKU: "TEE-01", Name: "Cotton Tee", Price: 12000, Stock: 20},
	{ID: "demo-cap", SKU: "CAP-01", Name: "Canvas Cap", Price: 8000, Stock: 5},
}

// RunSweepers releases expired reservations and compensates stale purchase
// attempts until ctx is done.
func (a *App) RunSweepers(ctx context.Context) error {
	r := reaper.New(a.Ledger, reaper.Config{Interval: a.Cfg.ReaperInterval, Batch: a.Cfg.ReaperBatch}, a.Log, a.Metrics, a.Emitter)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(gctx) })
	g.Go(func() error {
		a.Log.Info("attempt recovery started", zap.Duration("older_than", a.Cfg.RecoveryAfter))
		reaper.Loop(gctx, a.Cfg.ReaperInterval, func(ctx context.Context) {
			if _, err := a.Orchestrator.Recover(ctx, a.Cfg.RecoveryAfter); err != nil && ctx.Err() == nil {
				a.Log.Error("attempt recovery failed", zap.Error(err))
			}
		})
		return nil
	})
	return g.Wait()
}
