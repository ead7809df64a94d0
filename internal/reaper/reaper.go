// Package reaper releases reservations whose deadline passed without a
// confirmation.
//
// The reaper and the settlement orchestrator race on the same reservations.
// Both go through the ledger's conditional transition, so exactly one of
// them moves a given reservation out of Reserved and the loser sees it as
// already handled.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/events"
	"github.com/ariefcatur/go-order-settlement/internal/logger"
	"github.com/ariefcatur/go-order-settlement/internal/metrics"
	"github.com/ariefcatur/go-order-settlement/internal/stock"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultBatch    = 100
	// maxBatches bounds one sweep so a large backlog is drained over
	// several ticks rather than in one long pass.
	maxBatches = 10
)

type Config struct {
	Interval time.Duration
	Batch    int
}

type Reaper struct {
	ledger   *stock.Ledger
	interval time.Duration
	batch    int
	log      *zap.Logger
	metrics  *metrics.Metrics
	emitter  *events.Emitter
}

func New(ledger *stock.Ledger, cfg Config, log *zap.Logger, m *metrics.Metrics, e *events.Emitter) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	return &Reaper{
		ledger:   ledger,
		interval: cfg.Interval,
		batch:    cfg.Batch,
		log:      logger.OrNop(log),
		metrics:  m,
		emitter:  e,
	}
}

// Run sweeps immediately and then on every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info("reservation reaper started",
		zap.Duration("interval", r.interval),
		zap.Int("batch", r.batch),
	)
	Loop(ctx, r.interval, func(ctx context.Context) {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("reaper sweep failed", zap.Error(err))
		}
	})
	return nil
}

// Sweep releases expired reservations in bounded batches and returns how
// many this call restored to stock.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { r.metrics.ObserveSweep(time.Since(start)) }()

	released := 0
	for i := 0; i < maxBatches; i++ {
		batch, err := r.ledger.ExpiredReservations(ctx, r.batch)
		if err != nil {
			return released, err
		}
		progressed := false
		for _, res := range batch {
			got, ok, err := r.ledger.ReleaseReservation(ctx, res.ID)
			if err != nil {
				r.log.Error("release expired reservation",
					zap.String("reservation_id", res.ID),
					zap.Error(err),
				)
				continue
			}
			progressed = true
			if !ok {
				// confirmed or released by someone else first
				continue
			}
			released++
			r.metrics.ReservationReleased("reaper")
			r.log.Info("expired reservation released",
				zap.String("reservation_id", got.ID),
				zap.String("product_id", got.ProductID),
				zap.Int("quantity", got.Quantity),
				zap.String("order_ref", got.OrderRef),
			)
			r.emitter.Emit(events.TopicReservationExpired, events.EventReservationExpired, got.OrderRef,
				events.ReservationExpiredPayload{
					ReservationID: got.ID,
					ProductID:     got.ProductID,
					Quantity:      got.Quantity,
					OrderRef:      got.OrderRef,
					ExpiredAt:     got.ExpiresAt,
				})
		}
		if len(batch) < r.batch || !progressed {
			break
		}
	}
	return released, nil
}

// Loop calls fn now and then every interval until ctx is cancelled.
func Loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
