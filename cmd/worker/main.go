package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-order-settlement/internal/app"
	"github.com/ariefcatur/go-order-settlement/internal/config"
	"github.com/ariefcatur/go-order-settlement/internal/events"
	"github.com/ariefcatur/go-order-settlement/internal/httpx"
	kafkax "github.com/ariefcatur/go-order-settlement/internal/kafka"
	"github.com/ariefcatur/go-order-settlement/internal/logger"
	"github.com/ariefcatur/go-order-settlement/internal/settlement"
)

// The worker executes cancellation requests that other services publish.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New(cfg.ServiceName+"-worker", cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	if len(cfg.KafkaBrokers) == 0 {
		log.Fatal("KAFKA_BROKERS is required")
	}
	if cfg.StoreDriver == config.DriverMemory {
		log.Fatal("the worker needs shared stores; STORE_DRIVER=memory is api only")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("build app", zap.Error(err))
	}
	defer a.Close()

	handler := settlement.NewCancelConsumer(a.Orchestrator, a.Dedup, log)
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, events.TopicCancelRequested, cfg.WorkerCount, log)
	srv := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: httpx.NewRouter(log, a.Registry), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("cancel consumer started",
			zap.String("group", cfg.WorkerGroup),
			zap.String("topic", events.TopicCancelRequested),
			zap.Int("workers", cfg.WorkerCount),
		)
		err := cons.Start(gctx, handler.Handle)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		log.Error("worker stopped", zap.Error(err))
	}
}
