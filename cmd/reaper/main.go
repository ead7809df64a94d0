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
	"github.com/ariefcatur/go-order-settlement/internal/httpx"
	"github.com/ariefcatur/go-order-settlement/internal/logger"
)

// The reaper process releases expired reservations and compensates purchase
// attempts that were interrupted mid-saga.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New(cfg.ServiceName+"-reaper", cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	if cfg.StoreDriver == config.DriverMemory {
		log.Fatal("the reaper needs shared stores; with STORE_DRIVER=memory the api sweeps its own")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("build app", zap.Error(err))
	}
	defer a.Close()

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: httpx.NewRouter(log, a.Registry), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.RunSweepers(gctx) })
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
		log.Error("reaper stopped", zap.Error(err))
	}
}
