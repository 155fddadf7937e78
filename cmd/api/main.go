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

	"github.com/ariefcatur/go-order-ledger/internal/config"
	"github.com/ariefcatur/go-order-ledger/internal/httpx"
	kafkax "github.com/ariefcatur/go-order-ledger/internal/kafka"
	"github.com/ariefcatur/go-order-ledger/internal/ledger"
	"github.com/ariefcatur/go-order-ledger/internal/logging"
	"github.com/ariefcatur/go-order-ledger/internal/orders"
	"github.com/ariefcatur/go-order-ledger/internal/outbox"
	"github.com/ariefcatur/go-order-ledger/internal/postgres"
	"github.com/ariefcatur/go-order-ledger/internal/pricing"
	"github.com/ariefcatur/go-order-ledger/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer db.Close()
	store := &postgres.Store{DB: db, LockTimeout: cfg.LockTimeout}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer behind the outbox relay
	prod := kafkax.NewProducer(cfg.KafkaBrokers, logger)
	defer prod.Close()

	calc, err := pricing.New(cfg.TaxRate)
	if err != nil {
		return err
	}
	led, err := ledger.New(ledger.Deps{
		Store:             store,
		Logger:            logger,
		ServiceName:       cfg.ServiceName,
		LowStockThreshold: cfg.LowStockThreshold,
	})
	if err != nil {
		return err
	}
	svc, err := orders.NewService(orders.Deps{
		Store:       store,
		Ledger:      led,
		Pricing:     &calc,
		Logger:      logger,
		ServiceName: cfg.ServiceName,
		Retries:     cfg.CreateRetries,
	})
	if err != nil {
		return err
	}

	relay := &outbox.Relay{
		Source:    store,
		Publisher: prod,
		Batch:     cfg.OutboxBatch,
		Interval:  cfg.OutboxInterval,
		Logger:    logger.Named("outbox"),
	}
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = relay.Run(ctx)
	}()

	router := httpx.NewRouter(logger)
	(&httpx.OrdersHandler{
		Orders:      svc,
		Cache:       redisx.NewSummaryCache(rdb),
		Idempotency: redisx.NewIdempotencyIndex(rdb),
		Logger:      logger,
	}).Register(router)
	(&httpx.ProductsHandler{Ledger: led, Logger: logger}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			cancel()
			<-relayDone
			return err
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	<-relayDone
	return nil
}
