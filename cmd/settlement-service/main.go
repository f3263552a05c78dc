package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/bookstore-platform/settlement-service/config"
	"github.com/bookstore-platform/settlement-service/internal/settlement/application"
	settleamqp "github.com/bookstore-platform/settlement-service/internal/settlement/infrastructure/amqp"
	"github.com/bookstore-platform/settlement-service/internal/settlement/infrastructure/gateway"
	settlehttp "github.com/bookstore-platform/settlement-service/internal/settlement/infrastructure/http"
	"github.com/bookstore-platform/settlement-service/internal/settlement/infrastructure/memory"
	"github.com/bookstore-platform/settlement-service/internal/settlement/infrastructure/postgres"
	redisstore "github.com/bookstore-platform/settlement-service/internal/settlement/infrastructure/redis"
	"github.com/bookstore-platform/settlement-service/internal/settlement/metrics"
	"github.com/bookstore-platform/settlement-service/pkg/backoff"
	"github.com/bookstore-platform/settlement-service/pkg/logging"
	"github.com/bookstore-platform/settlement-service/pkg/shutdown"
	"github.com/bookstore-platform/settlement-service/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, "settlement-service", cfg.OTLPURL, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	// Status store
	var store application.StatusStore
	switch cfg.StoreDriver {
	case config.StoreRedis:
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		store = redisstore.New(rdb)
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.PGURL)
		if err != nil {
			log.Error("pg connect failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		pg := postgres.NewStore(log, pool)
		if err := pg.Migrate(ctx); err != nil {
			log.Error("pg migrate failed", "err", err)
			os.Exit(1)
		}
		store = pg
	default:
		store = memory.New()
	}
	log.Info("status store ready", "driver", cfg.StoreDriver)

	// Broker
	broker, err := settleamqp.Dial(ctx, log, cfg.AMQPURL, backoff.Exponential{
		Base: cfg.ConnectBackoffBase,
		Max:  cfg.ConnectBackoffMax,
	})
	if err != nil {
		log.Error("broker dial failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = broker.Close() }()

	if err := broker.DeclareTopology(cfg.RetryDelay, cfg.DLQName); err != nil {
		log.Error("topology declare failed", "err", err)
		os.Exit(1)
	}

	// Wiring
	met := &metrics.Counters{}
	group := &shutdown.Group{}
	pub := settleamqp.NewPublisher(log, broker)
	proc := gateway.NewSimulated(log, cfg.SuccessProbability, cfg.ProcessingDelay)
	svc := application.NewService(log, store, proc, pub, met, cfg.LeaseTTL)
	consumer := settleamqp.NewConsumer(log, broker, svc, met, group, cfg.MaxRetries, cfg.Prefetch)
	handler := settlehttp.NewHandler(log, svc, met, group, cfg.SettleTimeout)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Consumer loop
	go func() {
		if err := consumer.Run(ctx); err != nil {
			log.Error("consumer stopped", "err", err)
			cancel()
		}
	}()

	// Topology state is durable; on a dropped connection the process exits
	// and comes back through Dial + DeclareTopology without losing messages.
	go func() {
		if amqpErr := <-broker.NotifyClose(); amqpErr != nil {
			log.Error("broker connection lost", "err", amqpErr)
			cancel()
		}
	}()

	// HTTP query service
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	// Stop taking deliveries first, then drain in-flight settlements, then
	// close the broker and the HTTP listener.
	if !group.Wait(cfg.SettleTimeout) {
		log.Warn("drain timed out, some settlements interrupted")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	log.Info("settlement-service shutdown complete")
}
