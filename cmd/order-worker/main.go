package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/cache"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/config"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/consumer"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/db"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/logging"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/messaging"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/publisher"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/service"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/tracing"
)

func main() {
	cfg := config.Load("order-worker")
	logger := logging.New(cfg.ServiceName, cfg.LogLevel)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("❌ Order worker stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	// Connect to PostgreSQL
	database, err := db.NewPostgresDB(ctx, cfg.DatabaseURL, db.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}, cfg.DBConnectTimeout, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	if cfg.AutoMigrate {
		if err := database.Migrate(ctx); err != nil {
			return err
		}
	}

	// Connect to RabbitMQ
	rabbitMQ, err := messaging.NewRabbitMQ(cfg.RabbitMQURL, cfg.RabbitMQDialTimeout, logger)
	if err != nil {
		return err
	}
	defer rabbitMQ.Close()

	if err := rabbitMQ.DeclareQueues(models.Queues...); err != nil {
		return err
	}

	store := db.NewStore(database)
	opts := []consumer.Option{consumer.WithHandlerTimeout(cfg.HandlerTimeout)}

	// Connect to Redis. The worker stays correct without it, only slower on
	// redeliveries.
	redisClient, err := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	if err != nil {
		logger.Warn("⚠️ Redis unavailable, running without processed-message ledger", zap.Error(err))
	} else {
		defer redisClient.Close()
		opts = append(opts, consumer.WithLedger(cache.NewProcessedLedger(redisClient, cfg.ProcessedTTL, logger)))
	}

	worker := consumer.NewOrderWorker(
		store,
		publisher.NewEventPublisher(rabbitMQ),
		service.NewOrderService(store, logger),
		logger,
		opts...,
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, queue := range []string{models.OrderCreatedQueue, models.OrderStatusChangedQueue} {
		deliveries, err := rabbitMQ.Consume(queue, cfg.ServiceID+"-"+queue, cfg.Prefetch)
		if err != nil {
			return err
		}
		queue := queue
		g.Go(func() error { return worker.Run(gctx, queue, deliveries) })
	}

	closed := rabbitMQ.NotifyClose()
	g.Go(func() error { return messaging.WaitForClose(gctx, closed) })

	logger.Info("🚀 Order Worker started", zap.Int("prefetch", cfg.Prefetch))
	return g.Wait()
}
