package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/config"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/db"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/logging"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/messaging"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/outbox"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/publisher"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/tracing"
)

func main() {
	cfg := config.Load("outbox-relay")
	logger := logging.New(cfg.ServiceName, cfg.LogLevel)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("❌ Outbox relay stopped with error", zap.Error(err))
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

	rabbitMQ, err := messaging.NewRabbitMQ(cfg.RabbitMQURL, cfg.RabbitMQDialTimeout, logger)
	if err != nil {
		return err
	}
	defer rabbitMQ.Close()

	if err := rabbitMQ.DeclareQueues(models.Queues...); err != nil {
		return err
	}

	relay := outbox.NewRelay(logger, db.NewStore(database), publisher.NewEventPublisher(rabbitMQ), outbox.Config{
		RelayID:        cfg.RelayID,
		Interval:       cfg.RelayInterval,
		BatchSize:      cfg.RelayBatchSize,
		Lease:          cfg.RelayLease,
		MaxAttempts:    cfg.RelayMaxAttempts,
		RetryBaseDelay: cfg.RelayRetryBase,
		RetryMaxDelay:  cfg.RelayRetryMax,
	})

	// A dead connection fails every publish, so exit and let the supervisor
	// restart the relay with a fresh one.
	g, gctx := errgroup.WithContext(ctx)
	closed := rabbitMQ.NotifyClose()
	g.Go(func() error { return messaging.WaitForClose(gctx, closed) })
	g.Go(func() error { return relay.Run(gctx) })
	return g.Wait()
}
