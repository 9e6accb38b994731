package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/cache"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/config"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/db"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/discovery"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/handlers"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/logging"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/messaging"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/outbox"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/publisher"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/service"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/tracing"
)

func main() {
	cfg := config.Load("order-service")
	logger := logging.New(cfg.ServiceName, cfg.LogLevel)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("❌ Order service stopped with error", zap.Error(err))
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

	store := db.NewStore(database)
	orderService := service.NewOrderService(store, logger)

	// Connect to Redis. Catalog reads go straight to PostgreSQL without it.
	var productOpts []service.ProductOption
	redisClient, err := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	if err != nil {
		logger.Warn("⚠️ Redis unavailable, product cache disabled", zap.Error(err))
	} else {
		defer redisClient.Close()
		productOpts = append(productOpts, service.WithProductCache(cache.NewProductCache(redisClient, cfg.ProductCacheTTL, logger)))
	}
	productService := service.NewProductService(store, logger, productOpts...)

	router := gin.New()
	router.Use(gin.Recovery())
	handlers.NewOrderHandler(orderService, logger).Register(router)
	handlers.NewProductHandler(productService, logger).Register(router)

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("🚀 Order Service starting", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("🛑 Shutting down HTTP server")
		return server.Shutdown(shutdownCtx)
	})

	if cfg.EmbeddedRelay {
		rabbitMQ, err := messaging.NewRabbitMQ(cfg.RabbitMQURL, cfg.RabbitMQDialTimeout, logger)
		if err != nil {
			return err
		}
		defer rabbitMQ.Close()
		if err := rabbitMQ.DeclareQueues(models.Queues...); err != nil {
			return err
		}
		relay := outbox.NewRelay(logger, store, publisher.NewEventPublisher(rabbitMQ), outbox.Config{
			RelayID:        cfg.RelayID,
			Interval:       cfg.RelayInterval,
			BatchSize:      cfg.RelayBatchSize,
			Lease:          cfg.RelayLease,
			MaxAttempts:    cfg.RelayMaxAttempts,
			RetryBaseDelay: cfg.RelayRetryBase,
			RetryMaxDelay:  cfg.RelayRetryMax,
		})
		closed := rabbitMQ.NotifyClose()
		g.Go(func() error { return messaging.WaitForClose(gctx, closed) })
		g.Go(func() error { return relay.Run(gctx) })
	}

	if cfg.ConsulAddr != "" {
		deregister := registerWithConsul(cfg, logger)
		defer deregister()
	}

	return g.Wait()
}

// registerWithConsul is best effort; the service keeps running without it.
// The returned func deregisters on shutdown.
func registerWithConsul(cfg config.Config, logger *zap.Logger) func() {
	consul, err := discovery.NewConsulClient(cfg.ConsulAddr, logger)
	if err != nil {
		logger.Warn("⚠️ Consul unavailable, skipping registration", zap.Error(err))
		return func() {}
	}
	err = consul.Register(discovery.ServiceConfig{
		Name:    cfg.ServiceName,
		ID:      cfg.ServiceID,
		Address: cfg.AdvertiseAddr,
		Port:    cfg.HTTPPort,
		Tags:    []string{"api", "orders", "products"},
	})
	if err != nil {
		logger.Warn("⚠️ Failed to register service", zap.Error(err))
		return func() {}
	}
	return func() {
		if err := consul.Deregister(cfg.ServiceID); err != nil {
			logger.Warn("⚠️ Failed to deregister service", zap.Error(err))
		}
	}
}
