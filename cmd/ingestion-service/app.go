package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"msgingest/internal/config"
	"msgingest/internal/constants"
	"msgingest/internal/ingestion"
	"msgingest/internal/logger"
	"msgingest/internal/storage"
	"msgingest/pkg/bootstrap"
	"msgingest/pkg/health"
	"msgingest/pkg/metrics"
	"msgingest/pkg/migrations"
	"msgingest/pkg/opsserver"
	"msgingest/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	mongoClient    *mongo.Client
	redis          *redis.Client
	worker         *ingestion.Worker
	ops            *opsserver.Server
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceName)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initMongoDB(ctx); err != nil {
		return fmt.Errorf("failed to initialize MongoDB: %w", err)
	}

	if err := a.initRedis(ctx); err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}

	if err := a.InitBroker(ctx, constants.ServiceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterIngestionMetrics()
	metrics.RegisterStoreMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterOpsMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	if a.Config.Server.Port > 0 {
		a.initOpsServer(ctx)
	}

	a.initWorker(ctx)

	return nil
}

func (a *App) initMongoDB(ctx context.Context) error {
	client, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		return err
	}
	a.mongoClient = client

	mongoCfg := a.Config.Database.MongoDB
	db := client.Database(mongoCfg.Database)
	if err := migrations.EnsureMessageCollection(ctx, db, mongoCfg.Collection); err != nil {
		return err
	}
	return nil
}

func (a *App) initRedis(ctx context.Context) error {
	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.redis = rdb
	return nil
}

func (a *App) initOpsServer(ctx context.Context) {
	registry := health.NewCheckerRegistry()
	registry.Register(health.NewMongoDBChecker(a.mongoClient))
	registry.Register(health.NewBrokerChecker("rabbitmq", a.Connector))
	if a.redis != nil {
		registry.RegisterOptional(health.NewRedisChecker(a.redis))
	}

	a.ops = opsserver.New(ctx, a.Config.Server, registry, opsserver.Options{
		ServiceName:    constants.ServiceName,
		TracingEnabled: a.Config.Tracing.Enabled,
	}, a.Logger)
}

func (a *App) initWorker(ctx context.Context) {
	mongoCfg := a.Config.Database.MongoDB
	var store storage.Store = storage.NewMongoStore(
		a.mongoClient.Database(mongoCfg.Database),
		mongoCfg.Collection,
		mongoCfg.WriteTimeout,
		a.Logger,
	)
	store = storage.NewCircuitBreakerStore(store, a.Config.CircuitBreaker)
	if a.Config.CircuitBreaker.Enabled {
		a.Logger.InfowCtx(ctx, "Circuit breaker enabled for message store")
	}

	redelivery := a.Config.Ingestion.Redelivery
	var tracker ingestion.RedeliveryTracker
	if a.redis != nil {
		tracker = ingestion.NewRedisTracker(a.redis, redelivery.KeyPrefix, redelivery.TTL)
	} else {
		tracker = ingestion.NewMemoryTracker(redelivery.TTL)
		a.Logger.InfowCtx(ctx, "Redis not configured, redelivery counts kept in memory")
	}

	opts := ingestion.OptionsFromConfig(a.Config.Ingestion, a.Config.Broker.RabbitMQ)
	a.worker = ingestion.NewWorker(store, tracker, opts, a.Logger)
}

// Run consumes until ctx is canceled or the broker is lost for good. The ops
// server outlives the consumer so health stays visible while in-flight
// deliveries drain.
func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	consumerDone := make(chan struct{})

	if a.ops != nil {
		g.Go(func() error {
			return a.ops.Start(gCtx)
		})

		g.Go(func() error {
			<-consumerDone
			for _, err := range a.ShutdownBroker() {
				a.Logger.WarnwCtx(ctx, "Broker close error", "error", err)
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.ShutdownTimeout)
			defer cancel()
			if err := a.ops.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("ops server shutdown error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(consumerDone)
		queue := a.Config.Broker.RabbitMQ.Queue
		a.Logger.InfowCtx(gCtx, "Consuming", "queue", queue, "workers", a.Config.Broker.RabbitMQ.Workers)
		if err := a.Connector.Subscribe(gCtx, queue, a.worker.HandlerFunc()); err != nil {
			return fmt.Errorf("consumer stopped: %w", err)
		}
		a.Logger.InfowCtx(gCtx, "Consumer stopped, in-flight deliveries resolved")
		return nil
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, constants.ShutdownTimeout)
	defer cancel()

	return a.Base.Shutdown(shutdownCtx, func(ctx context.Context) []error {
		var errs []error

		if a.ops != nil {
			if err := a.ops.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("ops server shutdown error: %w", err))
			}
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, a.mongoClient)...)
		return errs
	})
}
