package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/outboxrelay/outbox/pkg/bus/pubsub"
	"github.com/outboxrelay/outbox/pkg/bus/rabbitmq"
	"github.com/outboxrelay/outbox/pkg/config"
	"github.com/outboxrelay/outbox/pkg/delivery"
	"github.com/outboxrelay/outbox/pkg/logging"
	"github.com/outboxrelay/outbox/pkg/store/mongo"
	"github.com/outboxrelay/outbox/pkg/store/postgres"
	spannerstore "github.com/outboxrelay/outbox/pkg/store/spanner"
	"github.com/outboxrelay/outbox/pkg/telemetry"
	_ "github.com/lib/pq"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const mongoLockExpiration = 30 * time.Second

func main() {
	ctx := context.Background()

	cfg, err := config.LoadFromFile("./cmd/outbox-relay")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	env := logging.EnvironmentDevelopment
	if cfg.Environment == "production" {
		env = logging.EnvironmentProduction
	}

	logger, err := logging.New(env)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer logger.Sync()

	shutdownTelemetry, err := telemetry.Init(cfg.Observability, logger)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer shutdownTelemetry()

	store, closeStore, err := buildStore(ctx, cfg.Store)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer closeStore()

	bus, err := buildBus(ctx, cfg.Bus, logger)
	if err != nil {
		logger.Fatal("Failed to initialize bus", zap.Error(err))
	}
	defer bus.Close()

	deliveryCfg := delivery.NewDeliveryConfig(
		delivery.WithQueryDelay(cfg.QueryDelay),
		delivery.WithQueryTimeout(cfg.QueryTimeout),
		delivery.WithMessageDeliveryTimeout(cfg.MessageDeliveryTimeout),
		delivery.WithMessageDeliveryLimit(cfg.MessageDeliveryLimit),
		delivery.WithOutboxBatchSize(cfg.OutboxBatchSize),
		delivery.WithLogger(logger),
	)

	worker := delivery.NewWorker(store, bus, delivery.PassthroughSerializer{}, deliveryCfg)
	dispatcher := delivery.NewDispatcher(store, worker, deliveryCfg)
	host := delivery.NewHost(dispatcher, bus)

	host.Start(ctx)
	logger.Info("outbox relay started", zap.String("store", cfg.Store.Type), zap.String("bus", cfg.Bus.Type))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("outbox relay shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := host.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay loop exited with error", zap.Error(err))
	}
}

// buildStore constructs the StateStore adapter selected by settings.Type
// and returns a func that releases the underlying connection.
func buildStore(ctx context.Context, settings config.StoreSettings) (delivery.StateStore, func(), error) {
	switch settings.Type {
	case "postgres":
		db, err := sql.Open("postgres", settings.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres: %w", err)
		}
		store := postgres.New(db)
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ensuring postgres schema: %w", err)
		}
		return store, func() { db.Close() }, nil

	case "spanner":
		client, err := spanner.NewClient(ctx, settings.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening spanner: %w", err)
		}
		return spannerstore.New(client), func() { client.Close() }, nil

	case "mongo":
		client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(settings.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("opening mongo: %w", err)
		}
		store := mongo.New(client, settings.Database, mongoLockExpiration)
		return store, func() { client.Disconnect(ctx) }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store type %q", settings.Type)
	}
}

// buildBus constructs the Bus adapter selected by settings.Type.
func buildBus(ctx context.Context, settings config.BusSettings, logger *zap.Logger) (delivery.Bus, error) {
	switch settings.Type {
	case "pubsub":
		return pubsub.New(ctx, settings.ProjectID)

	case "rabbitmq":
		return rabbitmq.New(rabbitmq.Settings{URL: settings.URL, PoolSize: settings.PoolSize}, logger)

	default:
		return nil, fmt.Errorf("unknown bus type %q", settings.Type)
	}
}
