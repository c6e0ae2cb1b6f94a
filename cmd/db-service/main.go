package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/eion/relay/internal/config"
	"github.com/eion/relay/internal/dbservice"
	"github.com/eion/relay/internal/health"
	relaylog "github.com/eion/relay/internal/logger"
	"github.com/eion/relay/internal/processor"
	"github.com/eion/relay/internal/storage"
	"github.com/eion/relay/internal/transport"
	"github.com/eion/relay/internal/transport/pubsub"
	"github.com/eion/relay/internal/users"
)

// AppState holds the persistence service's long-lived components
type AppState struct {
	Storage   storage.Storage
	Processor *processor.Processor
	Health    *health.Manager
	Consumer  *pubsub.Server
	Logger    *zap.Logger

	closers []io.Closer
}

func main() {
	// Load configuration
	config.Load()

	logger := initLogger()
	defer logger.Sync()
	logger.Info("Configuration loaded", zap.String("storage", config.Storage().Driver))

	as, err := newAppState(logger)
	if err != nil {
		logger.Fatal("Failed to initialize application state", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create tables on startup
	if err := migrate(ctx, as.Storage); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	if err := as.Health.StartupHealthCheck(ctx); err != nil {
		logger.Fatal("Startup health check failed", zap.Error(err))
	}

	if as.Consumer != nil {
		go func() {
			if err := as.Consumer.Run(ctx); err != nil {
				logger.Error("Command consumer stopped", zap.Error(err))
			}
		}()
	}

	router := dbservice.NewRouter(&dbservice.AppState{
		Processor: as.Processor,
		Health:    as.Health,
		Migrate: func(ctx context.Context) error {
			return migrate(ctx, as.Storage)
		},
		Logger: logger,
	})

	addr := config.Http().Addr()
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	done := setupSignalHandler(as, server, logger)

	logger.Info("Starting persistence service", zap.String("address", addr))
	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	<-done
	logger.Info("Server shutdown complete")
}

func newAppState(logger *zap.Logger) (*AppState, error) {
	pgConfig := config.Postgres()
	driver := config.Storage().Driver

	if driver == storage.DriverPostgres {
		logger.Info("Database configuration",
			zap.String("host", pgConfig.Host),
			zap.Int("port", pgConfig.Port),
			zap.String("database", pgConfig.Database),
			zap.String("user", pgConfig.User))
	}

	st, err := storage.Open(driver, pgConfig.DSN(), pgConfig.MaxOpenConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	as := &AppState{
		Storage:   st,
		Processor: processor.New(st, logger),
		Health:    health.NewManager(logger, 5*time.Second),
		Logger:    logger,
	}
	as.Health.AddChecker(health.NewDatabaseChecker(st.Ping))

	if config.Transport().Mode == "kafka" {
		if err := newConsumer(as, logger); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	// storage closes last, after the consumer has drained
	as.closers = append(as.closers, st)
	return as, nil
}

func newConsumer(as *AppState, logger *zap.Logger) error {
	kafkaConfig := config.Transport().Kafka

	backend, err := pubsub.NewKafkaBackend(pubsub.KafkaConfig{
		Brokers:          kafkaConfig.Brokers,
		ConsumerGroup:    kafkaConfig.ConsumerGroup,
		ClientID:         kafkaConfig.ClientID,
		InitialOffset:    kafkaConfig.InitialOffset,
		Version:          kafkaConfig.Version,
		ProducerRetryMax: kafkaConfig.RetryMax,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create kafka backend: %w", err)
	}

	consumer, err := pubsub.NewServer(backend, as.Processor, pubsub.ServerConfig{
		Routes: transport.Routes{
			CommandTopic:  kafkaConfig.CommandTopic,
			ResponseTopic: kafkaConfig.ResponseTopic,
		},
		Entities: []string{users.EntityName},
		Retry:    pubsub.RetryConfig{MaxRetries: kafkaConfig.RetryMax},
	}, logger)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("failed to create command consumer: %w", err)
	}

	as.Consumer = consumer
	as.closers = append(as.closers, consumer, backend)
	return nil
}

func migrate(ctx context.Context, st storage.Storage) error {
	ps, ok := st.(*storage.PostgresStorage)
	if !ok {
		return nil
	}
	return storage.Migrate(ctx, ps.DB())
}

func initLogger() *zap.Logger {
	logConfig := config.Logger()
	return relaylog.Must(relaylog.Options{Level: logConfig.Level, Format: logConfig.Format})
}

func setupSignalHandler(as *AppState, server *http.Server, logger *zap.Logger) chan struct{} {
	done := make(chan struct{}, 1)

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-signalCh

		logger.Info("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Error during server shutdown", zap.Error(err))
		}

		var result *multierror.Error
		for _, c := range as.closers {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := result.ErrorOrNil(); err != nil {
			logger.Error("Error closing components", zap.Error(err))
		}

		done <- struct{}{}
	}()

	return done
}
