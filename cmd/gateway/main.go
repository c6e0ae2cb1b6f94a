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
	"github.com/eion/relay/internal/correlation"
	"github.com/eion/relay/internal/dispatch"
	"github.com/eion/relay/internal/gateway"
	"github.com/eion/relay/internal/health"
	relaylog "github.com/eion/relay/internal/logger"
	"github.com/eion/relay/internal/processor"
	"github.com/eion/relay/internal/storage"
	"github.com/eion/relay/internal/transport"
	"github.com/eion/relay/internal/transport/direct"
	"github.com/eion/relay/internal/transport/httpsync"
	"github.com/eion/relay/internal/transport/pubsub"
)

// AppState holds the gateway's long-lived components
type AppState struct {
	Store      *correlation.Store
	Dispatcher *dispatch.Dispatcher
	Health     *health.Manager
	Logger     *zap.Logger

	// closed in order on shutdown
	closers []io.Closer
}

func main() {
	// Load configuration
	config.Load()

	logger := initLogger()
	defer logger.Sync()
	logger.Info("Configuration loaded", zap.String("transport", config.Transport().Mode))

	as, err := newAppState(logger)
	if err != nil {
		logger.Fatal("Failed to initialize application state", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bound pending entries even when a waiter never returns
	go as.Store.Run(ctx, config.Dispatch().SweepInterval)

	if err := as.Health.StartupHealthCheck(ctx); err != nil {
		logger.Fatal("Startup health check failed", zap.Error(err))
	}

	router := gateway.NewRouter(&gateway.AppState{
		Dispatcher: as.Dispatcher,
		Health:     as.Health,
		Logger:     logger,
	}, gateway.RouterConfig{
		AllowOrigins:   config.Http().AllowOrigins,
		MaxRequestSize: config.Http().MaxRequestSize,
	})

	addr := config.Http().Addr()
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	done := setupSignalHandler(as, server, logger)

	logger.Info("Starting gateway", zap.String("address", addr))
	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	<-done
	logger.Info("Server shutdown complete")
}

func newAppState(logger *zap.Logger) (*AppState, error) {
	dispatchConfig := config.Dispatch()
	as := &AppState{
		Store:  correlation.NewStore(),
		Health: health.NewManager(logger, 5*time.Second),
		Logger: logger,
	}

	tr, err := newTransport(as, logger)
	if err != nil {
		closeAll(as.closers, logger)
		return nil, err
	}

	as.Dispatcher, err = dispatch.New(as.Store, tr, dispatch.Config{
		Timeout:     dispatchConfig.Timeout,
		MaxInFlight: dispatchConfig.MaxInFlight,
		Overflow:    dispatch.OverflowPolicy(dispatchConfig.Overflow),
	}, logger)
	if err != nil {
		closeAll(as.closers, logger)
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	logger.Info("Dispatcher configured",
		zap.Duration("timeout", dispatchConfig.Timeout),
		zap.Int("max_in_flight", dispatchConfig.MaxInFlight),
		zap.String("overflow", dispatchConfig.Overflow))
	return as, nil
}

// newTransport builds the configured transport and registers what must be
// closed on shutdown
func newTransport(as *AppState, logger *zap.Logger) (transport.Transport, error) {
	transportConfig := config.Transport()
	routes := transport.Routes{
		CommandPath:   transportConfig.HTTP.CommandPath,
		CommandTopic:  transportConfig.Kafka.CommandTopic,
		ResponseTopic: transportConfig.Kafka.ResponseTopic,
	}

	switch transportConfig.Mode {
	case "http":
		tr, err := httpsync.New(httpsync.Config{
			BaseURL:         transportConfig.HTTP.BaseURL,
			Routes:          routes,
			MaxConns:        transportConfig.HTTP.MaxConns,
			RequestTimeout:  transportConfig.HTTP.RequestTimeout,
			BreakerFailures: transportConfig.HTTP.BreakerFailures,
			BreakerOpenFor:  transportConfig.HTTP.BreakerOpenFor,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create http transport: %w", err)
		}
		as.closers = append(as.closers, tr)
		as.Health.AddChecker(health.NewTransportChecker(tr.Ping))
		logger.Info("Using HTTP transport", zap.String("base_url", transportConfig.HTTP.BaseURL))
		return tr, nil

	case "kafka":
		instanceID := transportConfig.Kafka.InstanceID
		if instanceID == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return nil, fmt.Errorf("instance id not configured and hostname unavailable: %w", err)
			}
			instanceID = hostname
		}

		// every gateway instance reads its own reply topic in its own group
		backend, err := pubsub.NewKafkaBackend(pubsub.KafkaConfig{
			Brokers:          transportConfig.Kafka.Brokers,
			ConsumerGroup:    transportConfig.Kafka.ConsumerGroup + "-gateway-" + instanceID,
			ClientID:         transportConfig.Kafka.ClientID,
			InitialOffset:    transportConfig.Kafka.InitialOffset,
			Version:          transportConfig.Kafka.Version,
			ProducerRetryMax: transportConfig.Kafka.RetryMax,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka backend: %w", err)
		}
		tr, err := pubsub.NewTransport(backend, pubsub.GatewayConfig{Routes: routes, InstanceID: instanceID}, logger)
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("failed to create kafka transport: %w", err)
		}
		as.closers = append(as.closers, tr, backend)
		logger.Info("Using Kafka transport",
			zap.Strings("brokers", transportConfig.Kafka.Brokers),
			zap.String("reply_topic", tr.ReplyTopic()))
		return tr, nil

	case "direct":
		pgConfig := config.Postgres()
		st, err := storage.Open(config.Storage().Driver, pgConfig.DSN(), pgConfig.MaxOpenConnections)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		if ps, ok := st.(*storage.PostgresStorage); ok {
			if err := storage.Migrate(context.Background(), ps.DB()); err != nil {
				_ = st.Close()
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		as.closers = append(as.closers, st)
		as.Health.AddChecker(health.NewDatabaseChecker(st.Ping))
		logger.Info("Using in-process transport", zap.String("storage", config.Storage().Driver))
		return direct.New(processor.New(st, logger)), nil
	}

	return nil, fmt.Errorf("unknown transport mode %q", transportConfig.Mode)
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

		// Stop accepting calls and let in-flight dispatches finish
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Error during server shutdown", zap.Error(err))
		}

		closeAll(as.closers, logger)

		done <- struct{}{}
	}()

	return done
}

func closeAll(closers []io.Closer, logger *zap.Logger) {
	var result *multierror.Error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		logger.Error("Error closing components", zap.Error(err))
	}
}
