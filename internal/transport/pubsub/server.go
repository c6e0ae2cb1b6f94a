package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.uber.org/zap"

	"github.com/eion/relay/internal/command"
	"github.com/eion/relay/internal/transport"
)

// RetryConfig configures redelivery of messages whose response could not be
// published
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// ServerConfig configures the persistence side of the broker transport
type ServerConfig struct {
	Routes   transport.Routes
	Entities []string
	Retry    RetryConfig
}

// Server consumes command topics, applies each envelope and publishes the
// response to the command's reply_to topic
type Server struct {
	router    *message.Router
	publisher message.Publisher
	processor transport.Processor
	logger    *zap.Logger
}

// NewServer builds a router with one handler per entity command topic
func NewServer(backend Backend, processor transport.Processor, cfg ServerConfig, logger *zap.Logger) (*Server, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if len(cfg.Entities) == 0 {
		return nil, fmt.Errorf("at least one entity is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Routes.CommandTopic == "" {
		cfg.Routes = transport.DefaultRoutes
	}

	wmLogger := NewLogger(logger)
	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: 30 * time.Second,
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	router.AddMiddleware(middleware.Recoverer)
	if cfg.Retry.MaxRetries > 0 {
		if cfg.Retry.InitialInterval <= 0 {
			cfg.Retry.InitialInterval = 100 * time.Millisecond
		}
		if cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
			cfg.Retry.MaxInterval = 50 * cfg.Retry.InitialInterval
		}
		retry := middleware.Retry{
			MaxRetries:      cfg.Retry.MaxRetries,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      2,
			Logger:          wmLogger,
		}
		router.AddMiddleware(retry.Middleware)
		logger.Info("Configured retry middleware",
			zap.Int("max_retries", cfg.Retry.MaxRetries),
			zap.Duration("initial_interval", cfg.Retry.InitialInterval))
	}

	s := &Server{
		router:    router,
		publisher: backend.Publisher(),
		processor: processor,
		logger:    logger,
	}

	for _, entity := range cfg.Entities {
		topic := cfg.Routes.CommandTopicFor(entity)
		router.AddNoPublisherHandler("relay_"+entity+"_commands", topic, backend.Subscriber(), s.handle)
		logger.Info("Consuming command topic", zap.String("topic", topic), zap.String("entity", entity))
	}

	return s, nil
}

// Run consumes until ctx is canceled or Close is called
func (s *Server) Run(ctx context.Context) error {
	return s.router.Run(ctx)
}

// Running is closed once every handler is subscribed
func (s *Server) Running() chan struct{} {
	return s.router.Running()
}

// Close stops the router
func (s *Server) Close() error {
	return s.router.Close()
}

func (s *Server) handle(msg *message.Message) error {
	replyTo := msg.Metadata.Get(MetadataReplyTo)
	log := s.logger.With(
		zap.String("message_uuid", msg.UUID),
		zap.String("request_id", msg.Metadata.Get(MetadataRequestID)))

	var resp command.Response
	var env command.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		log.Warn("Received malformed command envelope", zap.Error(err))
		resp = command.Failure(msg.Metadata.Get(MetadataRequestID), command.ErrorDetail{
			Reason:  command.ReasonMalformedEnvelope,
			Message: err.Error(),
		})
		if resp.RequestID == "" {
			// nobody can be waiting for it
			return nil
		}
	} else {
		resp = s.processor.Apply(msg.Context(), env)
	}

	if replyTo == "" {
		log.Warn("Command has no reply topic, dropping response")
		return nil
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	reply := message.NewMessage(watermill.NewUUID(), payload)
	reply.Metadata.Set(MetadataRequestID, resp.RequestID)
	if err := s.publisher.Publish(replyTo, reply); err != nil {
		// redelivery is safe: the processor replays recorded responses
		return fmt.Errorf("publish response to %s: %w", replyTo, err)
	}
	return nil
}
