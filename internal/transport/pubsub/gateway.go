package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"

	"github.com/eion/relay/internal/command"
	"github.com/eion/relay/internal/transport"
)

// GatewayConfig configures the gateway side of the broker transport
type GatewayConfig struct {
	Routes transport.Routes
	// InstanceID names this gateway's reply topic
	InstanceID string
}

// Transport publishes command envelopes and delivers response envelopes read
// from this instance's reply topic. It does not own the backend.
type Transport struct {
	publisher  message.Publisher
	routes     transport.Routes
	replyTopic string
	logger     *zap.Logger

	mu      sync.RWMutex
	handler transport.ResponseHandler

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTransport subscribes to the reply topic and starts delivering responses
func NewTransport(backend Backend, cfg GatewayConfig, logger *zap.Logger) (*Transport, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if cfg.InstanceID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Routes.CommandTopic == "" {
		cfg.Routes = transport.DefaultRoutes
	}

	replyTopic := cfg.Routes.ResponseTopicFor(cfg.InstanceID)
	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := backend.Subscriber().Subscribe(ctx, replyTopic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to %s: %w", replyTopic, err)
	}

	t := &Transport{
		publisher:  backend.Publisher(),
		routes:     cfg.Routes,
		replyTopic: replyTopic,
		logger:     logger.With(zap.String("reply_topic", replyTopic)),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go t.consume(msgs)

	return t, nil
}

// ReplyTopic returns the topic this gateway consumes
func (t *Transport) ReplyTopic() string {
	return t.replyTopic
}

// OnResponse installs the delivery hook
func (t *Transport) OnResponse(handler transport.ResponseHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Send publishes env to its entity's command topic
func (t *Transport) Send(ctx context.Context, env command.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataRequestID, env.RequestID)
	msg.Metadata.Set(MetadataReplyTo, t.replyTopic)
	msg.SetContext(ctx)

	topic := t.routes.CommandTopicFor(env.Entity)
	if err := t.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (t *Transport) consume(msgs <-chan *message.Message) {
	defer close(t.done)

	for msg := range msgs {
		var resp command.Response
		if err := json.Unmarshal(msg.Payload, &resp); err != nil || resp.RequestID == "" {
			t.logger.Warn("Dropping undecodable response message",
				zap.String("message_uuid", msg.UUID),
				zap.Error(err))
			msg.Ack()
			continue
		}

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()
		if handler != nil {
			handler(msg.Context(), resp)
		} else {
			t.logger.Warn("No response handler installed, dropping response",
				zap.String("request_id", resp.RequestID))
		}
		msg.Ack()
	}
}

// Close stops consuming the reply topic
func (t *Transport) Close() error {
	t.cancel()
	<-t.done
	return nil
}
