package pubsub

import (
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// KafkaConfig configures the Kafka backend
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	ClientID      string
	// InitialOffset is "latest" or "oldest"
	InitialOffset string
	// Version is a Kafka version string, "default" or "max"
	Version          string
	ProducerRetryMax int
	NackResendSleep  time.Duration
	ReconnectSleep   time.Duration
}

// KafkaBackend aggregates a Kafka publisher and subscriber
type KafkaBackend struct {
	publisher  *kafka.Publisher
	subscriber *kafka.Subscriber
}

// NewKafkaBackend wires a Kafka publisher and subscriber
func NewKafkaBackend(cfg KafkaConfig, logger *zap.Logger) (*KafkaBackend, error) {
	brokers := filterBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers must not be empty")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group must not be empty")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = cfg.ConsumerGroup
	}

	version, err := parseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, err
	}
	offset, err := parseInitialOffset(cfg.InitialOffset)
	if err != nil {
		return nil, err
	}
	retryMax := cfg.ProducerRetryMax
	if retryMax <= 0 {
		retryMax = 10
	}
	nackSleep := cfg.NackResendSleep
	if nackSleep <= 0 {
		nackSleep = 100 * time.Millisecond
	}
	reconnectSleep := cfg.ReconnectSleep
	if reconnectSleep <= 0 {
		reconnectSleep = time.Second
	}

	pubSarama := kafka.DefaultSaramaSyncPublisherConfig()
	pubSarama.ClientID = clientID
	pubSarama.Version = version
	pubSarama.Producer.Retry.Max = retryMax
	pubSarama.Producer.RequiredAcks = sarama.WaitForAll

	subSarama := kafka.DefaultSaramaSubscriberConfig()
	subSarama.ClientID = clientID
	subSarama.Version = version
	subSarama.Consumer.Offsets.Initial = offset

	wmLogger := NewLogger(logger)

	publisher, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: pubSarama,
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create kafka publisher: %w", err)
	}

	subscriber, err := kafka.NewSubscriber(kafka.SubscriberConfig{
		Brokers:               brokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: subSarama,
		ConsumerGroup:         cfg.ConsumerGroup,
		NackResendSleep:       nackSleep,
		ReconnectRetrySleep:   reconnectSleep,
	}, wmLogger)
	if err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("create kafka subscriber: %w", err)
	}

	return &KafkaBackend{
		publisher:  publisher,
		subscriber: subscriber,
	}, nil
}

// Publisher returns the Kafka publisher
func (b *KafkaBackend) Publisher() message.Publisher {
	return b.publisher
}

// Subscriber returns the Kafka subscriber
func (b *KafkaBackend) Subscriber() message.Subscriber {
	return b.subscriber
}

// Close stops publisher and subscriber, joining all errors
func (b *KafkaBackend) Close() error {
	var errs *multierror.Error

	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if b.subscriber != nil {
		if err := b.subscriber.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}

	return errs.ErrorOrNil()
}

func filterBrokers(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				result = append(result, part)
			}
		}
	}
	return result
}

func parseInitialOffset(raw string) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "latest", "newest":
		return sarama.OffsetNewest, nil
	case "oldest", "earliest":
		return sarama.OffsetOldest, nil
	default:
		return 0, fmt.Errorf("unsupported kafka initial offset: %s", raw)
	}
}

func parseKafkaVersion(raw string) (sarama.KafkaVersion, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "default":
		return sarama.DefaultVersion, nil
	case "max":
		return sarama.MaxVersion, nil
	default:
		version, err := sarama.ParseKafkaVersion(raw)
		if err != nil {
			return sarama.KafkaVersion{}, fmt.Errorf("invalid kafka version: %w", err)
		}
		return version, nil
	}
}
