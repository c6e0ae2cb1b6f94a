// Package pubsub carries command and response envelopes over a message
// broker. The gateway side publishes commands and consumes its own reply
// topic; the persistence side runs a router that applies commands and
// publishes each response to the topic named by the command's reply_to.
package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

// Metadata keys carried on every command message
const (
	MetadataRequestID = "request_id"
	MetadataReplyTo   = "reply_to"
)

// Backend aggregates a publisher and subscriber on one broker
type Backend interface {
	Publisher() message.Publisher
	Subscriber() message.Subscriber
	Close() error
}

// ChannelBackend is an in-process broker. One instance can be shared by a
// gateway and a processor running in the same binary or test.
type ChannelBackend struct {
	ch *gochannel.GoChannel
}

// NewChannelBackend creates an in-memory backend
func NewChannelBackend(buffer int64, logger *zap.Logger) *ChannelBackend {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelBackend{
		ch: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: buffer,
		}, NewLogger(logger)),
	}
}

// Publisher returns the in-memory publisher
func (b *ChannelBackend) Publisher() message.Publisher {
	return b.ch
}

// Subscriber returns the in-memory subscriber
func (b *ChannelBackend) Subscriber() message.Subscriber {
	return b.ch
}

// Close closes the channel broker
func (b *ChannelBackend) Close() error {
	if err := b.ch.Close(); err != nil {
		return fmt.Errorf("close gochannel: %w", err)
	}
	return nil
}
