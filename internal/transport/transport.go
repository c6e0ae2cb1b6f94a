// Package transport moves command envelopes from the gateway to the command
// processor and response envelopes back. Backends live in subpackages: direct
// (in-process call), httpsync (blocking HTTP call) and pubsub (broker topics).
package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/eion/relay/internal/command"
)

// ResponseHandler is the delivery hook invoked for every response envelope
// that reaches the gateway. It may be called more than once for the same
// request_id and in any order.
type ResponseHandler func(ctx context.Context, resp command.Response)

// Transport is the gateway-side view of a delivery mechanism
type Transport interface {
	// Send delivers env toward the processor. A nil error means the envelope
	// was handed over; the response arrives later through the hook.
	Send(ctx context.Context, env command.Envelope) error
	// OnResponse installs the delivery hook. Must be called before Send.
	OnResponse(handler ResponseHandler)
	Close() error
}

// Processor is the persistence-side view: applies an envelope and always
// produces a response envelope
type Processor interface {
	Apply(ctx context.Context, env command.Envelope) command.Response
}

// Pinger is implemented by transports that can probe their peer
type Pinger interface {
	Ping(ctx context.Context) error
}

// Routes resolves the command and response sinks for an entity. Patterns are
// fmt templates taking one string argument.
type Routes struct {
	CommandPath   string // HTTP path, e.g. "/%ss/operation" -> "/users/operation"
	CommandTopic  string // broker topic, e.g. "%s.commands"
	ResponseTopic string // broker topic keyed by gateway instance, e.g. "relay.responses.%s"
}

// DefaultRoutes mirrors the persistence service's HTTP layout
var DefaultRoutes = Routes{
	CommandPath:   "/%ss/operation",
	CommandTopic:  "%s.commands",
	ResponseTopic: "relay.responses.%s",
}

// PathFor returns the HTTP path accepting commands for entity
func (r Routes) PathFor(entity string) string {
	return render(r.CommandPath, entity)
}

// CommandTopicFor returns the topic accepting commands for entity
func (r Routes) CommandTopicFor(entity string) string {
	return render(r.CommandTopic, entity)
}

// ResponseTopicFor returns the reply topic of one gateway instance
func (r Routes) ResponseTopicFor(instance string) string {
	return render(r.ResponseTopic, instance)
}

func render(pattern, arg string) string {
	if !strings.Contains(pattern, "%s") {
		return pattern
	}
	return fmt.Sprintf(pattern, arg)
}
