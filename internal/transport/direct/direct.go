// Package direct is the colocated transport: Send calls the processor in
// process and hands its response to the hook before returning.
package direct

import (
	"context"
	"fmt"
	"sync"

	"github.com/eion/relay/internal/command"
	"github.com/eion/relay/internal/transport"
)

// Transport calls a processor directly
type Transport struct {
	processor transport.Processor

	mu      sync.RWMutex
	handler transport.ResponseHandler
	closed  bool
}

// New creates a direct transport around processor
func New(processor transport.Processor) *Transport {
	return &Transport{processor: processor}
}

// OnResponse installs the delivery hook
func (t *Transport) OnResponse(handler transport.ResponseHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Send applies env and delivers the response before returning, or gives up
// with ctx.Err() when ctx ends first
func (t *Transport) Send(ctx context.Context, env command.Envelope) error {
	t.mu.RLock()
	handler, closed := t.handler, t.closed
	t.mu.RUnlock()

	if closed {
		return fmt.Errorf("direct transport is closed")
	}
	if handler == nil {
		return fmt.Errorf("no response handler installed")
	}

	done := make(chan command.Response, 1)
	go func() {
		done <- t.processor.Apply(ctx, env)
	}()

	select {
	case resp := <-done:
		handler(ctx, resp)
		return nil
	case <-ctx.Done():
		// the processor may still finish; its response is dropped
		return ctx.Err()
	}
}

// Ping always succeeds: the processor lives in this process
func (t *Transport) Ping(context.Context) error {
	return nil
}

// Close stops accepting envelopes
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
