package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/eion/relay/internal/command"
	"github.com/eion/relay/internal/correlation"
	"github.com/eion/relay/internal/transport"
)

// OverflowPolicy decides what happens when every in-flight slot is taken
type OverflowPolicy string

const (
	// OverflowQueue waits for a slot until the dispatch deadline
	OverflowQueue OverflowPolicy = "queue"
	// OverflowFailFast rejects with ErrSaturated
	OverflowFailFast OverflowPolicy = "fail_fast"
)

// Config holds dispatcher tuning
type Config struct {
	Timeout     time.Duration
	MaxInFlight int
	Overflow    OverflowPolicy
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("dispatch timeout must be positive, got %s", c.Timeout)
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("max in flight must be positive, got %d", c.MaxInFlight)
	}
	switch c.Overflow {
	case OverflowQueue, OverflowFailFast:
	default:
		return fmt.Errorf("unknown overflow policy %q", c.Overflow)
	}
	return nil
}

// Request is one gateway call. RequestID is optional.
type Request struct {
	Operation command.Operation
	Entity    string
	Data      map[string]any
	RequestID string
}

// Result is a successful dispatch
type Result struct {
	RequestID string
	Payload   json.RawMessage
}

// Dispatcher builds command envelopes, sends them through a transport and
// waits for the correlated response
type Dispatcher struct {
	store     *correlation.Store
	transport transport.Transport
	cfg       Config
	slots     *semaphore.Weighted
	logger    *zap.Logger
	newID     func() string
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithIDGenerator overrides request_id generation
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) {
		d.newID = fn
	}
}

// New creates a dispatcher and installs its delivery hook on tr
func New(store *correlation.Store, tr transport.Transport, cfg Config, logger *zap.Logger, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("correlation store cannot be nil")
	}
	if tr == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		store:     store,
		transport: tr,
		cfg:       cfg,
		slots:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		logger:    logger,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}

	tr.OnResponse(d.deliver)
	return d, nil
}

func (d *Dispatcher) deliver(_ context.Context, resp command.Response) {
	if !d.store.Resolve(resp.RequestID, resp) {
		d.logger.Debug("Dropped response with no pending request",
			zap.String("request_id", resp.RequestID),
			zap.String("status", string(resp.Status)))
	}
}

// InFlight returns the number of dispatches awaiting a response
func (d *Dispatcher) InFlight() int {
	return d.store.Len()
}

// Dispatch sends one command and waits for its response. Errors are one of
// *DuplicateRequestIDError, *TransportError, *TimeoutError,
// *RemoteOperationError, ErrSaturated or ErrInvalidRequest.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = d.newID()
	}

	env := command.New(requestID, req.Operation, req.Entity, req.Data)
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	start := time.Now()
	deadline := start.Add(d.cfg.Timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	log := d.logger.With(
		zap.String("request_id", requestID),
		zap.String("operation", string(env.Operation)),
		zap.String("entity", env.Entity))

	if err := d.acquire(ctx); err != nil {
		if errors.Is(err, ErrSaturated) {
			log.Warn("Rejected dispatch, no free slot", zap.Int("max_in_flight", d.cfg.MaxInFlight))
			return nil, err
		}
		return nil, d.waitFailure(ctx, requestID, err)
	}
	defer d.slots.Release(1)

	handle, err := d.store.Register(requestID, deadline)
	if err != nil {
		log.Info("Request already in flight")
		return nil, err
	}

	// Send may be synchronous and may ignore ctx; the deadline still holds
	sent := make(chan error, 1)
	go func() {
		sent <- d.transport.Send(ctx, env)
	}()

	select {
	case err := <-sent:
		if err != nil && handle.Cancel() {
			if ctx.Err() != nil {
				return nil, d.waitFailure(ctx, requestID, ctx.Err())
			}
			log.Warn("Failed to send command", zap.Error(err))
			return nil, &TransportError{RequestID: requestID, Cause: err}
		}
		// otherwise a response was settled before the send error surfaced
	case <-handle.Done():
	case <-ctx.Done():
	}

	resp, err := handle.Wait(ctx)
	if err != nil {
		failure := d.waitFailure(ctx, requestID, err)
		log.Warn("Dispatch ended without response",
			zap.Duration("duration", time.Since(start)),
			zap.Duration("pending", time.Since(handle.CreatedAt())),
			zap.Error(failure))
		return nil, failure
	}

	if !resp.OK() {
		detail := resp.ErrorDetail()
		log.Info("Command rejected by processor",
			zap.String("reason", detail.Reason),
			zap.Duration("duration", time.Since(start)))
		return nil, &RemoteOperationError{RequestID: requestID, Detail: detail}
	}

	log.Debug("Command applied", zap.Duration("duration", time.Since(start)))
	return &Result{RequestID: requestID, Payload: resp.Payload}, nil
}

func (d *Dispatcher) acquire(ctx context.Context) error {
	if d.cfg.Overflow == OverflowFailFast {
		if !d.slots.TryAcquire(1) {
			return ErrSaturated
		}
		return nil
	}
	return d.slots.Acquire(ctx, 1)
}

// waitFailure maps a wait error to the caller-facing error. Caller
// cancellation is passed through; every other ending is a timeout.
func (d *Dispatcher) waitFailure(ctx context.Context, requestID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("dispatch of request %s canceled: %w", requestID, context.Canceled)
	}
	return &TimeoutError{RequestID: requestID, Timeout: d.cfg.Timeout}
}
