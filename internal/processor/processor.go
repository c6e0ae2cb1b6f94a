// Package processor applies command envelopes to storage on the persistence
// side and produces exactly one response envelope per delivery.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eion/relay/internal/command"
	"github.com/eion/relay/internal/storage"
	"github.com/eion/relay/internal/users"
)

// Handler applies one envelope for a single entity type. It returns the
// success payload, or an error that Apply turns into an error response.
type Handler interface {
	Handle(ctx context.Context, tx storage.Tx, env command.Envelope) (any, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, tx storage.Tx, env command.Envelope) (any, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, tx storage.Tx, env command.Envelope) (any, error) {
	return f(ctx, tx, env)
}

// Processor applies envelopes idempotently: a request_id is applied at most
// once and redeliveries get the recorded response back.
type Processor struct {
	storage  storage.Storage
	logger   *zap.Logger
	locks    *keyedLocks
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a processor with the user handler registered
func New(st storage.Storage, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		storage:  st,
		logger:   logger,
		locks:    newKeyedLocks(),
		handlers: make(map[string]Handler),
	}
	p.Register(users.EntityName, NewUserHandler())
	return p
}

// Register installs h for entity, replacing any previous handler
func (p *Processor) Register(entity string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[entity] = h
}

func (p *Processor) handler(entity string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[entity]
	return h, ok
}

// Apply processes env and always returns a response echoing its request_id
func (p *Processor) Apply(ctx context.Context, env command.Envelope) command.Response {
	start := time.Now()
	log := p.logger.With(
		zap.String("request_id", env.RequestID),
		zap.String("operation", string(env.Operation)),
		zap.String("entity", env.Entity))

	if env.RequestID == "" || env.Entity == "" {
		return command.Failure(env.RequestID, command.ErrorDetail{
			Reason:  command.ReasonMalformedEnvelope,
			Message: "request_id and entity are required",
		})
	}
	if !env.Operation.Valid() {
		return command.Failure(env.RequestID, command.ErrorDetail{
			Reason:  command.ReasonUnsupportedOperation,
			Message: fmt.Sprintf("operation %q is not supported", env.Operation),
		})
	}
	h, ok := p.handler(env.Entity)
	if !ok {
		return command.Failure(env.RequestID, command.ErrorDetail{
			Reason:  command.ReasonUnsupportedEntity,
			Message: fmt.Sprintf("entity %q is not supported", env.Entity),
		})
	}

	var resp command.Response
	var err error
	if env.Operation.Mutates() {
		resp, err = p.applyMutation(ctx, h, env)
	} else {
		resp, err = p.applyRead(ctx, h, env)
	}
	if err != nil {
		serr := &StorageError{RequestID: env.RequestID, Operation: env.Operation, Cause: err}
		log.Error("Failed to apply command", zap.Error(serr), zap.Duration("duration", time.Since(start)))
		return serr.Response()
	}

	log.Debug("Applied command",
		zap.String("status", string(resp.Status)),
		zap.Duration("duration", time.Since(start)))
	return resp
}

func (p *Processor) applyRead(ctx context.Context, h Handler, env command.Envelope) (command.Response, error) {
	var resp command.Response
	err := p.storage.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		resp, err = p.run(ctx, h, tx, env)
		return err
	})
	return resp, err
}

func (p *Processor) applyMutation(ctx context.Context, h Handler, env command.Envelope) (command.Response, error) {
	fingerprint, err := env.Fingerprint()
	if err != nil {
		return command.Failure(env.RequestID, command.ErrorDetail{
			Reason:  command.ReasonMalformedEnvelope,
			Message: err.Error(),
		}), nil
	}

	unlock := p.locks.Lock(env.RequestID)
	defer unlock()

	var resp command.Response
	err = p.storage.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		rec, err := tx.Ledger().Lookup(ctx, env.RequestID)
		if err != nil {
			return err
		}
		if rec != nil {
			if rec.Fingerprint == fingerprint {
				p.logger.Debug("Replaying recorded response", zap.String("request_id", env.RequestID))
				resp = rec.Response()
				return nil
			}
			resp = command.Failure(env.RequestID, command.ErrorDetail{
				Reason:  command.ReasonRequestIDConflict,
				Message: "request_id was already used for a different command",
				Details: map[string]any{"recorded_operation": string(rec.Operation), "recorded_entity": rec.Entity},
			})
			return nil
		}

		resp, err = p.run(ctx, h, tx, env)
		if err != nil {
			return err
		}
		return tx.Ledger().Record(ctx, storage.NewRecord(env, fingerprint, resp))
	})
	return resp, err
}

// run calls the handler. Deterministic failures become error responses;
// storage failures are returned so the unit of work is rolled back.
func (p *Processor) run(ctx context.Context, h Handler, tx storage.Tx, env command.Envelope) (command.Response, error) {
	payload, err := h.Handle(ctx, tx, env)
	if err != nil {
		detail, ok := deterministicFailure(err)
		if !ok {
			return command.Response{}, err
		}
		return command.Failure(env.RequestID, detail), nil
	}
	return command.Success(env.RequestID, payload)
}

func deterministicFailure(err error) (command.ErrorDetail, bool) {
	var ue *users.UserError
	if errors.As(err, &ue) {
		detail := command.ErrorDetail{Message: ue.Message}
		if ue.GUID != "" {
			detail.Details = map[string]any{"guid": ue.GUID}
		}
		switch ue.Type {
		case users.UserErrorTypeNotFound:
			detail.Reason = command.ReasonNotFound
		case users.UserErrorTypeAlreadyExists:
			detail.Reason = command.ReasonConflict
		default:
			detail.Reason = command.ReasonValidationFailed
		}
		return detail, true
	}

	var de *DataError
	if errors.As(err, &de) {
		return command.ErrorDetail{
			Reason:  command.ReasonValidationFailed,
			Message: de.Error(),
		}, true
	}

	return command.ErrorDetail{}, false
}
