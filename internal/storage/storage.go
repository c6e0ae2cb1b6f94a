// Package storage provides the transactional unit of work used by the
// command processor: the user store plus the processed-command ledger.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/eion/relay/internal/command"
	"github.com/eion/relay/internal/users"
)

// Record is one processed command as kept in the ledger
type Record struct {
	RequestID   string
	Operation   command.Operation
	Entity      string
	Fingerprint string
	Status      command.Status
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// Response rebuilds the response envelope that was returned for the command
func (r *Record) Response() command.Response {
	return command.Response{
		RequestID: r.RequestID,
		Status:    r.Status,
		Payload:   r.Payload,
	}
}

// NewRecord builds the ledger record for env answered with resp
func NewRecord(env command.Envelope, fingerprint string, resp command.Response) *Record {
	return &Record{
		RequestID:   env.RequestID,
		Operation:   env.Operation,
		Entity:      env.Entity,
		Fingerprint: fingerprint,
		Status:      resp.Status,
		Payload:     resp.Payload,
	}
}

// Ledger stores processed commands keyed by request_id
type Ledger interface {
	// Lookup returns nil, nil when requestID was never recorded
	Lookup(ctx context.Context, requestID string) (*Record, error)
	Record(ctx context.Context, rec *Record) error
}

// Tx is the view of storage inside one unit of work
type Tx interface {
	Users() users.UserStore
	Ledger() Ledger
}

// Storage runs units of work. When fn returns an error nothing it wrote is
// kept.
type Storage interface {
	Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
