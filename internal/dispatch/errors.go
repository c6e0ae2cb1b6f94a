package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/eion/relay/internal/command"
	"github.com/eion/relay/internal/correlation"
)

// ErrSaturated is returned under the fail_fast overflow policy when every
// in-flight slot is taken
var ErrSaturated = errors.New("dispatcher saturated: too many requests in flight")

// ErrInvalidRequest wraps requests that cannot form a valid envelope
var ErrInvalidRequest = errors.New("invalid dispatch request")

// DuplicateRequestIDError is returned when the request_id is already in flight
type DuplicateRequestIDError = correlation.DuplicateRequestIDError

// TransportError reports that delivery to the processor could not be attempted
// or confirmed. No pending entry is left behind.
type TransportError struct {
	RequestID string
	Cause     error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport error for request %s: %v", e.RequestID, e.Cause)
	}
	return fmt.Sprintf("transport error for request %s", e.RequestID)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// TimeoutError (DispatchTimeout) reports that no response arrived before the
// deadline. The outcome of the command is unknown; retrying with the same
// request_id is safe.
type TimeoutError struct {
	RequestID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response for request %s within %s", e.RequestID, e.Timeout)
}

// Retryable is always true for timeouts
func (e *TimeoutError) Retryable() bool {
	return true
}

// RemoteOperationError carries the processor's structured failure verbatim
type RemoteOperationError struct {
	RequestID string
	Detail    command.ErrorDetail
}

func (e *RemoteOperationError) Error() string {
	return fmt.Sprintf("remote operation failed for request %s [%s]: %s", e.RequestID, e.Detail.Reason, e.Detail.Message)
}

// Reason returns the processor's failure reason, e.g. "not_found"
func (e *RemoteOperationError) Reason() string {
	return e.Detail.Reason
}
