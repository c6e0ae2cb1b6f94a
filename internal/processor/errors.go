package processor

import (
	"errors"
	"fmt"

	"github.com/eion/relay/internal/command"
	"github.com/eion/relay/internal/zerrors"
)

// StorageError is a storage failure met while applying a command. It never
// leaves the processor: Apply converts it into an error response.
type StorageError struct {
	RequestID string
	Operation command.Operation
	Cause     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure applying %s for request %s: %v", e.Operation, e.RequestID, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a redelivery may succeed. A constraint violation
// here means a concurrent writer recorded the command first, so a retry
// replays its response.
func (e *StorageError) Retryable() bool {
	var se *zerrors.StorageError
	if errors.As(e.Cause, &se) {
		return se.Retryable() || se.Type == zerrors.StorageErrorTypeConstraintViolation
	}
	return true
}

// Response converts the failure into the error response envelope
func (e *StorageError) Response() command.Response {
	return command.Failure(e.RequestID, command.ErrorDetail{
		Reason:    command.ReasonStorageFailure,
		Message:   e.Error(),
		Retryable: e.Retryable(),
	})
}
