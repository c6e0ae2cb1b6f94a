// Package zerrors holds storage error types shared by every store.
package zerrors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/uptrace/bun/driver/pgdriver"
)

// StorageError represents errors related to storage operations
type StorageError struct {
	Type      string
	Operation string
	Resource  string
	Message   string
	Cause     error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("storage error [%s] during %s on %s: %s (caused by: %v)",
			e.Type, e.Operation, e.Resource, e.Message, e.Cause)
	}
	return fmt.Sprintf("storage error [%s] during %s on %s: %s",
		e.Type, e.Operation, e.Resource, e.Message)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether repeating the operation may succeed
func (e *StorageError) Retryable() bool {
	return e.Type == StorageErrorTypeConnectionFailed || e.Type == StorageErrorTypeSerializationFailure
}

// Storage error types
const (
	StorageErrorTypeConnectionFailed     = "connection_failed"
	StorageErrorTypeQueryFailed          = "query_failed"
	StorageErrorTypeConstraintViolation  = "constraint_violation"
	StorageErrorTypeSerializationFailure = "serialization_failure"
)

// SQLSTATE codes we distinguish
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// NewStorageConnectionError creates an error for storage connection failures
func NewStorageConnectionError(operation, resource string, cause error) *StorageError {
	return &StorageError{
		Type:      StorageErrorTypeConnectionFailed,
		Operation: operation,
		Resource:  resource,
		Message:   "failed to connect to storage",
		Cause:     cause,
	}
}

// NewStorageQueryError creates an error for storage query failures
func NewStorageQueryError(operation, resource string, cause error) *StorageError {
	return &StorageError{
		Type:      StorageErrorTypeQueryFailed,
		Operation: operation,
		Resource:  resource,
		Message:   "storage query failed",
		Cause:     cause,
	}
}

// NewStorageConstraintError creates an error for constraint violations
func NewStorageConstraintError(operation, resource string, cause error) *StorageError {
	return &StorageError{
		Type:      StorageErrorTypeConstraintViolation,
		Operation: operation,
		Resource:  resource,
		Message:   "storage constraint violation",
		Cause:     cause,
	}
}

// NewStorageSerializationError creates an error for transactions aborted by a concurrent writer
func NewStorageSerializationError(operation, resource string, cause error) *StorageError {
	return &StorageError{
		Type:      StorageErrorTypeSerializationFailure,
		Operation: operation,
		Resource:  resource,
		Message:   "concurrent update conflict",
		Cause:     cause,
	}
}

// Classify wraps a driver error in the matching StorageError
func Classify(operation, resource string, err error) *StorageError {
	var se *StorageError
	if errors.As(err, &se) {
		return se
	}

	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		switch code := pgErr.Field('C'); {
		case code == codeUniqueViolation || pgErr.IntegrityViolation():
			return NewStorageConstraintError(operation, resource, err)
		case code == codeSerializationFailure || code == codeDeadlockDetected:
			return NewStorageSerializationError(operation, resource, err)
		}
		return NewStorageQueryError(operation, resource, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "connection refused") {
		return NewStorageConnectionError(operation, resource, err)
	}

	return NewStorageQueryError(operation, resource, err)
}

// IsUniqueViolation reports whether err is a unique constraint violation
func IsUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == codeUniqueViolation
	}
	var se *StorageError
	return errors.As(err, &se) && se.Type == StorageErrorTypeConstraintViolation
}
