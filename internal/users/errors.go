package users

import (
	"errors"
	"fmt"
)

// UserError represents errors related to user operations
type UserError struct {
	Type    string
	GUID    string
	Message string
	Cause   error
}

func (e *UserError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("user error [%s] for user %s: %s (caused by: %v)", e.Type, e.GUID, e.Message, e.Cause)
	}
	return fmt.Sprintf("user error [%s] for user %s: %s", e.Type, e.GUID, e.Message)
}

func (e *UserError) Unwrap() error {
	return e.Cause
}

// User error types
const (
	UserErrorTypeAlreadyExists    = "already_exists"
	UserErrorTypeNotFound         = "not_found"
	UserErrorTypeValidationFailed = "validation_failed"
)

// NewUserNotFoundError creates an error for when a user is not found
func NewUserNotFoundError(guid string) *UserError {
	return &UserError{
		Type:    UserErrorTypeNotFound,
		GUID:    guid,
		Message: "user not found",
	}
}

// NewUserAlreadyExistsError creates an error for a duplicate guid or email
func NewUserAlreadyExistsError(guid, field string) *UserError {
	return &UserError{
		Type:    UserErrorTypeAlreadyExists,
		GUID:    guid,
		Message: fmt.Sprintf("a user with this %s already exists", field),
	}
}

// NewUserValidationError creates an error for user validation failures
func NewUserValidationError(guid, message string) *UserError {
	return &UserError{
		Type:    UserErrorTypeValidationFailed,
		GUID:    guid,
		Message: message,
	}
}

// IsNotFound reports whether err is a user not_found error
func IsNotFound(err error) bool {
	var ue *UserError
	return errors.As(err, &ue) && ue.Type == UserErrorTypeNotFound
}
