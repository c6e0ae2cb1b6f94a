package users

import (
	"context"
	"net/mail"
	"strings"
)

const (
	maxNameLength = 200
	maxListLimit  = 500
)

// UserServiceImpl implements the UserService interface
type UserServiceImpl struct {
	store UserStore
}

// NewUserService creates a new user service instance
func NewUserService(store UserStore) *UserServiceImpl {
	return &UserServiceImpl{
		store: store,
	}
}

// CreateUser creates a new user
func (s *UserServiceImpl) CreateUser(ctx context.Context, req *CreateUserRequest) (*User, error) {
	if req.RequestID == "" {
		return nil, NewUserValidationError(req.GUID, "request_id is required")
	}
	if req.GUID == "" {
		return nil, NewUserValidationError(req.GUID, "guid is required")
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := validateName(req.GUID, req.Name); err != nil {
		return nil, err
	}
	if req.Email != "" {
		if err := validateEmail(req.GUID, req.Email); err != nil {
			return nil, err
		}
	}
	return s.store.CreateUser(ctx, req)
}

// GetUser retrieves a live user
func (s *UserServiceImpl) GetUser(ctx context.Context, guid string) (*User, error) {
	if guid == "" {
		return nil, NewUserValidationError(guid, "guid is required")
	}
	return s.store.GetUser(ctx, guid)
}

// GetUserByRequestID retrieves the user created by requestID
func (s *UserServiceImpl) GetUserByRequestID(ctx context.Context, requestID string) (*User, error) {
	return s.store.GetUserByRequestID(ctx, requestID)
}

// ListUsers lists live users
func (s *UserServiceImpl) ListUsers(ctx context.Context, limit, offset int) ([]*User, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListUsers(ctx, limit, offset)
}

// UpdateUser applies a sparse update
func (s *UserServiceImpl) UpdateUser(ctx context.Context, guid string, req *UpdateUserRequest) (*User, error) {
	if guid == "" {
		return nil, NewUserValidationError(guid, "guid is required")
	}
	if req.Empty() {
		return nil, NewUserValidationError(guid, "update must set at least one field")
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if err := validateName(guid, name); err != nil {
			return nil, err
		}
		req.Name = &name
	}
	if req.Email != nil && *req.Email != "" {
		if err := validateEmail(guid, *req.Email); err != nil {
			return nil, err
		}
	}
	return s.store.UpdateUser(ctx, guid, req)
}

// DeleteUser deletes a user
func (s *UserServiceImpl) DeleteUser(ctx context.Context, guid string) (bool, error) {
	if guid == "" {
		return false, NewUserValidationError(guid, "guid is required")
	}
	return s.store.DeleteUser(ctx, guid)
}

func validateName(guid, name string) error {
	if name == "" {
		return NewUserValidationError(guid, "name is required")
	}
	if len(name) > maxNameLength {
		return NewUserValidationError(guid, "name is too long")
	}
	return nil
}

func validateEmail(guid, email string) error {
	if _, err := mail.ParseAddress(email); err != nil {
		return NewUserValidationError(guid, "email is not a valid address")
	}
	return nil
}
