package users

import (
	"context"
)

// UserStore defines the interface for user storage operations.
// Not-found surfaces as *UserError with type not_found.
type UserStore interface {
	CreateUser(ctx context.Context, req *CreateUserRequest) (*User, error)
	GetUser(ctx context.Context, guid string) (*User, error)
	// GetUserByRequestID also returns soft-deleted users; nil, nil when absent
	GetUserByRequestID(ctx context.Context, requestID string) (*User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]*User, error)
	UpdateUser(ctx context.Context, guid string, req *UpdateUserRequest) (*User, error)
	// DeleteUser soft-deletes and reports whether a live user was removed
	DeleteUser(ctx context.Context, guid string) (bool, error)
}

// UserService defines the interface for user service operations
type UserService interface {
	UserStore
}
