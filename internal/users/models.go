package users

import (
	"time"
)

// EntityName is the envelope entity handled by this package
const EntityName = "user"

// User represents a user record owned by the persistence service
type User struct {
	GUID      string     `json:"guid"`
	RequestID string     `json:"request_id"`
	Name      string     `json:"name"`
	Email     string     `json:"email,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// CreateUserRequest represents the request to create a user
type CreateUserRequest struct {
	GUID      string `json:"guid"`
	RequestID string `json:"request_id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
}

// UpdateUserRequest is a sparse update: nil fields are left untouched
type UpdateUserRequest struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
}

// Empty reports whether the update changes nothing
func (r *UpdateUserRequest) Empty() bool {
	return r.Name == nil && r.Email == nil
}

// DeleteResult is the payload returned for a delete
type DeleteResult struct {
	GUID    string `json:"guid"`
	Deleted bool   `json:"deleted"`
}

// ListResult is the payload returned for a listing read
type ListResult struct {
	Users []*User `json:"users"`
	Count int     `json:"count"`
}
