package users

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore implements UserStore with in-memory storage
type InMemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*User
	byRequest map[string]string
	now       func() time.Time
}

// NewInMemoryStore creates a new in-memory store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:     make(map[string]*User),
		byRequest: make(map[string]string),
		now:       time.Now,
	}
}

// CreateUser creates a new user. A user already created under the same
// request_id is returned unchanged.
func (s *InMemoryStore) CreateUser(ctx context.Context, req *CreateUserRequest) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if guid, exists := s.byRequest[req.RequestID]; exists {
		return copyUser(s.users[guid]), nil
	}
	if _, exists := s.users[req.GUID]; exists {
		return nil, NewUserAlreadyExistsError(req.GUID, "guid")
	}
	if req.Email != "" && s.emailTakenLocked(req.GUID, req.Email) {
		return nil, NewUserAlreadyExistsError(req.GUID, "email")
	}

	now := s.now().UTC()
	user := &User{
		GUID:      req.GUID,
		RequestID: req.RequestID,
		Name:      req.Name,
		Email:     req.Email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.users[user.GUID] = user
	s.byRequest[user.RequestID] = user.GUID

	return copyUser(user), nil
}

// GetUser retrieves a live user by guid
func (s *InMemoryStore) GetUser(ctx context.Context, guid string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[guid]
	if !exists || user.DeletedAt != nil {
		return nil, NewUserNotFoundError(guid)
	}
	return copyUser(user), nil
}

// GetUserByRequestID returns the user created by requestID, deleted or not
func (s *InMemoryStore) GetUserByRequestID(ctx context.Context, requestID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	guid, exists := s.byRequest[requestID]
	if !exists {
		return nil, nil
	}
	return copyUser(s.users[guid]), nil
}

// ListUsers lists live users ordered by creation time
func (s *InMemoryStore) ListUsers(ctx context.Context, limit, offset int) ([]*User, error) {
	s.mu.RLock()
	live := make([]*User, 0, len(s.users))
	for _, user := range s.users {
		if user.DeletedAt == nil {
			live = append(live, copyUser(user))
		}
	}
	s.mu.RUnlock()

	sort.Slice(live, func(i, j int) bool {
		if live[i].CreatedAt.Equal(live[j].CreatedAt) {
			return live[i].GUID < live[j].GUID
		}
		return live[i].CreatedAt.Before(live[j].CreatedAt)
	})

	if offset >= len(live) {
		return []*User{}, nil
	}
	live = live[offset:]
	if limit > 0 && limit < len(live) {
		live = live[:limit]
	}
	return live, nil
}

// UpdateUser applies a sparse update to a live user
func (s *InMemoryStore) UpdateUser(ctx context.Context, guid string, req *UpdateUserRequest) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[guid]
	if !exists || user.DeletedAt != nil {
		return nil, NewUserNotFoundError(guid)
	}
	if req.Email != nil && *req.Email != "" && s.emailTakenLocked(guid, *req.Email) {
		return nil, NewUserAlreadyExistsError(guid, "email")
	}

	if req.Name != nil {
		user.Name = *req.Name
	}
	if req.Email != nil {
		user.Email = *req.Email
	}
	user.UpdatedAt = s.now().UTC()

	return copyUser(user), nil
}

// DeleteUser soft-deletes a user
func (s *InMemoryStore) DeleteUser(ctx context.Context, guid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[guid]
	if !exists || user.DeletedAt != nil {
		return false, nil
	}
	now := s.now().UTC()
	user.DeletedAt = &now
	user.UpdatedAt = now
	return true, nil
}

// Clone returns an independent copy of the store
func (s *InMemoryStore) Clone() *InMemoryStore {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := &InMemoryStore{
		users:     make(map[string]*User, len(s.users)),
		byRequest: make(map[string]string, len(s.byRequest)),
		now:       s.now,
	}
	for guid, user := range s.users {
		cp.users[guid] = copyUser(user)
	}
	for requestID, guid := range s.byRequest {
		cp.byRequest[requestID] = guid
	}
	return cp
}

func (s *InMemoryStore) emailTakenLocked(guid, email string) bool {
	for _, user := range s.users {
		if user.GUID != guid && user.DeletedAt == nil && strings.EqualFold(user.Email, email) {
			return true
		}
	}
	return false
}

func copyUser(user *User) *User {
	cp := *user
	if user.DeletedAt != nil {
		deletedAt := *user.DeletedAt
		cp.DeletedAt = &deletedAt
	}
	return &cp
}
