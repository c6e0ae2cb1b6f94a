package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/eion/relay/internal/command"
	"github.com/eion/relay/internal/storage"
	"github.com/eion/relay/internal/users"
)

// DataError reports envelope data that does not fit the operation
type DataError struct {
	Operation command.Operation
	Cause     error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("invalid data for %s: %v", e.Operation, e.Cause)
}

func (e *DataError) Unwrap() error {
	return e.Cause
}

type userCreateData struct {
	GUID  string `json:"guid"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type userUpdateData struct {
	GUID  string  `json:"guid"`
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

type userDeleteData struct {
	GUID string `json:"guid"`
}

type userReadData struct {
	GUID   string `json:"guid"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// UserHandler applies user commands through users.UserService
type UserHandler struct {
	newGUID func() string
}

// NewUserHandler creates the user entity handler
func NewUserHandler() *UserHandler {
	return &UserHandler{newGUID: uuid.NewString}
}

// Handle dispatches on the envelope operation
func (h *UserHandler) Handle(ctx context.Context, tx storage.Tx, env command.Envelope) (any, error) {
	svc := users.NewUserService(tx.Users())

	switch env.Operation {
	case command.OperationCreate:
		var data userCreateData
		if err := decodeData(env, &data); err != nil {
			return nil, err
		}
		guid := data.GUID
		if guid == "" {
			// a redelivered create must resolve to the same user
			if existing, err := svc.GetUserByRequestID(ctx, env.RequestID); err != nil {
				return nil, err
			} else if existing != nil {
				return existing, nil
			}
			guid = h.newGUID()
		}
		return svc.CreateUser(ctx, &users.CreateUserRequest{
			GUID:      guid,
			RequestID: env.RequestID,
			Name:      data.Name,
			Email:     data.Email,
		})

	case command.OperationUpdate:
		var data userUpdateData
		if err := decodeData(env, &data); err != nil {
			return nil, err
		}
		return svc.UpdateUser(ctx, entityKey(data.GUID, env), &users.UpdateUserRequest{
			Name:  data.Name,
			Email: data.Email,
		})

	case command.OperationDelete:
		var data userDeleteData
		if err := decodeData(env, &data); err != nil {
			return nil, err
		}
		guid := entityKey(data.GUID, env)
		if _, err := svc.DeleteUser(ctx, guid); err != nil {
			return nil, err
		}
		return users.DeleteResult{GUID: guid, Deleted: true}, nil

	case command.OperationRead:
		var data userReadData
		if err := decodeData(env, &data); err != nil {
			return nil, err
		}
		if data.GUID != "" {
			return svc.GetUser(ctx, data.GUID)
		}
		list, err := svc.ListUsers(ctx, data.Limit, data.Offset)
		if err != nil {
			return nil, err
		}
		return users.ListResult{Users: list, Count: len(list)}, nil
	}

	return nil, &DataError{Operation: env.Operation, Cause: fmt.Errorf("unsupported operation")}
}

// entityKey is the user guid a mutation targets: data.guid when present,
// else the request_id
func entityKey(guid string, env command.Envelope) string {
	if guid != "" {
		return guid
	}
	return env.RequestID
}

// decodeData maps env.Data onto out, rejecting unknown fields and wrong types
func decodeData(env command.Envelope, out any) error {
	if len(env.Data) == 0 {
		return nil
	}
	raw, err := json.Marshal(env.Data)
	if err != nil {
		return &DataError{Operation: env.Operation, Cause: err}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return &DataError{Operation: env.Operation, Cause: err}
	}
	return nil
}
