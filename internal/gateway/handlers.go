package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eion/relay/internal/command"
	"github.com/eion/relay/internal/dispatch"
	"github.com/eion/relay/internal/users"
)

func createUser(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, ok := bindData(c, true)
		if !ok {
			return
		}
		send(as, c, http.StatusCreated, command.OperationCreate, data)
	}
}

func updateUser(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, ok := bindData(c, false)
		if !ok {
			return
		}
		data["guid"] = c.Param("guid")
		send(as, c, http.StatusOK, command.OperationUpdate, data)
	}
}

func deleteUser(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID(c, "")
		send(as, c, http.StatusOK, command.OperationDelete, map[string]any{"guid": c.Param("guid")})
	}
}

func getUser(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID(c, "")
		send(as, c, http.StatusOK, command.OperationRead, map[string]any{"guid": c.Param("guid")})
	}
}

func listUsers(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID(c, "")
		data := map[string]any{}
		for _, key := range []string{"limit", "offset"} {
			raw := c.Query(key)
			if raw == "" {
				continue
			}
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				badRequest(c, fmt.Sprintf("%s must be a non-negative integer", key))
				return
			}
			data[key] = n
		}
		send(as, c, http.StatusOK, command.OperationRead, data)
	}
}

// bindData reads the JSON object body. A "request_id" member is removed and
// used as the request_id unless the header already supplies one. With
// guidAsID a body "guid" is the next fallback, so retrying a create for the
// same user replays it.
func bindData(c *gin.Context, guidAsID bool) (map[string]any, bool) {
	data := map[string]any{}
	if err := json.NewDecoder(c.Request.Body).Decode(&data); err != nil && !errors.Is(err, io.EOF) {
		requestID(c, "")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, codeInvalidRequest, "request body too large", nil)
			return nil, false
		}
		badRequest(c, "invalid request body")
		return nil, false
	}
	if data == nil {
		data = map[string]any{}
	}

	var bodyID string
	if raw, ok := data["request_id"]; ok {
		s, isString := raw.(string)
		if !isString {
			requestID(c, "")
			badRequest(c, "request_id must be a string")
			return nil, false
		}
		bodyID = s
		delete(data, "request_id")
	}
	if bodyID == "" && guidAsID {
		if guid, isString := data["guid"].(string); isString {
			bodyID = guid
		}
	}
	requestID(c, bodyID)
	return data, true
}

// requestID resolves the request_id for this call (header, then the body
// value, then a fresh UUID), stores it on the context and echoes it in the response header
func requestID(c *gin.Context, fromBody string) string {
	if id := c.GetString(HeaderRequestID); id != "" {
		return id
	}
	id := c.GetHeader(HeaderRequestID)
	if id == "" {
		id = fromBody
	}
	if id == "" {
		id = uuid.New().String()
	}
	c.Set(HeaderRequestID, id)
	c.Header(HeaderRequestID, id)
	return id
}

func send(as *AppState, c *gin.Context, okStatus int, op command.Operation, data map[string]any) {
	id := requestID(c, "")
	result, err := as.Dispatcher.Dispatch(c.Request.Context(), dispatch.Request{
		Operation: op,
		Entity:    users.EntityName,
		Data:      data,
		RequestID: id,
	})
	if err != nil {
		as.Logger.Info("Dispatch failed",
			zap.String("request_id", id),
			zap.String("operation", string(op)),
			zap.Error(err))
		writeDispatchError(c, err)
		return
	}

	payload := result.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	c.Data(okStatus, "application/json; charset=utf-8", payload)
}
