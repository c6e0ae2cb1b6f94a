package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eion/relay/internal/command"
	"github.com/eion/relay/internal/correlation"
	"github.com/eion/relay/internal/dispatch"
	"github.com/eion/relay/internal/health"
	"github.com/eion/relay/internal/processor"
	"github.com/eion/relay/internal/storage"
	"github.com/eion/relay/internal/transport/direct"
	"github.com/eion/relay/internal/users"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	logger := zap.NewNop()
	st := storage.NewMemoryStorage()
	d, err := dispatch.New(correlation.NewStore(), direct.New(processor.New(st, logger)), dispatch.Config{
		Timeout:     time.Second,
		MaxInFlight: 10,
		Overflow:    dispatch.OverflowQueue,
	}, logger)
	require.NoError(t, err)

	hm := health.NewManager(logger, time.Second)
	hm.AddChecker(health.NewDatabaseChecker(st.Ping))
	return NewRouter(&AppState{Dispatcher: d, Health: hm, Logger: logger}, RouterConfig{MaxRequestSize: 1 << 20})
}

type call struct {
	method    string
	path      string
	body      string
	requestID string
}

func do(t *testing.T, h http.Handler, c call) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if c.body != "" {
		req = httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(c.method, c.path, nil)
	}
	if c.requestID != "" {
		req.Header.Set(HeaderRequestID, c.requestID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

type errorBody struct {
	Error     string         `json:"error"`
	Code      string         `json:"code"`
	RequestID string         `json:"request_id"`
	Details   map[string]any `json:"details"`
}

func TestCreateAndGetUser(t *testing.T) {
	h := newTestRouter(t)

	w := do(t, h, call{method: http.MethodPost, path: "/users/create", requestID: "req-1",
		body: `{"guid":"u-1","name":"Ada","email":"ada@example.com"}`})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "req-1", w.Header().Get(HeaderRequestID))
	created := decode[users.User](t, w)
	assert.Equal(t, "u-1", created.GUID)
	assert.Equal(t, "req-1", created.RequestID)

	w = do(t, h, call{method: http.MethodGet, path: "/users/u-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
	assert.Equal(t, "Ada", decode[users.User](t, w).Name)
}

func TestCreateRequestIDSources(t *testing.T) {
	h := newTestRouter(t)

	w := do(t, h, call{method: http.MethodPost, path: "/users/create", body: `{"request_id":"body-id","name":"Ada"}`})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "body-id", w.Header().Get(HeaderRequestID))

	w = do(t, h, call{method: http.MethodPost, path: "/users/create", body: `{"name":"Grace"}`})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	generated := w.Header().Get(HeaderRequestID)
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, decode[users.User](t, w).RequestID)
}

func TestCreateIsIdempotentPerRequestID(t *testing.T) {
	h := newTestRouter(t)
	c := call{method: http.MethodPost, path: "/users/create", requestID: "req-1", body: `{"name":"Ada"}`}

	first := do(t, h, c)
	second := do(t, h, c)
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	w := do(t, h, call{method: http.MethodGet, path: "/users"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[users.ListResult](t, w).Count)
}

func TestCreateRetryWithGUIDReplays(t *testing.T) {
	h := newTestRouter(t)
	c := call{method: http.MethodPost, path: "/users/create", body: `{"guid":"u-7","name":"Ada"}`}

	first := do(t, h, c)
	second := do(t, h, c)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	require.Equal(t, http.StatusCreated, second.Code, second.Body.String())
	assert.Equal(t, "u-7", first.Header().Get(HeaderRequestID))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	// an explicit header still wins over the guid
	w := do(t, h, call{method: http.MethodPost, path: "/users/create", requestID: "req-9", body: `{"guid":"u-9","name":"Grace"}`})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "req-9", w.Header().Get(HeaderRequestID))
}

func TestUpdateAndDeleteUser(t *testing.T) {
	h := newTestRouter(t)
	require.Equal(t, http.StatusCreated, do(t, h, call{method: http.MethodPost, path: "/users/create",
		body: `{"guid":"u-1","name":"Ada"}`}).Code)

	w := do(t, h, call{method: http.MethodPut, path: "/users/update/u-1", body: `{"name":"Ada Lovelace"}`})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Ada Lovelace", decode[users.User](t, w).Name)

	w = do(t, h, call{method: http.MethodDelete, path: "/users/delete/u-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, users.DeleteResult{GUID: "u-1", Deleted: true}, decode[users.DeleteResult](t, w))

	w = do(t, h, call{method: http.MethodGet, path: "/users/u-1"})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, command.ReasonNotFound, decode[errorBody](t, w).Code)

	w = do(t, h, call{method: http.MethodPut, path: "/users/update/u-1", body: `{"name":"Again"}`})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListUsersPaging(t *testing.T) {
	h := newTestRouter(t)
	for _, name := range []string{"Ada", "Grace", "Edsger"} {
		require.Equal(t, http.StatusCreated, do(t, h, call{method: http.MethodPost, path: "/users/create",
			body: `{"name":"` + name + `"}`}).Code)
	}

	w := do(t, h, call{method: http.MethodGet, path: "/users?limit=2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[users.ListResult](t, w).Users, 2)

	w = do(t, h, call{method: http.MethodGet, path: "/users?offset=2"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[users.ListResult](t, w).Users, 1)
}

func TestBadInput(t *testing.T) {
	h := newTestRouter(t)

	tests := map[string]struct {
		call   call
		status int
		code   string
	}{
		"malformed json": {
			call:   call{method: http.MethodPost, path: "/users/create", body: `{"name":`},
			status: http.StatusBadRequest, code: codeInvalidRequest,
		},
		"non-string request_id": {
			call:   call{method: http.MethodPost, path: "/users/create", body: `{"request_id":7,"name":"Ada"}`},
			status: http.StatusBadRequest, code: codeInvalidRequest,
		},
		"negative limit": {
			call:   call{method: http.MethodGet, path: "/users?limit=-1"},
			status: http.StatusBadRequest, code: codeInvalidRequest,
		},
		"missing name": {
			call:   call{method: http.MethodPost, path: "/users/create", body: `{"email":"ada@example.com"}`},
			status: http.StatusUnprocessableEntity, code: command.ReasonValidationFailed,
		},
		"unknown field": {
			call:   call{method: http.MethodPost, path: "/users/create", body: `{"name":"Ada","role":"admin"}`},
			status: http.StatusUnprocessableEntity, code: command.ReasonValidationFailed,
		},
		"empty update": {
			call:   call{method: http.MethodPut, path: "/users/update/u-1", body: `{}`},
			status: http.StatusUnprocessableEntity, code: command.ReasonValidationFailed,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			w := do(t, h, tt.call)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			body := decode[errorBody](t, w)
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, w.Header().Get(HeaderRequestID), body.RequestID)
			assert.NotEmpty(t, body.RequestID)
		})
	}
}

func TestRequestBodyLimit(t *testing.T) {
	logger := zap.NewNop()
	h := NewRouter(&AppState{Dispatcher: &stubDispatcher{}, Logger: logger}, RouterConfig{MaxRequestSize: 16})

	w := do(t, h, call{method: http.MethodPost, path: "/users/create", body: `{"name":"` + strings.Repeat("a", 64) + `"}`})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

type stubDispatcher struct {
	err      error
	inFlight int
	last     dispatch.Request
}

func (s *stubDispatcher) Dispatch(_ context.Context, req dispatch.Request) (*dispatch.Result, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &dispatch.Result{RequestID: req.RequestID, Payload: json.RawMessage(`{}`)}, nil
}

func (s *stubDispatcher) InFlight() int { return s.inFlight }

func TestDispatchErrorMapping(t *testing.T) {
	tests := map[string]struct {
		err     error
		status  int
		code    string
		details map[string]any
	}{
		"timeout": {
			err:    &dispatch.TimeoutError{RequestID: "r", Timeout: time.Second},
			status: http.StatusGatewayTimeout, code: codeDispatchTimeout,
			details: map[string]any{"retryable": true},
		},
		"transport": {
			err:    &dispatch.TransportError{RequestID: "r", Cause: errors.New("connection refused")},
			status: http.StatusBadGateway, code: codeTransportError,
		},
		"saturated": {
			err:    dispatch.ErrSaturated,
			status: http.StatusServiceUnavailable, code: codeSaturated,
		},
		"duplicate in flight": {
			err:    &dispatch.DuplicateRequestIDError{RequestID: "r"},
			status: http.StatusConflict, code: codeDuplicateRequestID,
			details: map[string]any{"in_flight": true},
		},
		"canceled": {
			err:    context.Canceled,
			status: statusClientClosedRequest, code: codeCanceled,
		},
		"request_id conflict": {
			err:    &dispatch.RemoteOperationError{RequestID: "r", Detail: command.ErrorDetail{Reason: command.ReasonRequestIDConflict}},
			status: http.StatusConflict, code: command.ReasonRequestIDConflict,
		},
		"unsupported entity": {
			err:    &dispatch.RemoteOperationError{RequestID: "r", Detail: command.ErrorDetail{Reason: command.ReasonUnsupportedEntity}},
			status: http.StatusBadRequest, code: command.ReasonUnsupportedEntity,
		},
		"storage failure": {
			err:    &dispatch.RemoteOperationError{RequestID: "r", Detail: command.ErrorDetail{Reason: command.ReasonStorageFailure}},
			status: http.StatusBadGateway, code: command.ReasonStorageFailure,
		},
		"remote details are passed through": {
			err: &dispatch.RemoteOperationError{RequestID: "r", Detail: command.ErrorDetail{
				Reason: command.ReasonConflict, Message: "email taken", Details: map[string]any{"field": "email"},
			}},
			status: http.StatusConflict, code: command.ReasonConflict,
			details: map[string]any{"field": "email"},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h := NewRouter(&AppState{Dispatcher: &stubDispatcher{err: tt.err}}, RouterConfig{})
			w := do(t, h, call{method: http.MethodDelete, path: "/users/delete/u-1", requestID: "r"})
			require.Equal(t, tt.status, w.Code)
			body := decode[errorBody](t, w)
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, "r", body.RequestID)
			assert.Equal(t, tt.details, body.Details)
		})
	}
}

func TestUpdateUsesPathGUID(t *testing.T) {
	stub := &stubDispatcher{}
	h := NewRouter(&AppState{Dispatcher: stub}, RouterConfig{})

	w := do(t, h, call{method: http.MethodPut, path: "/users/update/u-9", body: `{"guid":"other","email":"a@b.c"}`})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, command.OperationUpdate, stub.last.Operation)
	assert.Equal(t, users.EntityName, stub.last.Entity)
	assert.Equal(t, map[string]any{"guid": "u-9", "email": "a@b.c"}, stub.last.Data)
}

func TestHealth(t *testing.T) {
	stub := &stubDispatcher{inFlight: 3}
	hm := health.NewManager(nil, time.Second)
	hm.AddChecker(health.NewTransportChecker(func(context.Context) error { return errors.New("peer down") }))
	h := NewRouter(&AppState{Dispatcher: stub, Health: hm}, RouterConfig{AllowOrigins: []string{"https://admin.example.com"}})

	w := do(t, h, call{method: http.MethodGet, path: "/health"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 3, body["in_flight"])

	hm.AddChecker(health.NewDatabaseChecker(func(context.Context) error { return errors.New("down") }))
	w = do(t, h, call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode[map[string]any](t, w)["status"])
}
