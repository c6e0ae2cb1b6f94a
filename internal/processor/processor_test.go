package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eion/relay/internal/command"
	"github.com/eion/relay/internal/storage"
	"github.com/eion/relay/internal/users"
	"github.com/eion/relay/internal/zerrors"
)

func newTestProcessor() (*Processor, *storage.MemoryStorage) {
	st := storage.NewMemoryStorage()
	return New(st, zap.NewNop()), st
}

func decodeUser(t *testing.T, resp command.Response) users.User {
	t.Helper()
	require.True(t, resp.OK(), "expected success, got %s", resp.ErrorDetail())
	var user users.User
	require.NoError(t, json.Unmarshal(resp.Payload, &user))
	return user
}

func listUsers(t *testing.T, p *Processor) users.ListResult {
	t.Helper()
	resp := p.Apply(context.Background(), command.New("list", command.OperationRead, users.EntityName, nil))
	require.True(t, resp.OK())
	var list users.ListResult
	require.NoError(t, json.Unmarshal(resp.Payload, &list))
	return list
}

func TestApplyCreate(t *testing.T) {
	p, _ := newTestProcessor()

	resp := p.Apply(context.Background(), command.New("r-1", command.OperationCreate, users.EntityName,
		map[string]any{"guid": "u-1", "name": "Ada", "email": "ada@example.com"}))

	assert.Equal(t, "r-1", resp.RequestID)
	user := decodeUser(t, resp)
	assert.Equal(t, "u-1", user.GUID)
	assert.Equal(t, "Ada", user.Name)
	assert.Equal(t, "r-1", user.RequestID)
}

func TestApplyCreateGeneratesGUID(t *testing.T) {
	p, _ := newTestProcessor()

	resp := p.Apply(context.Background(), command.New("r-1", command.OperationCreate, users.EntityName,
		map[string]any{"name": "Ada"}))
	user := decodeUser(t, resp)
	assert.NotEmpty(t, user.GUID)
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p, st := newTestProcessor()
	env := command.New("r-1", command.OperationCreate, users.EntityName, map[string]any{"name": "Ada"})

	first := p.Apply(ctx, env)
	second := p.Apply(ctx, env)

	require.True(t, first.OK())
	assert.Equal(t, first, second)
	assert.Len(t, listUsers(t, p).Users, 1)
	assert.Equal(t, 1, st.LedgerLen())
}

func TestApplyConcurrentRedeliveries(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor()
	env := command.New("r-1", command.OperationCreate, users.EntityName, map[string]any{"name": "Ada"})

	const deliveries = 20
	responses := make([]command.Response, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = p.Apply(ctx, env)
		}(i)
	}
	wg.Wait()

	for _, resp := range responses[1:] {
		assert.Equal(t, responses[0], resp)
	}
	assert.Len(t, listUsers(t, p).Users, 1)
	assert.Equal(t, 0, p.locks.len())
}

func TestApplyRequestIDConflict(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor()

	first := p.Apply(ctx, command.New("r-1", command.OperationCreate, users.EntityName, map[string]any{"name": "Ada"}))
	require.True(t, first.OK())

	resp := p.Apply(ctx, command.New("r-1", command.OperationCreate, users.EntityName, map[string]any{"name": "Grace"}))
	require.False(t, resp.OK())
	assert.Equal(t, command.ReasonRequestIDConflict, resp.ErrorDetail().Reason)
	assert.Len(t, listUsers(t, p).Users, 1)
}

func TestApplyUpdate(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor()

	require.True(t, p.Apply(ctx, command.New("r-1", command.OperationCreate, users.EntityName,
		map[string]any{"guid": "u-1", "name": "Ada"})).OK())

	resp := p.Apply(ctx, command.New("r-2", command.OperationUpdate, users.EntityName,
		map[string]any{"guid": "u-1", "email": "ada@example.com"}))
	user := decodeUser(t, resp)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, "Ada", user.Name)
}

func TestApplyUpdateMissingUser(t *testing.T) {
	ctx := context.Background()
	p, st := newTestProcessor()
	env := command.New("r-1", command.OperationUpdate, users.EntityName, map[string]any{"guid": "nobody", "name": "X"})

	resp := p.Apply(ctx, env)
	require.False(t, resp.OK())
	detail := resp.ErrorDetail()
	assert.Equal(t, command.ReasonNotFound, detail.Reason)
	assert.False(t, detail.Retryable)

	// deterministic failures are recorded and replayed
	assert.Equal(t, 1, st.LedgerLen())
	assert.Equal(t, resp, p.Apply(ctx, env))
}

func TestApplyUpdateUsesRequestIDAsKey(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor()

	require.True(t, p.Apply(ctx, command.New("c-1", command.OperationCreate, users.EntityName,
		map[string]any{"guid": "same-id", "name": "Ada"})).OK())

	resp := p.Apply(ctx, command.New("same-id", command.OperationUpdate, users.EntityName,
		map[string]any{"name": "Ada King"}))
	user := decodeUser(t, resp)
	assert.Equal(t, "same-id", user.GUID)
	assert.Equal(t, "Ada King", user.Name)
}

func TestApplyDelete(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor()

	require.True(t, p.Apply(ctx, command.New("r-1", command.OperationCreate, users.EntityName,
		map[string]any{"guid": "u-1", "name": "Ada"})).OK())

	for _, requestID := range []string{"d-1", "d-2"} {
		resp := p.Apply(ctx, command.New(requestID, command.OperationDelete, users.EntityName,
			map[string]any{"guid": "u-1"}))
		require.True(t, resp.OK())
		assert.JSONEq(t, `{"guid":"u-1","deleted":true}`, string(resp.Payload))
	}

	resp := p.Apply(ctx, command.New("g-1", command.OperationRead, users.EntityName, map[string]any{"guid": "u-1"}))
	assert.Equal(t, command.ReasonNotFound, resp.ErrorDetail().Reason)
}

func TestApplyReadIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	p, st := newTestProcessor()

	require.True(t, p.Apply(ctx, command.New("r-1", command.OperationCreate, users.EntityName,
		map[string]any{"guid": "u-1", "name": "Ada"})).OK())

	resp := p.Apply(ctx, command.New("g-1", command.OperationRead, users.EntityName, map[string]any{"guid": "u-1"}))
	assert.Equal(t, "Ada", decodeUser(t, resp).Name)
	assert.Equal(t, 1, st.LedgerLen())
}

func TestApplyRejections(t *testing.T) {
	p, _ := newTestProcessor()

	tests := []struct {
		name   string
		env    command.Envelope
		reason string
	}{
		{"MissingRequestID", command.New("", command.OperationCreate, users.EntityName, nil), command.ReasonMalformedEnvelope},
		{"MissingEntity", command.New("r", command.OperationCreate, "", nil), command.ReasonMalformedEnvelope},
		{"UnknownOperation", command.New("r", command.Operation("merge"), users.EntityName, nil), command.ReasonUnsupportedOperation},
		{"UnknownEntity", command.New("r", command.OperationCreate, "invoice", nil), command.ReasonUnsupportedEntity},
		{"UnknownField", command.New("r", command.OperationCreate, users.EntityName, map[string]any{"name": "A", "age": 3}), command.ReasonValidationFailed},
		{"WrongType", command.New("r2", command.OperationCreate, users.EntityName, map[string]any{"name": 7}), command.ReasonValidationFailed},
		{"MissingName", command.New("r3", command.OperationCreate, users.EntityName, map[string]any{}), command.ReasonValidationFailed},
		{"EmptyUpdate", command.New("r4", command.OperationUpdate, users.EntityName, map[string]any{"guid": "u"}), command.ReasonValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := p.Apply(context.Background(), tt.env)
			assert.Equal(t, tt.env.RequestID, resp.RequestID)
			require.False(t, resp.OK())
			assert.Equal(t, tt.reason, resp.ErrorDetail().Reason)
		})
	}
}

func TestApplyConflict(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor()

	require.True(t, p.Apply(ctx, command.New("r-1", command.OperationCreate, users.EntityName,
		map[string]any{"guid": "u-1", "name": "Ada"})).OK())

	resp := p.Apply(ctx, command.New("r-2", command.OperationCreate, users.EntityName,
		map[string]any{"guid": "u-1", "name": "Grace"}))
	assert.Equal(t, command.ReasonConflict, resp.ErrorDetail().Reason)
}

func TestApplyStorageFailureIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	p, st := newTestProcessor()

	calls := 0
	p.Register("flaky", HandlerFunc(func(ctx context.Context, tx storage.Tx, env command.Envelope) (any, error) {
		calls++
		if calls == 1 {
			return nil, zerrors.NewStorageConnectionError("create", "flaky", errors.New("connection reset"))
		}
		return map[string]int{"attempt": calls}, nil
	}))
	env := command.New("r-1", command.OperationCreate, "flaky", nil)

	resp := p.Apply(ctx, env)
	require.False(t, resp.OK())
	detail := resp.ErrorDetail()
	assert.Equal(t, command.ReasonStorageFailure, detail.Reason)
	assert.True(t, detail.Retryable)
	assert.Equal(t, 0, st.LedgerLen())

	resp = p.Apply(ctx, env)
	require.True(t, resp.OK())
	assert.JSONEq(t, `{"attempt":2}`, string(resp.Payload))
	assert.Equal(t, 1, st.LedgerLen())
}
