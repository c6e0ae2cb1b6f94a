package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/eion/relay/internal/command"
	"github.com/eion/relay/internal/correlation"
	"github.com/eion/relay/internal/processor"
	"github.com/eion/relay/internal/storage"
	"github.com/eion/relay/internal/transport"
	"github.com/eion/relay/internal/transport/direct"
	"github.com/eion/relay/internal/users"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedTransport answers each Send with respond(env), or drops it when
// respond is nil
type scriptedTransport struct {
	mu      sync.Mutex
	handler transport.ResponseHandler
	sendErr error
	respond func(env command.Envelope) []command.Response
	sent    []command.Envelope
}

func (s *scriptedTransport) OnResponse(h transport.ResponseHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *scriptedTransport) Send(ctx context.Context, env command.Envelope) error {
	s.mu.Lock()
	s.sent = append(s.sent, env)
	handler, respond, sendErr := s.handler, s.respond, s.sendErr
	s.mu.Unlock()

	if respond != nil {
		for _, resp := range respond(env) {
			handler(ctx, resp)
		}
	}
	return sendErr
}

func (s *scriptedTransport) Close() error { return nil }

func testConfig() Config {
	return Config{Timeout: 2 * time.Second, MaxInFlight: 16, Overflow: OverflowQueue}
}

func newDispatcher(t *testing.T, tr transport.Transport, cfg Config, opts ...Option) *Dispatcher {
	t.Helper()
	d, err := New(correlation.NewStore(), tr, cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	return d
}

func newDirectDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	proc := processor.New(storage.NewMemoryStorage(), zap.NewNop())
	return newDispatcher(t, direct.New(proc), testConfig())
}

func TestDispatchCreate(t *testing.T) {
	d := newDirectDispatcher(t)

	result, err := d.Dispatch(context.Background(), Request{
		Operation: command.OperationCreate,
		Entity:    users.EntityName,
		Data:      map[string]any{"guid": "u-1", "name": "Ada", "email": "ada@example.com"},
		RequestID: "u-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "u-1", result.RequestID)

	var user users.User
	require.NoError(t, json.Unmarshal(result.Payload, &user))
	assert.Equal(t, "Ada", user.Name)
	assert.Equal(t, 0, d.InFlight())
}

func TestDispatchGeneratesRequestID(t *testing.T) {
	proc := processor.New(storage.NewMemoryStorage(), zap.NewNop())
	d := newDispatcher(t, direct.New(proc), testConfig(), WithIDGenerator(func() string { return "generated" }))

	result, err := d.Dispatch(context.Background(), Request{
		Operation: command.OperationCreate,
		Entity:    users.EntityName,
		Data:      map[string]any{"name": "Ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, "generated", result.RequestID)
}

func TestDispatchRemoteFailure(t *testing.T) {
	d := newDirectDispatcher(t)

	_, err := d.Dispatch(context.Background(), Request{
		Operation: command.OperationUpdate,
		Entity:    users.EntityName,
		Data:      map[string]any{"guid": "ghost", "name": "X"},
		RequestID: "r-1",
	})

	var remote *RemoteOperationError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "r-1", remote.RequestID)
	assert.Equal(t, command.ReasonNotFound, remote.Reason())
	assert.Equal(t, 0, d.InFlight())
}

func TestDispatchTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	d := newDispatcher(t, &scriptedTransport{}, cfg)

	start := time.Now()
	_, err := d.Dispatch(context.Background(), Request{
		Operation: command.OperationCreate,
		Entity:    users.EntityName,
		RequestID: "r-1",
	})
	elapsed := time.Since(start)

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "r-1", timeout.RequestID)
	assert.True(t, timeout.Retryable())
	assert.GreaterOrEqual(t, elapsed, cfg.Timeout)
	assert.Less(t, elapsed, cfg.Timeout+time.Second)
	assert.Equal(t, 0, d.InFlight())
}

func TestDispatchLateResponseIsDropped(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	tr := &scriptedTransport{}
	d := newDispatcher(t, tr, cfg)

	_, err := d.Dispatch(context.Background(), Request{Operation: command.OperationDelete, Entity: "user", RequestID: "r-1"})
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)

	// a response arriving after the timeout finds no entry
	resp, _ := command.Success("r-1", map[string]bool{"deleted": true})
	tr.handler(context.Background(), resp)
	assert.Equal(t, 0, d.InFlight())
}

func TestDispatchTransportError(t *testing.T) {
	sendErr := errors.New("connection refused")
	d := newDispatcher(t, &scriptedTransport{sendErr: sendErr}, testConfig())

	_, err := d.Dispatch(context.Background(), Request{
		Operation: command.OperationCreate,
		Entity:    users.EntityName,
		RequestID: "r-1",
	})

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "r-1", te.RequestID)
	assert.ErrorIs(t, err, sendErr)
	assert.Equal(t, 0, d.InFlight())
}

func TestDispatchSendErrorAfterDelivery(t *testing.T) {
	tr := &scriptedTransport{
		sendErr: errors.New("ack lost"),
		respond: func(env command.Envelope) []command.Response {
			resp, _ := command.Success(env.RequestID, map[string]string{"guid": "u-1"})
			return []command.Response{resp}
		},
	}
	d := newDispatcher(t, tr, testConfig())

	result, err := d.Dispatch(context.Background(), Request{Operation: command.OperationCreate, Entity: "user", RequestID: "r-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"guid":"u-1"}`, string(result.Payload))
}

func TestDispatchDuplicateResponsesDeliveredOnce(t *testing.T) {
	tr := &scriptedTransport{
		respond: func(env command.Envelope) []command.Response {
			first, _ := command.Success(env.RequestID, map[string]int{"n": 1})
			second, _ := command.Success(env.RequestID, map[string]int{"n": 2})
			return []command.Response{first, second}
		},
	}
	d := newDispatcher(t, tr, testConfig())

	result, err := d.Dispatch(context.Background(), Request{Operation: command.OperationCreate, Entity: "user", RequestID: "r-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(result.Payload))
	assert.Equal(t, 0, d.InFlight())
}

func TestDispatchDuplicateInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 300 * time.Millisecond
	d := newDispatcher(t, &scriptedTransport{}, cfg)
	req := Request{Operation: command.OperationUpdate, Entity: "user", RequestID: "r-1"}

	firstErr := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), req)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return d.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	_, err := d.Dispatch(context.Background(), req)
	var dup *DuplicateRequestIDError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "r-1", dup.RequestID)

	var timeout *TimeoutError
	assert.ErrorAs(t, <-firstErr, &timeout)
}

func TestDispatchFailFastSaturation(t *testing.T) {
	cfg := Config{Timeout: 300 * time.Millisecond, MaxInFlight: 1, Overflow: OverflowFailFast}
	d := newDispatcher(t, &scriptedTransport{}, cfg)

	firstErr := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), Request{Operation: command.OperationCreate, Entity: "user", RequestID: "r-1"})
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return d.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	_, err := d.Dispatch(context.Background(), Request{Operation: command.OperationCreate, Entity: "user", RequestID: "r-2"})
	assert.ErrorIs(t, err, ErrSaturated)
	<-firstErr
}

func TestDispatchQueueWaitsForSlot(t *testing.T) {
	cfg := Config{Timeout: 100 * time.Millisecond, MaxInFlight: 1, Overflow: OverflowQueue}
	d := newDispatcher(t, &scriptedTransport{}, cfg)

	firstErr := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), Request{Operation: command.OperationCreate, Entity: "user", RequestID: "r-1"})
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return d.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	// the queued request cannot get a response before its deadline
	_, err := d.Dispatch(context.Background(), Request{Operation: command.OperationCreate, Entity: "user", RequestID: "r-2"})
	var timeout *TimeoutError
	assert.ErrorAs(t, err, &timeout)
	<-firstErr
}

func TestDispatchCallerCancellation(t *testing.T) {
	d := newDispatcher(t, &scriptedTransport{}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := d.Dispatch(ctx, Request{Operation: command.OperationCreate, Entity: "user", RequestID: "r-1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, d.InFlight())
}

func TestDispatchInvalidRequest(t *testing.T) {
	tr := &scriptedTransport{}
	d := newDispatcher(t, tr, testConfig())

	_, err := d.Dispatch(context.Background(), Request{Operation: command.OperationCreate, RequestID: "r-1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = d.Dispatch(context.Background(), Request{Operation: "merge", Entity: "user", RequestID: "r-1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, tr.sent)
}

func TestDispatchConcurrentDistinctRequests(t *testing.T) {
	d := newDirectDispatcher(t)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), Request{
				Operation: command.OperationCreate,
				Entity:    users.EntityName,
				Data:      map[string]any{"name": "user"},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, d.InFlight())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, testConfig().Validate())
	assert.Error(t, Config{Timeout: 0, MaxInFlight: 1, Overflow: OverflowQueue}.Validate())
	assert.Error(t, Config{Timeout: time.Second, MaxInFlight: 0, Overflow: OverflowQueue}.Validate())
	assert.Error(t, Config{Timeout: time.Second, MaxInFlight: 1, Overflow: "drop"}.Validate())

	_, err := New(nil, &scriptedTransport{}, testConfig(), nil)
	assert.Error(t, err)
	_, err = New(correlation.NewStore(), nil, testConfig(), nil)
	assert.Error(t, err)
}

// stuckTransport holds every Send until release is closed, ignoring ctx, then
// answers with a success
type stuckTransport struct {
	handler  transport.ResponseHandler
	release  chan struct{}
	finished chan struct{}
}

func (s *stuckTransport) OnResponse(h transport.ResponseHandler) { s.handler = h }

func (s *stuckTransport) Send(ctx context.Context, env command.Envelope) error {
	defer close(s.finished)
	<-s.release
	resp, _ := command.Success(env.RequestID, map[string]string{"guid": "u-1"})
	s.handler(ctx, resp)
	return nil
}

func (s *stuckTransport) Close() error { return nil }

func TestDispatchDeadlineHoldsWhileSendBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	tr := &stuckTransport{release: make(chan struct{}), finished: make(chan struct{})}
	d := newDispatcher(t, tr, cfg)

	start := time.Now()
	result, err := d.Dispatch(context.Background(), Request{Operation: command.OperationCreate, Entity: "user", RequestID: "r-1"})
	elapsed := time.Since(start)

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Nil(t, result)
	assert.Less(t, elapsed, cfg.Timeout+time.Second)
	assert.Equal(t, 0, d.InFlight())

	// the response produced after the deadline is dropped
	close(tr.release)
	<-tr.finished
	assert.Equal(t, 0, d.InFlight())
}

// slowProcessor ignores ctx and answers after delay
type slowProcessor struct {
	delay time.Duration
	done  chan struct{}
}

func (p *slowProcessor) Apply(_ context.Context, env command.Envelope) command.Response {
	defer close(p.done)
	time.Sleep(p.delay)
	resp, _ := command.Success(env.RequestID, map[string]string{"guid": "u-1"})
	return resp
}

func TestDispatchTimesOutOnSlowDirectProcessor(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	proc := &slowProcessor{delay: 400 * time.Millisecond, done: make(chan struct{})}
	d := newDispatcher(t, direct.New(proc), cfg)

	start := time.Now()
	_, err := d.Dispatch(context.Background(), Request{Operation: command.OperationCreate, Entity: "user", RequestID: "r-slow"})

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "r-slow", timeout.RequestID)
	assert.Less(t, time.Since(start), proc.delay)
	assert.Equal(t, 0, d.InFlight())
	<-proc.done
}
