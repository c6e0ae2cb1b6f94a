// Package httpsync sends command envelopes to the persistence service over a
// blocking HTTP call and delivers the response envelope from the reply body.
package httpsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/eion/relay/internal/command"
	"github.com/eion/relay/internal/transport"
)

const maxResponseBytes = 1 << 20

// Config configures the HTTP transport
type Config struct {
	BaseURL string
	Routes  transport.Routes
	// MaxConns caps concurrent connections to the persistence service
	MaxConns int
	// RequestTimeout bounds each call on top of the caller's context
	RequestTimeout  time.Duration
	BreakerFailures int
	BreakerOpenFor  time.Duration
	BreakerName     string
	IdleConnTimeout time.Duration
	HTTPClient      *http.Client
}

// Transport implements transport.Transport over HTTP
type Transport struct {
	baseURL string
	routes  transport.Routes
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger

	mu      sync.RWMutex
	handler transport.ResponseHandler
}

// New creates an HTTP transport with a pooled client shared by every call
func New(cfg Config, logger *zap.Logger) (*Transport, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Routes.CommandPath == "" {
		cfg.Routes = transport.DefaultRoutes
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 100
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = 30 * time.Second
	}
	if cfg.BreakerName == "" {
		cfg.BreakerName = "relay_persistence"
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.MaxConnsPerHost = cfg.MaxConns
		base.MaxIdleConnsPerHost = cfg.MaxConns
		base.IdleConnTimeout = cfg.IdleConnTimeout
		// deadlines are per request via ctx
		client = &http.Client{Transport: base, Timeout: cfg.RequestTimeout}
	}

	failures := uint32(cfg.BreakerFailures)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.BreakerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// a caller giving up says nothing about the peer
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Transport{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		routes:  cfg.Routes,
		client:  client,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// OnResponse installs the delivery hook
func (t *Transport) OnResponse(handler transport.ResponseHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Send posts env and delivers the decoded response envelope before
// returning. Any reply that is not a response envelope for env is an error.
func (t *Transport) Send(ctx context.Context, env command.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	result, err := t.breaker.Execute(func() (interface{}, error) {
		return t.post(ctx, env, body)
	})
	if err != nil {
		return fmt.Errorf("failed to send command %s: %w", env.RequestID, err)
	}

	resp := result.(command.Response)
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler == nil {
		t.logger.Warn("No response handler installed, dropping response", zap.String("request_id", resp.RequestID))
		return nil
	}
	handler(ctx, resp)
	return nil
}

func (t *Transport) post(ctx context.Context, env command.Envelope, body []byte) (command.Response, error) {
	url := t.baseURL + t.routes.PathFor(env.Entity)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return command.Response{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", env.RequestID)

	httpResp, err := t.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return command.Response{}, ctxErr
		}
		return command.Response{}, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return command.Response{}, fmt.Errorf("failed to read response: %w", err)
	}

	var resp command.Response
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Status == "" {
		return command.Response{}, fmt.Errorf("unexpected reply from %s: status %d", url, httpResp.StatusCode)
	}
	if resp.RequestID != env.RequestID {
		return command.Response{}, fmt.Errorf("reply carries request_id %q, expected %q", resp.RequestID, env.RequestID)
	}
	return resp, nil
}

// Ping checks the persistence service health endpoint
func (t *Transport) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("persistence service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// State reports the circuit breaker state
func (t *Transport) State() gobreaker.State {
	return t.breaker.State()
}

// Close releases idle connections
func (t *Transport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
