// Package health runs startup and runtime probes against the relay's
// dependencies.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Checker probes one dependency
type Checker interface {
	HealthCheck(ctx context.Context) error
	IsCritical() bool
	Name() string
}

// Manager runs registered checkers
type Manager struct {
	checkers []Checker
	logger   *zap.Logger
	timeout  time.Duration
	mu       sync.RWMutex
}

// NewManager creates a health manager. Each probe is bounded by timeout when
// it is positive.
func NewManager(logger *zap.Logger, timeout time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers: make([]Checker, 0),
		logger:   logger,
		timeout:  timeout,
	}
}

// AddChecker adds a health checker to the manager
func (m *Manager) AddChecker(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
}

// StartupHealthCheck fails when any critical checker fails. Non-critical
// failures are logged only.
func (m *Manager) StartupHealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var critical *multierror.Error
	for _, checker := range m.checkers {
		err := m.check(ctx, checker)
		switch {
		case err == nil:
			m.logger.Info("Service health check passed",
				zap.String("service", checker.Name()),
				zap.Bool("critical", checker.IsCritical()))
		case checker.IsCritical():
			critical = multierror.Append(critical, fmt.Errorf("%s: %w", checker.Name(), err))
			m.logger.Error("Critical service health check failed",
				zap.String("service", checker.Name()),
				zap.Error(err))
		default:
			m.logger.Warn("Non-critical service health check failed",
				zap.String("service", checker.Name()),
				zap.Error(err))
		}
	}

	if err := critical.ErrorOrNil(); err != nil {
		return fmt.Errorf("critical services failed health check: %w", err)
	}

	m.logger.Info("All critical services healthy", zap.Int("total_checks", len(m.checkers)))
	return nil
}

// Status is the runtime result of one checker
type Status struct {
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Error    string `json:"error,omitempty"`
}

// RuntimeHealthCheck runs every checker and reports per-service status.
// healthy is false when any critical checker failed.
func (m *Manager) RuntimeHealthCheck(ctx context.Context) (statuses map[string]Status, healthy bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses = make(map[string]Status, len(m.checkers))
	healthy = true
	for _, checker := range m.checkers {
		st := Status{Healthy: true, Critical: checker.IsCritical()}
		if err := m.check(ctx, checker); err != nil {
			st.Healthy = false
			st.Error = err.Error()
			if st.Critical {
				healthy = false
			}
		}
		statuses[checker.Name()] = st
	}
	return statuses, healthy
}

func (m *Manager) check(ctx context.Context, checker Checker) error {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	return checker.HealthCheck(ctx)
}

// PingFunc probes a dependency
type PingFunc func(ctx context.Context) error

// PingChecker adapts a ping function to Checker
type PingChecker struct {
	name     string
	critical bool
	ping     PingFunc
}

// NewPingChecker creates a checker named name backed by ping
func NewPingChecker(name string, critical bool, ping PingFunc) *PingChecker {
	return &PingChecker{name: name, critical: critical, ping: ping}
}

func (p *PingChecker) HealthCheck(ctx context.Context) error {
	if p.ping == nil {
		return fmt.Errorf("%s has no probe", p.name)
	}
	return p.ping(ctx)
}

func (p *PingChecker) IsCritical() bool {
	return p.critical
}

func (p *PingChecker) Name() string {
	return p.name
}

// NewDatabaseChecker checks the storage backend. The database is required.
func NewDatabaseChecker(ping PingFunc) *PingChecker {
	return NewPingChecker("database", true, ping)
}

// NewTransportChecker checks the path to the persistence service. It is not
// critical for startup: the gateway reports timeouts until the peer is up.
func NewTransportChecker(ping PingFunc) *PingChecker {
	return NewPingChecker("transport", false, ping)
}
