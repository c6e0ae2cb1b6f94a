package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eion/relay/internal/users"
)

// MemoryStorage keeps users and the ledger in process memory. Units of work
// are serialized and run against a copy that replaces the live state only
// when fn succeeds.
type MemoryStorage struct {
	mu     sync.Mutex
	users  *users.InMemoryStore
	ledger map[string]Record
	closed bool
}

// NewMemoryStorage creates an empty in-memory storage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:  users.NewInMemoryStore(),
		ledger: make(map[string]Record),
	}
}

// Atomically runs fn as one unit of work
func (m *MemoryStorage) Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("memory storage is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		users: m.users.Clone(),
		ledger: &memoryLedger{
			committed: m.ledger,
			pending:   make(map[string]Record),
		},
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	m.users = tx.users
	for id, rec := range tx.ledger.pending {
		m.ledger[id] = rec
	}
	return nil
}

// Ping reports whether the storage is usable
func (m *MemoryStorage) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("memory storage is closed")
	}
	return nil
}

// Close releases the storage
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// LedgerLen returns the number of recorded commands
func (m *MemoryStorage) LedgerLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ledger)
}

type memoryTx struct {
	users  *users.InMemoryStore
	ledger *memoryLedger
}

func (t *memoryTx) Users() users.UserStore { return t.users }
func (t *memoryTx) Ledger() Ledger         { return t.ledger }

type memoryLedger struct {
	committed map[string]Record
	pending   map[string]Record
}

func (l *memoryLedger) Lookup(ctx context.Context, requestID string) (*Record, error) {
	if rec, ok := l.pending[requestID]; ok {
		return &rec, nil
	}
	if rec, ok := l.committed[requestID]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (l *memoryLedger) Record(ctx context.Context, rec *Record) error {
	if _, ok := l.committed[rec.RequestID]; ok {
		return fmt.Errorf("request %s already recorded", rec.RequestID)
	}
	if _, ok := l.pending[rec.RequestID]; ok {
		return fmt.Errorf("request %s already recorded", rec.RequestID)
	}
	stored := *rec
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.Payload = append([]byte(nil), rec.Payload...)
	l.pending[rec.RequestID] = stored
	return nil
}
