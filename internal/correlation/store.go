package correlation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/eion/relay/internal/command"
)

const defaultShards = 32

// ErrExpired is returned by Handle.Wait when the entry was expired before a
// response arrived
var ErrExpired = errors.New("pending entry expired")

// DuplicateRequestIDError reports a Register call for an id that is still pending
type DuplicateRequestIDError struct {
	RequestID string
}

func (e *DuplicateRequestIDError) Error() string {
	return fmt.Sprintf("request_id %s is already in flight", e.RequestID)
}

// entry is a pending request. resp and expired are written once, under the
// shard lock, immediately before done is closed.
type entry struct {
	requestID string
	deadline  time.Time
	createdAt time.Time
	done      chan struct{}
	resp      command.Response
	expired   bool
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Store tracks in-flight request ids awaiting a response. It is the only
// component that settles a pending entry: each entry is removed exactly once,
// either by Resolve or by expiry.
type Store struct {
	shards []*shard
	now    func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithShards sets the number of lock shards
func WithShards(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.shards = newShards(n)
		}
	}
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty correlation store
func NewStore(opts ...Option) *Store {
	s := &Store{
		shards: newShards(defaultShards),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return shards
}

func (s *Store) shardFor(requestID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Register creates a pending entry for requestID that lives until deadline.
// It fails with *DuplicateRequestIDError while another entry for the same id
// is pending.
func (s *Store) Register(requestID string, deadline time.Time) (*Handle, error) {
	if requestID == "" {
		return nil, fmt.Errorf("request_id cannot be empty")
	}

	sh := s.shardFor(requestID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.entries[requestID]; exists {
		return nil, &DuplicateRequestIDError{RequestID: requestID}
	}

	e := &entry{
		requestID: requestID,
		deadline:  deadline,
		createdAt: s.now(),
		done:      make(chan struct{}),
	}
	sh.entries[requestID] = e

	return &Handle{store: s, e: e}, nil
}

// Resolve delivers resp into the pending entry for requestID. It returns
// false when nothing is pending for that id: a late response after expiry,
// a redelivery after the first resolution, or an unknown id. An entry whose
// deadline has passed is expired instead of resolved.
func (s *Store) Resolve(requestID string, resp command.Response) bool {
	sh := s.shardFor(requestID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[requestID]
	if !ok {
		return false
	}
	delete(sh.entries, requestID)
	if !s.now().Before(e.deadline) {
		e.expired = true
		close(e.done)
		return false
	}
	e.resp = resp
	close(e.done)
	return true
}

// Expire removes the pending entry for requestID. Idempotent.
func (s *Store) Expire(requestID string) bool {
	sh := s.shardFor(requestID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[requestID]
	if !ok {
		return false
	}
	delete(sh.entries, requestID)
	e.expired = true
	close(e.done)
	return true
}

// expireEntry removes e only if it is still the entry registered under its id,
// so a stale handle cannot evict a newer registration of the same id.
func (s *Store) expireEntry(e *entry) bool {
	sh := s.shardFor(e.requestID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.entries[e.requestID]
	if !ok || cur != e {
		return false
	}
	delete(sh.entries, e.requestID)
	e.expired = true
	close(e.done)
	return true
}

// Sweep expires every entry whose deadline is at or before now and returns
// how many were removed
func (s *Store) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, e := range sh.entries {
			if now.Before(e.deadline) {
				continue
			}
			delete(sh.entries, id)
			e.expired = true
			close(e.done)
			removed++
		}
		sh.mu.Unlock()
	}
	return removed
}

// Run sweeps expired entries every interval until ctx is done
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// Len returns the number of pending entries
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Handle is the waiter's reference to a pending entry
type Handle struct {
	store *Store
	e     *entry
}

// RequestID returns the id the handle was registered under
func (h *Handle) RequestID() string {
	return h.e.requestID
}

// Deadline returns the entry's deadline
func (h *Handle) Deadline() time.Time {
	return h.e.deadline
}

// CreatedAt returns when the entry was registered
func (h *Handle) CreatedAt() time.Time {
	return h.e.createdAt
}

// Done is closed once the entry is resolved or expired
func (h *Handle) Done() <-chan struct{} {
	return h.e.done
}

// Wait blocks until the entry is settled or ctx ends. When ctx ends first the
// entry is expired; if a response won that race it is returned instead.
func (h *Handle) Wait(ctx context.Context) (command.Response, error) {
	select {
	case <-h.e.done:
		return h.result()
	case <-ctx.Done():
		if h.store.expireEntry(h.e) {
			return command.Response{}, ctx.Err()
		}
		<-h.e.done
		return h.result()
	}
}

// Cancel expires the entry if it is still pending
func (h *Handle) Cancel() bool {
	return h.store.expireEntry(h.e)
}

func (h *Handle) result() (command.Response, error) {
	if h.e.expired {
		return command.Response{}, ErrExpired
	}
	return h.e.resp, nil
}
