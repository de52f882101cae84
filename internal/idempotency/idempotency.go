// Package idempotency replays the stored response of a request whose
// Idempotency-Key was seen before.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrInFlight means another request with the same key has not finished.
var ErrInFlight = errors.New("request with this idempotency key is in flight")

type Response struct {
	Status      int
	ContentType string
	Result      []byte
}

type Backend interface {
	Get(ctx context.Context, key string) (*Response, error)
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, resp Response, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

type Idempotency struct {
	backend Backend
	ttl     time.Duration
}

func NewIdempotency(backend Backend, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Idempotency{backend: backend, ttl: ttl}
}

// Begin returns the stored response for key, or reserves key for the caller.
// A nil response with a nil error means the caller owns the key and must
// call Set or Abort.
func (i *Idempotency) Begin(ctx context.Context, key string) (*Response, error) {
	if resp, err := i.backend.Get(ctx, key); err != nil || resp != nil {
		return resp, err
	}
	ok, err := i.backend.Reserve(ctx, key, i.ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		if resp, err := i.backend.Get(ctx, key); err != nil || resp != nil {
			return resp, err
		}
		return nil, ErrInFlight
	}
	return nil, nil
}

func (i *Idempotency) Set(ctx context.Context, key string, resp Response) error {
	return i.backend.Set(ctx, key, resp, i.ttl)
}

// Abort frees key so the request can be retried.
func (i *Idempotency) Abort(ctx context.Context, key string) error {
	return i.backend.Release(ctx, key)
}

type memoryEntry struct {
	resp    *Response
	expires time.Time
}

// MemoryBackend is a process-local Backend for tests and single-node runs.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: map[string]memoryEntry{}, now: time.Now}
}

func (m *MemoryBackend) lookup(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if ok && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, ok
}

func (m *MemoryBackend) Get(_ context.Context, key string) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _ := m.lookup(key)
	return e.resp, nil
}

func (m *MemoryBackend) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.entries[key] = memoryEntry{expires: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, resp Response, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{resp: &resp, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryBackend) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
