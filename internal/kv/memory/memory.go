package memory

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/gpulockd/internal/clock"
	"pkt.systems/gpulockd/internal/kv"
)

var errClosed = errors.New("kv/memory: store closed")

// Store implements kv.Store in-memory; intended for tests and single-process
// development where no redis is available.
type Store struct {
	mu     sync.Mutex
	clock  clock.Clock
	values map[string]entry
	lists  map[string][][]byte
	closed bool
}

type entry struct {
	value   []byte
	expires time.Time
}

// New returns an empty store on the real clock.
func New() *Store {
	return NewWithClock(clock.Real{})
}

// NewWithClock returns an empty store whose TTLs are measured on c.
func NewWithClock(c clock.Clock) *Store {
	return &Store{
		clock:  clock.Or(c),
		values: make(map[string]entry),
		lists:  make(map[string][][]byte),
	}
}

func (s *Store) liveLocked(key string) (entry, bool) {
	e, ok := s.values[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !s.clock.Now().Before(e.expires) {
		delete(s.values, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	e, ok := s.liveLocked(key)
	if !ok {
		return nil, kv.ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.values[key] = entry{value: bytes.Clone(value), expires: s.expiry(ttl)}
	return nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	delete(s.values, key)
	delete(s.lists, key)
	return nil
}

// SetNX implements kv.Store.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errClosed
	}
	if _, ok := s.liveLocked(key); ok {
		return false, nil
	}
	s.values[key] = entry{value: bytes.Clone(value), expires: s.expiry(ttl)}
	return true, nil
}

// CompareAndDelete implements kv.Store.
func (s *Store) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errClosed
	}
	e, ok := s.liveLocked(key)
	if !ok || !bytes.Equal(e.value, value) {
		return false, nil
	}
	delete(s.values, key)
	return true, nil
}

// CompareAndExpire implements kv.Store.
func (s *Store) CompareAndExpire(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errClosed
	}
	e, ok := s.liveLocked(key)
	if !ok || !bytes.Equal(e.value, value) {
		return false, nil
	}
	e.expires = s.expiry(ttl)
	s.values[key] = e
	return true, nil
}

// Push implements kv.Store.
func (s *Store) Push(ctx context.Context, key string, values ...[]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	for _, v := range values {
		s.lists[key] = append(s.lists[key], bytes.Clone(v))
	}
	return nil
}

// Drain implements kv.Store.
func (s *Store) Drain(ctx context.Context, key string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	items := s.lists[key]
	delete(s.lists, key)
	return items, nil
}

// Close implements kv.Store. Operations after Close fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
