package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Vasu1712/framerate-backend/internal/storage"
)

// Store keeps documents in process memory. It is the fallback when no shared
// backend is configured, so everything it holds is lost on restart and invisible
// to other processes.
type Store struct {
	mu    sync.RWMutex     // guards data
	data  map[string]entry // key -> value with expiry
	locks keyLocks
	now   func() time.Time
}

type entry struct {
	val string
	exp time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.exp.IsZero() && !now.Before(e.exp)
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		data:  make(map[string]entry),
		locks: keyLocks{m: make(map[string]*keyLock)},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ storage.Store = (*Store)(nil)

// Get returns the live value for key.
func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return "", storage.ErrNotFound
	}
	if e.expired(s.now()) {
		s.evict(key, e)
		return "", storage.ErrNotFound
	}
	return e.val, nil
}

// SetWithTTL stores value under key. A ttl <= 0 never expires.
func (s *Store) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	s.data[key] = s.entry(value, ttl)
	s.mu.Unlock()
	return nil
}

// Exists reports whether key holds a live value.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == storage.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// CreateIfAbsent stores value only if key holds no live value.
func (s *Store) CreateIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.data[key]; ok && !e.expired(s.now()) {
		return false, nil
	}
	s.data[key] = s.entry(value, ttl)
	return true, nil
}

// CompareAndSwap runs fn under the key's mutex, so concurrent callers on the same
// key are serialized and it never reports storage.ErrConflict. The mutex is held
// only for the read-modify-write and released before returning.
func (s *Store) CompareAndSwap(ctx context.Context, key string, ttl time.Duration, fn storage.UpdateFunc) (string, bool, error) {
	unlock := s.locks.lock(key)
	defer unlock()

	cur, err := s.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	next, ok, err := fn(cur)
	if err != nil || !ok {
		return "", false, err
	}
	if err := s.SetWithTTL(ctx, key, next, ttl); err != nil {
		return "", false, err
	}
	return next, true, nil
}

// Len counts stored entries, including expired ones not yet evicted.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) entry(value string, ttl time.Duration) entry {
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	return entry{val: value, exp: exp}
}

// evict drops key if it still holds the expired entry we saw.
func (s *Store) evict(key string, seen entry) {
	s.mu.Lock()
	if cur, ok := s.data[key]; ok && cur == seen {
		delete(s.data, key)
	}
	s.mu.Unlock()
}

// keyLocks hands out one mutex per key and forgets it once nobody holds or waits on it.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (l *keyLocks) lock(key string) (unlock func()) {
	l.mu.Lock()
	kl, ok := l.m[key]
	if !ok {
		kl = &keyLock{}
		l.m[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}

func (l *keyLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
