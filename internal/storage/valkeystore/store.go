// Package valkeystore implements storage.Store on Valkey (or any Redis-compatible server).
package valkeystore

import (
	"context"
	"fmt"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/Vasu1712/framerate-backend/internal/storage"
)

// Store implements storage.Store on a shared Valkey server.
type Store struct {
	c valkey.Client
}

var _ storage.Store = (*Store)(nil)

// Connect opens a client. The same client can back both the Store and a pub/sub relay.
func Connect(addr, password string) (valkey.Client, error) {
	opts := valkey.ClientOption{
		InitAddress: []string{addr},
	}
	if password != "" {
		opts.Username = "default"
		opts.Password = password
	}
	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("valkey connect %s: %w", addr, err)
	}
	return client, nil
}

// New wraps an existing client.
func New(c valkey.Client) *Store {
	return &Store{c: c}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.c.Do(ctx, s.c.B().Get().Key(key).Build()).ToString()
	if valkey.IsValkeyNil(err) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl > 0 {
		return s.c.Do(ctx, s.c.B().Set().Key(key).Value(value).ExSeconds(seconds(ttl)).Build()).Error()
	}
	return s.c.Do(ctx, s.c.B().Set().Key(key).Value(value).Build()).Error()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.c.Do(ctx, s.c.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.c.Do(ctx, s.c.B().Del().Key(key).Build()).Error()
}

// CreateIfAbsent is SET NX EX; a nil reply means the key already existed.
func (s *Store) CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	err := s.c.Do(ctx, s.c.B().Set().Key(key).Value(value).Nx().ExSeconds(seconds(ttl)).Build()).Error()
	if valkey.IsValkeyNil(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CompareAndSwap is WATCH key, GET, then MULTI/SET/EXEC on one dedicated
// connection. EXEC replies nil when the watched key changed, reported as
// storage.ErrConflict.
func (s *Store) CompareAndSwap(ctx context.Context, key string, ttl time.Duration, fn storage.UpdateFunc) (string, bool, error) {
	var (
		value   string
		written bool
	)
	err := s.c.Dedicated(func(dc valkey.DedicatedClient) error {
		if err := dc.Do(ctx, dc.B().Watch().Key(key).Build()).Error(); err != nil {
			return err
		}
		unwatch := func() { _ = dc.Do(ctx, dc.B().Unwatch().Build()).Error() }

		cur, err := dc.Do(ctx, dc.B().Get().Key(key).Build()).ToString()
		if valkey.IsValkeyNil(err) {
			unwatch()
			return storage.ErrNotFound
		}
		if err != nil {
			unwatch()
			return err
		}

		next, ok, err := fn(cur)
		if err != nil || !ok {
			unwatch()
			return err
		}

		resps := dc.DoMulti(ctx,
			dc.B().Multi().Build(),
			dc.B().Set().Key(key).Value(next).ExSeconds(seconds(ttl)).Build(),
			dc.B().Exec().Build(),
		)
		for _, r := range resps[:len(resps)-1] {
			if err := r.Error(); err != nil {
				return err
			}
		}
		if err := resps[len(resps)-1].Error(); err != nil {
			if valkey.IsValkeyNil(err) {
				return storage.ErrConflict
			}
			return err
		}
		value, written = next, true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return value, written, nil
}

func (s *Store) Close() error {
	s.c.Close()
	return nil
}

// seconds rounds ttl down to whole seconds, with a floor of one.
func seconds(ttl time.Duration) int64 {
	if n := int64(ttl / time.Second); n > 0 {
		return n
	}
	return 1
}
