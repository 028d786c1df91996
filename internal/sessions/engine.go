// Package sessions implements the movie-night session lifecycle: an optimistic
// read-modify-write engine over storage.Store and the phase operations built
// on top of it.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Vasu1712/framerate-backend/internal/models"
	"github.com/Vasu1712/framerate-backend/internal/storage"
)

// MaxUpdateAttempts bounds the read-modify-write retries of AtomicUpdate.
const MaxUpdateAttempts = 5

// Modifier returns the new session, or nil to abort without writing. It receives
// a freshly decoded copy on every attempt and may be called several times.
type Modifier func(s *models.Session) *models.Session

// Key is the store key of a session document.
func Key(code string) string {
	return "session:" + code
}

// Engine serializes concurrent modifications of session documents through the
// store's compare-and-swap primitive.
type Engine struct {
	store    storage.Store
	now      func() time.Time
	attempts int
}

// NewEngine returns an engine over store.
func NewEngine(store storage.Store) *Engine {
	return &Engine{store: store, now: time.Now, attempts: MaxUpdateAttempts}
}

// AtomicUpdate applies modify to the stored session for code and writes the
// result, refreshing its TTL and ExpiresAt. It returns nil, nil when the session
// does not exist or modify aborted. Conflicting writers are retried against the
// re-read document; when every attempt conflicts it returns ErrContention.
func (e *Engine) AtomicUpdate(ctx context.Context, code string, ttl time.Duration, modify Modifier) (*models.Session, error) {
	key := Key(code)
	for attempt := 1; attempt <= e.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var next *models.Session
		_, written, err := e.store.CompareAndSwap(ctx, key, ttl, func(cur string) (string, bool, error) {
			next = nil
			s, err := models.DecodeSession([]byte(cur))
			if err != nil {
				return "", false, err
			}
			out := modify(s)
			if out == nil {
				return "", false, nil
			}
			out.ExpiresAt = e.now().Add(ttl)
			data, err := out.Encode()
			if err != nil {
				return "", false, fmt.Errorf("encode session: %w", err)
			}
			next = out
			return string(data), true, nil
		})

		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, nil
		case errors.Is(err, storage.ErrConflict):
			log.Debug().Str("code", code).Int("attempt", attempt).Msg("session write conflict, retrying")
			continue
		case err != nil:
			return nil, err
		case !written:
			return nil, nil
		}
		return next, nil
	}
	log.Warn().Str("code", code).Int("attempts", e.attempts).Msg("session update gave up after repeated conflicts")
	return nil, ErrContention
}

// AtomicCreate stores s under its code only if that code is free.
func (e *Engine) AtomicCreate(ctx context.Context, s *models.Session, ttl time.Duration) (bool, error) {
	data, err := s.Encode()
	if err != nil {
		return false, fmt.Errorf("encode session: %w", err)
	}
	return e.store.CreateIfAbsent(ctx, Key(s.Code), string(data), ttl)
}

// Get reads a session. A missing or expired session is ErrNotFound.
func (e *Engine) Get(ctx context.Context, code string) (*models.Session, error) {
	data, err := e.store.Get(ctx, Key(code))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return models.DecodeSession([]byte(data))
}

// Exists reports whether the session document is still stored.
func (e *Engine) Exists(ctx context.Context, code string) (bool, error) {
	return e.store.Exists(ctx, Key(code))
}

// Delete removes the session document.
func (e *Engine) Delete(ctx context.Context, code string) error {
	return e.store.Delete(ctx, Key(code))
}
