package postgres

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vasu1712/framerate-backend/internal/storage"
)

// newTestStore connects to FRAMERATE_TEST_DATABASE_URL or skips.
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dsn := os.Getenv("FRAMERATE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FRAMERATE_TEST_DATABASE_URL not set")
	}
	s, err := NewStore(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	key := "test:" + xid.New().String()
	t.Cleanup(func() { _ = s.Delete(context.Background(), key) })
	return s, key
}

func TestExpiresAt_NoTTL(t *testing.T) {
	assert.Equal(t, noExpiry, expiresAt(0))
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt(time.Hour), time.Second)
}

func TestStore_Integration_Lifecycle(t *testing.T) {
	s, key := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, key)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	created, err := s.CreateIfAbsent(ctx, key, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateIfAbsent(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, s.SetWithTTL(ctx, key, "c", time.Minute))
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "c", got)

	require.NoError(t, s.Delete(ctx, key))
	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Integration_ExpiredRowIsAbsent(t *testing.T) {
	s, key := newTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_documents (key, value, expires_at) VALUES ($1, 'old', NOW() - INTERVAL '1 minute')`, key)
	require.NoError(t, err)

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	created, err := s.CreateIfAbsent(ctx, key, "new", time.Minute)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestStore_Integration_CompareAndSwapConflicts(t *testing.T) {
	s, key := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetWithTTL(ctx, key, "0", time.Minute))

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, _, err := s.CompareAndSwap(ctx, key, time.Minute, func(cur string) (string, bool, error) {
					n, _ := strconv.Atoi(cur)
					return strconv.Itoa(n + 1), true, nil
				})
				if err == storage.ErrConflict {
					continue
				}
				assert.NoError(t, err)
				return
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(writers), got)
}
