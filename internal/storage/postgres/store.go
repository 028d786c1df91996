package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/Vasu1712/framerate-backend/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_documents (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	version    BIGINT NOT NULL DEFAULT 1,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS kv_documents_expires_at_idx ON kv_documents (expires_at);
`

// noExpiry stands in for "never" since expires_at is NOT NULL.
var noExpiry = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Store implements storage.Store on a PostgreSQL table. Each row carries a
// version that CompareAndSwap checks on write; expired rows are invisible to
// reads and removed by PurgeExpired.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore opens a connection pool and creates the table if needed.
func NewStore(ctx context.Context, dataSourceName string) (*Store, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Msg("connected to PostgreSQL document store")
	return s, nil
}

// NewFromDB wraps an open pool. The caller runs InitSchema.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying pool, shared with the notification relay.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InitSchema creates the documents table.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_documents WHERE key = $1 AND expires_at > NOW()`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_documents (key, value, version, expires_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			version = kv_documents.version + 1,
			expires_at = EXCLUDED.expires_at
	`, key, value, expiresAt(ttl))
	return err
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM kv_documents WHERE key = $1 AND expires_at > NOW())`, key,
	).Scan(&exists)
	return exists, err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_documents WHERE key = $1`, key)
	return err
}

// CreateIfAbsent clears an expired row for key, then inserts with ON CONFLICT DO
// NOTHING. One affected row means this call created the document.
func (s *Store) CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_documents WHERE key = $1 AND expires_at <= NOW()`, key,
	); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_documents (key, value, version, expires_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (key) DO NOTHING
	`, key, value, expiresAt(ttl))
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// CompareAndSwap reads the row's version and writes back only if it is unchanged.
func (s *Store) CompareAndSwap(ctx context.Context, key string, ttl time.Duration, fn storage.UpdateFunc) (string, bool, error) {
	var (
		cur     string
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version FROM kv_documents WHERE key = $1 AND expires_at > NOW()`, key,
	).Scan(&cur, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, storage.ErrNotFound
	}
	if err != nil {
		return "", false, err
	}

	next, ok, err := fn(cur)
	if err != nil || !ok {
		return "", false, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE kv_documents
		SET value = $3, version = version + 1, expires_at = $4
		WHERE key = $1 AND version = $2 AND expires_at > NOW()
	`, key, version, next, expiresAt(ttl))
	if err != nil {
		return "", false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if rows == 0 {
		return "", false, storage.ErrConflict
	}
	return next, true, nil
}

// PurgeExpired deletes expired rows and returns how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_documents WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartJanitor purges expired rows every interval until ctx is done.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := s.PurgeExpired(ctx)
				if err != nil {
					log.Error().Err(err).Msg("purge expired documents failed")
					continue
				}
				if n > 0 {
					log.Debug().Int64("count", n).Msg("purged expired documents")
				}
			}
		}
	}()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func expiresAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return noExpiry
	}
	return time.Now().Add(ttl)
}
