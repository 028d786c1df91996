package ws

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// PostgresChannelPrefix namespaces session channels for LISTEN/NOTIFY.
const PostgresChannelPrefix = "framerate_session_"

const (
	relaySchema = `
CREATE TABLE IF NOT EXISTS relay_messages (
	id         BIGSERIAL PRIMARY KEY,
	channel    TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS relay_messages_created_at_idx ON relay_messages (created_at);
`
	// Messages only need to outlive the round trip to every listener.
	relayRetention = time.Minute

	minReconnect = 10 * time.Second
	maxReconnect = time.Minute
)

// PostgresRelay is a Relay over PostgreSQL LISTEN/NOTIFY. NOTIFY payloads are
// capped at 8000 bytes, so each message is written to relay_messages and only
// its id is sent; listeners read the row back. Every code of the process
// shares one pq.Listener connection.
type PostgresRelay struct {
	db *sql.DB
	l  *pq.Listener

	mu       sync.Mutex
	handlers map[string]func([]byte)

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPostgresRelay creates the message table and opens the listener
// connection. db is used for publishing and reading messages back.
func NewPostgresRelay(ctx context.Context, db *sql.DB, dataSourceName string) (*PostgresRelay, error) {
	if _, err := db.ExecContext(ctx, relaySchema); err != nil {
		return nil, fmt.Errorf("init relay schema: %w", err)
	}

	l := pq.NewListener(dataSourceName, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			log.Warn().Err(err).Msg("postgres relay disconnected")
		case pq.ListenerEventReconnected:
			log.Info().Msg("postgres relay reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			log.Warn().Err(err).Msg("postgres relay connection attempt failed")
		}
	})

	r := &PostgresRelay{
		db:       db,
		l:        l,
		handlers: make(map[string]func([]byte)),
		done:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.dispatch()
	return r, nil
}

// PostgresChannel returns the notification channel for code.
func PostgresChannel(code string) string {
	return PostgresChannelPrefix + code
}

func (r *PostgresRelay) Publish(ctx context.Context, code string, payload []byte) error {
	_, err := r.db.ExecContext(ctx, `
		WITH m AS (
			INSERT INTO relay_messages (channel, payload) VALUES ($1, $2) RETURNING id
		)
		SELECT pg_notify($1, m.id::text) FROM m`,
		PostgresChannel(code), string(payload))
	return err
}

// Listen listens on code's channel until ctx is done, then unlistens.
func (r *PostgresRelay) Listen(ctx context.Context, code string, deliver func(payload []byte)) error {
	channel := PostgresChannel(code)

	r.mu.Lock()
	r.handlers[channel] = deliver
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.handlers, channel)
		r.mu.Unlock()
	}()

	if err := r.l.Listen(channel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
		return err
	}

	select {
	case <-ctx.Done():
	case <-r.done:
	}
	if err := r.l.Unlisten(channel); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
		log.Debug().Err(err).Str("channel", channel).Msg("unlisten failed")
	}
	return ctx.Err()
}

// PurgeOlderThan deletes delivered messages older than age.
func (r *PostgresRelay) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM relay_messages WHERE created_at < NOW() - ($1::double precision * INTERVAL '1 second')`,
		age.Seconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartJanitor purges old messages every interval until ctx is done.
func (r *PostgresRelay) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := r.PurgeOlderThan(ctx, relayRetention); err != nil {
					log.Error().Err(err).Msg("purge relay messages failed")
				}
			}
		}
	}()
}

// Close stops dispatching and closes the listener connection. The pool passed
// to NewPostgresRelay stays open.
func (r *PostgresRelay) Close() error {
	close(r.done)
	err := r.l.Close()
	r.wg.Wait()
	return err
}

func (r *PostgresRelay) dispatch() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case n, ok := <-r.l.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Sent after a reconnect; notifications in the gap are lost.
				log.Warn().Msg("postgres relay reconnected, updates may have been missed")
				continue
			}
			r.handle(n)
		}
	}
}

func (r *PostgresRelay) handle(n *pq.Notification) {
	r.mu.Lock()
	deliver := r.handlers[n.Channel]
	r.mu.Unlock()
	if deliver == nil {
		return
	}

	id, err := strconv.ParseInt(n.Extra, 10, 64)
	if err != nil {
		log.Warn().Err(err).Str("channel", n.Channel).Msg("bad relay notification")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var payload string
	err = r.db.QueryRowContext(ctx, `SELECT payload FROM relay_messages WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		log.Warn().Err(err).Int64("id", id).Msg("relay message unavailable")
		return
	}
	deliver([]byte(payload))
}
