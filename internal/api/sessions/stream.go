package sessions

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Vasu1712/framerate-backend/internal/httpx"
	"github.com/Vasu1712/framerate-backend/internal/sessions"
	"github.com/Vasu1712/framerate-backend/internal/ws"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512
)

// StreamOptions tunes the websocket stream. Zero values use the defaults.
type StreamOptions struct {
	// PingPeriod is how often a ping is sent and the session checked for expiry.
	PingPeriod time.Duration
	// PongWait is how long the peer may stay silent.
	PongWait       time.Duration
	AllowedOrigins []string
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	return o
}

func (o StreamOptions) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(o.AllowedOrigins) == 0 {
				return true
			}
			for _, allowed := range o.AllowedOrigins {
				if allowed == "*" || strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// ServeWS handles GET /api/sessions/{code}/stream. The watcher is subscribed
// before the current session is read, so the first frame plus the following
// events never miss a committed change.
func (h *SessionHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	opts := h.Stream.withDefaults()
	code := sessions.NormalizeCode(mux.Vars(r)["code"])

	sub, err := h.Hub.Subscribe(code)
	if err != nil {
		httpx.WriteError(w, r, httpx.Unavailable("Session updates unavailable", err))
		return
	}

	sess, err := h.Sessions.Get(r.Context(), code)
	if err != nil {
		sub.Close()
		writeServiceError(w, r, err)
		return
	}

	conn, err := opts.upgrader().Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		log.Warn().Err(err).Str("code", code).Msg("websocket upgrade failed")
		return
	}
	log.Debug().Str("code", code).Str("subscription", sub.ID).Msg("session stream opened")

	// Read pump: only control frames are expected; any read error means the
	// peer is gone, graceful or not.
	go func() {
		defer sub.Close()
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
					log.Debug().Err(err).Str("code", code).Msg("session stream read error")
				}
				return
			}
		}
	}()

	h.writePump(conn, sub, ws.Event{Type: ws.EventSession, Session: sess}, opts)
}

// writePump owns all writes to conn until the subscription ends, the session
// expires or a write fails.
func (h *SessionHandler) writePump(conn *websocket.Conn, sub *ws.Subscription, first ws.Event, opts StreamOptions) {
	ticker := time.NewTicker(opts.PingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
		log.Debug().Str("code", sub.Code).Str("subscription", sub.ID).Msg("session stream closed")
	}()

	write := func(ev ws.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(ev)
	}
	expire := func() {
		_ = write(ws.Event{Type: ws.EventExpired})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session expired"),
			time.Now().Add(writeWait))
	}

	if err := write(first); err != nil {
		return
	}

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if ev.Type == ws.EventExpired {
				expire()
				return
			}
			if err := write(ev); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			exists, err := h.Sessions.Exists(ctx, sub.Code)
			cancel()
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				log.Warn().Err(err).Str("code", sub.Code).Msg("session existence check failed")
			}
			if err == nil && !exists {
				expire()
				return
			}
		}
	}
}
