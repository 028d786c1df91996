package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Vasu1712/framerate-backend/internal/models"
)

// ErrHubClosed is returned once Run has exited.
var ErrHubClosed = errors.New("ws: hub closed")

const (
	defaultBufferSize = 16
	relayRetryDelay   = time.Second
)

type EventType string

const (
	EventSession EventType = "session"
	EventExpired EventType = "expired"
)

// Event is one push to a watcher. Session is shared between watchers and must
// not be modified.
type Event struct {
	Type    EventType       `json:"type"`
	Session *models.Session `json:"session,omitempty"`
}

// Relay carries events between processes. Listen blocks, calling deliver for
// every payload published on code, until ctx is done or the subscription fails.
type Relay interface {
	Publish(ctx context.Context, code string, payload []byte) error
	Listen(ctx context.Context, code string, deliver func(payload []byte)) error
}

type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// Subscription is one local watcher of a session.
type Subscription struct {
	ID   string
	Code string
	C    <-chan Event

	send chan Event
	hub  *Hub
	once sync.Once
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
	})
}

type message struct {
	code  string
	event Event
}

type listener struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Hub fans session updates out to local watchers and, with a Relay, to other
// processes. Run owns all watcher state; everything else talks to it through
// channels.
type Hub struct {
	id         string
	relay      Relay
	bufferSize int

	watchers  map[string]map[*Subscription]struct{}
	listeners map[string]*listener
	stopping  map[string]chan struct{}
	mu        sync.RWMutex

	register   chan *Subscription
	unregister chan *Subscription
	broadcast  chan message
	done       chan struct{}
}

// NewHub returns a hub. relay may be nil for a single-process deployment.
func NewHub(relay Relay) *Hub {
	return &Hub{
		id:         uuid.NewString(),
		relay:      relay,
		bufferSize: defaultBufferSize,
		watchers:   make(map[string]map[*Subscription]struct{}),
		listeners:  make(map[string]*listener),
		stopping:   make(map[string]chan struct{}),
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		broadcast:  make(chan message),
		done:       make(chan struct{}),
	}
}

// Run processes subscriptions and broadcasts until ctx is done, then closes
// every subscription.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-h.register:
			h.mu.Lock()
			if h.watchers[sub.Code] == nil {
				h.watchers[sub.Code] = make(map[*Subscription]struct{})
			}
			h.watchers[sub.Code][sub] = struct{}{}
			h.mu.Unlock()
			h.startListener(ctx, sub.Code)

		case sub := <-h.unregister:
			h.remove(sub)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var slow []*Subscription
			for sub := range h.watchers[msg.code] {
				select {
				case sub.send <- msg.event:
				default:
					slow = append(slow, sub)
				}
			}
			h.mu.RUnlock()
			for _, sub := range slow {
				log.Warn().Str("code", sub.Code).Str("subscription", sub.ID).Msg("dropping slow watcher")
				h.remove(sub)
			}
		}
	}
}

// Subscribe registers a watcher for code. Callers read current state only
// after Subscribe returns, so no committed change falls between the two.
func (h *Hub) Subscribe(code string) (*Subscription, error) {
	send := make(chan Event, h.bufferSize)
	sub := &Subscription{
		ID:   uuid.NewString(),
		Code: code,
		C:    send,
		send: send,
		hub:  h,
	}
	select {
	case h.register <- sub:
		return sub, nil
	case <-h.done:
		return nil, ErrHubClosed
	}
}

// Publish delivers a committed session to local watchers and to the relay.
func (h *Hub) Publish(ctx context.Context, code string, s *models.Session) error {
	return h.publish(ctx, code, Event{Type: EventSession, Session: s})
}

// PublishExpired tells watchers the session no longer exists.
func (h *Hub) PublishExpired(ctx context.Context, code string) error {
	return h.publish(ctx, code, Event{Type: EventExpired})
}

// Watchers returns the number of local watchers of code.
func (h *Hub) Watchers(code string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[code])
}

// Listening reports whether a relay listener is running for code.
func (h *Hub) Listening(code string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.listeners[code]
	return ok
}

func (h *Hub) publish(ctx context.Context, code string, ev Event) error {
	if err := h.deliver(ctx, code, ev); err != nil {
		return err
	}
	if h.relay == nil {
		return nil
	}
	data, err := json.Marshal(envelope{Origin: h.id, Event: ev})
	if err != nil {
		return err
	}
	return h.relay.Publish(ctx, code, data)
}

func (h *Hub) deliver(ctx context.Context, code string, ev Event) error {
	select {
	case h.broadcast <- message{code: code, event: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
}

// remove drops sub and stops the relay listener once code has no watchers.
// Only Run calls it.
func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	subs, ok := h.watchers[sub.Code]
	if ok {
		if _, ok = subs[sub]; ok {
			delete(subs, sub)
			close(sub.send)
		}
	}
	last := ok && len(subs) == 0
	if last {
		delete(h.watchers, sub.Code)
	}
	h.mu.Unlock()

	if last {
		h.stopListener(sub.Code)
	}
}

func (h *Hub) startListener(ctx context.Context, code string) {
	if h.relay == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[code]; ok {
		return
	}

	prev := h.stopping[code]
	delete(h.stopping, code)

	lctx, cancel := context.WithCancel(ctx)
	l := &listener{cancel: cancel, done: make(chan struct{})}
	h.listeners[code] = l
	go h.listen(lctx, code, prev, l.done)
}

func (h *Hub) stopListener(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.listeners[code]
	if !ok {
		return
	}
	delete(h.listeners, code)
	l.cancel()
	h.stopping[code] = l.done

	for c, done := range h.stopping {
		select {
		case <-done:
			delete(h.stopping, c)
		default:
		}
	}
}

// listen keeps one relay subscription open for code. A previous listener for
// the same code must be fully gone first so its unsubscribe cannot cancel ours.
func (h *Hub) listen(ctx context.Context, code string, prev <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	deliver := func(payload []byte) {
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			log.Warn().Err(err).Str("code", code).Msg("bad relay payload")
			return
		}
		if env.Origin == h.id {
			return
		}
		if err := h.deliver(ctx, code, env.Event); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("code", code).Msg("relay delivery failed")
		}
	}

	for {
		err := h.relay.Listen(ctx, code, deliver)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("code", code).Msg("relay subscription ended, resubscribing")
		select {
		case <-time.After(relayRetryDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for code, subs := range h.watchers {
		for sub := range subs {
			close(sub.send)
		}
		delete(h.watchers, code)
	}
	for code, l := range h.listeners {
		l.cancel()
		delete(h.listeners, code)
	}
}
