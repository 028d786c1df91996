package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vasu1712/framerate-backend/internal/models"
)

// fakeBus stands in for a shared pub/sub server between hubs.
type fakeBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func([]byte)
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]map[int]func([]byte))}
}

func (b *fakeBus) Publish(_ context.Context, code string, payload []byte) error {
	b.mu.Lock()
	var fns []func([]byte)
	for _, fn := range b.subs[code] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
	return nil
}

func (b *fakeBus) Listen(ctx context.Context, code string, deliver func([]byte)) error {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[code] == nil {
		b.subs[code] = make(map[int]func([]byte))
	}
	b.subs[code][id] = deliver
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.subs[code], id)
	b.mu.Unlock()
	return ctx.Err()
}

func (b *fakeBus) listeners(code string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[code])
}

func startHub(t *testing.T, relay Relay) *Hub {
	t.Helper()
	h := NewHub(relay)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_FansOutPerCode(t *testing.T) {
	h := startHub(t, nil)
	ctx := context.Background()

	a1, err := h.Subscribe("ABCD")
	require.NoError(t, err)
	a2, err := h.Subscribe("ABCD")
	require.NoError(t, err)
	other, err := h.Subscribe("WXYZ")
	require.NoError(t, err)
	assert.Equal(t, 2, h.Watchers("ABCD"))

	sess := &models.Session{Code: "ABCD", Host: "alice"}
	require.NoError(t, h.Publish(ctx, "ABCD", sess))

	for _, sub := range []*Subscription{a1, a2} {
		ev := recv(t, sub)
		assert.Equal(t, EventSession, ev.Type)
		assert.Equal(t, "alice", ev.Session.Host)
	}
	assertNoEvent(t, other)
}

func TestHub_PreservesPublishOrder(t *testing.T) {
	h := startHub(t, nil)
	sub, err := h.Subscribe("ABCD")
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, h.Publish(context.Background(), "ABCD", &models.Session{Code: "ABCD", MaxParticipants: i}))
	}
	for i := 1; i <= 5; i++ {
		assert.Equal(t, i, recv(t, sub).Session.MaxParticipants)
	}
}

func TestHub_CloseReleasesWatcher(t *testing.T) {
	h := startHub(t, nil)
	sub, err := h.Subscribe("ABCD")
	require.NoError(t, err)

	sub.Close()
	sub.Close()

	_, ok := <-sub.C
	assert.False(t, ok, "channel is closed on unsubscribe")
	assert.Equal(t, 0, h.Watchers("ABCD"))
}

func TestHub_PublishExpired(t *testing.T) {
	h := startHub(t, nil)
	sub, err := h.Subscribe("ABCD")
	require.NoError(t, err)

	require.NoError(t, h.PublishExpired(context.Background(), "ABCD"))
	ev := recv(t, sub)
	assert.Equal(t, EventExpired, ev.Type)
	assert.Nil(t, ev.Session)
}

func TestHub_DropsSlowWatcher(t *testing.T) {
	h := NewHub(nil)
	h.bufferSize = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	sub, err := h.Subscribe("ABCD")
	require.NoError(t, err)

	require.NoError(t, h.Publish(ctx, "ABCD", &models.Session{Code: "ABCD"}))
	require.NoError(t, h.Publish(ctx, "ABCD", &models.Session{Code: "ABCD"}))

	require.Eventually(t, func() bool { return h.Watchers("ABCD") == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-sub.C
	assert.True(t, ok, "buffered event is still readable")
	_, ok = <-sub.C
	assert.False(t, ok)
}

func TestHub_StopClosesSubscriptions(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()

	sub, err := h.Subscribe("ABCD")
	require.NoError(t, err)
	cancel()
	<-stopped

	_, ok := <-sub.C
	assert.False(t, ok)

	_, err = h.Subscribe("ABCD")
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.ErrorIs(t, h.Publish(context.Background(), "ABCD", &models.Session{}), ErrHubClosed)
	sub.Close()
}

func TestHub_RelayAcrossProcesses(t *testing.T) {
	bus := newFakeBus()
	a := startHub(t, bus)
	b := startHub(t, bus)

	subA, err := a.Subscribe("ABCD")
	require.NoError(t, err)
	subB, err := b.Subscribe("ABCD")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bus.listeners("ABCD") == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Publish(context.Background(), "ABCD", &models.Session{Code: "ABCD", Host: "alice"}))

	assert.Equal(t, "alice", recv(t, subB).Session.Host)
	assert.Equal(t, "alice", recv(t, subA).Session.Host)
	assertNoEvent(t, subA)
}

func TestHub_OneRelayListenerPerCode(t *testing.T) {
	bus := newFakeBus()
	h := startHub(t, bus)

	subs := make([]*Subscription, 3)
	for i := range subs {
		var err error
		subs[i], err = h.Subscribe("ABCD")
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return bus.listeners("ABCD") == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.Listening("ABCD"))

	subs[0].Close()
	subs[1].Close()
	assert.True(t, h.Listening("ABCD"))

	subs[2].Close()
	require.Eventually(t, func() bool { return bus.listeners("ABCD") == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.Listening("ABCD"))

	again, err := h.Subscribe("ABCD")
	require.NoError(t, err)
	defer again.Close()
	require.Eventually(t, func() bool { return bus.listeners("ABCD") == 1 }, time.Second, 5*time.Millisecond)
}
