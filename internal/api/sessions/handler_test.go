package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vasu1712/framerate-backend/internal/auth"
	"github.com/Vasu1712/framerate-backend/internal/httpx"
	"github.com/Vasu1712/framerate-backend/internal/middleware"
	"github.com/Vasu1712/framerate-backend/internal/models"
	"github.com/Vasu1712/framerate-backend/internal/sessions"
	"github.com/Vasu1712/framerate-backend/internal/storage/memory"
	"github.com/Vasu1712/framerate-backend/internal/ws"
)

type testAPI struct {
	srv    *httptest.Server
	store  *memory.Store
	hub    *ws.Hub
	engine *sessions.Engine
}

func newTestAPI(t *testing.T, requireToken bool) *testAPI {
	t.Helper()
	store := memory.NewStore()
	hub := ws.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	engine := sessions.NewEngine(store)
	tokens, err := auth.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	h := &SessionHandler{
		Sessions:     sessions.NewService(engine, hub),
		Hub:          hub,
		Tokens:       tokens,
		RequireToken: requireToken,
		Stream:       StreamOptions{PingPeriod: 50 * time.Millisecond, PongWait: time.Second},
	}
	r := mux.NewRouter()
	RegisterSessionRoutes(r, h)
	srv := httptest.NewServer(middleware.CorrelationID(middleware.Logging(r)))
	t.Cleanup(srv.Close)

	return &testAPI{srv: srv, store: store, hub: hub, engine: engine}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (int, sessionResponse, httpx.ErrorResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	var ok sessionResponse
	var fail httpx.ErrorResponse
	if resp.StatusCode < 300 {
		require.NoError(t, json.Unmarshal(raw, &ok))
	} else {
		require.NoError(t, json.Unmarshal(raw, &fail))
	}
	return resp.StatusCode, ok, fail
}

func (a *testAPI) create(t *testing.T, username string) sessionResponse {
	t.Helper()
	status, res, _ := a.do(t, http.MethodPost, "/api/sessions/create", "", map[string]string{"username": username})
	require.Equal(t, http.StatusCreated, status)
	return res
}

func (a *testAPI) dial(t *testing.T, code string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/api/sessions/" + code + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) ws.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev ws.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHandlers_CreateJoinGet(t *testing.T) {
	api := newTestAPI(t, false)

	created := api.create(t, "alice")
	assert.True(t, created.Success)
	assert.NotEmpty(t, created.Token)
	code := created.Session.Code

	status, joined, _ := api.do(t, http.MethodPost, "/api/sessions/join", "", map[string]string{"code": strings.ToLower(code), "username": "bob"})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, joined.Session.Participants, 2)
	assert.NotEmpty(t, joined.Token)

	status, got, _ := api.do(t, http.MethodGet, "/api/sessions/"+code, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", got.Session.Host)
}

func TestHandlers_ErrorMapping(t *testing.T) {
	api := newTestAPI(t, false)
	code := api.create(t, "alice").Session.Code

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		status   int
		errCode  string
		contains string
	}{
		{"missing session", http.MethodGet, "/api/sessions/ZZZZ", nil, http.StatusNotFound, "not_found", "not found"},
		{"join missing", http.MethodPost, "/api/sessions/join", map[string]string{"code": "ZZZZ", "username": "bob"}, http.StatusNotFound, "not_found", ""},
		{"join without username", http.MethodPost, "/api/sessions/join", map[string]string{"code": code}, http.StatusBadRequest, "bad_request", "required"},
		{"not a participant", http.MethodPut, "/api/sessions/update", moviesRequest{Code: code, Username: "mallory"}, http.StatusForbidden, "forbidden", ""},
		{"quorum", http.MethodPost, "/api/sessions/start-voting", participantRequest{Code: code, Username: "alice"}, http.StatusBadRequest, "bad_request", "at least 2 movies"},
		{"veto wrong phase", http.MethodPost, "/api/sessions/veto", vetoRequest{Code: code, Username: "alice", MovieID: 7}, http.StatusConflict, "conflict", "voting phase"},
		{"final without movies", http.MethodPost, "/api/sessions/final-movies", participantRequest{Code: code, Username: "alice"}, http.StatusBadRequest, "bad_request", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _, fail := api.do(t, tt.method, tt.path, "", tt.body)
			assert.Equal(t, tt.status, status)
			assert.False(t, fail.Success)
			assert.Equal(t, tt.errCode, fail.Code)
			assert.NotEmpty(t, fail.CorrelationID)
			if tt.contains != "" {
				assert.Contains(t, fail.Error, tt.contains)
			}
		})
	}
}

func TestHandlers_JoinFull(t *testing.T) {
	api := newTestAPI(t, false)
	code := api.create(t, "host").Session.Code
	for i := 1; i < models.DefaultMaxParticipants; i++ {
		status, _, _ := api.do(t, http.MethodPost, "/api/sessions/join", "", participantRequest{Code: code, Username: "guest" + string(rune('a'+i))})
		require.Equal(t, http.StatusOK, status)
	}
	status, _, fail := api.do(t, http.MethodPost, "/api/sessions/join", "", participantRequest{Code: code, Username: "late"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Session is full", fail.Error)
}

func TestHandlers_LeaveAlwaysSucceeds(t *testing.T) {
	api := newTestAPI(t, false)
	for _, code := range []string{"ZZZZ", "AB12", "TOOLONG", "ab"} {
		t.Run(code, func(t *testing.T) {
			status, res, _ := api.do(t, http.MethodPost, "/api/sessions/leave", "", participantRequest{Code: code, Username: "alice"})
			assert.Equal(t, http.StatusOK, status)
			assert.True(t, res.Success)
		})
	}

	status, _, fail := api.do(t, http.MethodPost, "/api/sessions/leave", "", participantRequest{Code: "ABCD"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, fail.Error, "required")
}

func TestHandlers_RequireToken(t *testing.T) {
	api := newTestAPI(t, true)
	created := api.create(t, "alice")
	code := created.Session.Code
	body := moviesRequest{Code: code, Username: "alice", Movies: []models.Movie{{ID: 1, Title: "Alien"}}}

	status, _, fail := api.do(t, http.MethodPut, "/api/sessions/update", "", body)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", fail.Code)

	_, bob, _ := api.do(t, http.MethodPost, "/api/sessions/join", "", participantRequest{Code: code, Username: "bob"})
	status, _, _ = api.do(t, http.MethodPut, "/api/sessions/update", bob.Token, body)
	assert.Equal(t, http.StatusUnauthorized, status, "bob's token cannot act as alice")

	status, res, _ := api.do(t, http.MethodPut, "/api/sessions/update", created.Token, body)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, res.Session.Participant("alice").Movies, 1)
}

func TestStream_SnapshotUpdatesAndExpiry(t *testing.T) {
	api := newTestAPI(t, false)
	code := api.create(t, "alice").Session.Code

	conn := api.dial(t, code)
	first := readEvent(t, conn)
	assert.Equal(t, ws.EventSession, first.Type)
	require.NotNil(t, first.Session)
	assert.Len(t, first.Session.Participants, 1)

	_, _, _ = api.do(t, http.MethodPost, "/api/sessions/join", "", participantRequest{Code: code, Username: "bob"})
	ev := readEvent(t, conn)
	assert.Equal(t, ws.EventSession, ev.Type)
	assert.Len(t, ev.Session.Participants, 2)

	_, _, _ = api.do(t, http.MethodPost, "/api/sessions/leave", "", participantRequest{Code: code, Username: "bob"})
	assert.Len(t, readEvent(t, conn).Session.Participants, 1)

	_, _, _ = api.do(t, http.MethodPost, "/api/sessions/leave", "", participantRequest{Code: code, Username: "alice"})
	assert.Equal(t, ws.EventExpired, readEvent(t, conn).Type)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	require.Eventually(t, func() bool { return api.hub.Watchers(code) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStream_DetectsTTLExpiry(t *testing.T) {
	api := newTestAPI(t, false)
	code := api.create(t, "alice").Session.Code

	conn := api.dial(t, code)
	readEvent(t, conn)

	// Simulate the TTL lapsing: the key vanishes without any publish.
	require.NoError(t, api.engine.Delete(context.Background(), code))
	assert.Equal(t, ws.EventExpired, readEvent(t, conn).Type)
}

func TestStream_ClientDisconnectReleasesWatcher(t *testing.T) {
	api := newTestAPI(t, false)
	code := api.create(t, "alice").Session.Code

	conn := api.dial(t, code)
	readEvent(t, conn)
	require.Eventually(t, func() bool { return api.hub.Watchers(code) == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return api.hub.Watchers(code) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStream_MissingSession(t *testing.T) {
	api := newTestAPI(t, false)
	url := "ws" + strings.TrimPrefix(api.srv.URL, "http") + "/api/sessions/ZZZZ/stream"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, api.hub.Watchers("ZZZZ"))
}
