package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hiop5155/chat-app/internal/auth"
	"github.com/hiop5155/chat-app/internal/client"
	"github.com/hiop5155/chat-app/internal/config"
	"github.com/hiop5155/chat-app/internal/db"
	"github.com/hiop5155/chat-app/internal/models"
	"github.com/hiop5155/chat-app/internal/service"
	"github.com/hiop5155/chat-app/internal/store"
	"github.com/hiop5155/chat-app/internal/ws"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

var (
	userA = models.User{ID: 1, Username: "A", Email: "a@example.com"}
	userB = models.User{ID: 2, Username: "B", Email: "b@example.com"}
)

type testEnv struct {
	srv *httptest.Server
	hub *ws.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := db.Connect(config.DriverSQLite, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	cfg := config.Config{JWTSecret: testSecret, CORSOrigins: []string{"*"}, WSSendBuffer: 16}
	hub := ws.NewHub()
	msgSvc := service.NewMessageService(store.NewGormMessageStore(gdb), hub)
	srv := httptest.NewServer(SetupRouter(cfg, gdb, hub, msgSvc, nil))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
		_ = db.Close(gdb)
	})
	return &testEnv{srv: srv, hub: hub}
}

func (e *testEnv) client(t *testing.T, u models.User) *client.Client {
	t.Helper()
	token, err := auth.GenerateAccessToken(u, testSecret, time.Hour)
	require.NoError(t, err)
	c := client.New(e.srv.URL, token)
	c.TypingIdle = 100 * time.Millisecond
	return c
}

func (e *testEnv) connect(t *testing.T, c *client.Client, u models.User) *client.Stream {
	t.Helper()
	want := e.hub.Online() + 1
	s, err := c.Connect(context.Background(), u.Username)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	// Registration happens server side right after the upgrade completes.
	require.Eventually(t, func() bool { return e.hub.Online() == want }, 2*time.Second, 5*time.Millisecond)
	return s
}

func nextEvent(t *testing.T, s *client.Stream) client.Event {
	t.Helper()
	select {
	case evt, ok := <-s.Events():
		require.True(t, ok, "stream closed")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return client.Event{}
}

func requireNoEvent(t *testing.T, s *client.Stream, wait time.Duration) {
	t.Helper()
	select {
	case evt := <-s.Events():
		t.Fatalf("unexpected event %+v", evt)
	case <-time.After(wait):
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/v1/messages", "/api/v1/online", "/ws"} {
		resp, err := http.Get(env.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestSubmit_BroadcastsToEveryConnection(t *testing.T) {
	env := newTestEnv(t)
	ca, cb := env.client(t, userA), env.client(t, userB)
	sa := env.connect(t, ca, userA)
	sb := env.connect(t, cb, userB)

	stored, err := ca.Send(context.Background(), service.SubmitInput{Content: "hi", Type: "text"})
	require.NoError(t, err)
	require.NotZero(t, stored.ID)
	require.False(t, stored.CreatedAt.IsZero())
	require.Equal(t, "A", stored.Sender.Username)
	require.Equal(t, "a@example.com", stored.Sender.Email)
	require.Equal(t, "text", stored.Type)
	require.Equal(t, "hi", stored.Content)

	for _, s := range []*client.Stream{sb, sa} {
		evt := nextEvent(t, s)
		require.Equal(t, ws.EventMessage, evt.Name)
		require.Equal(t, stored.ID, evt.Message.ID)
		require.Equal(t, stored.Sender, evt.Message.Sender)
		require.Equal(t, stored.Content, evt.Message.Content)
		require.True(t, stored.CreatedAt.Equal(evt.Message.CreatedAt))
	}
	requireNoEvent(t, sb, 50*time.Millisecond)
}

func TestSubmit_InvalidMediaIsNotBroadcast(t *testing.T) {
	env := newTestEnv(t)
	ca, cb := env.client(t, userA), env.client(t, userB)
	sb := env.connect(t, cb, userB)

	_, err := ca.Send(context.Background(), service.SubmitInput{Type: "video"})
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.Status)
	require.Equal(t, "file_url", apiErr.Field)

	requireNoEvent(t, sb, 100*time.Millisecond)
	msgs, err := cb.ListMessages(context.Background())
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSubmit_MalformedBody(t *testing.T) {
	env := newTestEnv(t)
	token, err := auth.GenerateAccessToken(userA, testSecret, time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/messages", bytes.NewBufferString(`{"type":`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "invalid payload", body["error"])
}

func TestListMessages_PreservesSubmissionOrder(t *testing.T) {
	env := newTestEnv(t)
	ca, cb := env.client(t, userA), env.client(t, userB)
	ctx := context.Background()

	_, err := ca.Send(ctx, service.SubmitInput{Type: "text", Content: "M1"})
	require.NoError(t, err)
	_, err = cb.Send(ctx, service.SubmitInput{Type: "image", FileURL: "/uploads/m2.png"})
	require.NoError(t, err)
	_, err = ca.Send(ctx, service.SubmitInput{Type: "text", Content: "M3"})
	require.NoError(t, err)

	msgs, err := cb.ListMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "M1", msgs[0].Content)
	require.Equal(t, "/uploads/m2.png", msgs[1].FileURL)
	require.Equal(t, "B", msgs[1].Sender.Username)
	require.Equal(t, "M3", msgs[2].Content)
}

func TestTyping_RelayedAndExpires(t *testing.T) {
	env := newTestEnv(t)
	ca, cb := env.client(t, userA), env.client(t, userB)
	sa := env.connect(t, ca, userA)
	sb := env.connect(t, cb, userB)

	require.NoError(t, sa.Keystroke())

	evt := nextEvent(t, sb)
	require.Equal(t, ws.EventTyping, evt.Name)
	require.Equal(t, "A", evt.Identity)

	// No further keystrokes: the idle timer sends stop_typing.
	evt = nextEvent(t, sb)
	require.Equal(t, ws.EventStopTyping, evt.Name)
	require.Equal(t, "A", evt.Identity)

	// The server echoes to the sender too, but the sender filters its own identity.
	requireNoEvent(t, sa, 50*time.Millisecond)
}

func TestTyping_ExplicitStop(t *testing.T) {
	env := newTestEnv(t)
	ca, cb := env.client(t, userA), env.client(t, userB)
	ca.TypingIdle = time.Hour
	sa := env.connect(t, ca, userA)
	sb := env.connect(t, cb, userB)

	require.NoError(t, sa.Keystroke())
	require.Equal(t, ws.EventTyping, nextEvent(t, sb).Name)
	require.NoError(t, sa.StopTyping())
	evt := nextEvent(t, sb)
	require.Equal(t, ws.EventStopTyping, evt.Name)
	require.Equal(t, "A", evt.Identity)
}

func TestWebsocketSubmit(t *testing.T) {
	env := newTestEnv(t)
	ca, cb := env.client(t, userA), env.client(t, userB)
	sa := env.connect(t, ca, userA)
	sb := env.connect(t, cb, userB)

	require.NoError(t, sa.SendMessage(service.SubmitInput{Type: "text", Content: "over the socket"}))
	evt := nextEvent(t, sb)
	require.Equal(t, ws.EventMessage, evt.Name)
	require.Equal(t, "over the socket", evt.Message.Content)
	require.Equal(t, "A", evt.Message.Sender.Username)

	// Validation failures go back to the submitting connection only.
	require.NoError(t, sa.SendMessage(service.SubmitInput{Type: "image"}))
	require.Equal(t, ws.EventMessage, nextEvent(t, sa).Name)
	evt = nextEvent(t, sa)
	require.Equal(t, ws.EventError, evt.Name)
	require.Equal(t, "file_url", evt.Err.Field)
	requireNoEvent(t, sb, 50*time.Millisecond)
}

func TestDisconnect_Unregisters(t *testing.T) {
	env := newTestEnv(t)
	ca := env.client(t, userA)
	sa := env.connect(t, ca, userA)

	online, err := ca.Online(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, online)

	require.NoError(t, sa.Close())
	require.Eventually(t, func() bool { return env.hub.Online() == 0 }, 2*time.Second, 5*time.Millisecond)

	// Publishing with nobody connected still succeeds.
	_, err = ca.Send(context.Background(), service.SubmitInput{Type: "text", Content: "anyone?"})
	require.NoError(t, err)
}

func TestMultipleConnectionsPerUser(t *testing.T) {
	env := newTestEnv(t)
	ca := env.client(t, userA)
	tab1 := env.connect(t, ca, userA)
	tab2 := env.connect(t, ca, userA)

	stored, err := ca.Send(context.Background(), service.SubmitInput{Type: "text", Content: "two tabs"})
	require.NoError(t, err)
	require.Equal(t, stored.ID, nextEvent(t, tab1).Message.ID)
	require.Equal(t, stored.ID, nextEvent(t, tab2).Message.ID)
}

func TestSubmit_OwnMessageShownOnce(t *testing.T) {
	env := newTestEnv(t)
	ca := env.client(t, userA)
	sa := env.connect(t, ca, userA)

	stored, err := ca.Send(context.Background(), service.SubmitInput{Type: "text", Content: "mine"})
	require.NoError(t, err)

	// Whichever of the response and the broadcast lands first, the id is shown once.
	shown := 0
	if sa.Remember(*stored) {
		shown++
	}
	deadline := time.After(200 * time.Millisecond)
	for done := false; !done; {
		select {
		case evt := <-sa.Events():
			if evt.Name == ws.EventMessage && evt.Message.ID == stored.ID {
				shown++
			}
		case <-deadline:
			done = true
		}
	}
	require.Equal(t, 1, shown)
}
