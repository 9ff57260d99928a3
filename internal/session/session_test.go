package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/chat-gateway/internal/auth"
	"github.com/Cypherspark/chat-gateway/internal/badgerstore"
	"github.com/Cypherspark/chat-gateway/internal/core"
	"github.com/Cypherspark/chat-gateway/internal/delivery"
	"github.com/Cypherspark/chat-gateway/internal/registry"
)

type testEnv struct {
	srv     *httptest.Server
	handler *Handler
	reg     *registry.Registry
	store   *badgerstore.Store
	tokens  *auth.Tokens
	alice   core.User
	bob     core.User
}

func defaultOptions() Options {
	return Options{
		MaxMessageSize: 4096,
		SendBuffer:     64,
		WriteWait:      time.Second,
		PongWait:       10 * time.Second,
		RateQPS:        1000,
		RateBurst:      1000,
		AllowedOrigins: []string{"*"},
	}
}

func newEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	return newEnvWith(t, opts, func(store *badgerstore.Store, reg *registry.Registry, log logrus.FieldLogger) Deliverer {
		return delivery.New(store, store, reg, log, delivery.Options{MaxContentLength: 100})
	})
}

func newEnvWith(t *testing.T, opts Options, engine func(*badgerstore.Store, *registry.Registry, logrus.FieldLogger) Deliverer) *testEnv {
	t.Helper()
	store, err := badgerstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	alice, err := store.CreateUser(ctx, "alice", "alice@example.com", "x")
	require.NoError(t, err)
	bob, err := store.CreateUser(ctx, "bob", "bob@example.com", "x")
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	reg := registry.New()
	tokens := auth.NewTokens("test-secret", time.Hour)
	h := NewHandler(tokens, engine(store, reg, log), reg, log, opts)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, handler: h, reg: reg, store: store, tokens: tokens, alice: alice, bob: bob}
}

func (e *testEnv) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	if query != "" {
		u += "?" + query
	}
	return u
}

func (e *testEnv) token(t *testing.T, u core.User) string {
	t.Helper()
	tok, err := e.tokens.Issue(u)
	require.NoError(t, err)
	return tok
}

func dial(t *testing.T, url string, dialer *websocket.Dialer) *websocket.Conn {
	t.Helper()
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}
	conn, resp, err := dialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect opens an authenticated session and consumes frames up to and
// including the greeting. Frames seen before it (a flushed backlog) are
// returned.
func (e *testEnv) connect(t *testing.T, u core.User) (*websocket.Conn, []map[string]any) {
	t.Helper()
	conn := dial(t, e.wsURL("token="+e.token(t, u)), nil)
	var before []map[string]any
	for {
		f := readFrame(t, conn)
		if f["type"] == "system" {
			require.Equal(t, "Authenticated and connected", f["content"])
			return conn, before
		}
		before = append(before, f)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f map[string]any
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		require.True(t, websocket.IsCloseError(err, code), "want close %d, got %v", code, err)
		return
	}
}

func TestMissingTokenClosesWithPolicyViolation(t *testing.T) {
	env := newEnv(t, defaultOptions())
	conn := dial(t, env.wsURL(""), nil)

	f := readFrame(t, conn)
	require.Equal(t, map[string]any{"type": "error", "content": "Token missing"}, f)
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestInvalidTokenClosesWithPolicyViolation(t *testing.T) {
	env := newEnv(t, defaultOptions())
	conn := dial(t, env.wsURL("token=garbage"), nil)

	f := readFrame(t, conn)
	require.Equal(t, map[string]any{"type": "error", "content": "Authentication failed"}, f)
	expectClose(t, conn, websocket.ClosePolicyViolation)
	require.Equal(t, 0, env.reg.Count())
}

func TestSubprotocolToken(t *testing.T) {
	env := newEnv(t, defaultOptions())
	dialer := &websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		Subprotocols:     []string{"bearer", env.token(t, env.alice)},
	}
	conn := dial(t, env.wsURL(""), dialer)
	require.Equal(t, "bearer", conn.Subprotocol())

	f := readFrame(t, conn)
	require.Equal(t, "system", f["type"])
}

func TestPingPong(t *testing.T) {
	env := newEnv(t, defaultOptions())
	conn, _ := env.connect(t, env.alice)

	writeJSON(t, conn, map[string]any{"type": "ping"})
	require.Equal(t, map[string]any{"type": "pong"}, readFrame(t, conn))
}

func TestMalformedFrameKeepsSessionOpen(t *testing.T) {
	env := newEnv(t, defaultOptions())
	conn, _ := env.connect(t, env.alice)

	writeJSON(t, conn, map[string]any{"type": "chat", "receiverId": env.bob.ID})
	require.Equal(t, map[string]any{"type": "error", "content": "Invalid message format"}, readFrame(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.Equal(t, "Invalid message format", readFrame(t, conn)["content"])

	writeJSON(t, conn, map[string]any{"type": "typing"})
	require.Equal(t, "Invalid message format", readFrame(t, conn)["content"])

	writeJSON(t, conn, map[string]any{"type": "chat", "receiverId": env.bob.ID, "content": "hi"})
	echo := readFrame(t, conn)
	require.Equal(t, "chat", echo["type"])
	require.Equal(t, "hi", echo["content"])
	require.Equal(t, "sent", echo["status"])
}

func TestUnknownReceiver(t *testing.T) {
	env := newEnv(t, defaultOptions())
	conn, _ := env.connect(t, env.alice)

	writeJSON(t, conn, map[string]any{"receiverId": 999, "content": "hi"})
	require.Equal(t, map[string]any{"type": "error", "content": "User not found"}, readFrame(t, conn))
}

func TestOfflineDeliveryScenario(t *testing.T) {
	env := newEnv(t, defaultOptions())
	alice, _ := env.connect(t, env.alice)

	writeJSON(t, alice, map[string]any{"type": "chat", "receiverId": env.bob.ID, "content": "hi"})
	echo := readFrame(t, alice)
	require.Equal(t, "chat", echo["type"])
	require.Equal(t, float64(1), echo["id"])
	require.Equal(t, "sent", echo["status"])

	// the pong proves no delivery_status was queued ahead of it
	writeJSON(t, alice, map[string]any{"type": "ping"})
	require.Equal(t, "pong", readFrame(t, alice)["type"])

	stored, err := env.store.GetMessage(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, core.StatusSent, stored.Status)

	_, backlog := env.connect(t, env.bob)
	require.Len(t, backlog, 1)
	require.Equal(t, "chat", backlog[0]["type"])
	require.Equal(t, "hi", backlog[0]["content"])
	require.Equal(t, float64(env.alice.ID), backlog[0]["senderId"])

	require.Equal(t, map[string]any{"type": "delivery_status", "messageId": float64(1), "status": "delivered"}, readFrame(t, alice))

	stored, err = env.store.GetMessage(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, core.StatusDelivered, stored.Status)
}

func TestLiveDelivery(t *testing.T) {
	env := newEnv(t, defaultOptions())
	alice, _ := env.connect(t, env.alice)
	bob, _ := env.connect(t, env.bob)

	writeJSON(t, alice, map[string]any{"type": "chat", "receiverId": env.bob.ID, "content": "live"})
	require.Equal(t, "chat", readFrame(t, alice)["type"])
	require.Equal(t, "delivery_status", readFrame(t, alice)["type"])

	got := readFrame(t, bob)
	require.Equal(t, "live", got["content"])
}

func TestReconnectReplacesOldConnection(t *testing.T) {
	env := newEnv(t, defaultOptions())
	first, _ := env.connect(t, env.alice)
	second, _ := env.connect(t, env.alice)

	expectClose(t, first, websocket.CloseNormalClosure)

	// the stale close handler must not evict the new connection
	bob, _ := env.connect(t, env.bob)
	writeJSON(t, bob, map[string]any{"receiverId": env.alice.ID, "content": "still there?"})
	require.Equal(t, "chat", readFrame(t, bob)["type"])

	got := readFrame(t, second)
	require.Equal(t, "still there?", got["content"])
	ch, ok := env.reg.Lookup(env.alice.ID)
	require.True(t, ok)
	require.NotNil(t, ch)
}

func TestDisconnectUnregisters(t *testing.T) {
	env := newEnv(t, defaultOptions())
	conn, _ := env.connect(t, env.alice)
	require.Equal(t, 1, env.reg.Count())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	expectClose(t, conn, websocket.CloseNormalClosure)

	require.Eventually(t, func() bool { return env.reg.Count() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestRateLimit(t *testing.T) {
	opts := defaultOptions()
	opts.RateQPS = 0.001
	opts.RateBurst = 1
	env := newEnv(t, opts)
	conn, _ := env.connect(t, env.alice)

	writeJSON(t, conn, map[string]any{"type": "ping"})
	require.Equal(t, "pong", readFrame(t, conn)["type"])
	writeJSON(t, conn, map[string]any{"type": "ping"})
	require.Equal(t, map[string]any{"type": "error", "content": "Rate limit exceeded"}, readFrame(t, conn))
}

func TestOversizedFrameEndsSession(t *testing.T) {
	opts := defaultOptions()
	opts.MaxMessageSize = 64
	env := newEnv(t, opts)
	conn, _ := env.connect(t, env.alice)

	writeJSON(t, conn, map[string]any{"receiverId": env.bob.ID, "content": strings.Repeat("x", 200)})
	expectClose(t, conn, websocket.CloseMessageTooBig)
	require.Eventually(t, func() bool { return env.reg.Count() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	env := newEnv(t, defaultOptions())
	conn, _ := env.connect(t, env.alice)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		done <- env.handler.Shutdown(ctx)
	}()
	expectClose(t, conn, websocket.CloseGoingAway)
	require.NoError(t, <-done)
	require.Zero(t, env.reg.Count())

	resp, err := http.Get(env.srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type recordingRegistrar struct {
	*registry.Registry
	closeCodes []int
}

func (r *recordingRegistrar) CloseAll(code int, reason string) {
	r.closeCodes = append(r.closeCodes, code)
	r.Registry.CloseAll(code, reason)
}

func TestShutdownDrainsRegistry(t *testing.T) {
	log, _ := test.NewNullLogger()
	reg := &recordingRegistrar{Registry: registry.New()}
	idle := &Session{send: make(chan []byte, 1)}
	reg.Register(7, idle)

	h := NewHandler(auth.NewTokens("test-secret", time.Hour), nil, reg, log, defaultOptions())
	require.NoError(t, h.Shutdown(context.Background()))
	require.Equal(t, []int{websocket.CloseGoingAway}, reg.closeCodes)
	require.Zero(t, reg.Count())
	code, _ := idle.closeStatus()
	require.Equal(t, websocket.CloseGoingAway, code)
}

// failingMessages loses every write but still answers reads.
type failingMessages struct {
	core.MessageStore
}

func (failingMessages) CreateMessage(context.Context, int64, int64, string) (core.Message, error) {
	return core.Message{}, errors.New("disk full")
}

func TestStorageErrorKeepsSessionOpen(t *testing.T) {
	env := newEnvWith(t, defaultOptions(), func(store *badgerstore.Store, reg *registry.Registry, log logrus.FieldLogger) Deliverer {
		return delivery.New(failingMessages{store}, store, reg, log, delivery.Options{})
	})
	conn, _ := env.connect(t, env.alice)

	writeJSON(t, conn, map[string]any{"type": "chat", "receiverId": env.bob.ID, "content": "hi"})
	require.Equal(t, map[string]any{"type": "error", "content": "Error processing message"}, readFrame(t, conn))

	writeJSON(t, conn, map[string]any{"type": "ping"})
	require.Equal(t, "pong", readFrame(t, conn)["type"])
	require.Equal(t, 1, env.reg.Count())
}

// panickingEngine blows up on every chat frame.
type panickingEngine struct {
	Deliverer
}

func (panickingEngine) Submit(context.Context, int64, int64, string) (core.Message, error) {
	panic("nil map write")
}

func TestPanicInFrameHandlingClosesWithInternalError(t *testing.T) {
	env := newEnvWith(t, defaultOptions(), func(store *badgerstore.Store, reg *registry.Registry, log logrus.FieldLogger) Deliverer {
		return panickingEngine{delivery.New(store, store, reg, log, delivery.Options{})}
	})
	conn, _ := env.connect(t, env.alice)
	other, _ := env.connect(t, env.bob)

	writeJSON(t, conn, map[string]any{"type": "chat", "receiverId": env.bob.ID, "content": "hi"})
	require.Equal(t, map[string]any{"type": "error", "content": "Error processing message"}, readFrame(t, conn))
	expectClose(t, conn, websocket.CloseInternalServerErr)

	// other sessions are unaffected
	writeJSON(t, other, map[string]any{"type": "ping"})
	require.Equal(t, "pong", readFrame(t, other)["type"])
	require.Eventually(t, func() bool { return env.reg.Count() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestSendErrorsAreTransportErrors(t *testing.T) {
	s := &Session{send: make(chan []byte, 1)}
	require.NoError(t, s.Send([]byte("a")))
	require.ErrorIs(t, s.Send([]byte("b")), core.ErrTransport)
	s.Close(websocket.CloseNormalClosure, "")
	require.ErrorIs(t, s.Send([]byte("c")), core.ErrTransport)
	require.False(t, s.Open())
}

func TestOriginPolicy(t *testing.T) {
	log, _ := test.NewNullLogger()
	p := newOriginPolicy([]string{" https://App.Example.com ", "not a url", ""}, log)

	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	require.True(t, p.check(req("")))
	require.True(t, p.check(req("https://app.example.com")))
	require.False(t, p.check(req("https://evil.example.com")))
	require.False(t, p.check(req("http://app.example.com")))

	wildcard := newOriginPolicy([]string{"*"}, log)
	require.True(t, wildcard.check(req("https://evil.example.com")))
}

func TestTokenFrom(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	require.Equal(t, "abc", tokenFrom(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "bearer, xyz")
	require.Equal(t, "xyz", tokenFrom(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "bearer")
	require.Equal(t, "", tokenFrom(r))
}
