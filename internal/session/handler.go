// Package session runs one websocket connection per authenticated user:
// Connecting -> Authenticating -> Active -> Closed.
package session

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Cypherspark/chat-gateway/internal/core"
	"github.com/Cypherspark/chat-gateway/internal/registry"
)

// Verifier turns a credential token into a user id.
type Verifier interface {
	Verify(token string) (int64, error)
}

// Deliverer is the slice of the delivery engine a session drives.
type Deliverer interface {
	Submit(ctx context.Context, senderID, receiverID int64, content string) (core.Message, error)
	FlushPending(ctx context.Context, userID int64) (int, error)
}

// Registrar binds users to their live channel.
type Registrar interface {
	Register(userID int64, ch registry.Channel) registry.Channel
	Unregister(userID int64, ch registry.Channel) bool
	CloseAll(code int, reason string)
}

type Options struct {
	MaxMessageSize int64
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	RateQPS        float64
	RateBurst      int
	AllowedOrigins []string
}

func (o Options) pingPeriod() time.Duration { return o.PongWait * 9 / 10 }

// Handler upgrades HTTP requests and runs a session for each.
type Handler struct {
	auth     Verifier
	engine   Deliverer
	registry Registrar
	log      logrus.FieldLogger
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	live     map[*Session]struct{}
	closing  bool
	sessions sync.WaitGroup
}

func NewHandler(auth Verifier, engine Deliverer, reg Registrar, log logrus.FieldLogger, opts Options) *Handler {
	origins := newOriginPolicy(opts.AllowedOrigins, log)
	return &Handler{
		auth:     auth,
		engine:   engine,
		registry: reg,
		log:      log,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{bearerProtocol},
			CheckOrigin:     origins.check,
		},
		live: make(map[*Session]struct{}),
	}
}

const bearerProtocol = "bearer"

// tokenFrom reads the credential token from the `token` query parameter or
// from the subprotocol pair "bearer, <token>".
func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	protos := websocket.Subprotocols(r)
	for i := 0; i+1 < len(protos); i++ {
		if strings.EqualFold(protos[i], bearerProtocol) {
			return protos[i+1]
		}
	}
	return ""
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.sessions.Add(1)
	h.mu.Unlock()
	defer h.sessions.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		h.log.WithError(err).WithField("remote_addr", r.RemoteAddr).Debug("websocket upgrade failed")
		return
	}

	s := newSession(h, conn, uuid.NewString(), r.RemoteAddr)
	h.track(s)
	defer h.untrack(s)

	s.run(context.WithoutCancel(r.Context()), tokenFrom(r))
}

func (h *Handler) track(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live[s] = struct{}{}
	if h.closing {
		s.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Handler) untrack(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.live, s)
}

// Shutdown refuses new connections, closes every live session with 1001 and
// waits for them to finish or for ctx to expire. Registered sessions are
// dropped from the registry first so nothing is pushed to them while they
// drain.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.registry.CloseAll(websocket.CloseGoingAway, "server shutting down")

	h.mu.Lock()
	h.closing = true
	// sessions still authenticating are not in the registry
	for s := range h.live {
		s.Close(websocket.CloseGoingAway, "server shutting down")
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// force the stragglers
		h.mu.Lock()
		for s := range h.live {
			_ = s.conn.Close()
		}
		h.mu.Unlock()
		return ctx.Err()
	}
}

func (h *Handler) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(h.opts.RateQPS), h.opts.RateBurst)
}
