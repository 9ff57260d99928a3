package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Cypherspark/chat-gateway/internal/core"
	"github.com/Cypherspark/chat-gateway/internal/metrics"
	"github.com/Cypherspark/chat-gateway/internal/registry"
	"github.com/Cypherspark/chat-gateway/internal/wire"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Client-facing texts.
const (
	textConnected     = "Authenticated and connected"
	textTokenMissing  = "Token missing"
	textAuthFailed    = "Authentication failed"
	textRateLimited   = "Rate limit exceeded"
	textInvalidFormat = "Invalid message format"
	textUnknownUser   = "User not found"
	textProcessing    = "Error processing message"
)

var (
	errClosed    = fmt.Errorf("%w: session closed", core.ErrTransport)
	errQueueFull = fmt.Errorf("%w: send queue full", core.ErrTransport)
)

// Session is one websocket connection. It is the registry.Channel for its
// user while Active.
type Session struct {
	h       *Handler
	conn    *websocket.Conn
	id      string
	log     logrus.FieldLogger
	limiter *rate.Limiter

	state  atomic.Int32
	userID int64

	mu          sync.Mutex
	send        chan []byte
	closed      bool
	closeCode   int
	closeReason string

	writerDone    chan struct{}
	stopHeartbeat func()
	shutdownOnce  sync.Once
}

var _ registry.Channel = (*Session)(nil)

func newSession(h *Handler, conn *websocket.Conn, id, remoteAddr string) *Session {
	return &Session{
		h:       h,
		conn:    conn,
		id:      id,
		log:     h.log.WithFields(logrus.Fields{"conn_id": id, "remote_addr": remoteAddr}),
		limiter: h.newLimiter(),
		send:    make(chan []byte, h.opts.SendBuffer),

		writerDone:    make(chan struct{}),
		stopHeartbeat: func() {},
	}
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.log.WithField("state", st).Debug("session state")
}

// Send queues frame for the writer without blocking.
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return errQueueFull
	}
}

func (s *Session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close stops accepting frames. The writer flushes what is queued, then sends
// a close frame with code. Only the first call has an effect.
func (s *Session) Close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	close(s.send)
}

func (s *Session) closeStatus() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

func (s *Session) reply(f wire.Outbound) {
	if err := s.Send(wire.Encode(f)); err != nil {
		s.log.WithError(err).WithField("type", f.Type).Debug("dropping outbound frame")
		return
	}
	metrics.FramesOut.WithLabelValues(string(f.Type)).Inc()
}

func (s *Session) run(ctx context.Context, token string) {
	s.setState(StateConnecting)
	go s.writePump(s.log)
	defer s.shutdown(websocket.CloseNormalClosure, "")

	s.setState(StateAuthenticating)
	if !s.authenticate(token) || !s.Open() {
		return
	}
	s.activate(ctx)
	s.readLoop(ctx)
}

func (s *Session) authenticate(token string) bool {
	if token == "" {
		metrics.AuthFailures.WithLabelValues("missing").Inc()
		s.log.Info("websocket rejected: token missing")
		s.reply(wire.Error(textTokenMissing))
		s.Close(websocket.ClosePolicyViolation, textTokenMissing)
		return false
	}
	userID, err := s.h.auth.Verify(token)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("invalid").Inc()
		s.log.WithError(err).Info("websocket rejected: authentication failed")
		s.reply(wire.Error(textAuthFailed))
		s.Close(websocket.ClosePolicyViolation, textAuthFailed)
		return false
	}
	s.userID = userID
	s.log = s.log.WithField("user_id", userID)
	return true
}

// activate is the Active entry action: take over the user's registry slot,
// deliver the backlog, greet, start the heartbeat.
func (s *Session) activate(ctx context.Context) {
	s.setState(StateActive)
	metrics.ActiveSessions.Inc()
	if prev := s.h.registry.Register(s.userID, s); prev != nil {
		s.log.Info("replacing previous connection")
		prev.Close(websocket.CloseNormalClosure, "replaced by a new connection")
	}
	s.log.Info("user connected")

	if _, err := s.h.engine.FlushPending(ctx, s.userID); err != nil {
		s.log.WithError(err).Error("flush pending failed")
	}
	s.reply(wire.System(textConnected))
	s.stopHeartbeat = s.startHeartbeat()
}

// startHeartbeat pings the peer every ping period until the returned stop
// function runs. WriteControl may run alongside the writer.
func (s *Session) startHeartbeat() (stop func()) {
	ticker := time.NewTicker(s.h.opts.pingPeriod())
	quit := make(chan struct{})
	var once sync.Once
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				deadline := time.Now().Add(s.h.opts.WriteWait)
				if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					s.log.WithError(err).Debug("ping failed")
					_ = s.conn.Close()
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(quit) }) }
}

func (s *Session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(s.h.opts.MaxMessageSize)
	extend := func() { _ = s.conn.SetReadDeadline(time.Now().Add(s.h.opts.PongWait)) }
	extend()
	s.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}
		extend()
		if !s.limiter.Allow() {
			metrics.FramesIn.WithLabelValues("rate_limited").Inc()
			s.reply(wire.Error(textRateLimited))
			continue
		}
		if !s.handleFrame(ctx, data) {
			return
		}
	}
}

// handleFrame processes one inbound frame. It returns false when the session
// must end.
func (s *Session) handleFrame(ctx context.Context, data []byte) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("frame handler panicked")
			s.reply(wire.Error(textProcessing))
			s.Close(websocket.CloseInternalServerErr, "internal server error")
			keep = false
		}
	}()

	in, err := wire.Decode(data)
	if err != nil {
		metrics.FramesIn.WithLabelValues("invalid").Inc()
		s.log.WithError(err).Debug("invalid frame")
		s.reply(wire.Error(textInvalidFormat))
		return true
	}
	metrics.FramesIn.WithLabelValues(string(in.Type())).Inc()

	switch f := in.(type) {
	case wire.PingIn:
		s.reply(wire.Pong())
	case wire.ChatIn:
		if _, err := s.h.engine.Submit(ctx, s.userID, f.ReceiverID, f.Content); err != nil {
			s.replySubmitError(err, f.ReceiverID)
		}
	}
	return true
}

func (s *Session) replySubmitError(err error, receiverID int64) {
	log := s.log.WithError(err).WithField("receiver_id", receiverID)
	switch {
	case errors.Is(err, core.ErrValidation):
		log.Debug("chat rejected")
		s.reply(wire.Error(textInvalidFormat))
	case errors.Is(err, core.ErrUnknownUser):
		log.Debug("chat to unknown user")
		s.reply(wire.Error(textUnknownUser))
	default:
		log.Error("submit failed")
		s.reply(wire.Error(textProcessing))
	}
}

func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.WithField("limit", s.h.opts.MaxMessageSize).Warn("frame exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		s.log.Debug("peer closed connection")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		s.log.WithError(err).Info("unexpected close")
	default:
		s.log.WithError(err).Debug("read ended")
	}
}

func (s *Session) writePump(log logrus.FieldLogger) {
	defer close(s.writerDone)
	wait := s.h.opts.WriteWait
	for frame := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(wait))
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.WithError(err).Debug("write failed")
			s.Close(websocket.CloseAbnormalClosure, "")
			// unblock the reader
			_ = s.conn.Close()
			return
		}
	}
	code, reason := s.closeStatus()
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wait)); err != nil {
		log.WithError(err).Debug("close frame not written")
	}
}

// shutdown is the Closed entry action. It runs once, whatever ended the
// session.
func (s *Session) shutdown(code int, reason string) {
	s.shutdownOnce.Do(func() {
		wasActive := s.State() == StateActive
		s.setState(StateClosed)
		s.stopHeartbeat()
		if wasActive {
			s.h.registry.Unregister(s.userID, s)
			metrics.ActiveSessions.Dec()
			s.log.Info("user disconnected")
		}
		s.Close(code, reason)

		select {
		case <-s.writerDone:
		case <-time.After(2 * s.h.opts.WriteWait):
		}
		_ = s.conn.Close()
	})
}
