// Package delivery decides push-now versus stay-pending for every message and
// keeps senders informed of status changes.
package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/Cypherspark/chat-gateway/internal/core"
	"github.com/Cypherspark/chat-gateway/internal/metrics"
	"github.com/Cypherspark/chat-gateway/internal/wire"
)

// Pusher is the best-effort push side of the connection registry.
type Pusher interface {
	Send(userID int64, frame []byte) bool
}

// Users answers existence checks.
type Users interface {
	GetUser(ctx context.Context, id int64) (core.User, error)
}

type Options struct {
	// MaxContentLength caps content in runes. Zero disables the cap.
	MaxContentLength int
}

type Engine struct {
	store core.MessageStore
	users Users
	push  Pusher
	log   logrus.FieldLogger
	opts  Options

	locks userLocks
}

func New(store core.MessageStore, users Users, push Pusher, log logrus.FieldLogger, opts Options) *Engine {
	return &Engine{
		store: store,
		users: users,
		push:  push,
		log:   log,
		opts:  opts,
		locks: userLocks{m: make(map[int64]*userLock)},
	}
}

// Submit persists a new message and tries to deliver it right away.
//
// The sender always gets an echo of the stored message first. If the receiver
// takes the push, the message moves to delivered and the sender gets a
// delivery_status frame. A failed push is not an error: the message stays
// sent until the next flush. Submit holds the receiver's flush lock from
// create to mark-delivered so a concurrent flush cannot push the same message.
func (e *Engine) Submit(ctx context.Context, senderID, receiverID int64, content string) (core.Message, error) {
	if err := e.validate(receiverID, content); err != nil {
		metrics.SubmitTotal.WithLabelValues("invalid").Inc()
		return core.Message{}, err
	}
	for _, id := range []int64{senderID, receiverID} {
		if err := e.userExists(ctx, id); err != nil {
			if errors.Is(err, core.ErrUnknownUser) {
				metrics.SubmitTotal.WithLabelValues("unknown_user").Inc()
			} else {
				metrics.SubmitTotal.WithLabelValues("error").Inc()
			}
			return core.Message{}, err
		}
	}

	unlock := e.locks.lock(receiverID)
	defer unlock()

	msg, err := e.store.CreateMessage(ctx, senderID, receiverID, content)
	if err != nil {
		metrics.SubmitTotal.WithLabelValues("error").Inc()
		return core.Message{}, core.Storage("create message", err)
	}
	log := e.log.WithFields(logrus.Fields{
		"message_id":  msg.ID,
		"sender_id":   senderID,
		"receiver_id": receiverID,
	})

	frame := wire.Encode(wire.Chat(msg))
	e.send("echo", senderID, frame)

	if !e.send("chat", receiverID, frame) {
		log.Debug("receiver unreachable, message pending")
		metrics.SubmitTotal.WithLabelValues("pending").Inc()
		return msg, nil
	}

	delivered, changed, err := e.store.AdvanceStatus(ctx, msg.ID, core.StatusDelivered)
	if err != nil {
		// already pushed; the next flush may push it again
		log.WithError(err).Warn("mark delivered failed")
		metrics.SubmitTotal.WithLabelValues("pending").Inc()
		return msg, nil
	}
	metrics.SubmitTotal.WithLabelValues("delivered").Inc()
	if changed {
		e.send("status", senderID, wire.Encode(wire.DeliveryStatus(msg.ID, delivered.Status)))
	}
	return delivered, nil
}

// FlushPending pushes every message still in status sent for userID, oldest
// first, and returns how many were delivered. It stops at the first failed
// push so a receiver never sees the backlog out of order. Flushes for the
// same user never overlap.
func (e *Engine) FlushPending(ctx context.Context, userID int64) (int, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	start := time.Now()
	defer func() { metrics.FlushDuration.Observe(time.Since(start).Seconds()) }()

	pending, err := e.store.PendingFor(ctx, userID)
	if err != nil {
		return 0, core.Storage("load pending", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	log := e.log.WithField("user_id", userID)
	log.WithField("count", len(pending)).Debug("flushing pending messages")

	flushed := 0
	for _, msg := range pending {
		if !e.send("chat", userID, wire.Encode(wire.Chat(msg))) {
			log.WithFields(logrus.Fields{
				"message_id": msg.ID,
				"remaining":  len(pending) - flushed,
			}).Debug("push failed, stopping flush")
			break
		}
		delivered, changed, err := e.store.AdvanceStatus(ctx, msg.ID, core.StatusDelivered)
		if err != nil {
			return flushed, core.Storage("mark delivered", err)
		}
		flushed++
		metrics.FlushedTotal.Inc()
		if changed {
			e.send("status", msg.SenderID, wire.Encode(wire.DeliveryStatus(msg.ID, delivered.Status)))
		}
	}
	if flushed > 0 {
		log.WithField("flushed", flushed).Info("delivered pending messages")
	}
	return flushed, nil
}

// MarkRead moves a message to read on behalf of its receiver and tells the
// sender when the status actually changed.
func (e *Engine) MarkRead(ctx context.Context, readerID, messageID int64) (core.Message, error) {
	msg, err := e.store.GetMessage(ctx, messageID)
	if errors.Is(err, core.ErrNotFound) {
		return core.Message{}, err
	}
	if err != nil {
		return core.Message{}, core.Storage("load message", err)
	}
	if msg.ReceiverID != readerID {
		return core.Message{}, core.ErrForbidden
	}
	read, changed, err := e.store.AdvanceStatus(ctx, messageID, core.StatusRead)
	if err != nil {
		return core.Message{}, core.Storage("mark read", err)
	}
	if changed {
		e.send("status", read.SenderID, wire.Encode(wire.DeliveryStatus(read.ID, read.Status)))
	}
	return read, nil
}

func (e *Engine) validate(receiverID int64, content string) error {
	if receiverID <= 0 {
		return core.Validationf("receiverId is required")
	}
	if strings.TrimSpace(content) == "" {
		return core.Validationf("content is required")
	}
	if limit := e.opts.MaxContentLength; limit > 0 && utf8.RuneCountInString(content) > limit {
		return core.Validationf("content exceeds %d characters", limit)
	}
	return nil
}

func (e *Engine) userExists(ctx context.Context, id int64) error {
	_, err := e.users.GetUser(ctx, id)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrNotFound):
		return core.ErrUnknownUser
	default:
		return core.Storage("lookup user", err)
	}
}

func (e *Engine) send(kind string, userID int64, frame []byte) bool {
	ok := e.push.Send(userID, frame)
	result := "ok"
	if !ok {
		result = "miss"
	}
	metrics.PushTotal.WithLabelValues(kind, result).Inc()
	return ok
}

// userLocks hands out one mutex per user, dropped when nobody holds it.
type userLocks struct {
	mu sync.Mutex
	m  map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func (l *userLocks) lock(id int64) (unlock func()) {
	l.mu.Lock()
	ul, ok := l.m[id]
	if !ok {
		ul = &userLock{}
		l.m[id] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
