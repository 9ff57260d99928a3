package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/Cypherspark/chat-gateway/internal/auth"
	"github.com/Cypherspark/chat-gateway/internal/core"
)

// Messenger is the delivery engine as seen by the HTTP surface.
type Messenger interface {
	Submit(ctx context.Context, senderID, receiverID int64, content string) (core.Message, error)
	MarkRead(ctx context.Context, readerID, messageID int64) (core.Message, error)
}

type Server struct {
	Store  core.Backend
	Engine Messenger
	Tokens *auth.Tokens
	WS     http.Handler
	Log    logrus.FieldLogger
}

func NewServer(store core.Backend, engine Messenger, tokens *auth.Tokens, ws http.Handler, log logrus.FieldLogger) *Server {
	return &Server{Store: store, Engine: engine, Tokens: tokens, WS: ws, Log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", s.register)
			r.Post("/login", s.login)
			r.With(s.authenticate).Get("/me", s.me)
		})
		r.Route("/users", func(r chi.Router) {
			r.Use(s.authenticate)
			r.Get("/all", s.listUsers)
			r.Get("/{id}", s.getUser)
		})
		r.Route("/messages", func(r chi.Router) {
			// the websocket authenticates inside the session
			r.Method(http.MethodGet, "/ws", s.WS)
			r.Group(func(r chi.Router) {
				r.Use(s.authenticate)
				r.Post("/send", s.sendMessage)
				r.Get("/{id}/{otherId}", s.conversation)
				r.Post("/{id}/read", s.markRead)
			})
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// fail maps a domain error onto a status code and error body.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrValidation):
		writeErr(w, http.StatusBadRequest, core.ErrValidation.Error())
	case errors.Is(err, core.ErrAuth):
		writeErr(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, core.ErrForbidden):
		writeErr(w, http.StatusForbidden, core.ErrForbidden.Error())
	case errors.Is(err, core.ErrUnknownUser):
		writeErr(w, http.StatusNotFound, core.ErrUnknownUser.Error())
	case errors.Is(err, core.ErrNotFound):
		writeErr(w, http.StatusNotFound, core.ErrNotFound.Error())
	case errors.Is(err, core.ErrUserExists):
		writeErr(w, http.StatusConflict, core.ErrUserExists.Error())
	default:
		s.Log.WithError(err).WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
		writeErr(w, http.StatusInternalServerError, "internal_error")
	}
}

type authResponse struct {
	Token string          `json:"token"`
	User  core.PublicUser `json:"user"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var in auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if err := auth.ValidateRegister(in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": core.ErrValidation.Error(), "detail": err.Error()})
		return
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.Store.CreateUser(r.Context(), in.Username, in.Email, hash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.issue(w, r, http.StatusCreated, u)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var in auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if err := auth.ValidateLogin(in); err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.Store.GetUserByEmail(r.Context(), in.Email)
	if errors.Is(err, core.ErrNotFound) {
		writeErr(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok, err := auth.ComparePassword(in.Password, u.PasswordHash)
	if err != nil || !ok {
		writeErr(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}
	s.issue(w, r, http.StatusOK, u)
}

func (s *Server) issue(w http.ResponseWriter, r *http.Request, status int, u core.User) {
	token, err := s.Tokens.Issue(u)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, authResponse{Token: token, User: u.Public()})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	u, err := s.Store.GetUser(r.Context(), userID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u.Public())
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.Store.ListUsers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(users, func(u core.User, _ int) core.PublicUser { return u.Public() }))
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid_id")
		return
	}
	u, err := s.Store.GetUser(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u.Public())
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ReceiverID int64  `json:"receiverId"`
		Content    string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_body")
		return
	}
	msg, err := s.Engine.Submit(r.Context(), userID(r.Context()), in.ReceiverID, in.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) {
	a, okA := pathID(r, "id")
	b, okB := pathID(r, "otherId")
	if !okA || !okB {
		writeErr(w, http.StatusBadRequest, "invalid_id")
		return
	}
	if caller := userID(r.Context()); caller != a && caller != b {
		writeErr(w, http.StatusForbidden, core.ErrForbidden.Error())
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	names := make(map[int64]userRef, 2)
	for _, id := range []int64{a, b} {
		u, err := s.Store.GetUser(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		names[id] = userRef{ID: u.ID, Username: u.Username}
	}
	items, err := s.Store.Conversation(r.Context(), a, b, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(items, func(m core.Message, _ int) conversationItem {
		return conversationItem{Message: m, Sender: names[m.SenderID], Receiver: names[m.ReceiverID]}
	}))
}

type userRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// conversationItem is a message with both participants' names attached.
type conversationItem struct {
	core.Message
	Sender   userRef `json:"sender"`
	Receiver userRef `json:"receiver"`
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid_id")
		return
	}
	msg, err := s.Engine.MarkRead(r.Context(), userID(r.Context()), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}
