package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chatsync/cmd/internal/chatstore"
	"chatsync/cmd/internal/reconcile"
	"chatsync/cmd/internal/realtime"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxSendBodyBytes = 64 << 10

// engine is the slice of the reconciler the loopback API drives.
type engine interface {
	Store() *chatstore.Store
	Typing(conversationID string) []string
	Connected() bool

	Select(ctx context.Context, conversationID string) (chatstore.Selection, error)
	MarkRead(ctx context.Context, conversationID string) error
	Keystroke(ctx context.Context) error
	Send(ctx context.Context, body, attachmentRef string) error
	Reconnect(ctx context.Context) error
}

type sendRequest struct {
	Body          string `json:"body"`
	AttachmentRef string `json:"attachmentRef"`
}

type typingResponse struct {
	ConversationID string   `json:"conversationId"`
	UserIDs        []string `json:"userIds"`
}

type messagesResponse struct {
	ConversationID string              `json:"conversationId"`
	Messages       []chatstore.Message `json:"messages"`
}

type handlers struct {
	log Logger
	eng engine
}

func newRouter(log Logger, cfg Config, eng engine, metricsHandler http.Handler) http.Handler {
	h := &handlers{log: log, eng: eng}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", h.readyz)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/state", h.state)
		r.Get("/conversations", h.conversations)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/messages", h.messages)
			r.Post("/select", h.selectConversation)
			r.Post("/read", h.markRead)
			r.Get("/typing", h.typing)
			r.Post("/typing", h.keystroke)
		})
		r.Post("/messages", h.send)
		r.Post("/reconnect", h.reconnect)
	})

	return WithSecurityHeaders(WithCORS(WithRequestLogging(r, log), cfg, log))
}

func (h *handlers) readyz(w http.ResponseWriter, _ *http.Request) {
	if !h.eng.Connected() {
		http.Error(w, "realtime not connected", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

func (h *handlers) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Store().Snapshot())
}

func (h *handlers) conversations(w http.ResponseWriter, _ *http.Request) {
	list := h.eng.Store().Conversations()
	if list == nil {
		list = []chatstore.Conversation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) messages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st := h.eng.Store()
	if _, ok := st.Conversation(id); !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown conversation")
		return
	}
	if !st.IsActive(id) {
		writeError(w, http.StatusConflict, "not_active", "conversation is not open")
		return
	}
	msgs := st.Messages(id)
	if msgs == nil {
		msgs = []chatstore.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{ConversationID: id, Messages: msgs})
}

func (h *handlers) selectConversation(w http.ResponseWriter, r *http.Request) {
	sel, err := h.eng.Select(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "select", err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (h *handlers) markRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.eng.MarkRead(r.Context(), id); err != nil {
		h.fail(w, "mark_read", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) typing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	users := h.eng.Typing(id)
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, typingResponse{ConversationID: id, UserIDs: users})
}

func (h *handlers) keystroke(w http.ResponseWriter, r *http.Request) {
	if !h.eng.Store().IsActive(chi.URLParam(r, "id")) {
		writeError(w, http.StatusConflict, "not_active", "conversation is not open")
		return
	}
	if err := h.eng.Keystroke(r.Context()); err != nil {
		h.fail(w, "keystroke", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, maxSendBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := h.eng.Send(r.Context(), req.Body, req.AttachmentRef); err != nil {
		h.fail(w, "send", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) reconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.Reconnect(r.Context()); err != nil {
		h.fail(w, "reconnect", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps engine errors onto the JSON error envelope.
func (h *handlers) fail(w http.ResponseWriter, op string, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, chatstore.ErrUnknownConversation):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, reconcile.ErrNoActiveConversation), errors.Is(err, chatstore.ErrNotActive):
		status, code = http.StatusConflict, "not_active"
	case errors.Is(err, realtime.ErrEmptyMessage), errors.Is(err, realtime.ErrMessageTooLong),
		errors.Is(err, realtime.ErrInvalidTarget):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, realtime.ErrNoIdentity):
		status, code = http.StatusConflict, "no_identity"
	case errors.Is(err, realtime.ErrNotConnected):
		status, code = http.StatusServiceUnavailable, "not_connected"
	case errors.Is(err, realtime.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	}

	if status >= 500 {
		h.log.Error("http.op.fail", "op", op, "err", err)
	} else {
		h.log.Info("http.op.rejected", "op", op, "code", code, "err", err)
	}
	writeError(w, status, code, err.Error())
}

func newHTTPServer(addr string, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(readHeaderTimeout, 5*time.Second),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
