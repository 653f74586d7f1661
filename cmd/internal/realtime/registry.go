package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	v1 "chatsync/shared/contracts/realtime/v1"

	"chatsync/cmd/internal/metrics"
)

// Transport is what the registry needs from the connection manager.
type Transport interface {
	Send(ctx context.Context, typ string, payload any) error
	JoinGroup(ctx context.Context, groupID string) error
	SetDispatcher(fn func(v1.Envelope))
}

// Registry is the typed event surface over a Transport.
//
// Each inbound event kind has exactly one listener slot. Subscribing again
// replaces the previous listener, so a view that re-subscribes on every render
// never receives an event twice. A disposer only clears the slot it filled.
type Registry struct {
	log     *slog.Logger
	tr      Transport
	metrics *metrics.Metrics

	mu    sync.Mutex
	slots map[string]slot
	seq   uint64
}

type slot struct {
	token uint64
	fn    func(v1.Envelope)
}

// NewRegistry installs itself as tr's dispatcher.
func NewRegistry(log *slog.Logger, tr Transport, m *metrics.Metrics) *Registry {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	r := &Registry{
		log:     log,
		tr:      tr,
		metrics: m,
		slots:   make(map[string]slot),
	}
	tr.SetDispatcher(r.Dispatch)
	return r
}

// ---- outbound ----

func (r *Registry) SendDirectMessage(ctx context.Context, recipientID, body, attachmentRef string) error {
	if strings.TrimSpace(recipientID) == "" {
		return ErrInvalidTarget
	}
	if err := checkBody(body, attachmentRef); err != nil {
		return err
	}
	return r.tr.Send(ctx, v1.TypeSendMessage, v1.SendMessagePayload{
		RecipientID: recipientID,
		Content:     body,
		FileURL:     attachmentRef,
	})
}

func (r *Registry) SendGroupMessage(ctx context.Context, groupID, body, attachmentRef string) error {
	if strings.TrimSpace(groupID) == "" {
		return ErrInvalidTarget
	}
	if err := checkBody(body, attachmentRef); err != nil {
		return err
	}
	return r.tr.Send(ctx, v1.TypeSendGroupMessage, v1.SendGroupMessagePayload{
		GroupID: groupID,
		Content: body,
		FileURL: attachmentRef,
	})
}

func (r *Registry) NotifyTypingStart(ctx context.Context, t Target) error {
	if err := t.validate(); err != nil {
		return err
	}
	return r.tr.Send(ctx, v1.TypeTyping, v1.TypingPayload{RecipientID: t.RecipientID, GroupID: t.GroupID})
}

func (r *Registry) NotifyTypingStop(ctx context.Context, t Target) error {
	if err := t.validate(); err != nil {
		return err
	}
	return r.tr.Send(ctx, v1.TypeStopTyping, v1.TypingPayload{RecipientID: t.RecipientID, GroupID: t.GroupID})
}

// JoinGroupChannel must run once per group before that group's events arrive.
func (r *Registry) JoinGroupChannel(ctx context.Context, groupID string) error {
	return r.tr.JoinGroup(ctx, groupID)
}

func checkBody(body, attachmentRef string) error {
	if strings.TrimSpace(body) == "" && strings.TrimSpace(attachmentRef) == "" {
		return ErrEmptyMessage
	}
	if n := len([]rune(body)); n > maxMessageChars {
		return fmt.Errorf("%w: %d > %d chars", ErrMessageTooLong, n, maxMessageChars)
	}
	return nil
}

// ---- inbound ----

func (r *Registry) OnDirectMessage(fn func(v1.MessagePayload)) Disposer {
	return subscribe(r, v1.TypeReceiveMessage, fn)
}

func (r *Registry) OnGroupMessage(fn func(v1.MessagePayload)) Disposer {
	return subscribe(r, v1.TypeReceiveGroupMessage, fn)
}

func (r *Registry) OnReadReceipt(fn func(v1.MessagesReadPayload)) Disposer {
	return subscribe(r, v1.TypeMessagesRead, fn)
}

func (r *Registry) OnPresenceChange(fn func(v1.UserStatusPayload)) Disposer {
	return subscribe(r, v1.TypeUserStatus, fn)
}

func (r *Registry) OnTypingStart(fn func(v1.UserTypingPayload)) Disposer {
	return subscribe(r, v1.TypeUserTyping, fn)
}

func (r *Registry) OnTypingStop(fn func(v1.UserTypingPayload)) Disposer {
	return subscribe(r, v1.TypeUserStoppedTyping, fn)
}

func (r *Registry) OnServerError(fn func(v1.ErrorPayload)) Disposer {
	return subscribe(r, v1.TypeError, fn)
}

// Dispatch routes one validated inbound envelope to its slot.
func (r *Registry) Dispatch(env v1.Envelope) {
	r.mu.Lock()
	s, ok := r.slots[env.Type]
	r.mu.Unlock()

	if !ok {
		r.log.Debug("ws.event.unhandled", "type", env.Type)
		r.metrics.Dropped("no_listener")
		return
	}
	s.fn(env)
}

func subscribe[T any](r *Registry, typ string, fn func(T)) Disposer {
	decode := func(env v1.Envelope) {
		var p T
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.log.Warn("ws.event.drop", "type", env.Type, "reason", "bad_payload", "envelope_id", env.ID, "err", err)
			r.metrics.Dropped("bad_payload")
			return
		}
		fn(p)
	}

	r.mu.Lock()
	r.seq++
	token := r.seq
	if _, replaced := r.slots[typ]; replaced {
		r.log.Debug("ws.listener.replace", "type", typ)
	}
	r.slots[typ] = slot{token: token, fn: decode}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if cur, ok := r.slots[typ]; ok && cur.token == token {
			delete(r.slots, typ)
		}
		r.mu.Unlock()
	}
}
