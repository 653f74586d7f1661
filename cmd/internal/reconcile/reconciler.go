// Package reconcile merges realtime events and user intents into the
// conversation store. It is the only writer of chatstore state.
package reconcile

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	v1 "chatsync/shared/contracts/realtime/v1"

	"chatsync/cmd/internal/api"
	"chatsync/cmd/internal/chatstore"
	"chatsync/cmd/internal/metrics"
	"chatsync/cmd/internal/notify"
	"chatsync/cmd/internal/presence"
	"chatsync/cmd/internal/realtime"
)

const (
	faultBuffer       = 32
	sideEffectTimeout = 10 * time.Second
)

// Channel is the connection manager surface the reconciler drives.
type Channel interface {
	Connect(ctx context.Context, identity string) error
	Reconnect(ctx context.Context) error
	Disconnect()
	Reset()
	Status() realtime.Status
	OnStatus(fn func(realtime.StatusEvent)) realtime.Disposer
}

// Events is the typed event registry.
type Events interface {
	SendDirectMessage(ctx context.Context, recipientID, body, attachmentRef string) error
	SendGroupMessage(ctx context.Context, groupID, body, attachmentRef string) error
	NotifyTypingStart(ctx context.Context, t realtime.Target) error
	NotifyTypingStop(ctx context.Context, t realtime.Target) error
	JoinGroupChannel(ctx context.Context, groupID string) error

	OnDirectMessage(fn func(v1.MessagePayload)) realtime.Disposer
	OnGroupMessage(fn func(v1.MessagePayload)) realtime.Disposer
	OnReadReceipt(fn func(v1.MessagesReadPayload)) realtime.Disposer
	OnPresenceChange(fn func(v1.UserStatusPayload)) realtime.Disposer
	OnTypingStart(fn func(v1.UserTypingPayload)) realtime.Disposer
	OnTypingStop(fn func(v1.UserTypingPayload)) realtime.Disposer
	OnServerError(fn func(v1.ErrorPayload)) realtime.Disposer
}

// Backend is the request/response collaborator.
type Backend interface {
	FetchProfile(ctx context.Context) (api.Profile, error)
	FetchChatList(ctx context.Context) ([]api.UserChat, error)
	FetchJoinedGroups(ctx context.Context) ([]api.Group, error)
	FetchHistory(ctx context.Context, conversationID string, group bool) ([]v1.MessagePayload, error)
	MarkRead(ctx context.Context, recipientID string) (api.MarkReadResult, error)
	UploadFile(ctx context.Context, name string, r io.Reader) (api.UploadResult, error)
	SearchUsers(ctx context.Context, username string) ([]api.UserSearchResult, error)
	AddContact(ctx context.Context, contactID string) (string, error)
	CreateGroup(ctx context.Context, name string, memberIDs []string) (api.Group, error)
	Login(ctx context.Context, username, password string) (api.LoginResult, error)
	ValidateToken(ctx context.Context) (bool, error)
}

// Tokens persists the session token.
type Tokens interface {
	Token(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// Deps are the collaborators. Store, Channel, Events and Backend are required.
type Deps struct {
	Log      *slog.Logger
	Store    *chatstore.Store
	Channel  Channel
	Events   Events
	Backend  Backend
	Tokens   Tokens
	Notifier notify.Notifier
	Metrics  *metrics.Metrics

	// Tracker is built from Events and Store when nil.
	Tracker *presence.Tracker
}

type Options struct {
	// StubConversations materializes unknown conversations referenced by inbound messages.
	StubConversations bool

	// Username and Password are used by Bootstrap when no valid token is stored.
	Username string
	Password string

	TypingIdle time.Duration
	Now        func() time.Time
}

// Reconciler is safe for concurrent use. Inbound events arrive on the
// channel's read goroutine; intents arrive on caller goroutines.
type Reconciler struct {
	log      *slog.Logger
	store    *chatstore.Store
	channel  Channel
	events   Events
	backend  Backend
	tokens   Tokens
	notifier notify.Notifier
	metrics  *metrics.Metrics
	tracker  *presence.Tracker
	opts     Options

	faults chan Fault

	mu       sync.Mutex
	searched map[string]chatstore.Conversation

	bg        sync.WaitGroup
	disposers []realtime.Disposer
	closeOnce sync.Once
}

func New(deps Deps, opts Options) *Reconciler {
	log := deps.Log
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	tracker := deps.Tracker
	if tracker == nil {
		tracker = presence.New(deps.Store.LocalUser(), deps.Store, deps.Events,
			presence.WithIdle(opts.TypingIdle),
			presence.WithLogger(log),
		)
	}

	r := &Reconciler{
		log:      log,
		store:    deps.Store,
		channel:  deps.Channel,
		events:   deps.Events,
		backend:  deps.Backend,
		tokens:   deps.Tokens,
		notifier: notifier,
		metrics:  deps.Metrics,
		tracker:  tracker,
		opts:     opts,
		faults:   make(chan Fault, faultBuffer),
		searched: make(map[string]chatstore.Conversation),
	}
	r.subscribe()
	return r
}

// subscribe takes exactly one listener per event kind for the reconciler's lifetime.
func (r *Reconciler) subscribe() {
	r.disposers = append(r.disposers,
		r.events.OnDirectMessage(func(p v1.MessagePayload) { r.onMessage(v1.TypeReceiveMessage, p) }),
		r.events.OnGroupMessage(func(p v1.MessagePayload) { r.onMessage(v1.TypeReceiveGroupMessage, p) }),
		r.events.OnReadReceipt(r.onReadReceipt),
		r.events.OnPresenceChange(r.onPresence),
		r.events.OnTypingStart(r.onTypingStart),
		r.events.OnTypingStop(r.onTypingStop),
		r.events.OnServerError(r.onServerError),
		r.channel.OnStatus(r.onStatus),
	)
}

// Store exposes the state container for readers.
func (r *Reconciler) Store() *chatstore.Store { return r.store }

// Tracker exposes typing and presence state for readers.
func (r *Reconciler) Tracker() *presence.Tracker { return r.tracker }

// Typing lists the peers currently typing in conversationID.
func (r *Reconciler) Typing(conversationID string) []string { return r.tracker.Typing(conversationID) }

// Connected reports whether the realtime channel is live.
func (r *Reconciler) Connected() bool { return r.channel.Status() == realtime.StatusConnected }

// Faults delivers failures worth surfacing. Faults are dropped when nobody drains the channel.
func (r *Reconciler) Faults() <-chan Fault { return r.faults }

// Close releases every subscription, cancels the typing timer and waits for
// background side effects.
func (r *Reconciler) Close() {
	r.closeOnce.Do(func() {
		for _, d := range r.disposers {
			d()
		}
		r.tracker.Close()
		r.bg.Wait()
	})
}

func (r *Reconciler) fault(op, conversationID string, err error) {
	f := Fault{Op: op, ConversationID: conversationID, Err: err, At: r.opts.Now()}
	select {
	case r.faults <- f:
	default:
		r.log.Warn("sync.fault.dropped", "op", op, "conversation_id", conversationID, "err", err)
	}
}

// goSideEffect runs fn off the caller's goroutine with its own deadline.
func (r *Reconciler) goSideEffect(fn func(ctx context.Context)) {
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		fn(ctx)
	}()
}
