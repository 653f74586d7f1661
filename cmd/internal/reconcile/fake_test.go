package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "chatsync/shared/contracts/realtime/v1"

	"chatsync/cmd/internal/api"
	"chatsync/cmd/internal/chatstore"
	"chatsync/cmd/internal/notify"
	"chatsync/cmd/internal/presence"
	"chatsync/cmd/internal/realtime"
)

var (
	t0      = time.Date(2025, 3, 16, 5, 0, 0, 0, time.UTC)
	errBoom = errors.New("boom")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---- channel ----

type fakeChannel struct {
	mu        sync.Mutex
	status    realtime.Status
	connects  []string
	redials   int
	resets    int
	connErr   error
	listeners []func(realtime.StatusEvent)
}

func (c *fakeChannel) Connect(_ context.Context, identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects = append(c.connects, identity)
	if c.connErr != nil {
		c.status = realtime.StatusError
		return c.connErr
	}
	c.status = realtime.StatusConnected
	return nil
}

func (c *fakeChannel) Reconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redials++
	if c.connErr != nil {
		c.status = realtime.StatusError
		return c.connErr
	}
	c.status = realtime.StatusConnected
	return nil
}

func (c *fakeChannel) Disconnect() {
	c.mu.Lock()
	c.status = realtime.StatusDisconnected
	c.mu.Unlock()
}

func (c *fakeChannel) Reset() {
	c.mu.Lock()
	c.status = realtime.StatusDisconnected
	c.resets++
	c.mu.Unlock()
}

func (c *fakeChannel) Status() realtime.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == "" {
		return realtime.StatusDisconnected
	}
	return c.status
}

func (c *fakeChannel) OnStatus(fn func(realtime.StatusEvent)) realtime.Disposer {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
	return func() {}
}

func (c *fakeChannel) emit(ev realtime.StatusEvent) {
	c.mu.Lock()
	ls := append([]func(realtime.StatusEvent){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range ls {
		fn(ev)
	}
}

// ---- events ----

type sent struct {
	kind string
	to   string
	body string
	file string
}

type fakeEvents struct {
	mu       sync.Mutex
	sendErr  error
	sent     []sent
	typing   []string // "start:<conv>" / "stop:<conv>"
	joined   []string
	disposed int

	direct   func(v1.MessagePayload)
	group    func(v1.MessagePayload)
	receipt  func(v1.MessagesReadPayload)
	presence func(v1.UserStatusPayload)
	tStart   func(v1.UserTypingPayload)
	tStop    func(v1.UserTypingPayload)
	srvErr   func(v1.ErrorPayload)
}

func (e *fakeEvents) SendDirectMessage(_ context.Context, to, body, file string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sendErr != nil {
		return e.sendErr
	}
	e.sent = append(e.sent, sent{kind: "direct", to: to, body: body, file: file})
	return nil
}

func (e *fakeEvents) SendGroupMessage(_ context.Context, to, body, file string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sendErr != nil {
		return e.sendErr
	}
	e.sent = append(e.sent, sent{kind: "group", to: to, body: body, file: file})
	return nil
}

func (e *fakeEvents) NotifyTypingStart(_ context.Context, t realtime.Target) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sendErr != nil {
		return e.sendErr
	}
	e.typing = append(e.typing, "start:"+t.ConversationID())
	return nil
}

func (e *fakeEvents) NotifyTypingStop(_ context.Context, t realtime.Target) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sendErr != nil {
		return e.sendErr
	}
	e.typing = append(e.typing, "stop:"+t.ConversationID())
	return nil
}

func (e *fakeEvents) JoinGroupChannel(_ context.Context, groupID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.joined = append(e.joined, groupID)
	return nil
}

func (e *fakeEvents) disposer() realtime.Disposer {
	return func() {
		e.mu.Lock()
		e.disposed++
		e.mu.Unlock()
	}
}

func (e *fakeEvents) OnDirectMessage(fn func(v1.MessagePayload)) realtime.Disposer {
	e.direct = fn
	return e.disposer()
}

func (e *fakeEvents) OnGroupMessage(fn func(v1.MessagePayload)) realtime.Disposer {
	e.group = fn
	return e.disposer()
}

func (e *fakeEvents) OnReadReceipt(fn func(v1.MessagesReadPayload)) realtime.Disposer {
	e.receipt = fn
	return e.disposer()
}

func (e *fakeEvents) OnPresenceChange(fn func(v1.UserStatusPayload)) realtime.Disposer {
	e.presence = fn
	return e.disposer()
}

func (e *fakeEvents) OnTypingStart(fn func(v1.UserTypingPayload)) realtime.Disposer {
	e.tStart = fn
	return e.disposer()
}

func (e *fakeEvents) OnTypingStop(fn func(v1.UserTypingPayload)) realtime.Disposer {
	e.tStop = fn
	return e.disposer()
}

func (e *fakeEvents) OnServerError(fn func(v1.ErrorPayload)) realtime.Disposer {
	e.srvErr = fn
	return e.disposer()
}

func (e *fakeEvents) sentMessages() []sent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sent(nil), e.sent...)
}

func (e *fakeEvents) typingCalls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.typing...)
}

func (e *fakeEvents) joinedGroups() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.joined...)
}

// ---- backend ----

type fakeBackend struct {
	mu sync.Mutex

	profile   api.Profile
	chats     []api.UserChat
	joined    []api.Group
	joinedErr error
	history   map[string][]v1.MessagePayload
	historyFn func(ctx context.Context, id string) ([]v1.MessagePayload, error)
	markErr   error
	marked    []string
	uploadURL string
	search    []api.UserSearchResult
	group     api.Group
	login     api.LoginResult
	valid     bool
	validated int
}

func (b *fakeBackend) FetchProfile(context.Context) (api.Profile, error) { return b.profile, nil }

func (b *fakeBackend) FetchChatList(context.Context) ([]api.UserChat, error) { return b.chats, nil }

func (b *fakeBackend) FetchJoinedGroups(context.Context) ([]api.Group, error) {
	return b.joined, b.joinedErr
}

func (b *fakeBackend) FetchHistory(ctx context.Context, id string, _ bool) ([]v1.MessagePayload, error) {
	if b.historyFn != nil {
		return b.historyFn(ctx, id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history[id], nil
}

func (b *fakeBackend) MarkRead(_ context.Context, id string) (api.MarkReadResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marked = append(b.marked, id)
	if b.markErr != nil {
		return api.MarkReadResult{}, b.markErr
	}
	return api.MarkReadResult{ModifiedCount: 1}, nil
}

func (b *fakeBackend) UploadFile(_ context.Context, _ string, r io.Reader) (api.UploadResult, error) {
	if _, err := io.ReadAll(r); err != nil {
		return api.UploadResult{}, err
	}
	return api.UploadResult{FileURL: b.uploadURL}, nil
}

func (b *fakeBackend) SearchUsers(context.Context, string) ([]api.UserSearchResult, error) {
	return b.search, nil
}

func (b *fakeBackend) AddContact(context.Context, string) (string, error) {
	return "Contact added", nil
}

func (b *fakeBackend) CreateGroup(context.Context, string, []string) (api.Group, error) {
	return b.group, nil
}

func (b *fakeBackend) Login(context.Context, string, string) (api.LoginResult, error) {
	return b.login, nil
}

func (b *fakeBackend) ValidateToken(context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.validated++
	return b.valid, nil
}

func (b *fakeBackend) markedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.marked...)
}

// ---- tokens / notifier / timer ----

type memTokens struct {
	mu  sync.Mutex
	tok string
}

func (m *memTokens) Token(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tok, nil
}

func (m *memTokens) Save(_ context.Context, tok string) error {
	m.mu.Lock()
	m.tok = tok
	m.mu.Unlock()
	return nil
}

func (m *memTokens) Clear(context.Context) error {
	m.mu.Lock()
	m.tok = ""
	m.mu.Unlock()
	return nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, x notify.Notification) error {
	n.mu.Lock()
	n.got = append(n.got, x)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) all() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notification(nil), n.got...)
}

type nopTimer struct{}

func (nopTimer) Stop() bool { return true }

// ---- harness ----

type harness struct {
	r        *Reconciler
	store    *chatstore.Store
	channel  *fakeChannel
	events   *fakeEvents
	backend  *fakeBackend
	tokens   *memTokens
	notifier *recordingNotifier
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	h := &harness{
		store:    chatstore.New("me"),
		channel:  &fakeChannel{},
		events:   &fakeEvents{},
		backend:  &fakeBackend{history: map[string][]v1.MessagePayload{}},
		tokens:   &memTokens{},
		notifier: &recordingNotifier{},
	}
	h.store.SetConversations([]chatstore.Conversation{
		{ID: "bob", Kind: chatstore.KindPersonal, DisplayName: "Bob", LastMessageTime: t0},
		{ID: "carol", Kind: chatstore.KindPersonal, DisplayName: "Carol", LastMessageTime: t0},
		{ID: "g1", Kind: chatstore.KindGroup, DisplayName: "Team", LastMessageTime: t0},
	})
	tracker := presence.New("me", h.store, h.events,
		presence.WithLogger(discardLogger()),
		presence.WithAfterFunc(func(time.Duration, func()) presence.Timer { return nopTimer{} }),
	)
	if opts.Now == nil {
		opts.Now = func() time.Time { return t0.Add(time.Hour) }
	}
	h.r = New(Deps{
		Log:      discardLogger(),
		Store:    h.store,
		Channel:  h.channel,
		Events:   h.events,
		Backend:  h.backend,
		Tokens:   h.tokens,
		Notifier: h.notifier,
		Tracker:  tracker,
	}, opts)
	t.Cleanup(h.r.Close)
	return h
}

func directPayload(id, from, to string, at time.Duration) v1.MessagePayload {
	return v1.MessagePayload{
		ID:        id,
		Sender:    v1.SenderPayload{ID: from, Name: displayFor(from)},
		Recipient: to,
		Content:   "body " + id,
		Status:    "Delivered",
		Timestamp: t0.Add(at),
	}
}

func groupPayload(id, from, group string, at time.Duration) v1.MessagePayload {
	return v1.MessagePayload{
		ID:        id,
		Sender:    v1.SenderPayload{ID: from, Name: displayFor(from)},
		Group:     group,
		Content:   "body " + id,
		Timestamp: t0.Add(at),
	}
}

func displayFor(id string) string {
	switch id {
	case "bob":
		return "Bob"
	case "carol":
		return "Carol"
	case "dave":
		return "Dave"
	}
	return ""
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func drainFaults(r *Reconciler) []Fault {
	var out []Fault
	for {
		select {
		case f := <-r.Faults():
			out = append(out, f)
		default:
			return out
		}
	}
}
