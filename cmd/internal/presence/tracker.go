// Package presence tracks ephemeral peer state: online status and who is typing.
// It also drives the local typing signal with a single idle timer.
package presence

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"chatsync/cmd/internal/chatstore"
	"chatsync/cmd/internal/realtime"
)

// DefaultIdle is how long local input may pause before typing-stop is emitted.
const DefaultIdle = 2 * time.Second

const emitTimeout = 5 * time.Second

// Emitter sends the local typing signals.
type Emitter interface {
	NotifyTypingStart(ctx context.Context, t realtime.Target) error
	NotifyTypingStop(ctx context.Context, t realtime.Target) error
}

// PresenceSink receives presence updates for personal conversations.
type PresenceSink interface {
	SetPresence(userID string, p chatstore.Presence) bool
}

// Timer is the subset of *time.Timer the tracker uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests substitute a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

type Option func(*Tracker)

func WithIdle(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.idle = d
		}
	}
}

func WithAfterFunc(fn AfterFunc) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.afterFunc = fn
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// Tracker is safe for concurrent use. Peer typing never times out locally:
// an indicator stays until the peer's own stop event (or a conversation switch).
type Tracker struct {
	log       *slog.Logger
	emit      Emitter
	sink      PresenceSink
	idle      time.Duration
	afterFunc AfterFunc

	mu     sync.Mutex
	local  string
	typing map[string]map[string]struct{}

	timer   Timer
	seq     uint64
	pending realtime.Target
}

func New(local string, sink PresenceSink, emit Emitter, opts ...Option) *Tracker {
	t := &Tracker{
		log:    slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		emit:   emit,
		sink:   sink,
		idle:   DefaultIdle,
		local:  local,
		typing: make(map[string]map[string]struct{}),
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tracker) SetLocalUser(id string) {
	t.mu.Lock()
	t.local = id
	t.mu.Unlock()
}

// ---- inbound ----

// PresenceChanged applies a user_status event. Only personal conversations keyed by userID change.
func (t *Tracker) PresenceChanged(userID, status string) bool {
	if userID == "" || t.sink == nil {
		return false
	}
	return t.sink.SetPresence(userID, chatstore.ParsePresence(status))
}

// TypingStarted records senderID as typing. It returns the conversation id
// and whether the typing set changed. Self echoes are ignored.
func (t *Tracker) TypingStarted(senderID, groupID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if senderID == "" || senderID == t.local {
		return "", false
	}
	conv := conversationOf(senderID, groupID)
	set := t.typing[conv]
	if set == nil {
		set = make(map[string]struct{})
		t.typing[conv] = set
	}
	if _, ok := set[senderID]; ok {
		return conv, false
	}
	set[senderID] = struct{}{}
	return conv, true
}

// TypingStopped removes senderID from the conversation's typing set.
func (t *Tracker) TypingStopped(senderID, groupID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if senderID == "" || senderID == t.local {
		return "", false
	}
	conv := conversationOf(senderID, groupID)
	set := t.typing[conv]
	if _, ok := set[senderID]; !ok {
		return conv, false
	}
	delete(set, senderID)
	if len(set) == 0 {
		delete(t.typing, conv)
	}
	return conv, true
}

// Typing returns the sorted ids currently typing in a conversation.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.typing[conversationID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func conversationOf(senderID, groupID string) string {
	if groupID != "" {
		return groupID
	}
	return senderID
}

// ---- local emission ----

// Keystroke emits typing-start for target and (re)arms the idle timer.
func (t *Tracker) Keystroke(ctx context.Context, target realtime.Target) error {
	if err := t.emit.NotifyTypingStart(ctx, target); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.seq++
	seq := t.seq
	t.pending = target
	t.timer = t.afterFunc(t.idle, func() { t.idleFired(seq) })
	return nil
}

func (t *Tracker) idleFired(seq uint64) {
	t.mu.Lock()
	if seq != t.seq || t.timer == nil {
		t.mu.Unlock()
		return
	}
	target := t.pending
	t.clearTimerLocked()
	t.mu.Unlock()

	t.stop(target, "idle")
}

// Sent cancels the idle timer and emits typing-stop right away: sending implies stopped typing.
func (t *Tracker) Sent(ctx context.Context, target realtime.Target) error {
	t.mu.Lock()
	t.clearTimerLocked()
	t.mu.Unlock()

	return t.emit.NotifyTypingStop(ctx, target)
}

// SwitchConversation clears the typing sets of both conversations and cancels
// the idle timer. A stop for the old target is emitted when one was pending, so
// the peer's indicator does not hang.
func (t *Tracker) SwitchConversation(oldID, newID string) {
	t.mu.Lock()
	delete(t.typing, oldID)
	delete(t.typing, newID)
	hadPending := t.timer != nil
	target := t.pending
	t.clearTimerLocked()
	t.mu.Unlock()

	if hadPending {
		t.stop(target, "switch")
	}
}

// Close cancels the idle timer without emitting anything.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.clearTimerLocked()
	t.mu.Unlock()
}

// Reset drops all state (logout).
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.clearTimerLocked()
	t.typing = make(map[string]map[string]struct{})
	t.local = ""
	t.mu.Unlock()
}

// Pending reports whether a typing-stop is scheduled.
func (t *Tracker) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

func (t *Tracker) clearTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = nil
	t.pending = realtime.Target{}
	t.seq++
}

func (t *Tracker) stop(target realtime.Target, reason string) {
	if target.IsZero() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	if err := t.emit.NotifyTypingStop(ctx, target); err != nil {
		t.log.Info("typing.stop.fail", "conversation_id", target.ConversationID(), "reason", reason, "err", err)
	}
}
