// Package realtime owns the single websocket channel to the chat server and the
// typed event surface layered on top of it.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "chatsync/shared/contracts/realtime/v1"

	"chatsync/cmd/internal/metrics"

	"github.com/coder/websocket"
)

// Status is the channel state published to listeners.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// StatusEvent describes one transition.
type StatusEvent struct {
	Status   Status
	Identity string
	Err      error
	At       time.Time
}

// Disposer releases a listener. Calling it more than once is safe.
type Disposer func()

// ManagerOptions tunes the channel. Zero values fall back to package defaults.
type ManagerOptions struct {
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RateEvents        int
	RateWindow        time.Duration
	Metrics           *metrics.Metrics
	Now               func() time.Time
}

// Manager is the connection manager: one channel per signed-in identity.
//
// Reconnection is never automatic. A failed channel moves to StatusError and
// stays there until the caller invokes Connect or Reconnect.
type Manager struct {
	log     *slog.Logger
	dialer  Dialer
	opts    ManagerOptions
	metrics *metrics.Metrics
	limiter *RateLimiter

	// opMu serializes Connect, Reconnect and Disconnect.
	opMu sync.Mutex

	mu        sync.Mutex
	sess      *session
	identity  string
	status    Status
	groups    map[string]struct{}
	dispatch  func(v1.Envelope)
	listeners map[uint64]func(StatusEvent)
	nextID    uint64
}

type session struct {
	conn      Conn
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(reason)
	})
}

// NewManager constructs a disconnected manager.
func NewManager(log *slog.Logger, dialer Dialer, opts ManagerOptions) *Manager {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = heartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = heartbeatTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Manager{
		log:       log,
		dialer:    dialer,
		opts:      opts,
		metrics:   opts.Metrics,
		limiter:   NewRateLimiter(opts.RateEvents, opts.RateWindow),
		status:    StatusDisconnected,
		groups:    make(map[string]struct{}),
		listeners: make(map[uint64]func(StatusEvent)),
	}
}

// SetDispatcher installs the single inbound sink. Envelopes are delivered in
// receive order from one goroutine.
func (m *Manager) SetDispatcher(fn func(v1.Envelope)) {
	m.mu.Lock()
	m.dispatch = fn
	m.mu.Unlock()
}

// OnStatus registers a transition listener.
func (m *Manager) OnStatus(fn func(StatusEvent)) Disposer {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Groups returns the group channels that are rebound on reconnect.
func (m *Manager) Groups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.groups)
}

// Connect binds the channel to identity. It is a no-op when already connected
// as identity; a different identity tears down the old channel first.
func (m *Manager) Connect(ctx context.Context, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return ErrNoIdentity
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.connect(ctx, identity, false)
}

// Reconnect drops the current channel (if any) and dials again as the last
// bound identity, rejoining the personal inbox and every remembered group.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	identity := m.Identity()
	if identity == "" {
		return ErrNoIdentity
	}
	return m.connect(ctx, identity, true)
}

// Disconnect releases the channel. The identity and joined groups are kept for Reconnect.
func (m *Manager) Disconnect() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.disconnect("bye")
}

// Reset disconnects and forgets the identity and groups (logout).
func (m *Manager) Reset() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.disconnect("logout")
	m.mu.Lock()
	m.identity = ""
	m.groups = make(map[string]struct{})
	m.mu.Unlock()
}

func (m *Manager) disconnect(reason string) {
	m.mu.Lock()
	s := m.detachLocked()
	ev := m.setStatusLocked(StatusDisconnected, nil)
	identity := m.identity
	m.mu.Unlock()

	if s == nil && ev.Status == "" {
		return
	}
	if s != nil {
		s.close(reason)
		select {
		case <-s.done:
		case <-time.After(closeGrace):
		}
	}
	m.log.Info("ws.disconnect", "user_id", identity, "reason", reason)
	m.publish(ev)
}

func (m *Manager) connect(ctx context.Context, identity string, force bool) error {
	m.mu.Lock()
	if !force && m.sess != nil && m.status == StatusConnected && m.identity == identity {
		m.mu.Unlock()
		m.log.Debug("ws.connect.noop", "user_id", identity)
		return nil
	}
	old := m.detachLocked()
	if m.identity != identity {
		m.groups = make(map[string]struct{})
	}
	m.identity = identity
	ev := m.setStatusLocked(StatusConnecting, nil)
	m.mu.Unlock()

	if old != nil {
		old.close("rebind")
	}
	m.publish(ev)

	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		m.log.Warn("ws.connect.fail", "user_id", identity, "err", err)
		m.mu.Lock()
		ev := m.setStatusLocked(StatusError, err)
		m.mu.Unlock()
		m.publish(ev)
		return fmt.Errorf("realtime: connect: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{conn: conn, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.sess = s
	groups := sortedKeys(m.groups)
	m.mu.Unlock()
	m.limiter.Reset()

	go m.readLoop(sessCtx, s)
	go m.heartbeat(sessCtx, s)

	if err := m.write(ctx, s, v1.TypeJoin, v1.JoinPayload{UserID: identity}); err != nil {
		m.fail(s, StatusError, err)
		return fmt.Errorf("realtime: join: %w", err)
	}
	for _, g := range groups {
		if err := m.write(ctx, s, v1.TypeJoinGroup, v1.JoinGroupPayload{GroupID: g}); err != nil {
			m.fail(s, StatusError, err)
			return fmt.Errorf("realtime: rejoin group %s: %w", g, err)
		}
	}

	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return ErrNotConnected
	}
	ev = m.setStatusLocked(StatusConnected, nil)
	m.mu.Unlock()

	m.log.Info("ws.connect.ok", "user_id", identity, "groups", len(groups))
	m.publish(ev)
	return nil
}

// Send writes one outbound envelope on the live channel.
func (m *Manager) Send(ctx context.Context, typ string, payload any) error {
	m.mu.Lock()
	s := m.sess
	live := s != nil && m.status == StatusConnected
	m.mu.Unlock()

	if !live {
		return ErrNotConnected
	}
	if !m.limiter.Allow(m.opts.Now()) {
		m.log.Warn("ws.send.rate_limited", "type", typ)
		return ErrRateLimited
	}
	if err := m.write(ctx, s, typ, payload); err != nil {
		m.log.Info("ws.write.fail", "type", typ, "close_status", websocket.CloseStatus(err), "err", err)
		if ctx.Err() == nil {
			m.fail(s, StatusError, err)
		}
		return fmt.Errorf("realtime: send %s: %w", typ, err)
	}
	return nil
}

// JoinGroup binds the channel to a group inbox once per group.
// The group is remembered and rebound on Reconnect.
func (m *Manager) JoinGroup(ctx context.Context, groupID string) error {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return ErrInvalidTarget
	}

	m.mu.Lock()
	live := m.sess != nil && m.status == StatusConnected
	_, known := m.groups[groupID]
	if live && !known {
		m.groups[groupID] = struct{}{}
	}
	m.mu.Unlock()

	if !live {
		return ErrNotConnected
	}
	if known {
		return nil
	}

	if err := m.Send(ctx, v1.TypeJoinGroup, v1.JoinGroupPayload{GroupID: groupID}); err != nil {
		m.mu.Lock()
		delete(m.groups, groupID)
		m.mu.Unlock()
		return err
	}
	m.log.Debug("ws.group.join", "group_id", groupID)
	return nil
}

func (m *Manager) write(ctx context.Context, s *session, typ string, payload any) error {
	env, err := newEnvelope(typ, payload, m.opts.Now())
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()
	if err := s.conn.Write(wctx, b); err != nil {
		return err
	}
	m.metrics.EventOut(typ)
	return nil
}

func (m *Manager) readLoop(ctx context.Context, s *session) {
	defer close(s.done)

	for {
		data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			kind := classifyReadErr(err)
			m.log.Info("ws.read.fail", "reason", kind.String(), "err", err)
			status := StatusError
			if kind == readErrClose && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				status = StatusDisconnected
			}
			m.fail(s, status, err)
			return
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.drop("", "bad_json", err)
			continue
		}
		if err := env.Validate(); err != nil {
			m.drop(env.Type, "bad_envelope", err)
			continue
		}
		if !v1.Inbound(env.Type) {
			m.drop(env.Type, "unexpected_type", nil)
			continue
		}

		m.mu.Lock()
		fn := m.dispatch
		m.mu.Unlock()
		if fn == nil {
			m.drop(env.Type, "no_dispatcher", nil)
			continue
		}
		m.deliver(fn, env)
	}
}

// deliver isolates listener panics so one bad event cannot kill the channel.
func (m *Manager) deliver(fn func(v1.Envelope), env v1.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("ws.dispatch.panic", "type", env.Type, "envelope_id", env.ID, "panic", r)
			m.metrics.Dropped("panic")
		}
	}()
	fn(env)
	m.metrics.EventIn(env.Type)
}

func (m *Manager) drop(typ, reason string, err error) {
	m.log.Warn("ws.event.drop", "type", typ, "reason", reason, "err", err)
	m.metrics.Dropped(reason)
}

func (m *Manager) heartbeat(ctx context.Context, s *session) {
	t := time.NewTicker(m.opts.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hbCtx, cancel := context.WithTimeout(ctx, m.opts.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			cancel()

			if err == nil {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return
			}
			failures++
			m.log.Info("ws.ping.fail", "failures", failures, "err", err)
			if failures >= maxPingFailures {
				m.fail(s, StatusError, fmt.Errorf("heartbeat failed %d times: %w", failures, err))
				return
			}
		}
	}
}

// fail tears down s if it is still current and publishes the resulting status.
func (m *Manager) fail(s *session, status Status, err error) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	m.detachLocked()
	ev := m.setStatusLocked(status, err)
	m.mu.Unlock()

	go s.close("failed")
	m.publish(ev)
}

func (m *Manager) detachLocked() *session {
	s := m.sess
	m.sess = nil
	if s != nil {
		s.cancel()
	}
	return s
}

// setStatusLocked returns a zero event when nothing changed.
func (m *Manager) setStatusLocked(st Status, err error) StatusEvent {
	if m.status == st && err == nil {
		return StatusEvent{}
	}
	from := m.status
	m.status = st
	m.metrics.SetConnStatus(string(st))
	m.log.Info("ws.status", "from", from, "to", st, "user_id", m.identity, "err", err)
	return StatusEvent{Status: st, Identity: m.identity, Err: err, At: m.opts.Now()}
}

func (m *Manager) publish(ev StatusEvent) {
	if ev.Status == "" {
		return
	}
	m.mu.Lock()
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(StatusEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
