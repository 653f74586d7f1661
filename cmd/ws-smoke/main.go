// Package main is a CI-friendly realtime smoke test against a running chat server.
//
// It validates:
//   - two identities bind their channels
//   - A -> B personal delivery (receive_message)
//   - typing start/stop relay
//   - clean disconnect
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "chatsync/shared/contracts/realtime/v1"

	"chatsync/cmd/internal/realtime"
)

type smokeClient struct {
	name    string
	userID  string
	manager *realtime.Manager
	events  *realtime.Registry

	messages chan v1.MessagePayload
	typing   chan v1.UserTypingPayload
	stopped  chan v1.UserTypingPayload
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:5000/ws", "WebSocket URL")
		origin  = flag.String("origin", "", "Origin header to send")
		userA   = flag.String("user-a", "", "User id bound by client A")
		tokenA  = flag.String("token-a", os.Getenv("CHATSYNC_SMOKE_TOKEN_A"), "Bearer token for A")
		userB   = flag.String("user-b", "", "User id bound by client B")
		tokenB  = flag.String("token-b", os.Getenv("CHATSYNC_SMOKE_TOKEN_B"), "Bearer token for B")
		text    = flag.String("text", "hello from smoke 👋", "Message body to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*userA) == "" || strings.TrimSpace(*userB) == "" {
		fatalf("-user-a and -user-b are required")
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	root := context.Background()

	a := mustConnect(root, log, "A", *userA, *tokenA, *wsURL, *origin, *timeout)
	defer a.manager.Disconnect()

	b := mustConnect(root, log, "B", *userB, *tokenB, *wsURL, *origin, *timeout)
	defer b.manager.Disconnect()

	mustStep(root, *timeout, "send", func(ctx context.Context) error {
		return a.events.SendDirectMessage(ctx, b.userID, *text, "")
	})
	got := mustReceive(root, b.messages, *timeout, "receive_message on B")
	if got.Sender.ID != a.userID || got.Recipient != b.userID || got.Content != *text {
		fatalf("unexpected message on B: sender=%q recipient=%q content=%q", got.Sender.ID, got.Recipient, got.Content)
	}
	if strings.TrimSpace(got.ID) == "" {
		fatalf("delivered message missing _id")
	}

	mustStep(root, *timeout, "typing", func(ctx context.Context) error {
		return a.events.NotifyTypingStart(ctx, realtime.Direct(b.userID))
	})
	if p := mustReceive(root, b.typing, *timeout, "user_typing on B"); p.SenderID != a.userID {
		fatalf("typing sender mismatch: got=%q want=%q", p.SenderID, a.userID)
	}

	mustStep(root, *timeout, "stop_typing", func(ctx context.Context) error {
		return a.events.NotifyTypingStop(ctx, realtime.Direct(b.userID))
	})
	if p := mustReceive(root, b.stopped, *timeout, "user_stopped_typing on B"); p.SenderID != a.userID {
		fatalf("stop typing sender mismatch: got=%q want=%q", p.SenderID, a.userID)
	}

	fmt.Printf("OK: A=%s B=%s message_id=%s\n", a.userID, b.userID, got.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, log *slog.Logger, name, userID, token, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	dialer := &realtime.WSDialer{
		URL:         wsURL,
		Origin:      origin,
		DialTimeout: stepTimeout,
		Token: func(context.Context) (string, error) {
			return token, nil
		},
	}
	manager := realtime.NewManager(log.With("client", name), dialer, realtime.ManagerOptions{})
	events := realtime.NewRegistry(log.With("client", name), manager, nil)

	c := &smokeClient{
		name:     name,
		userID:   userID,
		manager:  manager,
		events:   events,
		messages: make(chan v1.MessagePayload, 16),
		typing:   make(chan v1.UserTypingPayload, 16),
		stopped:  make(chan v1.UserTypingPayload, 16),
	}
	events.OnDirectMessage(func(p v1.MessagePayload) { offer(c.messages, p) })
	events.OnTypingStart(func(p v1.UserTypingPayload) { offer(c.typing, p) })
	events.OnTypingStop(func(p v1.UserTypingPayload) { offer(c.stopped, p) })
	events.OnServerError(func(p v1.ErrorPayload) {
		fmt.Fprintf(os.Stderr, "WARN: %s server error: code=%q msg=%q\n", name, p.Code, p.Message)
	})
	manager.OnStatus(func(ev realtime.StatusEvent) {
		if ev.Status == realtime.StatusError {
			fmt.Fprintf(os.Stderr, "WARN: %s channel error: %v\n", name, ev.Err)
		}
	})

	mustStep(parent, stepTimeout, "connect "+name, func(ctx context.Context) error {
		return manager.Connect(ctx, userID)
	})
	if st := manager.Status(); st != realtime.StatusConnected {
		fatalf("connect %s: status=%s", name, st)
	}
	return c
}

func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func mustStep(parent context.Context, stepTimeout time.Duration, what string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		fatalf("%s: %v", what, err)
	}
}

func mustReceive[T any](parent context.Context, ch <-chan T, stepTimeout time.Duration, what string) T {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		fatalf("timeout waiting for %s: %v", what, ctx.Err())
	case v := <-ch:
		return v
	}
	panic("unreachable")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
