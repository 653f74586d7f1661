// Package notify raises the local "new message" side effect for conversations
// that are not currently open. Presentation is up to the implementation.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// AttachmentBody is shown when a message carries only a file.
const AttachmentBody = "Sent a file"

type Notification struct {
	ConversationID string
	Title          string
	Body           string
}

// BodyFor picks the notification text for a message.
func BodyFor(content, attachmentRef string) string {
	if strings.TrimSpace(content) != "" {
		return content
	}
	if attachmentRef != "" {
		return AttachmentBody
	}
	return ""
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Log records notifications as structured log events.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Log{log: log}
}

func (l *Log) Notify(ctx context.Context, n Notification) error {
	l.log.InfoContext(ctx, "notify.message",
		"conversation_id", n.ConversationID,
		"title", n.Title,
		"body", n.Body,
	)
	return nil
}

// Terminal writes one styled line per notification.
type Terminal struct {
	mu    sync.Mutex
	w     io.Writer
	title lipgloss.Style
	body  lipgloss.Style
	badge lipgloss.Style
}

func NewTerminal(w io.Writer) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	return &Terminal{
		w:     w,
		badge: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#7D56F4")).Padding(0, 1),
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")),
		body:  lipgloss.NewStyle().Foreground(lipgloss.Color("#A8A8A8")),
	}
}

func (t *Terminal) Notify(_ context.Context, n Notification) error {
	line := fmt.Sprintf("%s %s %s\n",
		t.badge.Render("new"),
		t.title.Render(n.Title),
		t.body.Render(n.Body),
	)
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := io.WriteString(t.w, line)
	return err
}

// Parse maps a config value (log|terminal|none) to a Notifier.
func Parse(kind string, log *slog.Logger, w io.Writer) (Notifier, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "log":
		return NewLog(log), nil
	case "terminal":
		return NewTerminal(w), nil
	case "none", "off":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("notify: unknown kind %q", kind)
	}
}
