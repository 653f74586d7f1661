package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestWrapSegments_WrapsForNarrowWidth(t *testing.T) {
	t.Parallel()

	s1 := strings.Repeat("a", 20)
	s2 := strings.Repeat("b", 20)
	s3 := strings.Repeat("c", 20)

	lines := wrapSegments(
		[]string{s1, s2, s3},
		" | ",
		60,
		"-> ",
	)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d (%v)", len(lines), lines)
	}
	if lines[0] != s1+" | "+s2 {
		t.Fatalf("line[0]=%q want %q", lines[0], s1+" | "+s2)
	}
	if lines[1] != "-> "+s3 {
		t.Fatalf("line[1]=%q want %q", lines[1], "-> "+s3)
	}
}

func TestWrapSegments_TruncatesLongSegment(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 80)

	lines := wrapSegments(
		[]string{long},
		" | ",
		60,
		"-> ",
	)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if visualLen(lines[0]) > 60 {
		t.Fatalf("line too wide: %q (visualLen=%d)", lines[0], visualLen(lines[0]))
	}
	if !strings.Contains(lines[0], "…") {
		t.Fatalf("expected truncation marker in %q", lines[0])
	}
}

func TestTerminalWidth_PrefersExplicitOverride(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("CHATSYNC_LOG_WIDTH", "88")
	t.Setenv("COLUMNS", "132")
	if got := h.terminalWidth(); got != 88 {
		t.Fatalf("terminalWidth()=%d want 88", got)
	}
}

func TestTerminalWidth_UsesColumnsWhenOverrideMissing(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("CHATSYNC_LOG_WIDTH", "")
	t.Setenv("COLUMNS", "72")
	if got := h.terminalWidth(); got != 72 {
		t.Fatalf("terminalWidth()=%d want 72", got)
	}
}

func TestTerminalWidth_FallbackDefault(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("CHATSYNC_LOG_WIDTH", "10")
	t.Setenv("COLUMNS", "20")
	if got := h.terminalWidth(); got != 100 {
		t.Fatalf("terminalWidth()=%d want 100", got)
	}
}

func TestPrettyHandler_WrapsAttrsUnderHeader(t *testing.T) {
	t.Setenv("CHATSYNC_LOG_WIDTH", "60")
	t.Setenv("COLUMNS", "")

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("conversation_id", "bob").Warn("sync.message.duplicate",
		"message_id", strings.Repeat("m", 30),
		"status", 404,
		"duration_ms", int64(12),
		"note", "has space",
	)

	out := strings.TrimRight(buf.String(), "\n")
	lines := strings.Split(out, "\n")
	if len(lines) < 2 {
		t.Fatalf("expected wrapped output, got %q", out)
	}
	if !strings.Contains(lines[0], "[WARN] sync.message.duplicate") {
		t.Fatalf("header=%q", lines[0])
	}
	for i, line := range lines {
		if visualLen(line) > 60 {
			t.Fatalf("line %d too wide: %q", i, line)
		}
		if i > 0 && !strings.HasPrefix(line, prettyIndent) {
			t.Fatalf("continuation line %d missing indent: %q", i, line)
		}
	}
	for _, want := range []string{"conversation_id=bob", "status=404", "duration=12ms", `note="has space"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q: %q", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("colorless handler emitted escapes: %q", out)
	}
}

func TestPrettyHandler_RespectsLevelAndGroups(t *testing.T) {
	t.Setenv("CHATSYNC_LOG_WIDTH", "")
	t.Setenv("COLUMNS", "")

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, true))

	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record should be filtered, got %q", buf.String())
	}

	log.WithGroup("ws").Info("ws.connect.ok", "attempt", 2, "at", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	plain := stripANSI(buf.String())
	if !strings.Contains(plain, "ws.attempt=2") {
		t.Fatalf("grouped key missing: %q", plain)
	}
	if !strings.Contains(plain, "ws.at=2026-01-02T03:04:05Z") {
		t.Fatalf("time attr missing: %q", plain)
	}
	if !strings.Contains(buf.String(), ansiBlue+"[INFO]"+ansiReset) {
		t.Fatalf("expected colored level tag: %q", buf.String())
	}
}
