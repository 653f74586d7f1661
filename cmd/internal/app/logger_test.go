package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewHandler_FormatSelection(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if _, ok := newHandler(&buf, "info", "pretty").(*prettyHandler); !ok {
		t.Fatalf("format=pretty should select prettyHandler")
	}
	if _, ok := newHandler(&buf, "info", "json").(*slog.JSONHandler); !ok {
		t.Fatalf("format=json should select JSONHandler")
	}
	if _, ok := newHandler(&buf, "info", "").(*slog.JSONHandler); !ok {
		t.Fatalf("empty format should default to JSON")
	}

	h := newHandler(&buf, "warn", "json")
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("level=warn should disable info")
	}
}

func TestNewHandler_NoColorOffTerminal(t *testing.T) {
	t.Setenv("NO_COLOR", "")

	if colorEnabled(&bytes.Buffer{}) {
		t.Fatalf("buffer output should not be colored")
	}

	f, err := os.Create(filepath.Join(t.TempDir(), "app.log"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer func() { _ = f.Close() }()
	if colorEnabled(f) {
		t.Fatalf("regular file output should not be colored")
	}

	log := slog.New(newHandler(f, "info", "pretty"))
	log.Info("http.request", "method", "GET", "status", 500, "err", "boom")

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) == 0 || strings.Contains(string(data), "\x1b[") {
		t.Fatalf("expected plain output, got %q", data)
	}
}
