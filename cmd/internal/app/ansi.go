package app

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiDim     = "\x1b[2m"
	ansiBright  = "\x1b[1m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

// visualLen is the printed width in runes, ignoring escape sequences.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

func paint(s, code string, color bool) string {
	if !color || s == "" {
		return s
	}
	return code + s + ansiReset
}

func colorizeHTTPMethod(m string, color bool) string {
	switch m {
	case "GET":
		return paint(m, ansiBlue, color)
	case "POST":
		return paint(m, ansiGreen, color)
	case "PUT", "PATCH":
		return paint(m, ansiYellow, color)
	case "DELETE":
		return paint(m, ansiRed, color)
	default:
		return paint(m, ansiMagenta, color)
	}
}

func colorizeStatusCode(code int, color bool) string {
	return colorizeStatusClass(statusClass(code), color, strconv.Itoa(code))
}

func colorizeStatusClass(class string, color bool, label ...string) string {
	text := class
	if len(label) > 0 {
		text = label[0]
	}
	switch class {
	case "2xx":
		return paint(text, ansiGreen, color)
	case "3xx":
		return paint(text, ansiCyan, color)
	case "4xx":
		return paint(text, ansiYellow, color)
	case "5xx":
		return paint(text, ansiRed, color)
	default:
		return text
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	text := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(text, ansiRed, color)
	case ms >= 250:
		return paint(text, ansiYellow, color)
	default:
		return paint(text, ansiDim, color)
	}
}

func colorizeResult(result string, color bool) string {
	switch result {
	case "success", "ok", "connected":
		return paint(result, ansiGreen, color)
	case "redirect":
		return paint(result, ansiCyan, color)
	case "client_error", "rejected", "dropped":
		return paint(result, ansiYellow, color)
	case "server_error", "error", "failed":
		return paint(result, ansiRed, color)
	default:
		return result
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// truncateVisual cuts s to width runes, marking the cut with an ellipsis.
func truncateVisual(s string, width int) string {
	if visualLen(s) <= width {
		return s
	}
	if width <= 1 {
		return "…"
	}
	plain := []rune(stripANSI(s))
	return string(plain[:width-1]) + "…"
}

// wrapSegments packs segments greedily into lines no wider than width.
// Continuation lines start with indent.
func wrapSegments(segs []string, sep string, width int, indent string) []string {
	var (
		lines []string
		cur   strings.Builder
		curW  int
	)
	sepW := visualLen(sep)
	indentW := visualLen(indent)

	flush := func() {
		if curW > 0 {
			lines = append(lines, cur.String())
		}
		cur.Reset()
		curW = 0
	}

	for _, seg := range segs {
		if seg == "" {
			continue
		}
		segW := visualLen(seg)

		if curW > 0 && curW+sepW+segW <= width {
			cur.WriteString(sep)
			cur.WriteString(seg)
			curW += sepW + segW
			continue
		}

		flush()
		prefix, prefixW := "", 0
		if len(lines) > 0 {
			prefix, prefixW = indent, indentW
		}
		seg = truncateVisual(seg, width-prefixW)
		cur.WriteString(prefix)
		cur.WriteString(seg)
		curW = prefixW + visualLen(seg)
	}
	flush()
	return lines
}
