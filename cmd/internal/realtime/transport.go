package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Subprotocol offered during the handshake. Servers that ignore subprotocols still accept the dial.
const Subprotocol = "chatsync.realtime.v1"

// Conn is one established bidirectional channel.
// Read is only ever called from a single goroutine; the rest may be called concurrently.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Dialer opens a Conn.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// TokenFunc supplies the bearer token for the handshake. An empty token dials anonymously.
type TokenFunc func(ctx context.Context) (string, error)

// WSDialer dials the realtime endpoint over websocket.
type WSDialer struct {
	URL        string
	Origin     string
	Token      TokenFunc
	HTTPClient *http.Client
	ReadLimit  int64

	// DialTimeout bounds the handshake only; the established channel is not affected.
	DialTimeout time.Duration
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	if strings.TrimSpace(d.URL) == "" {
		return nil, errors.New("realtime: empty websocket url")
	}
	if d.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.DialTimeout)
		defer cancel()
	}

	h := http.Header{}
	if d.Origin != "" {
		h.Set("Origin", d.Origin)
	}
	if d.Token != nil {
		tok, err := d.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("realtime: token: %w", err)
		}
		if tok != "" {
			h.Set("Authorization", "Bearer "+tok)
		}
	}

	c, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   h,
		HTTPClient:   d.HTTPClient,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial %s: http %d: %w", d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime: dial %s: %w", d.URL, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = maxFrameBytes
	}
	c.SetReadLimit(limit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	mt, data, err := w.c.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

func (k readErrKind) String() string {
	switch k {
	case readErrClose:
		return "peer_closed"
	case readErrCtxDone:
		return "context_done"
	case readErrConnClosed:
		return "conn_closed"
	default:
		return "unknown"
	}
}
