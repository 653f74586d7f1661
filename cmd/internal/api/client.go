// Package api is the request/response collaborator: history, read marks,
// uploads, chat list, profile, contacts and groups.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	v1 "chatsync/shared/contracts/realtime/v1"

	"chatsync/cmd/internal/metrics"

	"github.com/google/uuid"
)

const (
	DefaultTimeout = 10 * time.Second

	maxResponseBytes = 8 << 20
)

// TokenSource supplies and revokes the bearer token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Clear(ctx context.Context) error
}

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Tokens     TokenSource
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

type Client struct {
	base    *url.URL
	hc      *http.Client
	tokens  TokenSource
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, errors.New("api: empty base url")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("api: base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api: base url scheme %q", base.Scheme)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Client{
		base:    base,
		hc:      hc,
		tokens:  opts.Tokens,
		metrics: opts.Metrics,
		log:     log,
	}, nil
}

// ---- chat ----

// FetchHistory returns the full message history of a personal or group conversation.
func (c *Client) FetchHistory(ctx context.Context, conversationID string, group bool) ([]v1.MessagePayload, error) {
	p := "/chat/messages/" + url.PathEscape(conversationID)
	if group {
		p = "/group/messages/" + url.PathEscape(conversationID)
	}
	var out []v1.MessagePayload
	if err := c.do(ctx, "fetch_history", http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead marks every message from recipientID to the local user as read.
func (c *Client) MarkRead(ctx context.Context, recipientID string) (MarkReadResult, error) {
	var out MarkReadResult
	body := map[string]string{"recipientId": recipientID}
	err := c.do(ctx, "mark_read", http.MethodPut, "/chat/messages/read", body, &out)
	return out, err
}

func (c *Client) FetchChatList(ctx context.Context) ([]UserChat, error) {
	var out []UserChat
	if err := c.do(ctx, "fetch_chat_list", http.MethodGet, "/chat/user-chats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UploadFile posts r as multipart field "file" and returns the stored URL.
func (c *Client) UploadFile(ctx context.Context, name string, r io.Reader) (UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", path.Base(name))
	if err != nil {
		return UploadResult{}, &NetworkError{Op: "upload_file", Err: err}
	}
	if _, err := io.Copy(fw, r); err != nil {
		return UploadResult{}, &NetworkError{Op: "upload_file", Err: err}
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, &NetworkError{Op: "upload_file", Err: err}
	}

	var out UploadResult
	err = c.send(ctx, "upload_file", http.MethodPost, "/chat/upload", &buf, mw.FormDataContentType(), &out)
	if err == nil && out.FileURL == "" {
		err = &NetworkError{Op: "upload_file", Status: http.StatusOK, Err: errors.New("missing fileUrl")}
	}
	return out, err
}

// ---- users ----

func (c *Client) FetchProfile(ctx context.Context) (Profile, error) {
	var out Profile
	err := c.do(ctx, "fetch_profile", http.MethodGet, "/user/profile", nil, &out)
	return out, err
}

func (c *Client) SearchUsers(ctx context.Context, username string) ([]UserSearchResult, error) {
	q := url.Values{"username": {username}}
	var out []UserSearchResult
	if err := c.do(ctx, "search_users", http.MethodGet, "/user/search?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AddContact(ctx context.Context, contactID string) (string, error) {
	var out messageResult
	err := c.do(ctx, "add_contact", http.MethodPost, "/user/add-contact", map[string]string{"contactId": contactID}, &out)
	return out.Message, err
}

// ---- groups ----

func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []string) (Group, error) {
	var out Group
	body := struct {
		Name      string   `json:"name"`
		MemberIDs []string `json:"memberIds"`
	}{Name: name, MemberIDs: memberIDs}
	err := c.do(ctx, "create_group", http.MethodPost, "/group", body, &out)
	return out, err
}

func (c *Client) FetchJoinedGroups(ctx context.Context) ([]Group, error) {
	var out []Group
	if err := c.do(ctx, "fetch_joined_groups", http.MethodGet, "/group/joined", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ---- auth ----

func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	var out LoginResult
	body := map[string]string{"username": username, "password": password}
	err := c.do(ctx, "login", http.MethodPost, "/auth/login", body, &out)
	if err == nil && out.Token == "" {
		err = &NetworkError{Op: "login", Status: http.StatusOK, Err: errors.New("missing token")}
	}
	return out, err
}

// ValidateToken asks the server whether the stored token is still accepted.
func (c *Client) ValidateToken(ctx context.Context) (bool, error) {
	var out validateResult
	if err := c.do(ctx, "validate_token", http.MethodGet, "/auth/validate", nil, &out); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return false, nil
		}
		return false, err
	}
	return out.Valid, nil
}

// ---- transport ----

func (c *Client) do(ctx context.Context, op, method, p string, in, out any) error {
	if in == nil {
		return c.send(ctx, op, method, p, nil, "", out)
	}
	b, err := json.Marshal(in)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	return c.send(ctx, op, method, p, bytes.NewReader(b), "application/json", out)
}

func (c *Client) send(ctx context.Context, op, method, p string, body io.Reader, contentType string, out any) error {
	u, err := c.base.Parse(strings.TrimSuffix(c.base.Path, "/") + p)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return &NetworkError{Op: op, Err: fmt.Errorf("token: %w", err)}
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		c.metrics.ObserveHTTP(op, 0, time.Since(start))
		c.log.Info("api.request.fail", "op", op, "err", err)
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	c.metrics.ObserveHTTP(op, resp.StatusCode, time.Since(start))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if c.tokens != nil {
			if err := c.tokens.Clear(ctx); err != nil {
				c.log.Warn("api.token.clear.fail", "op", op, "err", err)
			}
		}
		c.log.Info("api.unauthorized", "op", op)
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: ErrUnauthorized}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := serverMessage(data)
		c.log.Info("api.request.fail", "op", op, "status", resp.StatusCode, "err", msg)
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

// serverMessage extracts {"error": "..."} or {"message": "..."}.
func serverMessage(data []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return "Something went wrong"
}
