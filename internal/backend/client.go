// Package backend implements the HTTP client for one discovered
// coding-assistant server: the REST snapshot and command endpoints plus
// the server-sent event stream. Wire payloads are normalized into the
// monitor package's domain types here; nothing above this package sees
// backend JSON.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/dantte-lp/agentmon/internal/monitor"
	appversion "github.com/dantte-lp/agentmon/internal/version"
)

// DefaultRequestTimeout bounds every REST call. The event stream is
// exempt: it stays open until the caller's context ends.
const DefaultRequestTimeout = 10 * time.Second

// REST paths relative to the announced base URL.
const (
	pathSessions        = "/sessions"
	pathSessionStatuses = "/sessions/status"
	pathEvents          = "/events"
)

// -------------------------------------------------------------------------
// Client
// -------------------------------------------------------------------------

// Client talks to one backend server. It implements monitor.Client.
// Safe for concurrent use.
type Client struct {
	baseURL        string
	httpc          *http.Client
	requestTimeout time.Duration
	userAgent      string
	logger         *slog.Logger
}

// Option configures optional Client parameters.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. The client must
// not carry its own Timeout; per-request deadlines come from contexts
// so the event stream can outlive them.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpc = h
		}
	}
}

// WithRequestTimeout overrides the per-request deadline for REST calls.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// New creates a client for a normalized base URL.
func New(baseURL string, logger *slog.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %w", ErrClientUnavailable, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrClientUnavailable, u.Scheme)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:        baseURL,
		httpc:          &http.Client{},
		requestTimeout: DefaultRequestTimeout,
		userAgent:      "agentmon/" + appversion.Version,
		logger: logger.With(
			slog.String("component", "backend.client"),
			slog.String("base_url", baseURL)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized base URL the client was built for.
func (c *Client) BaseURL() string { return c.baseURL }

// -------------------------------------------------------------------------
// Snapshot endpoints
// -------------------------------------------------------------------------

// ListSessions fetches the session list. Both the {"sessions": [...]}
// envelope and a bare array decode.
func (c *Client) ListSessions(ctx context.Context) ([]monitor.SessionSummary, error) {
	var raw json.RawMessage
	if err := c.get(ctx, pathSessions, &raw); err != nil {
		return nil, err
	}

	var env struct {
		Sessions []wireSession `json:"sessions"`
	}
	var list []wireSession
	switch {
	case json.Unmarshal(raw, &env) == nil && env.Sessions != nil:
		list = env.Sessions
	case json.Unmarshal(raw, &list) == nil:
	default:
		return nil, fmt.Errorf("%w: session list shape", ErrInvalidResponse)
	}

	out := make([]monitor.SessionSummary, 0, len(list))
	for _, w := range list {
		out = append(out, w.toSummary())
	}
	return out, nil
}

// SessionStatuses fetches the compact status map, keyed by session id,
// with tags mapped onto the internal status set.
func (c *Client) SessionStatuses(ctx context.Context) (map[string]monitor.Status, error) {
	var raw json.RawMessage
	if err := c.get(ctx, pathSessionStatuses, &raw); err != nil {
		return nil, err
	}

	var env struct {
		Statuses map[string]string `json:"statuses"`
	}
	var tags map[string]string
	switch {
	case json.Unmarshal(raw, &env) == nil && env.Statuses != nil:
		tags = env.Statuses
	case json.Unmarshal(raw, &tags) == nil:
	default:
		return nil, fmt.Errorf("%w: status map shape", ErrInvalidResponse)
	}

	out := make(map[string]monitor.Status, len(tags))
	for id, tag := range tags {
		out[id] = MapStatusTag(tag)
	}
	return out, nil
}

// GetSession fetches full session detail including the transcript. The
// returned session carries no server id; the owning server session
// stamps it before the registry sees it.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*monitor.Session, error) {
	var raw json.RawMessage
	if err := c.get(ctx, pathSessions+"/"+url.PathEscape(sessionID), &raw); err != nil {
		return nil, err
	}

	var env struct {
		Session *wireSession `json:"session"`
	}
	var w wireSession
	switch {
	case json.Unmarshal(raw, &env) == nil && env.Session != nil:
		w = *env.Session
	case json.Unmarshal(raw, &w) == nil:
	default:
		return nil, fmt.Errorf("%w: session detail shape", ErrInvalidResponse)
	}

	s := w.toSession()
	if s.ID == "" {
		s.ID = sessionID
	}
	return &s, nil
}

// -------------------------------------------------------------------------
// Command endpoints
// -------------------------------------------------------------------------

// SendMessage submits user input to a session.
func (c *Client) SendMessage(ctx context.Context, sessionID, content string) (*monitor.SendResult, error) {
	body := struct {
		Content string `json:"content"`
	}{Content: content}

	var resp struct {
		MessageID      string `json:"message_id"`
		MessageIDCamel string `json:"messageId"`
		Status         string `json:"status"`
	}
	path := pathSessions + "/" + url.PathEscape(sessionID) + "/message"
	if err := c.post(ctx, path, body, &resp); err != nil {
		return nil, err
	}

	res := &monitor.SendResult{MessageID: resp.MessageID}
	if res.MessageID == "" {
		res.MessageID = resp.MessageIDCamel
	}
	switch resp.Status {
	case "queued":
		res.Status = monitor.SendQueued
	case "error":
		res.Status = monitor.SendFailed
	default:
		// A 2xx without an explicit disposition means accepted.
		res.Status = monitor.SendAccepted
	}
	return res, nil
}

// Abort cancels in-flight work on a session.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	path := pathSessions + "/" + url.PathEscape(sessionID) + "/abort"
	return c.post(ctx, path, struct{}{}, nil)
}

// ResolvePermission answers a pending permission request.
func (c *Client) ResolvePermission(ctx context.Context, sessionID, permissionID string, decision monitor.PermissionDecision) error {
	body := struct {
		Decision string `json:"decision"`
	}{Decision: string(decision)}
	path := pathSessions + "/" + url.PathEscape(sessionID) +
		"/permissions/" + url.PathEscape(permissionID)
	return c.post(ctx, path, body, nil)
}

// -------------------------------------------------------------------------
// HTTP plumbing
// -------------------------------------------------------------------------

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, buf, out)
}

// do performs one REST round trip under the per-request deadline and
// decodes the body into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	rctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(rctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer drainAndClose(resp.Body)

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// drainAndClose finishes the body so the connection can be reused.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}
