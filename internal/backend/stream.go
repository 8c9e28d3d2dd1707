package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dantte-lp/agentmon/internal/monitor"
)

// Event stream kinds recognized on the wire. Anything else is skipped.
const (
	EventSessionStatus     = "session.status"
	EventMessageUpdated    = "message.updated"
	EventPermissionUpdated = "permission.updated"
)

// Events opens the server-sent event stream. Unlike the REST calls it
// carries no deadline: the stream lives until ctx is cancelled or the
// server closes it. A nil error means the stream is established.
func (c *Client) Events(ctx context.Context) (monitor.EventStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathEvents, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		drainAndClose(resp.Body)
		return nil, err
	}
	return newEventStream(resp.Body, c.logger), nil
}

// -------------------------------------------------------------------------
// SSE decoding
// -------------------------------------------------------------------------

// eventStream reads server-sent-event frames and decodes them into
// monitor updates. Frames with unknown kinds, undecodable payloads, or
// no session id are skipped, not fatal: one odd event must not cost the
// connection.
type eventStream struct {
	body   io.ReadCloser
	br     *bufio.Reader
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func newEventStream(body io.ReadCloser, logger *slog.Logger) *eventStream {
	return &eventStream{
		body:   body,
		br:     bufio.NewReader(body),
		logger: logger,
	}
}

// Next blocks until a decodable update arrives or the stream ends. A
// clean remote close returns io.EOF.
func (s *eventStream) Next() (monitor.Update, error) {
	for {
		kind, data, err := s.nextFrame()
		if err != nil {
			return nil, err
		}
		if u, ok := s.decodeEvent(kind, data); ok {
			return u, nil
		}
	}
}

// nextFrame accumulates one SSE frame: event and data fields up to a
// blank line. Comment lines and fields we do not use (id, retry) are
// skipped; multi-line data joins with newlines per the SSE format.
func (s *eventStream) nextFrame() (string, []byte, error) {
	var (
		kind string
		data strings.Builder
	)
	for {
		line, err := s.br.ReadString('\n')
		if err != nil {
			// A partial frame at EOF is dropped. A clean close
			// surfaces as io.EOF; anything else is a connection
			// fault the supervisor recovers from.
			if errors.Is(err, io.EOF) {
				return "", nil, io.EOF
			}
			return "", nil, fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if kind == "" && data.Len() == 0 {
				continue // keepalive
			}
			return kind, []byte(data.String()), nil
		case strings.HasPrefix(line, ":"):
			continue // comment / heartbeat
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// eventPayload is the superset of fields across event kinds. The kind
// may arrive in the SSE event field, the payload type field, or both.
type eventPayload struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	SessionIDCamel string `json:"sessionId"`

	// session.status
	Status     string   `json:"status"`
	ObservedAt wireTime `json:"observed_at"`
	Timestamp  wireTime `json:"timestamp"`

	// message.updated: either an embedded message object or flat fields.
	Message        *wireMessage `json:"message"`
	MessageID      string       `json:"message_id"`
	Role           string       `json:"role"`
	MessageType    string       `json:"message_type"`
	Content        string       `json:"content"`

	// permission.updated
	PermissionID string `json:"permission_id"`
	ToolName     string `json:"tool_name"`
	Description  string `json:"description"`
}

func (p eventPayload) sessionID() string {
	if p.SessionID != "" {
		return p.SessionID
	}
	return p.SessionIDCamel
}

func (p eventPayload) observedAt() time.Time {
	if !p.ObservedAt.IsZero() {
		return p.ObservedAt.Time
	}
	return p.Timestamp.Time
}

// decodeEvent turns one frame into an update. The second return is
// false for frames to skip.
func (s *eventStream) decodeEvent(kind string, data []byte) (monitor.Update, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var p eventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Debug("undecodable stream event skipped",
			slog.String("kind", kind),
			slog.String("error", err.Error()))
		return nil, false
	}
	if kind == "" {
		kind = p.Type
	}
	sid := p.sessionID()
	if sid == "" {
		s.logger.Debug("stream event without session id skipped",
			slog.String("kind", kind))
		return nil, false
	}

	switch kind {
	case EventSessionStatus:
		at := p.observedAt()
		if at.IsZero() {
			at = time.Now()
		}
		return monitor.SessionUpdate{
			SessionID:  sid,
			Status:     MapStatusTag(p.Status),
			ObservedAt: at,
		}, true

	case EventMessageUpdated:
		var m monitor.Message
		if p.Message != nil {
			m = p.Message.toMessage(sid)
		} else {
			m = monitor.Message{
				ID:        p.MessageID,
				SessionID: sid,
				Timestamp: p.observedAt(),
				Role:      mapRole(p.Role),
				Content:   p.Content,
			}
			m.Type = mapMessageType(p.MessageType, m.Role)
		}
		if m.ID == "" {
			s.logger.Debug("message event without message id skipped",
				slog.String("session_id", sid))
			return nil, false
		}
		return monitor.MessageArrived{SessionID: sid, Message: m}, true

	case EventPermissionUpdated:
		if p.PermissionID == "" {
			s.logger.Debug("permission event without permission id skipped",
				slog.String("session_id", sid))
			return nil, false
		}
		return monitor.PermissionRequested{
			SessionID:    sid,
			PermissionID: p.PermissionID,
			ToolName:     p.ToolName,
			Description:  p.Description,
			ObservedAt:   p.observedAt(),
		}, true

	default:
		s.logger.Debug("unknown stream event kind skipped",
			slog.String("kind", kind))
		return nil, false
	}
}

// Close releases the underlying connection.
func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
