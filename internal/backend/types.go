package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dantte-lp/agentmon/internal/monitor"
)

// -------------------------------------------------------------------------
// Status tag mapping
// -------------------------------------------------------------------------

// MapStatusTag normalizes a backend status tag onto the internal closed
// set. Backends report idle, running, and busy for a session with an
// agent attached; all three count as busy here. Unknown tags fall back
// to idle rather than failing the whole payload.
func MapStatusTag(raw string) monitor.Status {
	switch raw {
	case "idle", "running", "busy":
		return monitor.StatusBusy
	case "pending", "waiting_for_permission":
		return monitor.StatusWaitingForPermission
	case "completed":
		return monitor.StatusCompleted
	case "error":
		return monitor.StatusError
	case "aborted":
		return monitor.StatusAborted
	default:
		return monitor.StatusIdle
	}
}

// -------------------------------------------------------------------------
// Wire timestamps
// -------------------------------------------------------------------------

// wireTime accepts the two timestamp encodings backends emit: a
// millisecond epoch number or an RFC 3339 string. Null and empty
// decode to the zero time.
type wireTime struct {
	time.Time
}

func (t *wireTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		t.Time = ts
		return nil
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	if ms > 0 {
		t.Time = time.UnixMilli(int64(ms))
	}
	return nil
}

// -------------------------------------------------------------------------
// Wire DTOs
// -------------------------------------------------------------------------

// wireTokens accepts both the nested {input, output} object and the
// flat *_tokens spelling.
type wireTokens struct {
	Input        int64 `json:"input"`
	Output       int64 `json:"output"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (t wireTokens) toUsage() monitor.TokenUsage {
	u := monitor.TokenUsage{Input: t.Input, Output: t.Output}
	if u.Input == 0 {
		u.Input = t.InputTokens
	}
	if u.Output == 0 {
		u.Output = t.OutputTokens
	}
	return u
}

// wireSession is one session as the REST endpoints render it. Fields
// are snake_case; the long-running flag and the timestamps also arrive
// camelCase from older servers, so both spellings decode.
type wireSession struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`

	CreatedAt       wireTime `json:"created_at"`
	CreatedAtCamel  wireTime `json:"createdAt"`
	UpdatedAt       wireTime `json:"updated_at"`
	UpdatedAtCamel  wireTime `json:"updatedAt"`
	LastActivity    wireTime `json:"last_activity"`
	LastActivityCml wireTime `json:"lastActivity"`

	LongRunning      *bool `json:"long_running"`
	LongRunningCamel *bool `json:"longRunning"`

	ParentID string     `json:"parent_id"`
	Project  string     `json:"project"`
	Branch   string     `json:"branch"`
	CostUSD  float64    `json:"cost_usd"`
	Tokens   wireTokens `json:"tokens"`

	Messages []wireMessage `json:"messages"`
}

func (w wireSession) createdAt() time.Time {
	if !w.CreatedAt.IsZero() {
		return w.CreatedAt.Time
	}
	return w.CreatedAtCamel.Time
}

func (w wireSession) lastActivity() time.Time {
	for _, t := range []wireTime{w.LastActivity, w.LastActivityCml, w.UpdatedAt, w.UpdatedAtCamel} {
		if !t.IsZero() {
			return t.Time
		}
	}
	return time.Time{}
}

func (w wireSession) longRunning() bool {
	if w.LongRunning != nil {
		return *w.LongRunning
	}
	return w.LongRunningCamel != nil && *w.LongRunningCamel
}

func (w wireSession) toSummary() monitor.SessionSummary {
	sum := monitor.SessionSummary{
		ID:           w.ID,
		Name:         w.Name,
		Status:       MapStatusTag(w.Status),
		CreatedAt:    w.createdAt(),
		LastActivity: w.lastActivity(),
		LongRunning:  w.longRunning(),
		ParentID:     w.ParentID,
		Project:      w.Project,
		Branch:       w.Branch,
		CostUSD:      w.CostUSD,
		Tokens:       w.Tokens.toUsage(),
	}
	if w.Messages != nil {
		sum.Messages = make([]monitor.Message, 0, len(w.Messages))
		for _, m := range w.Messages {
			sum.Messages = append(sum.Messages, m.toMessage(w.ID))
		}
	}
	return sum
}

func (w wireSession) toSession() monitor.Session {
	sum := w.toSummary()
	s := monitor.Session{
		ID:           sum.ID,
		Name:         sum.Name,
		Status:       sum.Status,
		CreatedAt:    sum.CreatedAt,
		LastActivity: sum.LastActivity,
		LongRunning:  sum.LongRunning,
		ParentID:     sum.ParentID,
		Project:      sum.Project,
		Branch:       sum.Branch,
		CostUSD:      sum.CostUSD,
		Tokens:       sum.Tokens,
		Messages:     sum.Messages,
	}
	if s.Messages == nil {
		// A detail fetch is authoritative: no messages means empty.
		s.Messages = []monitor.Message{}
	}
	return s
}

// wireMessage is one transcript entry on the wire.
type wireMessage struct {
	ID        string   `json:"id"`
	Timestamp wireTime `json:"timestamp"`
	CreatedAt wireTime `json:"created_at"`
	Role      string   `json:"role"`
	Type      string   `json:"type"`
	Content   string   `json:"content"`

	Parts []wirePart `json:"parts"`

	CostUSD      float64         `json:"cost_usd"`
	Tokens       wireTokens      `json:"tokens"`
	ToolName     string          `json:"tool_name"`
	ToolInput    json.RawMessage `json:"tool_input"`
	PermissionID string          `json:"permission_id"`
}

func (w wireMessage) toMessage(sessionID string) monitor.Message {
	ts := w.Timestamp.Time
	if ts.IsZero() {
		ts = w.CreatedAt.Time
	}
	m := monitor.Message{
		ID:           w.ID,
		SessionID:    sessionID,
		Timestamp:    ts,
		Role:         mapRole(w.Role),
		Content:      w.Content,
		CostUSD:      w.CostUSD,
		Tokens:       w.Tokens.toUsage(),
		ToolName:     w.ToolName,
		ToolInput:    string(w.ToolInput),
		PermissionID: w.PermissionID,
	}
	m.Type = mapMessageType(w.Type, m.Role)
	if w.Parts != nil {
		m.Parts = make([]monitor.MessagePart, 0, len(w.Parts))
		for _, p := range w.Parts {
			m.Parts = append(m.Parts, p.toPart())
		}
	}
	return m
}

// wirePart is one structured content entry.
type wirePart struct {
	Type   string          `json:"type"`
	Text   string          `json:"text"`
	Tool   string          `json:"tool"`
	Status string          `json:"status"`
	Title  string          `json:"title"`
	Input  json.RawMessage `json:"input"`
	Output string          `json:"output"`
	Files  []string        `json:"files"`
	Agent  string          `json:"agent"`
}

func (w wirePart) toPart() monitor.MessagePart {
	return monitor.MessagePart{
		Type:       mapPartType(w.Type),
		Text:       w.Text,
		ToolName:   w.Tool,
		ToolStatus: w.Status,
		ToolTitle:  w.Title,
		ToolInput:  string(w.Input),
		ToolOutput: w.Output,
		Files:      w.Files,
		Agent:      w.Agent,
	}
}

// mapRole normalizes wire roles; anything unrecognized reads as system.
func mapRole(raw string) monitor.Role {
	switch monitor.Role(raw) {
	case monitor.RoleUser, monitor.RoleAssistant, monitor.RoleSystem:
		return monitor.Role(raw)
	default:
		return monitor.RoleSystem
	}
}

// mapMessageType keeps known semantic types and derives the rest from
// the author role.
func mapMessageType(raw string, role monitor.Role) monitor.MessageType {
	switch monitor.MessageType(raw) {
	case monitor.MessageUserInput, monitor.MessageAssistantResponse,
		monitor.MessageToolExecution, monitor.MessagePermissionRequest,
		monitor.MessageSystem, monitor.MessageError:
		return monitor.MessageType(raw)
	}
	switch role {
	case monitor.RoleUser:
		return monitor.MessageUserInput
	case monitor.RoleAssistant:
		return monitor.MessageAssistantResponse
	default:
		return monitor.MessageSystem
	}
}

// mapPartType keeps known part tags and defaults the rest to text so
// unknown payloads degrade to something renderable.
func mapPartType(raw string) monitor.PartType {
	switch monitor.PartType(raw) {
	case monitor.PartText, monitor.PartReasoning, monitor.PartTool,
		monitor.PartStepStart, monitor.PartStepFinish,
		monitor.PartPatch, monitor.PartAgent:
		return monitor.PartType(raw)
	default:
		return monitor.PartText
	}
}
