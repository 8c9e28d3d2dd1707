package monitor

import "time"

// -------------------------------------------------------------------------
// Session Status
// -------------------------------------------------------------------------

// Status is the lifecycle state of a session as reported by its backend
// server and normalized by the aggregator.
type Status string

const (
	// StatusIdle means the session is connected but has no work in flight.
	StatusIdle Status = "idle"
	// StatusBusy means the assistant is actively processing.
	StatusBusy Status = "busy"
	// StatusWaitingForPermission means a tool call is blocked on a
	// human permission decision.
	StatusWaitingForPermission Status = "waiting_for_permission"
	// StatusCompleted means the session finished normally.
	StatusCompleted Status = "completed"
	// StatusError means the session ended with an error.
	StatusError Status = "error"
	// StatusAborted means the session was cancelled by a user or client.
	StatusAborted Status = "aborted"
)

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusBusy, StatusWaitingForPermission,
		StatusCompleted, StatusError, StatusAborted:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status. A session that has
// reached a terminal status never leaves it.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusAborted:
		return true
	}
	return false
}

// Active reports whether s counts toward the active session set.
func (s Status) Active() bool {
	return s == StatusBusy || s == StatusWaitingForPermission
}

// -------------------------------------------------------------------------
// Messages
// -------------------------------------------------------------------------

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageType is the semantic classification of a message.
type MessageType string

const (
	MessageUserInput         MessageType = "user_input"
	MessageAssistantResponse MessageType = "assistant_response"
	MessageToolExecution     MessageType = "tool_execution"
	MessagePermissionRequest MessageType = "permission_request"
	MessageSystem            MessageType = "system_message"
	MessageError             MessageType = "error_message"
)

// PartType tags one entry of a message's structured content.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartTool       PartType = "tool"
	PartStepStart  PartType = "step_start"
	PartStepFinish PartType = "step_finish"
	PartPatch      PartType = "patch"
	PartAgent      PartType = "agent"
)

// TokenUsage holds per-message or per-session token counters.
type TokenUsage struct {
	Input  int64
	Output int64
}

// Total returns the combined token count.
func (t TokenUsage) Total() int64 { return t.Input + t.Output }

// MessagePart is one entry of a message's structured content. Which
// fields are meaningful depends on Type: Text carries the payload for
// text and reasoning parts, the Tool* fields describe a tool
// invocation, Files lists the paths touched by a patch part, and Agent
// names the sub-agent for agent parts.
type MessagePart struct {
	Type       PartType
	Text       string
	ToolName   string
	ToolStatus string
	ToolTitle  string
	ToolInput  string
	ToolOutput string
	Files      []string
	Agent      string
}

// Message is a single conversation entry within a session.
type Message struct {
	// ID is unique within the owning session.
	ID string
	// SessionID is the owning session.
	SessionID string
	// Timestamp orders the message within the session transcript.
	Timestamp time.Time
	Role      Role
	Type      MessageType
	// Content is the flat text rendering of the message. It may be
	// empty when the message arrived via a content-less stream event
	// and the full body has not been fetched yet.
	Content string
	// Parts is the structured content, when the server provides it.
	Parts []MessagePart

	// Optional metadata.
	CostUSD      float64
	Tokens       TokenUsage
	ToolName     string
	ToolInput    string
	PermissionID string
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]MessagePart, len(m.Parts))
		for i, p := range m.Parts {
			cp := p
			if p.Files != nil {
				cp.Files = append([]string(nil), p.Files...)
			}
			out.Parts[i] = cp
		}
	}
	return out
}

// -------------------------------------------------------------------------
// Sessions
// -------------------------------------------------------------------------

// Session is the aggregator's view of one coding session on one backend
// server. Values returned from queries and carried by notifications are
// snapshots and must not be mutated by consumers.
type Session struct {
	// ID is unique across all servers.
	ID string
	// ServerID is the backend server hosting this session.
	ServerID string
	Name     string
	Status   Status
	// CreatedAt is when the backend created the session.
	CreatedAt time.Time
	// LastActivity is the most recent activity timestamp. It is never
	// before CreatedAt.
	LastActivity time.Time
	// LongRunning is the server-reported long-running flag. The
	// aggregator additionally derives long-running from session age.
	LongRunning bool
	// ParentID is the spawning session, or empty for a root session.
	ParentID string
	// ChildIDs lists sessions spawned by this one, in discovery order.
	ChildIDs []string
	Project  string
	Branch   string
	CostUSD  float64
	Tokens   TokenUsage
	// Messages is the transcript in ascending timestamp order.
	Messages []Message
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	out := s
	if s.ChildIDs != nil {
		out.ChildIDs = append([]string(nil), s.ChildIDs...)
	}
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		for i, m := range s.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	return out
}

// SessionSummary is one session entry from a backend snapshot. It
// carries everything a list endpoint reports; Messages is usually nil
// and, when nil, leaves previously fetched transcripts untouched.
type SessionSummary struct {
	ID           string
	Name         string
	Status       Status
	CreatedAt    time.Time
	LastActivity time.Time
	LongRunning  bool
	ParentID     string
	Project      string
	Branch       string
	CostUSD      float64
	Tokens       TokenUsage
	Messages     []Message
}

// -------------------------------------------------------------------------
// Servers
// -------------------------------------------------------------------------

// Server is the aggregator's view of one announced backend server.
type Server struct {
	// ID is the server identity. A server that re-announces with a new
	// URL keeps its identity; the latest announcement wins.
	ID string
	// URL is the normalized base URL from the latest announcement.
	URL     string
	Name    string
	Project string
	Branch  string
	Version string
	// LastSeen is the timestamp of the latest announcement.
	LastSeen time.Time
	// Healthy reflects the most recent snapshot or stream outcome.
	Healthy bool
	// SessionIDs lists the sessions currently hosted, in discovery order.
	SessionIDs []string
}

// Clone returns a deep copy of the server.
func (s Server) Clone() Server {
	out := s
	if s.SessionIDs != nil {
		out.SessionIDs = append([]string(nil), s.SessionIDs...)
	}
	return out
}

// Announce is a validated server announcement handed to the registry.
// The discovery listener decodes datagrams into this form; URL is
// already normalized.
type Announce struct {
	ServerID  string
	URL       string
	Name      string
	Project   string
	Branch    string
	Version   string
	Timestamp time.Time
}

// -------------------------------------------------------------------------
// Commands
// -------------------------------------------------------------------------

// SendStatus is the backend's disposition of a sent message.
type SendStatus string

const (
	SendAccepted SendStatus = "accepted"
	SendQueued   SendStatus = "queued"
	SendFailed   SendStatus = "error"
)

// SendResult is the backend's acknowledgement of a message send.
type SendResult struct {
	MessageID string
	Status    SendStatus
}

// PermissionDecision is a reply to a pending permission request.
type PermissionDecision string

const (
	PermissionAllowOnce   PermissionDecision = "allow_once"
	PermissionAllowAlways PermissionDecision = "allow_always"
	PermissionDeny        PermissionDecision = "deny"
)

// Valid reports whether d is one of the known decisions.
func (d PermissionDecision) Valid() bool {
	switch d {
	case PermissionAllowOnce, PermissionAllowAlways, PermissionDeny:
		return true
	}
	return false
}
