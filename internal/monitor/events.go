package monitor

import "time"

// -------------------------------------------------------------------------
// Notifications
// -------------------------------------------------------------------------

// NotificationKind identifies what changed in the registry.
type NotificationKind uint8

const (
	// ServerDiscovered is emitted when an announcement introduces a new
	// server. Server carries the initial snapshot.
	ServerDiscovered NotificationKind = iota + 1
	// ServerUpdated is emitted when a known server's metadata, URL, or
	// health changes. Server carries the updated snapshot.
	ServerUpdated
	// ServerRemoved is emitted after a shutdown, staleness expiry, or
	// administrative removal. Reason says which.
	ServerRemoved
	// SessionAdded is emitted when a snapshot or detail fetch first
	// introduces a session. Session carries the initial snapshot.
	SessionAdded
	// SessionUpdated is emitted when any observable session field
	// changes, including transcript growth.
	SessionUpdated
	// SessionRemoved is emitted when a session disappears from its
	// server's snapshot or the server itself is removed.
	SessionRemoved
	// BacklogDropped tells a slow subscriber that Count notifications
	// were discarded and its view may be stale. Re-query to resynchronize.
	BacklogDropped
	// AggregatorError reports an internal failure tied to a server,
	// such as an event stream giving up after exhausting reconnects.
	AggregatorError
)

// String returns the kind name for logs.
func (k NotificationKind) String() string {
	switch k {
	case ServerDiscovered:
		return "server_discovered"
	case ServerUpdated:
		return "server_updated"
	case ServerRemoved:
		return "server_removed"
	case SessionAdded:
		return "session_added"
	case SessionUpdated:
		return "session_updated"
	case SessionRemoved:
		return "session_removed"
	case BacklogDropped:
		return "backlog_dropped"
	case AggregatorError:
		return "aggregator_error"
	default:
		return "unknown"
	}
}

// Removal reasons carried by ServerRemoved notifications.
const (
	ReasonShutdown = "shutdown"
	ReasonStale    = "stale"
)

// Notification is one registry change delivered to subscribers.
// Notifications for a given subscriber arrive in the order the registry
// committed the underlying mutations. Server and Session are immutable
// snapshots shared between subscribers and must not be modified.
type Notification struct {
	Kind NotificationKind
	// Server is set for server-scoped kinds.
	Server *Server
	// Session is set for session-scoped kinds.
	Session *Session
	// ServerID is set whenever the change is tied to a server,
	// including removals where no snapshot survives.
	ServerID string
	// SessionID is set for session-scoped kinds.
	SessionID string
	// Reason qualifies ServerRemoved (shutdown or stale).
	Reason string
	// Count is the number of discarded notifications for BacklogDropped.
	Count uint64
	// Err is set for AggregatorError.
	Err error
	// Timestamp is when the registry committed the change.
	Timestamp time.Time
}

// -------------------------------------------------------------------------
// Stream updates
// -------------------------------------------------------------------------

// Update is one decoded event from a backend's event stream. The
// concrete types are SessionUpdate, MessageArrived, and
// PermissionRequested.
type Update interface {
	// UpdateSessionID returns the session the update refers to.
	UpdateSessionID() string
}

// SessionUpdate reports a session status change.
type SessionUpdate struct {
	SessionID  string
	Status     Status
	ObservedAt time.Time
}

// UpdateSessionID implements Update.
func (u SessionUpdate) UpdateSessionID() string { return u.SessionID }

// MessageArrived reports a new or updated message. Message.Content may
// be empty; the event is authoritative for existence and timestamp, and
// the full body is fetched lazily on demand.
type MessageArrived struct {
	SessionID string
	Message   Message
}

// UpdateSessionID implements Update.
func (u MessageArrived) UpdateSessionID() string { return u.SessionID }

// PermissionRequested reports a tool call blocked on a permission
// decision.
type PermissionRequested struct {
	SessionID    string
	PermissionID string
	ToolName     string
	Description  string
	ObservedAt   time.Time
}

// UpdateSessionID implements Update.
func (u PermissionRequested) UpdateSessionID() string { return u.SessionID }
