package monitor

import "context"

// Client is the aggregator's view of one backend server's REST and
// event stream API. The production implementation lives in the backend
// package; this interface is defined here so the monitor core can be
// tested against fakes without binding HTTP.
type Client interface {
	// ListSessions fetches the server's session list.
	ListSessions(ctx context.Context) ([]SessionSummary, error)

	// SessionStatuses fetches the compact per-session status map.
	SessionStatuses(ctx context.Context) (map[string]Status, error)

	// GetSession fetches full session detail including the transcript.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// SendMessage submits user input to a session.
	SendMessage(ctx context.Context, sessionID, content string) (*SendResult, error)

	// Abort cancels in-flight work on a session.
	Abort(ctx context.Context, sessionID string) error

	// ResolvePermission answers a pending permission request.
	ResolvePermission(ctx context.Context, sessionID, permissionID string, decision PermissionDecision) error

	// Events opens the server's event stream. A nil error means the
	// stream is established. The stream honors ctx cancellation and has
	// no read deadline of its own.
	Events(ctx context.Context) (EventStream, error)
}

// EventStream is an established server-sent event stream yielding
// decoded updates.
type EventStream interface {
	// Next blocks until the next decodable update, the stream ends, or
	// the opening context is cancelled. It returns io.EOF on a clean
	// remote close.
	Next() (Update, error)

	// Close releases the underlying connection. Safe to call multiple
	// times and concurrently with Next.
	Close() error
}

// ClientFactory builds a Client for a normalized base URL. The
// coordinator calls it once per discovered server, and again when a
// server re-announces under a different URL.
type ClientFactory func(baseURL string) (Client, error)
