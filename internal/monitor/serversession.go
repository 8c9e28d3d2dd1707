package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRefreshInterval is the period of the snapshot reconciliation
// loop each server session runs against its backend.
const DefaultRefreshInterval = 5 * time.Second

// -------------------------------------------------------------------------
// ServerSession — per-server aggregation unit
// -------------------------------------------------------------------------

// ServerSession owns the aggregator's relationship with one backend
// server: the periodic snapshot reconciliation loop, the event stream
// supervisor, and command pass-throughs. It writes exclusively into the
// registry; consumers read registry snapshots.
//
// The snapshot loop and the stream run concurrently from the start. An
// event naming a session the snapshot has not introduced yet is dropped
// by the registry and recovered by the next reconciliation, so startup
// order between the two does not matter.
type ServerSession struct {
	serverID string
	url      string
	client   Client
	registry *Registry
	super    *Supervisor
	logger   *slog.Logger
	metrics  MetricsReporter

	refreshInterval time.Duration
	streamRetries   int
}

// ServerSessionOption configures optional ServerSession parameters.
type ServerSessionOption func(*ServerSession)

// WithRefreshInterval overrides the snapshot reconciliation period.
func WithRefreshInterval(d time.Duration) ServerSessionOption {
	return func(ss *ServerSession) {
		if d > 0 {
			ss.refreshInterval = d
		}
	}
}

// WithServerSessionMetrics sets the MetricsReporter for the session and
// its stream supervisor. If mr is nil, a no-op reporter is used.
func WithServerSessionMetrics(mr MetricsReporter) ServerSessionOption {
	return func(ss *ServerSession) {
		if mr != nil {
			ss.metrics = mr
		}
	}
}

// WithStreamRetries overrides the stream supervisor's consecutive
// failure budget.
func WithStreamRetries(n int) ServerSessionOption {
	return func(ss *ServerSession) {
		if n > 0 {
			ss.streamRetries = n
		}
	}
}

// NewServerSession creates the aggregation unit for one announced
// server. url must already be normalized. Nothing runs until Run.
func NewServerSession(serverID, url string, client Client, registry *Registry, logger *slog.Logger, opts ...ServerSessionOption) *ServerSession {
	if logger == nil {
		logger = slog.Default()
	}
	ss := &ServerSession{
		serverID: serverID,
		url:      url,
		client:   client,
		registry: registry,
		logger: logger.With(
			slog.String("component", "monitor.server"),
			slog.String("server_id", serverID)),
		metrics:         noopMetrics{},
		refreshInterval: DefaultRefreshInterval,
		streamRetries:   DefaultMaxStreamRetries,
	}
	for _, opt := range opts {
		opt(ss)
	}
	ss.super = NewSupervisor(serverID, client, registry, logger,
		WithSupervisorMetrics(ss.metrics),
		WithMaxStreamRetries(ss.streamRetries))
	return ss
}

// ServerID returns the backend server id this session aggregates.
func (ss *ServerSession) ServerID() string { return ss.serverID }

// URL returns the normalized base URL the session was built for. A
// re-announcement under a different URL requires a new session.
func (ss *ServerSession) URL() string { return ss.url }

// StreamState returns the event stream supervisor's connection state.
func (ss *ServerSession) StreamState() ConnState { return ss.super.State() }

// ObserveAnnounce reacts to a fresh announcement for this server. A
// supervisor that gave up resumes connecting with a cleared budget.
func (ss *ServerSession) ObserveAnnounce() { ss.super.Reset() }

// Run performs the initial reconciliation, starts the event stream
// supervisor, and keeps snapshots fresh until ctx is cancelled. It
// returns only after the supervisor goroutine has stopped.
func (ss *ServerSession) Run(ctx context.Context) {
	ss.logger.Info("server session started",
		slog.String("url", ss.url),
		slog.Duration("refresh_interval", ss.refreshInterval))
	defer ss.logger.Info("server session stopped")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ss.super.Run(ctx)
	}()

	ss.refresh(ctx)

	ticker := time.NewTicker(ss.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			ss.refresh(ctx)
		}
	}
}

// refresh pulls one snapshot and reconciles the registry. The compact
// status map is merged over the session list when available; a partial
// result is still absorbed but leaves the server marked unhealthy.
func (ss *ServerSession) refresh(ctx context.Context) {
	summaries, err := ss.client.ListSessions(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		ss.logger.Warn("snapshot refresh failed",
			slog.String("op", "list_sessions"),
			slog.String("error", err.Error()))
		ss.registry.SetHealth(ss.serverID, false)
		ss.metrics.IncSnapshotRefresh("error")
		return
	}

	outcome := "ok"
	healthy := true
	statuses, err := ss.client.SessionStatuses(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		ss.logger.Warn("status overlay failed, absorbing list only",
			slog.String("error", err.Error()))
		outcome = "partial"
		healthy = false
	} else {
		for i := range summaries {
			if st, ok := statuses[summaries[i].ID]; ok {
				summaries[i].Status = st
			}
		}
	}

	if err := ss.registry.AbsorbSnapshot(ss.serverID, summaries); err != nil {
		// Server left the store between fetch and commit.
		ss.logger.Debug("snapshot discarded",
			slog.String("error", err.Error()))
		ss.metrics.IncSnapshotRefresh("discarded")
		return
	}
	ss.registry.SetHealth(ss.serverID, healthy)
	ss.metrics.IncSnapshotRefresh(outcome)
}

// FetchDetail pulls full session detail and stores it.
func (ss *ServerSession) FetchDetail(ctx context.Context, sessionID string) error {
	detail, err := ss.client.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	detail.ServerID = ss.serverID
	return ss.registry.AbsorbSessionDetail(*detail)
}

// SendMessage submits user input to a session on this server and, on
// success, refreshes the session's detail so the new message shows up
// without waiting for the next snapshot.
func (ss *ServerSession) SendMessage(ctx context.Context, sessionID, content string) (*SendResult, error) {
	res, err := ss.client.SendMessage(ctx, sessionID, content)
	if err != nil {
		return nil, err
	}
	ss.postCommandRefresh(ctx, sessionID)
	return res, nil
}

// Abort cancels in-flight work on a session.
func (ss *ServerSession) Abort(ctx context.Context, sessionID string) error {
	if err := ss.client.Abort(ctx, sessionID); err != nil {
		return err
	}
	ss.postCommandRefresh(ctx, sessionID)
	return nil
}

// ResolvePermission answers a pending permission request.
func (ss *ServerSession) ResolvePermission(ctx context.Context, sessionID, permissionID string, decision PermissionDecision) error {
	if err := ss.client.ResolvePermission(ctx, sessionID, permissionID, decision); err != nil {
		return err
	}
	ss.postCommandRefresh(ctx, sessionID)
	return nil
}

// postCommandRefresh pulls fresh detail after a successful command.
// Best effort: the event stream and the next snapshot deliver the same
// state eventually.
func (ss *ServerSession) postCommandRefresh(ctx context.Context, sessionID string) {
	if err := ss.FetchDetail(ctx, sessionID); err != nil {
		ss.logger.Debug("post-command refresh failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}
