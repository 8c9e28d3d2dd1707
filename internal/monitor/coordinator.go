package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrInvalidDecision indicates a permission decision outside the
// allowed set.
var ErrInvalidDecision = errors.New("invalid permission decision")

// DefaultStaleTimeout is how long a server may stay silent before the
// sweeper removes it. The sweeper runs at half this period.
const DefaultStaleTimeout = 120 * time.Second

// -------------------------------------------------------------------------
// Coordinator — lifecycle root
// -------------------------------------------------------------------------

// CoordinatorConfig carries the tunables the coordinator spreads across
// the server sessions it creates. Zero values select defaults.
type CoordinatorConfig struct {
	// StaleTimeout is the silence period after which a server is
	// treated as gone. Strictly greater than: a server last seen
	// exactly StaleTimeout ago survives the sweep.
	StaleTimeout time.Duration

	// RefreshInterval is the per-server snapshot reconciliation period.
	RefreshInterval time.Duration

	// StreamRetries is the per-server event stream failure budget.
	StreamRetries int
}

func (cfg *CoordinatorConfig) withDefaults() {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.StreamRetries <= 0 {
		cfg.StreamRetries = DefaultMaxStreamRetries
	}
}

// Coordinator ties the pieces together: it turns discovery
// observations into server session lifecycles, sweeps stale servers,
// and fronts the query, command, and subscription API. The discovery
// listener feeds it via ObserveAnnounce and ObserveShutdown.
//
// Server sessions run on contexts detached from Run's context, so a
// shutdown tears them down in order instead of racing a shared cancel:
// inputs stop first, then every session concurrently, then the registry
// closes subscriber channels.
type Coordinator struct {
	cfg      CoordinatorConfig
	registry *Registry
	factory  ClientFactory
	// baseLogger is handed to server sessions, which attach their own
	// component attributes.
	baseLogger *slog.Logger
	logger     *slog.Logger
	metrics    MetricsReporter

	mu       sync.Mutex
	sessions map[string]*sessionHandle
	stopped  bool
}

// sessionHandle pairs a server session with its cancellation and
// completion signal. done closes when the session's Run returns.
type sessionHandle struct {
	sess   *ServerSession
	cancel context.CancelFunc
	done   chan struct{}
}

// CoordinatorOption configures optional Coordinator parameters.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorMetrics sets the MetricsReporter passed to server
// sessions. If mr is nil, a no-op reporter is used.
func WithCoordinatorMetrics(mr MetricsReporter) CoordinatorOption {
	return func(c *Coordinator) {
		if mr != nil {
			c.metrics = mr
		}
	}
}

// NewCoordinator creates the coordinator. factory builds one backend
// client per discovered server URL.
func NewCoordinator(cfg CoordinatorConfig, registry *Registry, factory ClientFactory, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.withDefaults()
	c := &Coordinator{
		cfg:        cfg,
		registry:   registry,
		factory:    factory,
		baseLogger: logger,
		logger:     logger.With(slog.String("component", "monitor.coordinator")),
		metrics:    noopMetrics{},
		sessions:   make(map[string]*sessionHandle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// -------------------------------------------------------------------------
// Discovery inputs
// -------------------------------------------------------------------------

// ObserveAnnounce processes one validated announcement. New server ids
// get a registry record and a running server session. Known ids update
// the registry; a changed URL recycles the session against the new
// address, and a fresh announcement revives a stream supervisor that
// had given up.
func (c *Coordinator) ObserveAnnounce(a Announce) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	h, exists := c.sessions[a.ServerID]
	if exists && h.sess.URL() == a.URL {
		c.registry.AbsorbAnnounce(a)
		h.sess.ObserveAnnounce()
		return
	}

	c.registry.AbsorbAnnounce(a)

	if exists {
		// Same server, new address: recycle the session. Run loops exit
		// promptly on cancel, so waiting under the lock is fine.
		c.logger.Info("recycling server session for new url",
			slog.String("server_id", a.ServerID),
			slog.String("old_url", h.sess.URL()),
			slog.String("new_url", a.URL))
		delete(c.sessions, a.ServerID)
		h.cancel()
		<-h.done
	}

	client, err := c.factory(a.URL)
	if err != nil {
		c.logger.Error("backend client construction failed",
			slog.String("server_id", a.ServerID),
			slog.String("url", a.URL),
			slog.String("error", err.Error()))
		c.registry.ReportError(a.ServerID,
			fmt.Errorf("backend client for %s: %w", a.URL, err))
		return
	}

	ss := NewServerSession(a.ServerID, a.URL, client, c.registry, c.baseLogger,
		WithRefreshInterval(c.cfg.RefreshInterval),
		WithServerSessionMetrics(c.metrics),
		WithStreamRetries(c.cfg.StreamRetries))

	// Detached from Run's context: shutdown cancels explicitly, in order.
	sctx, cancel := context.WithCancel(context.Background())
	nh := &sessionHandle{sess: ss, cancel: cancel, done: make(chan struct{})}
	c.sessions[a.ServerID] = nh
	go func() {
		defer close(nh.done)
		ss.Run(sctx)
	}()
}

// ObserveShutdown processes a shutdown datagram: the server session
// stops first, then the registry cascades removal. Unknown ids still
// hit the registry so a record without a live session cannot linger.
func (c *Coordinator) ObserveShutdown(serverID string) {
	c.removeServer(serverID, ReasonShutdown)
}

// removeServer stops the session (when one exists) and removes the
// server from the registry with the given reason.
func (c *Coordinator) removeServer(serverID, reason string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	h, ok := c.sessions[serverID]
	if ok {
		delete(c.sessions, serverID)
	}
	c.mu.Unlock()

	if ok {
		h.cancel()
		<-h.done
	}
	c.registry.AbsorbShutdown(serverID, reason)
}

// -------------------------------------------------------------------------
// Run loop and teardown
// -------------------------------------------------------------------------

// Run drives the staleness sweeper until ctx is cancelled, then tears
// everything down: every server session concurrently, then the
// registry, which closes all subscriber channels.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator started",
		slog.Duration("stale_timeout", c.cfg.StaleTimeout),
		slog.Duration("refresh_interval", c.cfg.RefreshInterval))

	ticker := time.NewTicker(c.cfg.StaleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-ticker.C:
			c.sweepStale(time.Now())
		}
	}
}

// sweepStale removes servers whose last announcement is strictly older
// than the stale timeout.
func (c *Coordinator) sweepStale(now time.Time) {
	for _, srv := range c.registry.Servers() {
		if now.Sub(srv.LastSeen) > c.cfg.StaleTimeout {
			c.logger.Info("server stale, removing",
				slog.String("server_id", srv.ID),
				slog.Time("last_seen", srv.LastSeen))
			c.removeServer(srv.ID, ReasonStale)
		}
	}
}

// shutdown stops accepting inputs, stops all server sessions, and
// closes the registry.
func (c *Coordinator) shutdown() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	handles := make([]*sessionHandle, 0, len(c.sessions))
	for _, h := range c.sessions {
		handles = append(handles, h)
	}
	c.sessions = make(map[string]*sessionHandle)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.cancel()
			<-h.done
		}()
	}
	wg.Wait()

	c.registry.Close()
	c.logger.Info("coordinator stopped")
}

// -------------------------------------------------------------------------
// Queries
// -------------------------------------------------------------------------

// Servers returns snapshots of all known servers.
func (c *Coordinator) Servers() []Server { return c.registry.Servers() }

// Server returns a snapshot of one server.
func (c *Coordinator) Server(serverID string) (Server, error) {
	return c.registry.Server(serverID)
}

// Sessions returns snapshots of all sessions across servers.
func (c *Coordinator) Sessions() []Session { return c.registry.Sessions() }

// Session returns a snapshot of one session.
func (c *Coordinator) Session(sessionID string) (Session, error) {
	return c.registry.Session(sessionID)
}

// SessionsByServer returns one server's sessions in discovery order.
func (c *Coordinator) SessionsByServer(serverID string) ([]Session, error) {
	return c.registry.SessionsByServer(serverID)
}

// ActiveSessions returns sessions that are busy or waiting for a
// permission decision.
func (c *Coordinator) ActiveSessions() []Session {
	return c.registry.ActiveSessions()
}

// LongRunningSessions returns sessions flagged long-running by their
// server or older than the configured threshold.
func (c *Coordinator) LongRunningSessions() []Session {
	return c.registry.LongRunningSessions(time.Now())
}

// -------------------------------------------------------------------------
// Commands
// -------------------------------------------------------------------------

// sessionFor resolves the live server session hosting sessionID.
func (c *Coordinator) sessionFor(sessionID string) (*ServerSession, error) {
	s, err := c.registry.Session(sessionID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	h, ok := c.sessions[s.ServerID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no live connection for %q", ErrServerNotFound, s.ServerID)
	}
	return h.sess, nil
}

// FocusSession fetches full detail for a session on demand, filling in
// transcript bodies that stream events only hinted at.
func (c *Coordinator) FocusSession(ctx context.Context, sessionID string) error {
	ss, err := c.sessionFor(sessionID)
	if err != nil {
		return err
	}
	return ss.FetchDetail(ctx, sessionID)
}

// SendMessage submits user input to a session.
func (c *Coordinator) SendMessage(ctx context.Context, sessionID, content string) (*SendResult, error) {
	ss, err := c.sessionFor(sessionID)
	if err != nil {
		return nil, err
	}
	return ss.SendMessage(ctx, sessionID, content)
}

// AbortSession cancels in-flight work on a session.
func (c *Coordinator) AbortSession(ctx context.Context, sessionID string) error {
	ss, err := c.sessionFor(sessionID)
	if err != nil {
		return err
	}
	return ss.Abort(ctx, sessionID)
}

// ResolvePermission answers a pending permission request on a session.
func (c *Coordinator) ResolvePermission(ctx context.Context, sessionID, permissionID string, decision PermissionDecision) error {
	if !decision.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	ss, err := c.sessionFor(sessionID)
	if err != nil {
		return err
	}
	return ss.ResolvePermission(ctx, sessionID, permissionID, decision)
}

// -------------------------------------------------------------------------
// Subscriptions
// -------------------------------------------------------------------------

// Subscribe registers a notification subscriber.
func (c *Coordinator) Subscribe() (*Subscription, error) {
	return c.registry.Subscribe()
}

// Unsubscribe removes a subscriber and closes its channel.
func (c *Coordinator) Unsubscribe(id string) {
	c.registry.Unsubscribe(id)
}
