package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrStreamFailed indicates an event stream supervisor exhausted its
// retry budget and stopped reconnecting until the server re-announces.
var ErrStreamFailed = errors.New("event stream failed")

// -------------------------------------------------------------------------
// Supervisor — event stream lifecycle
// -------------------------------------------------------------------------

// Supervisor owns the event stream of one backend server. It connects,
// reads decoded updates into the registry, and reconnects with
// exponential backoff when the stream drops. Consecutive connect
// failures are budgeted: once the budget is spent the supervisor parks
// in the Failed state, marks the server unhealthy, and emits an
// AggregatorError. Only Reset, triggered by a fresh announcement,
// resumes connecting. The failure counter clears exclusively on an
// established connection, so alternating quick failures never mask a
// flapping server.
type Supervisor struct {
	serverID string
	client   Client
	registry *Registry
	logger   *slog.Logger
	metrics  MetricsReporter

	// maxRetries is the consecutive failure budget: that many backoff
	// delays are scheduled, and the next consecutive failure gives up.
	maxRetries int

	// state is readable concurrently; written only by the run goroutine.
	state atomic.Uint32

	// failures counts consecutive failed connect attempts. Owned by the
	// run goroutine.
	failures int

	// resetCh nudges a Failed supervisor back to work.
	resetCh chan struct{}
}

// SupervisorOption configures optional Supervisor parameters.
type SupervisorOption func(*Supervisor)

// WithSupervisorMetrics sets the MetricsReporter. If mr is nil, a no-op
// reporter is used.
func WithSupervisorMetrics(mr MetricsReporter) SupervisorOption {
	return func(s *Supervisor) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// WithMaxStreamRetries overrides the consecutive failure budget.
func WithMaxStreamRetries(n int) SupervisorOption {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// NewSupervisor creates a supervisor for one server's event stream. It
// does nothing until Run is called.
func NewSupervisor(serverID string, client Client, registry *Registry, logger *slog.Logger, opts ...SupervisorOption) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		serverID: serverID,
		client:   client,
		registry: registry,
		logger: logger.With(
			slog.String("component", "monitor.stream"),
			slog.String("server_id", serverID)),
		metrics:    noopMetrics{},
		maxRetries: DefaultMaxStreamRetries,
		resetCh:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current connection state. Safe for concurrent use.
func (s *Supervisor) State() ConnState {
	return ConnState(s.state.Load())
}

// Reset nudges a Failed supervisor to resume connecting with a cleared
// failure budget. Supervisors in any other state ignore it.
func (s *Supervisor) Reset() {
	if s.State() != ConnFailed {
		return
	}
	select {
	case s.resetCh <- struct{}{}:
	default:
	}
}

// Run drives the stream until ctx is cancelled. It is the only
// goroutine that moves the state machine.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Debug("stream supervisor started")
	defer s.logger.Debug("stream supervisor stopped")

	s.apply(EventConnect)
	for {
		if ctx.Err() != nil {
			return
		}

		stream, err := s.client.Events(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.failures++
			if s.failures > s.maxRetries {
				s.logger.Error("event stream gave up, retry budget exhausted",
					slog.Int("consecutive_failures", s.failures),
					slog.String("error", err.Error()))
				s.apply(EventGiveUp)
				if !s.awaitReset(ctx) {
					return
				}
				continue
			}
			delay := BackoffDelay(s.failures - 1)
			s.logger.Warn("event stream connect failed",
				slog.Int("attempt", s.failures),
				slog.Duration("retry_in", delay),
				slog.String("error", err.Error()))
			s.apply(EventConnectFailed)
			if !sleepCtx(ctx, delay) {
				return
			}
			s.apply(EventBackoffElapsed)
			continue
		}

		s.logger.Info("event stream established")
		s.apply(EventEstablished)
		s.readStream(ctx, stream)
		if ctx.Err() != nil {
			return
		}
		s.apply(EventStreamClosed)
		delay := BackoffDelay(0)
		s.logger.Warn("event stream closed, reconnecting",
			slog.Duration("retry_in", delay))
		if !sleepCtx(ctx, delay) {
			return
		}
		s.apply(EventBackoffElapsed)
	}
}

// awaitReset parks a Failed supervisor until Reset or cancellation. It
// returns false on cancellation.
func (s *Supervisor) awaitReset(ctx context.Context) bool {
	// Discard a nudge that raced an earlier state.
	select {
	case <-s.resetCh:
	default:
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.resetCh:
	}
	s.logger.Info("event stream reset by fresh announcement")
	s.failures = 0
	s.apply(EventReset)
	s.apply(EventConnect)
	return true
}

// readStream forwards decoded updates into the registry until the
// stream ends.
func (s *Supervisor) readStream(ctx context.Context, stream EventStream) {
	defer func() {
		if err := stream.Close(); err != nil {
			s.logger.Debug("event stream close failed",
				slog.String("error", err.Error()))
		}
	}()

	for {
		u, err := stream.Next()
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				s.logger.Debug("event stream ended cleanly")
			default:
				s.logger.Warn("event stream read error",
					slog.String("error", err.Error()))
			}
			return
		}
		s.metrics.IncStreamEvents(updateKind(u))
		s.registry.AbsorbEvent(s.serverID, u)
	}
}

// apply runs one state machine step and executes its actions.
func (s *Supervisor) apply(event ConnEvent) {
	res := ApplyConnEvent(s.State(), event)
	if !res.Changed && len(res.Actions) == 0 {
		return
	}
	s.state.Store(uint32(res.NewState))
	if res.Changed {
		s.metrics.RecordSupervisorTransition(res.OldState.String(), res.NewState.String())
		s.logger.Debug("stream state transition",
			slog.String("from", res.OldState.String()),
			slog.String("to", res.NewState.String()),
			slog.String("event", event.String()))
	}
	for _, a := range res.Actions {
		switch a {
		case ActionResetBackoff:
			s.failures = 0
		case ActionScheduleReconnect:
			s.metrics.IncStreamReconnects(s.serverID)
		case ActionNotifyFailed:
			s.registry.SetHealth(s.serverID, false)
			s.registry.ReportError(s.serverID,
				fmt.Errorf("%w: %d consecutive connect failures", ErrStreamFailed, s.failures))
		}
	}
}

// updateKind returns the wire event family for metrics labels.
func updateKind(u Update) string {
	switch u.(type) {
	case SessionUpdate:
		return "session.status"
	case MessageArrived:
		return "message.updated"
	case PermissionRequested:
		return "permission.updated"
	default:
		return "unknown"
	}
}

// sleepCtx waits d unless ctx is cancelled first, in which case it
// returns false immediately.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
