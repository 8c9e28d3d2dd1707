package monmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/agentmon/internal/discovery"
	"github.com/dantte-lp/agentmon/internal/monitor"
)

// Collector feeds both the aggregation core and the discovery listener.
var (
	_ monitor.MetricsReporter   = (*Collector)(nil)
	_ discovery.MetricsReporter = (*Collector)(nil)
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "agentmon"
	subsystem = "monitor"
)

// Label names for aggregator metrics.
const (
	labelStatus    = "status"
	labelResult    = "result"
	labelKind      = "kind"
	labelServerID  = "server_id"
	labelFromState = "from_state"
	labelToState   = "to_state"
	labelOutcome   = "outcome"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Aggregator Metrics
// -------------------------------------------------------------------------

// Collector holds all aggregator Prometheus metrics.
//
// Metrics are designed for operating a fleet of coding-agent backends:
//   - Server and session gauges track the current merged view.
//   - Datagram counters watch the discovery plane for malformed senders.
//   - Stream counters record event volume and reconnect churn per server.
//   - Supervisor transition counters flag servers stuck in backoff.
type Collector struct {
	// Servers tracks the number of currently discovered backend servers.
	// Incremented on discovery, decremented on shutdown or staleness.
	Servers prometheus.Gauge

	// Sessions tracks the number of known sessions per status label.
	Sessions *prometheus.GaugeVec

	// Datagrams counts discovery datagrams by result: announce,
	// shutdown, invalid, or ignored.
	Datagrams *prometheus.CounterVec

	// StreamEvents counts decoded event stream updates by kind.
	StreamEvents *prometheus.CounterVec

	// StreamReconnects counts event stream reconnect attempts per server.
	StreamReconnects *prometheus.CounterVec

	// SupervisorTransitions counts stream supervisor state transitions.
	// Each counter is labeled with the old and new state for precise
	// alerting (e.g., connected->reconnecting churn).
	SupervisorTransitions *prometheus.CounterVec

	// SnapshotRefreshes counts session snapshot reconciliations by
	// outcome: ok, partial, error, or discarded.
	SnapshotRefreshes *prometheus.CounterVec

	// NotificationsDropped counts notifications evicted from slow
	// subscriber backlogs.
	NotificationsDropped prometheus.Counter
}

// NewCollector creates a Collector with all aggregator metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "agentmon_monitor_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Servers,
		c.Sessions,
		c.Datagrams,
		c.StreamEvents,
		c.StreamReconnects,
		c.SupervisorTransitions,
		c.SnapshotRefreshes,
		c.NotificationsDropped,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Servers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "servers",
			Help:      "Number of currently discovered backend servers.",
		}),

		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of known sessions by status.",
		}, []string{labelStatus}),

		Datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "datagrams_total",
			Help:      "Total discovery datagrams processed by result.",
		}, []string{labelResult}),

		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_events_total",
			Help:      "Total event stream updates decoded by kind.",
		}, []string{labelKind}),

		StreamReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_reconnects_total",
			Help:      "Total event stream reconnect attempts per server.",
		}, []string{labelServerID}),

		SupervisorTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "supervisor_transitions_total",
			Help:      "Total stream supervisor state transitions.",
		}, []string{labelFromState, labelToState}),

		SnapshotRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "snapshot_refreshes_total",
			Help:      "Total session snapshot reconciliations by outcome.",
		}, []string{labelOutcome}),

		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_dropped_total",
			Help:      "Total notifications evicted from slow subscriber backlogs.",
		}),
	}
}

// -------------------------------------------------------------------------
// Server Lifecycle
// -------------------------------------------------------------------------

// RegisterServer increments the discovered servers gauge.
// Called when the registry absorbs an announcement for a new server.
func (c *Collector) RegisterServer() {
	c.Servers.Inc()
}

// UnregisterServer decrements the discovered servers gauge.
// Called when a server is removed after shutdown or staleness.
func (c *Collector) UnregisterServer() {
	c.Servers.Dec()
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the session gauge for the given status.
// Called when the registry learns about a new session.
func (c *Collector) RegisterSession(status string) {
	c.Sessions.WithLabelValues(status).Inc()
}

// UnregisterSession decrements the session gauge for the given status.
// Called when a session disappears from its server.
func (c *Collector) UnregisterSession(status string) {
	c.Sessions.WithLabelValues(status).Dec()
}

// MoveSessionStatus relabels one session that changed status without
// being added or removed.
func (c *Collector) MoveSessionStatus(from, to string) {
	c.Sessions.WithLabelValues(from).Dec()
	c.Sessions.WithLabelValues(to).Inc()
}

// -------------------------------------------------------------------------
// Discovery Datagrams
// -------------------------------------------------------------------------

// IncDatagrams increments the datagram counter for the given result.
// Called once per received UDP datagram.
func (c *Collector) IncDatagrams(result string) {
	c.Datagrams.WithLabelValues(result).Inc()
}

// -------------------------------------------------------------------------
// Event Streams
// -------------------------------------------------------------------------

// IncStreamEvents increments the decoded stream update counter for the
// given event kind.
func (c *Collector) IncStreamEvents(kind string) {
	c.StreamEvents.WithLabelValues(kind).Inc()
}

// IncStreamReconnects increments the reconnect counter for the given
// server. A rising rate means the server's stream endpoint is flapping.
func (c *Collector) IncStreamReconnects(serverID string) {
	c.StreamReconnects.WithLabelValues(serverID).Inc()
}

// RecordSupervisorTransition increments the supervisor transition
// counter with the old and new state labels.
func (c *Collector) RecordSupervisorTransition(from, to string) {
	c.SupervisorTransitions.WithLabelValues(from, to).Inc()
}

// -------------------------------------------------------------------------
// Snapshots
// -------------------------------------------------------------------------

// IncSnapshotRefresh increments the snapshot reconciliation counter for
// the given outcome.
func (c *Collector) IncSnapshotRefresh(outcome string) {
	c.SnapshotRefreshes.WithLabelValues(outcome).Inc()
}

// -------------------------------------------------------------------------
// Notifications
// -------------------------------------------------------------------------

// IncNotificationsDropped increments the dropped notification counter.
// Called when a slow subscriber's backlog evicts its oldest entry.
func (c *Collector) IncNotificationsDropped() {
	c.NotificationsDropped.Inc()
}
