package monitor

// MetricsReporter receives operational counters from the monitor core.
// The Prometheus-backed implementation lives in the monmetrics package;
// a no-op reporter is used when none is configured.
type MetricsReporter interface {
	// RegisterServer and UnregisterServer track the discovered server
	// gauge.
	RegisterServer()
	UnregisterServer()

	// RegisterSession and UnregisterSession track the per-status
	// session gauge. MoveSessionStatus relabels a session that changed
	// status without being added or removed.
	RegisterSession(status string)
	UnregisterSession(status string)
	MoveSessionStatus(from, to string)

	// IncStreamEvents counts decoded event stream updates by kind.
	IncStreamEvents(kind string)

	// IncStreamReconnects counts reconnection attempts per server.
	IncStreamReconnects(serverID string)

	// RecordSupervisorTransition counts stream supervisor state
	// transitions.
	RecordSupervisorTransition(from, to string)

	// IncSnapshotRefresh counts snapshot reconciliations by outcome.
	IncSnapshotRefresh(outcome string)

	// IncNotificationsDropped counts notifications discarded because a
	// subscriber's backlog overflowed.
	IncNotificationsDropped()
}

// noopMetrics satisfies MetricsReporter with empty methods.
type noopMetrics struct{}

func (noopMetrics) RegisterServer()                           {}
func (noopMetrics) UnregisterServer()                         {}
func (noopMetrics) RegisterSession(string)                    {}
func (noopMetrics) UnregisterSession(string)                  {}
func (noopMetrics) MoveSessionStatus(string, string)          {}
func (noopMetrics) IncStreamEvents(string)                    {}
func (noopMetrics) IncStreamReconnects(string)                {}
func (noopMetrics) RecordSupervisorTransition(string, string) {}
func (noopMetrics) IncSnapshotRefresh(string)                 {}
func (noopMetrics) IncNotificationsDropped()                  {}
