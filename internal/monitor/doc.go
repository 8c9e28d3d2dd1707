// Package monitor implements the aggregation engine core.
//
// This includes the registry (canonical in-memory store of servers and
// sessions), the per-server event stream supervisor with bounded
// reconnection backoff, the per-server reconciliation loop, and the
// coordinator that ties discovery, server sessions, and the staleness
// sweeper together behind the public query/command/subscribe API.
package monitor
