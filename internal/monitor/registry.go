package monitor

import (
	"cmp"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrServerNotFound indicates no server exists for the given id.
	ErrServerNotFound = errors.New("server not found")

	// ErrSessionNotFound indicates no session exists for the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRegistryClosed indicates the registry has been closed and no
	// longer accepts mutations or subscriptions.
	ErrRegistryClosed = errors.New("registry closed")
)

const (
	// defaultPendingLimit bounds each subscriber's backlog. When a
	// subscriber falls further behind, the oldest pending notifications
	// are discarded and replaced by a single BacklogDropped marker.
	defaultPendingLimit = 64

	// defaultLongRunningAfter is the age past which a session counts as
	// long-running even without the server-reported flag.
	defaultLongRunningAfter = 10 * time.Minute
)

// -------------------------------------------------------------------------
// Registry — canonical store
// -------------------------------------------------------------------------

// Registry is the canonical in-memory store of servers and sessions.
//
// All mutations funnel through the Absorb methods, which validate input
// against the store invariants, apply the change under a single write
// lock, and enqueue notifications to every subscriber in commit order.
// Writers are the discovery path, the per-server reconciliation loops,
// and the per-server event stream supervisors; reads are concurrent.
//
// Invariants maintained here rather than trusted from the wire:
//
//   - a session's LastActivity never precedes its CreatedAt
//   - a session in a terminal status never leaves it
//   - parent links never form a cycle; violating links are dropped
//   - a session's transcript stays in ascending timestamp order and
//     holds at most one message per message id
//
// Violations are logged and dropped; the operation that carried them
// still applies everything else it legally can.
type Registry struct {
	logger  *slog.Logger
	metrics MetricsReporter

	// longRunningAfter derives the long-running property from session
	// age, in addition to the server-reported flag.
	longRunningAfter time.Duration

	// pendingLimit is the per-subscriber backlog bound.
	pendingLimit int

	mu sync.RWMutex

	// servers indexed by server id (primary lookup).
	servers map[string]*serverEntry

	// sessions indexed by session id. Session ids are unique across
	// servers, so this is the only session index.
	sessions map[string]*Session

	// subs holds live subscriptions by subscription id.
	subs map[string]*Subscription

	closed bool
}

// serverEntry pairs the server record with the ordered set of its
// session ids. Order is discovery order and drives cascade removal.
type serverEntry struct {
	info       Server
	sessionIDs []string
}

// RegistryOption configures optional Registry parameters.
type RegistryOption func(*Registry)

// WithRegistryMetrics sets the MetricsReporter for the registry. If mr
// is nil, a no-op reporter is used.
func WithRegistryMetrics(mr MetricsReporter) RegistryOption {
	return func(r *Registry) {
		if mr != nil {
			r.metrics = mr
		}
	}
}

// WithLongRunningAfter sets the age past which a session is reported as
// long-running regardless of the server-reported flag. Zero disables
// the age-based derivation.
func WithLongRunningAfter(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d >= 0 {
			r.longRunningAfter = d
		}
	}
}

// WithPendingLimit sets the per-subscriber notification backlog bound.
func WithPendingLimit(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.pendingLimit = n
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:           logger.With(slog.String("component", "monitor.registry")),
		metrics:          noopMetrics{},
		longRunningAfter: defaultLongRunningAfter,
		pendingLimit:     defaultPendingLimit,
		servers:          make(map[string]*serverEntry),
		sessions:         make(map[string]*Session),
		subs:             make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// -------------------------------------------------------------------------
// Mutations — servers
// -------------------------------------------------------------------------

// AbsorbAnnounce records a server announcement. A new server id emits
// ServerDiscovered; a known id re-announcing with changed URL or
// metadata emits ServerUpdated. LastSeen always advances to the local
// receive time, but advancing it alone does not count as an observable
// change, so periodic re-announcements stay quiet.
//
// It returns true when the announcement introduced a new server.
func (r *Registry) AbsorbAnnounce(a Announce) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	now := time.Now()
	e, ok := r.servers[a.ServerID]
	if !ok {
		// New servers start healthy; the first failed snapshot call
		// flips the flag.
		e = &serverEntry{info: Server{
			ID:       a.ServerID,
			URL:      a.URL,
			Name:     a.Name,
			Project:  a.Project,
			Branch:   a.Branch,
			Version:  a.Version,
			LastSeen: now,
			Healthy:  true,
		}}
		r.servers[a.ServerID] = e
		r.metrics.RegisterServer()
		r.logger.Info("server discovered",
			slog.String("server_id", a.ServerID),
			slog.String("url", a.URL),
			slog.String("name", a.Name))
		r.notifyLocked(Notification{
			Kind:      ServerDiscovered,
			Server:    r.snapshotServerLocked(e),
			ServerID:  a.ServerID,
			Timestamp: now,
		})
		return true
	}

	changed := false
	if e.info.URL != a.URL {
		r.logger.Info("server re-announced with new url",
			slog.String("server_id", a.ServerID),
			slog.String("old_url", e.info.URL),
			slog.String("new_url", a.URL))
		e.info.URL = a.URL
		changed = true
	}
	if e.info.Name != a.Name {
		e.info.Name = a.Name
		changed = true
	}
	if e.info.Project != a.Project {
		e.info.Project = a.Project
		changed = true
	}
	if e.info.Branch != a.Branch {
		e.info.Branch = a.Branch
		changed = true
	}
	if e.info.Version != a.Version {
		e.info.Version = a.Version
		changed = true
	}
	e.info.LastSeen = now

	if changed {
		r.notifyLocked(Notification{
			Kind:      ServerUpdated,
			Server:    r.snapshotServerLocked(e),
			ServerID:  a.ServerID,
			Timestamp: now,
		})
	}
	return false
}

// AbsorbShutdown removes a server and cascades removal of its sessions.
// Session removals are emitted first, in discovery order, followed by a
// single ServerRemoved carrying the reason. Unknown server ids are a
// no-op, so duplicate shutdown datagrams are harmless.
//
// It returns true when a server was actually removed.
func (r *Registry) AbsorbShutdown(serverID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	e, ok := r.servers[serverID]
	if !ok {
		r.logger.Debug("shutdown for unknown server",
			slog.String("server_id", serverID))
		return false
	}
	r.removeServerLocked(e, reason, time.Now())
	return true
}

// removeServerLocked cascades session removal and deletes the server.
func (r *Registry) removeServerLocked(e *serverEntry, reason string, now time.Time) {
	for _, sid := range slices.Clone(e.sessionIDs) {
		if s, ok := r.sessions[sid]; ok {
			r.removeSessionLocked(s, now)
		}
	}
	delete(r.servers, e.info.ID)
	r.metrics.UnregisterServer()
	r.logger.Info("server removed",
		slog.String("server_id", e.info.ID),
		slog.String("reason", reason))
	r.notifyLocked(Notification{
		Kind:      ServerRemoved,
		ServerID:  e.info.ID,
		Reason:    reason,
		Timestamp: now,
	})
}

// SetHealth flips a server's health flag, emitting ServerUpdated only
// on an actual change. Unknown server ids are ignored.
func (r *Registry) SetHealth(serverID string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	e, ok := r.servers[serverID]
	if !ok || e.info.Healthy == healthy {
		return
	}
	e.info.Healthy = healthy
	r.logger.Info("server health changed",
		slog.String("server_id", serverID),
		slog.Bool("healthy", healthy))
	r.notifyLocked(Notification{
		Kind:      ServerUpdated,
		Server:    r.snapshotServerLocked(e),
		ServerID:  serverID,
		Timestamp: time.Now(),
	})
}

// ReportError surfaces an internal failure tied to a server, such as an
// event stream exhausting its retry budget, as an AggregatorError
// notification. The store itself is not modified.
func (r *Registry) ReportError(serverID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.notifyLocked(Notification{
		Kind:      AggregatorError,
		ServerID:  serverID,
		Err:       err,
		Timestamp: time.Now(),
	})
}

// -------------------------------------------------------------------------
// Mutations — sessions
// -------------------------------------------------------------------------

// AbsorbSnapshot reconciles the stored session set of one server
// against an authoritative snapshot. New sessions are added, known ones
// updated field by field, and stored sessions absent from the snapshot
// removed. Transcripts are only replaced when a summary carries
// messages.
func (r *Registry) AbsorbSnapshot(serverID string, summaries []SessionSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}

	e, ok := r.servers[serverID]
	if !ok {
		return ErrServerNotFound
	}

	now := time.Now()
	seen := make(map[string]struct{}, len(summaries))
	for _, sum := range summaries {
		if sum.ID == "" {
			r.logger.Warn("snapshot entry without session id dropped",
				slog.String("server_id", serverID))
			continue
		}
		seen[sum.ID] = struct{}{}
		r.upsertSessionLocked(e, sum, sum.Messages != nil, now)
	}
	for _, sid := range slices.Clone(e.sessionIDs) {
		if _, ok := seen[sid]; ok {
			continue
		}
		if s, ok := r.sessions[sid]; ok {
			r.removeSessionLocked(s, now)
		}
	}
	return nil
}

// AbsorbSessionDetail stores a full session fetch. Unlike snapshot
// summaries, a detail is a complete replacement: the transcript is
// replaced even when empty. A detail for a session not yet in the store
// introduces it, provided its server is known.
func (r *Registry) AbsorbSessionDetail(detail Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}

	e, ok := r.servers[detail.ServerID]
	if !ok {
		return ErrServerNotFound
	}

	sum := SessionSummary{
		ID:           detail.ID,
		Name:         detail.Name,
		Status:       detail.Status,
		CreatedAt:    detail.CreatedAt,
		LastActivity: detail.LastActivity,
		LongRunning:  detail.LongRunning,
		ParentID:     detail.ParentID,
		Project:      detail.Project,
		Branch:       detail.Branch,
		CostUSD:      detail.CostUSD,
		Tokens:       detail.Tokens,
		Messages:     detail.Messages,
	}
	r.upsertSessionLocked(e, sum, true, time.Now())
	return nil
}

// AbsorbEvent applies one decoded stream update. Events are weaker than
// snapshots: an event naming a session the store has never seen is
// dropped, because a later snapshot will introduce the session with
// full data. Events move LastActivity forward but never backward.
func (r *Registry) AbsorbEvent(serverID string, u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	if _, ok := r.servers[serverID]; !ok {
		r.logger.Debug("event from unknown server dropped",
			slog.String("server_id", serverID))
		return
	}
	s, ok := r.sessions[u.UpdateSessionID()]
	if !ok {
		r.logger.Debug("event for unknown session dropped",
			slog.String("server_id", serverID),
			slog.String("session_id", u.UpdateSessionID()))
		return
	}
	if s.ServerID != serverID {
		r.logger.Warn("event names session owned by another server",
			slog.String("server_id", serverID),
			slog.String("owner_id", s.ServerID),
			slog.String("session_id", s.ID))
		return
	}

	now := time.Now()
	changed := false
	switch v := u.(type) {
	case SessionUpdate:
		if r.setStatusLocked(s, v.Status) {
			changed = true
		}
		if v.ObservedAt.After(s.LastActivity) {
			s.LastActivity = v.ObservedAt
			changed = true
		}

	case MessageArrived:
		m := v.Message
		m.SessionID = s.ID
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		if r.upsertMessageLocked(s, m) {
			changed = true
		}
		if m.Timestamp.After(s.LastActivity) {
			s.LastActivity = m.Timestamp
			changed = true
		}

	case PermissionRequested:
		if r.setStatusLocked(s, StatusWaitingForPermission) {
			changed = true
		}
		ts := v.ObservedAt
		if ts.IsZero() {
			ts = now
		}
		m := Message{
			ID:           v.PermissionID,
			SessionID:    s.ID,
			Timestamp:    ts,
			Role:         RoleSystem,
			Type:         MessagePermissionRequest,
			Content:      v.Description,
			ToolName:     v.ToolName,
			PermissionID: v.PermissionID,
		}
		if r.upsertMessageLocked(s, m) {
			changed = true
		}
		if ts.After(s.LastActivity) {
			s.LastActivity = ts
			changed = true
		}

	default:
		r.logger.Warn("unhandled stream update type dropped",
			slog.String("server_id", serverID),
			slog.String("session_id", s.ID))
		return
	}

	if changed {
		r.notifyLocked(Notification{
			Kind:      SessionUpdated,
			Session:   r.snapshotSessionLocked(s),
			ServerID:  s.ServerID,
			SessionID: s.ID,
			Timestamp: now,
		})
	}
}

// -------------------------------------------------------------------------
// Session upsert internals
// -------------------------------------------------------------------------

// upsertSessionLocked inserts or merges one session under e.
func (r *Registry) upsertSessionLocked(e *serverEntry, sum SessionSummary, replaceMessages bool, now time.Time) {
	s, ok := r.sessions[sum.ID]
	if !ok {
		r.insertSessionLocked(e, sum, now)
		return
	}

	if s.ServerID != e.info.ID {
		r.moveSessionLocked(s, e)
	}

	changed := false
	if sum.Status.Valid() && r.setStatusLocked(s, sum.Status) {
		changed = true
	}
	if sum.Name != s.Name {
		s.Name = sum.Name
		changed = true
	}
	if sum.Project != s.Project {
		s.Project = sum.Project
		changed = true
	}
	if sum.Branch != s.Branch {
		s.Branch = sum.Branch
		changed = true
	}
	if sum.LongRunning != s.LongRunning {
		s.LongRunning = sum.LongRunning
		changed = true
	}
	if sum.CostUSD != s.CostUSD {
		s.CostUSD = sum.CostUSD
		changed = true
	}
	if sum.Tokens != s.Tokens {
		s.Tokens = sum.Tokens
		changed = true
	}
	if !sum.CreatedAt.IsZero() && !sum.CreatedAt.Equal(s.CreatedAt) {
		s.CreatedAt = sum.CreatedAt
		changed = true
	}
	if !sum.LastActivity.IsZero() && !sum.LastActivity.Equal(s.LastActivity) {
		// Snapshots are authoritative and may move activity backward.
		s.LastActivity = sum.LastActivity
		changed = true
	}
	if sum.ParentID != s.ParentID {
		if r.setParentLocked(s, sum.ParentID) {
			changed = true
		}
	}
	if replaceMessages {
		msgs := normalizeMessages(s.ID, sum.Messages)
		if !messageListsEqual(s.Messages, msgs) {
			s.Messages = msgs
			changed = true
		}
	}
	if r.clampActivityLocked(s) {
		changed = true
	}

	if changed {
		r.notifyLocked(Notification{
			Kind:      SessionUpdated,
			Session:   r.snapshotSessionLocked(s),
			ServerID:  s.ServerID,
			SessionID: s.ID,
			Timestamp: now,
		})
	}
}

// insertSessionLocked adds a brand-new session under e.
func (r *Registry) insertSessionLocked(e *serverEntry, sum SessionSummary, now time.Time) {
	status := sum.Status
	if !status.Valid() {
		status = StatusIdle
	}
	s := &Session{
		ID:           sum.ID,
		ServerID:     e.info.ID,
		Name:         sum.Name,
		Status:       status,
		CreatedAt:    sum.CreatedAt,
		LastActivity: sum.LastActivity,
		LongRunning:  sum.LongRunning,
		Project:      sum.Project,
		Branch:       sum.Branch,
		CostUSD:      sum.CostUSD,
		Tokens:       sum.Tokens,
		Messages:     normalizeMessages(sum.ID, sum.Messages),
	}
	r.clampActivityLocked(s)

	if sum.ParentID != "" {
		r.setParentLocked(s, sum.ParentID)
	}

	r.sessions[s.ID] = s
	e.sessionIDs = append(e.sessionIDs, s.ID)
	r.backfillChildrenLocked(s)
	r.metrics.RegisterSession(string(s.Status))
	r.logger.Info("session added",
		slog.String("server_id", e.info.ID),
		slog.String("session_id", s.ID),
		slog.String("status", string(s.Status)))
	r.notifyLocked(Notification{
		Kind:      SessionAdded,
		Session:   r.snapshotSessionLocked(s),
		ServerID:  e.info.ID,
		SessionID: s.ID,
		Timestamp: now,
	})
}

// removeSessionLocked deletes a session and unlinks it from its server
// and parent.
func (r *Registry) removeSessionLocked(s *Session, now time.Time) {
	delete(r.sessions, s.ID)
	if e, ok := r.servers[s.ServerID]; ok {
		e.sessionIDs = slices.DeleteFunc(e.sessionIDs, func(id string) bool {
			return id == s.ID
		})
	}
	r.unlinkParentLocked(s)
	r.metrics.UnregisterSession(string(s.Status))
	r.logger.Info("session removed",
		slog.String("server_id", s.ServerID),
		slog.String("session_id", s.ID))
	r.notifyLocked(Notification{
		Kind:      SessionRemoved,
		Session:   r.snapshotSessionLocked(s),
		ServerID:  s.ServerID,
		SessionID: s.ID,
		Timestamp: now,
	})
}

// moveSessionLocked reassigns a session to a different server. Session
// ids are globally unique, so two servers reporting the same id means
// the session migrated; the latest report wins.
func (r *Registry) moveSessionLocked(s *Session, to *serverEntry) {
	if old, ok := r.servers[s.ServerID]; ok {
		old.sessionIDs = slices.DeleteFunc(old.sessionIDs, func(id string) bool {
			return id == s.ID
		})
	}
	r.logger.Info("session moved between servers",
		slog.String("session_id", s.ID),
		slog.String("from", s.ServerID),
		slog.String("to", to.info.ID))
	s.ServerID = to.info.ID
	to.sessionIDs = append(to.sessionIDs, s.ID)
}

// setStatusLocked applies a status change, honoring terminal
// stickiness. It returns true when the status actually changed.
func (r *Registry) setStatusLocked(s *Session, next Status) bool {
	if next == s.Status {
		return false
	}
	if !next.Valid() {
		r.logger.Debug("invalid session status ignored",
			slog.String("session_id", s.ID),
			slog.String("status", string(next)))
		return false
	}
	if s.Status.Terminal() {
		r.logger.Debug("status change for terminal session ignored",
			slog.String("session_id", s.ID),
			slog.String("current", string(s.Status)),
			slog.String("proposed", string(next)))
		return false
	}
	r.metrics.MoveSessionStatus(string(s.Status), string(next))
	s.Status = next
	return true
}

// setParentLocked rewires a session's parent link, dropping changes
// that would create a cycle. It returns true when the link changed.
func (r *Registry) setParentLocked(s *Session, parentID string) bool {
	if parentID == s.ParentID {
		return false
	}
	if parentID != "" && r.wouldCreateCycleLocked(s.ID, parentID) {
		r.logger.Warn("parent link would create a cycle, dropped",
			slog.String("session_id", s.ID),
			slog.String("parent_id", parentID))
		return false
	}
	r.unlinkParentLocked(s)
	s.ParentID = parentID
	r.linkParentLocked(s)
	return true
}

// wouldCreateCycleLocked walks ancestor links from parentID and reports
// whether childID appears on the path. The store is acyclic, so the
// walk terminates.
func (r *Registry) wouldCreateCycleLocked(childID, parentID string) bool {
	for cur := parentID; cur != ""; {
		if cur == childID {
			return true
		}
		p, ok := r.sessions[cur]
		if !ok {
			return false
		}
		cur = p.ParentID
	}
	return false
}

// linkParentLocked records s as a child of its parent, when the parent
// is in the store.
func (r *Registry) linkParentLocked(s *Session) {
	if s.ParentID == "" {
		return
	}
	p, ok := r.sessions[s.ParentID]
	if !ok {
		return
	}
	if !slices.Contains(p.ChildIDs, s.ID) {
		p.ChildIDs = append(p.ChildIDs, s.ID)
	}
}

// unlinkParentLocked removes s from its parent's child list.
func (r *Registry) unlinkParentLocked(s *Session) {
	if s.ParentID == "" {
		return
	}
	if p, ok := r.sessions[s.ParentID]; ok {
		p.ChildIDs = slices.DeleteFunc(p.ChildIDs, func(id string) bool {
			return id == s.ID
		})
	}
}

// backfillChildrenLocked links sessions that declared s as parent
// before s itself entered the store.
func (r *Registry) backfillChildrenLocked(s *Session) {
	var orphans []*Session
	for _, cand := range r.sessions {
		if cand.ParentID == s.ID && cand.ID != s.ID {
			orphans = append(orphans, cand)
		}
	}
	slices.SortFunc(orphans, func(a, b *Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	for _, c := range orphans {
		if !slices.Contains(s.ChildIDs, c.ID) {
			s.ChildIDs = append(s.ChildIDs, c.ID)
		}
	}
}

// clampActivityLocked enforces LastActivity >= CreatedAt. It returns
// true when the value was adjusted.
func (r *Registry) clampActivityLocked(s *Session) bool {
	if s.LastActivity.Before(s.CreatedAt) {
		s.LastActivity = s.CreatedAt
		return true
	}
	return false
}

// -------------------------------------------------------------------------
// Message merge internals
// -------------------------------------------------------------------------

// upsertMessageLocked inserts m into the transcript at its timestamp
// position, or replaces the message with the same id in place. A
// content-less replacement keeps the previously fetched body so lazy
// detail fetches are never undone by bare stream events. It returns
// true when the transcript changed.
func (r *Registry) upsertMessageLocked(s *Session, m Message) bool {
	idx := -1
	for i := range s.Messages {
		if s.Messages[i].ID == m.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.Messages = slices.Insert(s.Messages, messageInsertPos(s.Messages, m.Timestamp), m)
		return true
	}

	old := s.Messages[idx]
	if m.Content == "" && old.Content != "" {
		m.Content = old.Content
		if m.Parts == nil {
			m.Parts = old.Parts
		}
	}
	if messagesEqual(old, m) {
		return false
	}
	if old.Timestamp.Equal(m.Timestamp) {
		s.Messages[idx] = m
		return true
	}
	// Timestamp moved: reposition to keep ascending order.
	s.Messages = slices.Delete(s.Messages, idx, idx+1)
	s.Messages = slices.Insert(s.Messages, messageInsertPos(s.Messages, m.Timestamp), m)
	return true
}

// messageInsertPos returns the insertion index that keeps msgs sorted
// by timestamp, placing equal timestamps after existing ones.
func messageInsertPos(msgs []Message, ts time.Time) int {
	lo, hi := 0, len(msgs)
	for lo < hi {
		mid := (lo + hi) / 2
		if msgs[mid].Timestamp.After(ts) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// normalizeMessages sorts a wire transcript by timestamp and collapses
// duplicate ids, keeping the last occurrence.
func normalizeMessages(sessionID string, msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	byID := make(map[string]int, len(msgs))
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		m.SessionID = sessionID
		if i, ok := byID[m.ID]; ok && m.ID != "" {
			out[i] = m
			continue
		}
		byID[m.ID] = len(out)
		out = append(out, m)
	}
	slices.SortStableFunc(out, func(a, b Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

func messagesEqual(a, b Message) bool {
	if a.ID != b.ID || a.SessionID != b.SessionID ||
		!a.Timestamp.Equal(b.Timestamp) ||
		a.Role != b.Role || a.Type != b.Type || a.Content != b.Content ||
		a.CostUSD != b.CostUSD || a.Tokens != b.Tokens ||
		a.ToolName != b.ToolName || a.ToolInput != b.ToolInput ||
		a.PermissionID != b.PermissionID {
		return false
	}
	if len(a.Parts) != len(b.Parts) {
		return false
	}
	for i := range a.Parts {
		if !partsEqual(a.Parts[i], b.Parts[i]) {
			return false
		}
	}
	return true
}

func partsEqual(a, b MessagePart) bool {
	if a.Type != b.Type || a.Text != b.Text ||
		a.ToolName != b.ToolName || a.ToolStatus != b.ToolStatus ||
		a.ToolTitle != b.ToolTitle || a.ToolInput != b.ToolInput ||
		a.ToolOutput != b.ToolOutput || a.Agent != b.Agent {
		return false
	}
	return slices.Equal(a.Files, b.Files)
}

func messageListsEqual(a, b []Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !messagesEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// -------------------------------------------------------------------------
// Queries
// -------------------------------------------------------------------------

// Servers returns snapshots of all known servers, sorted by id.
func (r *Registry) Servers() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Server, 0, len(r.servers))
	for _, e := range r.servers {
		out = append(out, *r.snapshotServerLocked(e))
	}
	slices.SortFunc(out, func(a, b Server) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Server returns a snapshot of one server.
func (r *Registry) Server(serverID string) (Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.servers[serverID]
	if !ok {
		return Server{}, ErrServerNotFound
	}
	return *r.snapshotServerLocked(e), nil
}

// Sessions returns snapshots of all sessions across servers, sorted by
// creation time with id as tiebreak.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *r.snapshotSessionLocked(s))
	}
	sortSessions(out)
	return out
}

// Session returns a snapshot of one session.
func (r *Registry) Session(sessionID string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *r.snapshotSessionLocked(s), nil
}

// SessionsByServer returns snapshots of one server's sessions in
// discovery order.
func (r *Registry) SessionsByServer(serverID string) ([]Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.servers[serverID]
	if !ok {
		return nil, ErrServerNotFound
	}
	out := make([]Session, 0, len(e.sessionIDs))
	for _, sid := range e.sessionIDs {
		if s, ok := r.sessions[sid]; ok {
			out = append(out, *r.snapshotSessionLocked(s))
		}
	}
	return out, nil
}

// ActiveSessions returns snapshots of sessions that are busy or waiting
// for a permission decision, sorted by creation time.
func (r *Registry) ActiveSessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Session
	for _, s := range r.sessions {
		if s.Status.Active() {
			out = append(out, *r.snapshotSessionLocked(s))
		}
	}
	sortSessions(out)
	return out
}

// LongRunningSessions returns snapshots of sessions that either carry
// the server-reported long-running flag or whose age at now exceeds the
// configured threshold, sorted by creation time.
func (r *Registry) LongRunningSessions(now time.Time) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Session
	for _, s := range r.sessions {
		if r.longRunningLocked(s, now) {
			out = append(out, *r.snapshotSessionLocked(s))
		}
	}
	sortSessions(out)
	return out
}

func (r *Registry) longRunningLocked(s *Session, now time.Time) bool {
	if s.LongRunning {
		return true
	}
	if r.longRunningAfter <= 0 || s.CreatedAt.IsZero() {
		return false
	}
	return now.Sub(s.CreatedAt) > r.longRunningAfter
}

// ServerCount returns the number of known servers.
func (r *Registry) ServerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// SessionCount returns the number of known sessions across servers.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func sortSessions(out []Session) {
	slices.SortFunc(out, func(a, b Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// snapshotServerLocked builds an immutable server snapshot including
// the derived session id list.
func (r *Registry) snapshotServerLocked(e *serverEntry) *Server {
	v := e.info.Clone()
	v.SessionIDs = slices.Clone(e.sessionIDs)
	return &v
}

// snapshotSessionLocked builds an immutable session snapshot.
func (r *Registry) snapshotSessionLocked(s *Session) *Session {
	v := s.Clone()
	return &v
}

// -------------------------------------------------------------------------
// Subscriptions
// -------------------------------------------------------------------------

// Subscribe registers a new notification subscriber and starts its
// delivery pump. The caller reads from Subscription.Notifications until
// it unsubscribes or the registry closes; both close the channel.
func (r *Registry) Subscribe() (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}

	sub := newSubscription(uuid.NewString(), r.pendingLimit, r.metrics)
	r.subs[sub.id] = sub
	go sub.pump()
	r.logger.Debug("subscriber added", slog.String("subscription_id", sub.id))
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids
// are ignored.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()

	if ok {
		sub.close()
		r.logger.Debug("subscriber removed", slog.String("subscription_id", id))
	}
}

// notifyLocked enqueues one notification to every subscriber. Enqueues
// happen under the registry write lock, so every subscriber observes
// mutations in commit order.
func (r *Registry) notifyLocked(n Notification) {
	for _, sub := range r.subs {
		sub.enqueue(n)
	}
}

// Close clears the store and closes all subscriber channels. Further
// mutations and subscriptions fail with ErrRegistryClosed; queries on a
// closed registry return empty results.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[string]*Subscription)
	r.servers = make(map[string]*serverEntry)
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	// Close outside the lock; pumps may be mid-delivery.
	for _, sub := range subs {
		sub.close()
	}
	r.logger.Info("registry closed")
}
