package monitor_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/dantte-lp/agentmon/internal/monitor"
)

// TestCoordinatorAnnounceStartsSession verifies that a first
// announcement builds one backend client and starts a server session
// that reconciles immediately, while repeats of the same announcement
// reuse the running session.
func TestCoordinatorAnnounceStartsSession(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newTestRegistry()
		f := newRecordingFactory()
		f.prepare("http://127.0.0.1:3000", &fakeBackendClient{
			summaries: []monitor.SessionSummary{{ID: "sess-a", Status: monitor.StatusBusy}},
		})

		coord := monitor.NewCoordinator(monitor.CoordinatorConfig{}, r, f.factory, slog.Default())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		runDone := make(chan error, 1)
		go func() { runDone <- coord.Run(ctx) }()

		coord.ObserveAnnounce(testAnnounce("srv-1", "http://127.0.0.1:3000"))
		synctest.Wait()

		if got := f.builtURLs(); len(got) != 1 || got[0] != "http://127.0.0.1:3000" {
			t.Fatalf("factory calls = %v, want one for the announced url", got)
		}
		srv, err := coord.Server("srv-1")
		if err != nil {
			t.Fatalf("Server: %v", err)
		}
		if !srv.Healthy {
			t.Error("server not healthy after clean refresh")
		}
		s, err := coord.Session("sess-a")
		if err != nil {
			t.Fatalf("Session: %v", err)
		}
		if s.ServerID != "srv-1" || s.Status != monitor.StatusBusy {
			t.Errorf("session = %+v, want srv-1/busy", s)
		}

		// Periodic re-announcements reuse the session.
		coord.ObserveAnnounce(testAnnounce("srv-1", "http://127.0.0.1:3000"))
		synctest.Wait()
		if got := f.builtURLs(); len(got) != 1 {
			t.Errorf("factory calls = %v, want no rebuild on repeat announce", got)
		}

		cancel()
		if err := <-runDone; err != nil {
			t.Fatalf("Run: %v", err)
		}
	})
}

// TestCoordinatorRecyclesSessionOnNewURL verifies that a known server
// re-announcing under a different address gets a fresh client and
// session while keeping its identity.
func TestCoordinatorRecyclesSessionOnNewURL(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newTestRegistry()
		f := newRecordingFactory()

		coord := monitor.NewCoordinator(monitor.CoordinatorConfig{}, r, f.factory, slog.Default())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		runDone := make(chan error, 1)
		go func() { runDone <- coord.Run(ctx) }()

		coord.ObserveAnnounce(testAnnounce("srv-1", "http://127.0.0.1:3000"))
		synctest.Wait()
		coord.ObserveAnnounce(testAnnounce("srv-1", "http://127.0.0.1:4000"))
		synctest.Wait()

		want := []string{"http://127.0.0.1:3000", "http://127.0.0.1:4000"}
		if got := f.builtURLs(); !slices.Equal(got, want) {
			t.Fatalf("factory calls = %v, want %v", got, want)
		}
		srv, err := coord.Server("srv-1")
		if err != nil {
			t.Fatalf("Server: %v", err)
		}
		if srv.URL != "http://127.0.0.1:4000" {
			t.Errorf("Server.URL = %q, want the new address", srv.URL)
		}
		if got := len(coord.Servers()); got != 1 {
			t.Errorf("server count = %d, want 1 (identity kept)", got)
		}

		cancel()
		if err := <-runDone; err != nil {
			t.Fatalf("Run: %v", err)
		}
	})
}

// TestCoordinatorShutdownDatagram verifies that a shutdown observation
// stops the session, cascades removal, and that a later announcement
// brings the server back.
func TestCoordinatorShutdownDatagram(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newTestRegistry()
		f := newRecordingFactory()
		f.prepare("http://127.0.0.1:3000", &fakeBackendClient{
			summaries: []monitor.SessionSummary{{ID: "sess-a", Status: monitor.StatusIdle}},
		})

		coord := monitor.NewCoordinator(monitor.CoordinatorConfig{}, r, f.factory, slog.Default())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		runDone := make(chan error, 1)
		go func() { runDone <- coord.Run(ctx) }()

		coord.ObserveAnnounce(testAnnounce("srv-1", "http://127.0.0.1:3000"))
		synctest.Wait()

		sub, err := coord.Subscribe()
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}

		coord.ObserveShutdown("srv-1")
		synctest.Wait()

		n := expectKind(t, sub, monitor.SessionRemoved)
		if n.SessionID != "sess-a" {
			t.Errorf("removed session = %q, want sess-a", n.SessionID)
		}
		n = expectKind(t, sub, monitor.ServerRemoved)
		if n.Reason != monitor.ReasonShutdown {
			t.Errorf("Reason = %q, want %q", n.Reason, monitor.ReasonShutdown)
		}
		if got := len(coord.Servers()); got != 0 {
			t.Fatalf("server count = %d, want 0 after shutdown", got)
		}

		// Commands against the removed session fail cleanly.
		if _, err := coord.SendMessage(ctx, "sess-a", "hello"); !errors.Is(err, monitor.ErrSessionNotFound) {
			t.Errorf("SendMessage error = %v, want ErrSessionNotFound", err)
		}

		// The server can come back.
		coord.ObserveAnnounce(testAnnounce("srv-1", "http://127.0.0.1:3000"))
		synctest.Wait()
		if got := len(coord.Servers()); got != 1 {
			t.Errorf("server count = %d, want 1 after re-announcement", got)
		}

		cancel()
		if err := <-runDone; err != nil {
			t.Fatalf("Run: %v", err)
		}
	})
}

// TestCoordinatorSweepsStaleServers verifies the staleness sweep: a
// server whose age equals the timeout exactly survives, strictly older
// ones are removed with the stale reason, and re-announcing servers are
// untouched.
func TestCoordinatorSweepsStaleServers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newTestRegistry()
		f := newRecordingFactory()

		cfg := monitor.CoordinatorConfig{StaleTimeout: 10 * time.Second}
		coord := monitor.NewCoordinator(cfg, r, f.factory, slog.Default())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		runDone := make(chan error, 1)
		go func() { runDone <- coord.Run(ctx) }()

		coord.ObserveAnnounce(testAnnounce("srv-quiet", "http://127.0.0.1:3000"))
		coord.ObserveAnnounce(testAnnounce("srv-chatty", "http://127.0.0.1:4000"))
		synctest.Wait()

		// Keep srv-chatty fresh while srv-quiet stays silent.
		time.Sleep(8 * time.Second)
		coord.ObserveAnnounce(testAnnounce("srv-chatty", "http://127.0.0.1:4000"))

		// At the 10s sweep srv-quiet's age is exactly the timeout, which
		// is not strictly older.
		time.Sleep(2 * time.Second)
		synctest.Wait()
		if got := len(coord.Servers()); got != 2 {
			t.Fatalf("server count = %d, want 2 at the stale boundary", got)
		}

		sub, err := coord.Subscribe()
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}

		// The 15s sweep catches it.
		time.Sleep(5 * time.Second)
		synctest.Wait()

		n := expectKind(t, sub, monitor.ServerRemoved)
		if n.ServerID != "srv-quiet" || n.Reason != monitor.ReasonStale {
			t.Errorf("removal = %s/%s, want srv-quiet/%s", n.ServerID, n.Reason, monitor.ReasonStale)
		}
		servers := coord.Servers()
		if len(servers) != 1 || servers[0].ID != "srv-chatty" {
			t.Errorf("servers = %v, want only srv-chatty", serverIDs(servers))
		}

		cancel()
		if err := <-runDone; err != nil {
			t.Fatalf("Run: %v", err)
		}
	})
}

// TestCoordinatorCommandsRouteToOwningServer verifies that commands
// resolve the session's owner and hit that backend only, and that
// validation failures surface the right sentinels.
func TestCoordinatorCommandsRouteToOwningServer(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newTestRegistry()
		f := newRecordingFactory()
		clientA := &fakeBackendClient{
			summaries: []monitor.SessionSummary{{ID: "sess-a", Status: monitor.StatusBusy}},
		}
		clientA.setDetail(monitor.Session{ID: "sess-a", Status: monitor.StatusBusy})
		clientB := &fakeBackendClient{
			summaries: []monitor.SessionSummary{{ID: "sess-b", Status: monitor.StatusWaitingForPermission}},
		}
		clientB.setDetail(monitor.Session{ID: "sess-b", Status: monitor.StatusWaitingForPermission})
		f.prepare("http://127.0.0.1:3000", clientA)
		f.prepare("http://127.0.0.1:4000", clientB)

		coord := monitor.NewCoordinator(monitor.CoordinatorConfig{}, r, f.factory, slog.Default())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		runDone := make(chan error, 1)
		go func() { runDone <- coord.Run(ctx) }()

		coord.ObserveAnnounce(testAnnounce("srv-a", "http://127.0.0.1:3000"))
		coord.ObserveAnnounce(testAnnounce("srv-b", "http://127.0.0.1:4000"))
		synctest.Wait()

		if _, err := coord.SendMessage(ctx, "sess-b", "ping"); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		if got := clientB.sentCommands(); len(got) != 1 || got[0].sessionID != "sess-b" {
			t.Fatalf("backend B sent = %+v", got)
		}
		if got := clientA.sentCommands(); len(got) != 0 {
			t.Fatalf("backend A sent = %+v, want none", got)
		}

		if err := coord.AbortSession(ctx, "sess-a"); err != nil {
			t.Fatalf("AbortSession: %v", err)
		}
		if got := clientA.abortedSessions(); len(got) != 1 || got[0] != "sess-a" {
			t.Fatalf("backend A aborted = %v", got)
		}

		if err := coord.ResolvePermission(ctx, "sess-b", "perm-9", monitor.PermissionDeny); err != nil {
			t.Fatalf("ResolvePermission: %v", err)
		}
		if got := clientB.resolvedCommands(); len(got) != 1 || got[0].permissionID != "perm-9" {
			t.Fatalf("backend B resolved = %+v", got)
		}

		if err := coord.FocusSession(ctx, "sess-a"); err != nil {
			t.Fatalf("FocusSession: %v", err)
		}
		if got := clientA.detailRequests(); len(got) == 0 {
			t.Error("focus did not fetch detail from the owning backend")
		}

		if _, err := coord.SendMessage(ctx, "sess-ghost", "x"); !errors.Is(err, monitor.ErrSessionNotFound) {
			t.Errorf("SendMessage error = %v, want ErrSessionNotFound", err)
		}
		err := coord.ResolvePermission(ctx, "sess-a", "perm-1", monitor.PermissionDecision("maybe"))
		if !errors.Is(err, monitor.ErrInvalidDecision) {
			t.Errorf("ResolvePermission error = %v, want ErrInvalidDecision", err)
		}

		cancel()
		if err := <-runDone; err != nil {
			t.Fatalf("Run: %v", err)
		}
	})
}

// TestCoordinatorFactoryFailure verifies that a client that cannot be
// built still leaves a server record and surfaces an AggregatorError.
func TestCoordinatorFactoryFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newTestRegistry()
		f := newRecordingFactory()
		errBad := errors.New("unsupported scheme")
		f.fail("udp://127.0.0.1:3000", errBad)

		coord := monitor.NewCoordinator(monitor.CoordinatorConfig{}, r, f.factory, slog.Default())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		runDone := make(chan error, 1)
		go func() { runDone <- coord.Run(ctx) }()

		sub, err := coord.Subscribe()
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}

		coord.ObserveAnnounce(testAnnounce("srv-1", "udp://127.0.0.1:3000"))
		synctest.Wait()

		expectKind(t, sub, monitor.ServerDiscovered)
		n := expectKind(t, sub, monitor.AggregatorError)
		if !errors.Is(n.Err, errBad) {
			t.Errorf("Err = %v, want the factory failure", n.Err)
		}
		if _, err := coord.Server("srv-1"); err != nil {
			t.Errorf("Server: %v, want a record despite the dead client", err)
		}

		cancel()
		if err := <-runDone; err != nil {
			t.Fatalf("Run: %v", err)
		}
	})
}

// TestCoordinatorShutdownOrder verifies teardown on context
// cancellation: sessions stop, the registry closes subscriber channels,
// and later observations are ignored.
func TestCoordinatorShutdownOrder(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newTestRegistry()
		f := newRecordingFactory()
		f.prepare("http://127.0.0.1:3000", &fakeBackendClient{
			summaries: []monitor.SessionSummary{{ID: "sess-a", Status: monitor.StatusBusy}},
		})

		coord := monitor.NewCoordinator(monitor.CoordinatorConfig{}, r, f.factory, slog.Default())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		runDone := make(chan error, 1)
		go func() { runDone <- coord.Run(ctx) }()

		sub, err := coord.Subscribe()
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		coord.ObserveAnnounce(testAnnounce("srv-1", "http://127.0.0.1:3000"))
		synctest.Wait()

		cancel()
		if err := <-runDone; err != nil {
			t.Fatalf("Run: %v", err)
		}

		// The subscriber channel drains and closes.
		for {
			if _, ok := <-sub.Notifications(); !ok {
				break
			}
		}

		if got := len(coord.Servers()); got != 0 {
			t.Errorf("server count = %d, want 0 after shutdown", got)
		}

		// Late observations are no-ops.
		coord.ObserveAnnounce(testAnnounce("srv-2", "http://127.0.0.1:4000"))
		coord.ObserveShutdown("srv-2")
		if got := f.builtURLs(); len(got) != 1 {
			t.Errorf("factory calls = %v, want no construction after shutdown", got)
		}
		if _, err := coord.Subscribe(); !errors.Is(err, monitor.ErrRegistryClosed) {
			t.Errorf("Subscribe error = %v, want ErrRegistryClosed", err)
		}
	})
}

// -------------------------------------------------------------------------
// Test helpers
// -------------------------------------------------------------------------

// recordingFactory hands out prepared fakeBackendClients by URL and
// records construction order.
type recordingFactory struct {
	mu       sync.Mutex
	prepared map[string]*fakeBackendClient
	errs     map[string]error
	urls     []string
}

func newRecordingFactory() *recordingFactory {
	return &recordingFactory{
		prepared: make(map[string]*fakeBackendClient),
		errs:     make(map[string]error),
	}
}

// prepare fixes the client returned for baseURL.
func (f *recordingFactory) prepare(baseURL string, c *fakeBackendClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared[baseURL] = c
}

// fail makes construction for baseURL return err.
func (f *recordingFactory) fail(baseURL string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[baseURL] = err
}

func (f *recordingFactory) factory(baseURL string) (monitor.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[baseURL]; err != nil {
		return nil, err
	}
	f.urls = append(f.urls, baseURL)
	c, ok := f.prepared[baseURL]
	if !ok {
		c = &fakeBackendClient{}
		f.prepared[baseURL] = c
	}
	return c, nil
}

func (f *recordingFactory) builtURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.urls)
}
