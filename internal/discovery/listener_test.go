package discovery_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dantte-lp/agentmon/internal/discovery"
)

func TestListenerDeliversAnnounce(t *testing.T) {
	t.Parallel()

	f := startListenerFixture(t)

	packet := discovery.AnnouncePacket{
		ServerID:   "srv-1",
		ServerURL:  "http://127.0.0.1:3000//api/",
		ServerName: "backend-alpha",
		Project:    "webapp",
		Branch:     "main",
		Version:    "1.2.3",
		Timestamp:  time.Now().UnixMilli(),
	}
	data, err := packet.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f.send(t, data)
	f.handler.waitDelivered(t)

	got := f.handler.announced()
	if len(got) != 1 {
		t.Fatalf("announces = %d, want 1", len(got))
	}
	if got[0].ServerID != "srv-1" || got[0].ServerName != "backend-alpha" {
		t.Errorf("identity = %q/%q", got[0].ServerID, got[0].ServerName)
	}
	if got[0].ServerURL != "http://127.0.0.1:3000/api" {
		t.Errorf("ServerURL = %q, want normalized form", got[0].ServerURL)
	}
	if f.metrics.count("announce") != 1 {
		t.Errorf("announce datagrams = %d, want 1", f.metrics.count("announce"))
	}
}

func TestListenerDeliversShutdown(t *testing.T) {
	t.Parallel()

	f := startListenerFixture(t)

	packet := discovery.ShutdownPacket{ServerID: "srv-9", Timestamp: time.Now().UnixMilli()}
	data, err := packet.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f.send(t, data)
	f.handler.waitDelivered(t)

	got := f.handler.shutdownsSeen()
	if len(got) != 1 {
		t.Fatalf("shutdowns = %d, want 1", len(got))
	}
	if got[0].ServerID != "srv-9" {
		t.Errorf("ServerID = %q, want srv-9", got[0].ServerID)
	}
	if f.metrics.count("shutdown") != 1 {
		t.Errorf("shutdown datagrams = %d, want 1", f.metrics.count("shutdown"))
	}
}

func TestListenerSurvivesInvalidDatagrams(t *testing.T) {
	t.Parallel()

	f := startListenerFixture(t)

	f.send(t, []byte(`{"type":"announce"`))
	f.send(t, []byte(`{"type":"ping","serverId":"srv-1"}`))
	f.send(t, []byte(`{"type":"announce","serverId":"srv-1"}`))
	f.metrics.waitCounted(t, 3)

	if got := f.metrics.count("invalid"); got != 2 {
		t.Errorf("invalid datagrams = %d, want 2", got)
	}
	if got := f.metrics.count("ignored"); got != 1 {
		t.Errorf("ignored datagrams = %d, want 1", got)
	}
	if got := f.handler.announced(); len(got) != 0 {
		t.Errorf("announces = %d, want 0", len(got))
	}

	// The read loop must still be serving after the bad input.
	packet := discovery.AnnouncePacket{
		ServerID:   "srv-2",
		ServerURL:  "http://127.0.0.1:3001",
		ServerName: "backend-beta",
		Timestamp:  time.Now().UnixMilli(),
	}
	data, err := packet.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f.send(t, data)
	f.handler.waitDelivered(t)

	if got := f.handler.announced(); len(got) != 1 || got[0].ServerID != "srv-2" {
		t.Errorf("announces after recovery = %+v, want single srv-2", got)
	}
}

func TestListenerRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	f := startListenerFixture(t)

	if err := f.stop(t); err != nil {
		t.Errorf("Run returned %v, want nil after cancel", err)
	}
	if err := f.listener.Close(); err != nil {
		t.Errorf("Close after shutdown returned %v", err)
	}
}

func TestNewListenerBindFailures(t *testing.T) {
	t.Parallel()

	handler := newRecordingHandler()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	_, err := discovery.NewListener(discovery.ListenerConfig{Addr: "not-an-address"}, handler, logger)
	if !errors.Is(err, discovery.ErrBindFailed) {
		t.Errorf("invalid addr error = %v, want ErrBindFailed", err)
	}

	taken, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("bind blocker socket: %v", err)
	}
	defer taken.Close()

	port := taken.LocalAddr().(*net.UDPAddr).Port
	_, err = discovery.NewListener(discovery.ListenerConfig{Addr: "127.0.0.1", Port: port}, handler, logger)
	if !errors.Is(err, discovery.ErrBindFailed) {
		t.Errorf("port-in-use error = %v, want ErrBindFailed", err)
	}
}

// -------------------------------------------------------------------------
// Test fixture
// -------------------------------------------------------------------------

type listenerFixture struct {
	listener *discovery.Listener
	handler  *recordingHandler
	metrics  *countingMetrics
	sender   *net.UDPConn

	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
	runErr   error
}

// startListenerFixture binds an ephemeral loopback socket, starts the
// listener on it, and connects a second socket for sending datagrams.
func startListenerFixture(t *testing.T) *listenerFixture {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("bind listener socket: %v", err)
	}

	handler := newRecordingHandler()
	metrics := newCountingMetrics()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	listener := discovery.NewListenerFromConn(conn, handler, logger, discovery.WithListenerMetrics(metrics))

	sender, err := net.DialUDP("udp", nil, listener.LocalAddr().(*net.UDPAddr))
	if err != nil {
		listener.Close()
		t.Fatalf("dial listener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	f := &listenerFixture{
		listener: listener,
		handler:  handler,
		metrics:  metrics,
		sender:   sender,
		cancel:   cancel,
		done:     done,
	}
	t.Cleanup(func() {
		f.stop(t)
		sender.Close()
	})
	return f
}

func (f *listenerFixture) send(t *testing.T, payload []byte) {
	t.Helper()
	if _, err := f.sender.Write(payload); err != nil {
		t.Fatalf("send datagram: %v", err)
	}
}

// stop cancels the listener context and waits for Run to return. It is
// idempotent so tests may call it before fixture cleanup does.
func (f *listenerFixture) stop(t *testing.T) error {
	t.Helper()
	f.stopOnce.Do(func() {
		f.cancel()
		select {
		case f.runErr = <-f.done:
		case <-time.After(2 * time.Second):
			t.Error("listener did not stop after cancel")
			f.runErr = errors.New("listener stop timeout")
		}
	})
	return f.runErr
}

// -------------------------------------------------------------------------
// Test mocks
// -------------------------------------------------------------------------

type recordingHandler struct {
	mu        sync.Mutex
	announces []discovery.AnnouncePacket
	shutdowns []discovery.ShutdownPacket
	delivered chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{delivered: make(chan struct{}, 32)}
}

func (h *recordingHandler) HandleAnnounce(p discovery.AnnouncePacket) {
	h.mu.Lock()
	h.announces = append(h.announces, p)
	h.mu.Unlock()
	h.delivered <- struct{}{}
}

func (h *recordingHandler) HandleShutdown(p discovery.ShutdownPacket) {
	h.mu.Lock()
	h.shutdowns = append(h.shutdowns, p)
	h.mu.Unlock()
	h.delivered <- struct{}{}
}

func (h *recordingHandler) waitDelivered(t *testing.T) {
	t.Helper()
	select {
	case <-h.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dispatched datagram")
	}
}

func (h *recordingHandler) announced() []discovery.AnnouncePacket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.announces)
}

func (h *recordingHandler) shutdownsSeen() []discovery.ShutdownPacket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.shutdowns)
}

type countingMetrics struct {
	mu      sync.Mutex
	counts  map[string]int
	counted chan struct{}
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		counts:  make(map[string]int),
		counted: make(chan struct{}, 32),
	}
}

func (m *countingMetrics) IncDatagrams(result string) {
	m.mu.Lock()
	m.counts[result]++
	m.mu.Unlock()
	m.counted <- struct{}{}
}

// waitCounted blocks until n further datagrams have been classified.
func (m *countingMetrics) waitCounted(t *testing.T, n int) {
	t.Helper()
	for i := range n {
		select {
		case <-m.counted:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for datagram %d of %d", i+1, n)
		}
	}
}

func (m *countingMetrics) count(result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[result]
}
