package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// maxDatagramSize bounds a single UDP read. Discovery datagrams are a
// few hundred bytes; this leaves generous headroom.
const maxDatagramSize = 64 * 1024

// ErrBindFailed indicates the discovery socket could not be bound.
// Fatal at startup only.
var ErrBindFailed = errors.New("discovery bind failed")

// -------------------------------------------------------------------------
// Handler and metrics hooks
// -------------------------------------------------------------------------

// Handler receives validated datagrams from the listener's receive
// loop. Calls are made from a single goroutine.
type Handler interface {
	HandleAnnounce(AnnouncePacket)
	HandleShutdown(ShutdownPacket)
}

// MetricsReporter counts processed datagrams by result: announce,
// shutdown, invalid, or ignored.
type MetricsReporter interface {
	IncDatagrams(result string)
}

type noopMetrics struct{}

func (noopMetrics) IncDatagrams(string) {}

// -------------------------------------------------------------------------
// ListenerConfig
// -------------------------------------------------------------------------

// ListenerConfig holds configuration for the discovery listener.
type ListenerConfig struct {
	// Addr is the local IP address to bind. Empty binds all interfaces.
	Addr string

	// Port is the UDP port to listen on. Zero selects DefaultPort.
	// Tests may bind an ephemeral port by setting Addr to a loopback
	// address and reading LocalAddr after construction.
	Port int
}

// -------------------------------------------------------------------------
// Listener — UDP receive loop
// -------------------------------------------------------------------------

// Listener binds the discovery UDP socket and decodes datagrams into
// handler calls. Invalid and unknown datagrams are counted, logged at
// debug level, and dropped; the loop never stops over bad input.
type Listener struct {
	conn    *net.UDPConn
	handler Handler
	logger  *slog.Logger
	metrics MetricsReporter

	closeOnce sync.Once
	closeErr  error
}

// ListenerOption configures optional Listener parameters.
type ListenerOption func(*Listener)

// WithListenerMetrics sets the MetricsReporter. If mr is nil, a no-op
// reporter is used.
func WithListenerMetrics(mr MetricsReporter) ListenerOption {
	return func(l *Listener) {
		if mr != nil {
			l.metrics = mr
		}
	}
}

// NewListener binds the discovery socket and returns a listener ready
// to Run.
func NewListener(cfg ListenerConfig, handler Handler, logger *slog.Logger, opts ...ListenerOption) (*Listener, error) {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	var ip net.IP
	if cfg.Addr != "" {
		ip = net.ParseIP(cfg.Addr)
		if ip == nil {
			return nil, fmt.Errorf("%w: invalid address %q", ErrBindFailed, cfg.Addr)
		}
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBindFailed, err)
	}
	return NewListenerFromConn(conn, handler, logger, opts...), nil
}

// NewListenerFromConn wraps an existing UDP socket. Useful for tests
// that bind ephemeral ports themselves.
func NewListenerFromConn(conn *net.UDPConn, handler Handler, logger *slog.Logger, opts ...ListenerOption) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener{
		conn:    conn,
		handler: handler,
		logger:  logger.With(slog.String("component", "discovery.listener")),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LocalAddr returns the bound UDP address.
func (l *Listener) LocalAddr() net.Addr { return l.conn.LocalAddr() }

// Run reads datagrams until ctx is cancelled. Cancellation closes the
// socket to unblock the pending read; Run then returns nil. Any other
// read error is returned as-is, letting the caller's errgroup tear the
// process down.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("discovery listener started",
		slog.String("addr", l.conn.LocalAddr().String()))
	defer l.logger.Info("discovery listener stopped")

	stop := context.AfterFunc(ctx, func() {
		_ = l.Close()
	})
	defer stop()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("discovery read: %w", err)
		}
		l.dispatch(buf[:n], from)
	}
}

// dispatch decodes one payload and forwards it to the handler.
func (l *Listener) dispatch(data []byte, from *net.UDPAddr) {
	dg, err := ParseDatagram(data)
	if err != nil {
		result := "invalid"
		if errors.Is(err, ErrUnknownDatagramType) {
			result = "ignored"
		}
		l.metrics.IncDatagrams(result)
		l.logger.Debug("datagram dropped",
			slog.String("from", from.String()),
			slog.String("error", err.Error()))
		return
	}

	switch p := dg.(type) {
	case AnnouncePacket:
		l.metrics.IncDatagrams(TypeAnnounce)
		l.logger.Debug("announce received",
			slog.String("server_id", p.ServerID),
			slog.String("url", p.ServerURL),
			slog.String("from", from.String()))
		l.handler.HandleAnnounce(p)
	case ShutdownPacket:
		l.metrics.IncDatagrams(TypeShutdown)
		l.logger.Debug("shutdown received",
			slog.String("server_id", p.ServerID),
			slog.String("from", from.String()))
		l.handler.HandleShutdown(p)
	}
}

// Close closes the underlying socket. Safe to call more than once.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		if err := l.conn.Close(); err != nil {
			l.closeErr = fmt.Errorf("close discovery listener: %w", err)
		}
	})
	return l.closeErr
}
