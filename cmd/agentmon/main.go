// Agentmon daemon -- aggregates coding-assistant backend servers on the
// local machine into one live view of servers and sessions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/agentmon/internal/backend"
	"github.com/dantte-lp/agentmon/internal/config"
	"github.com/dantte-lp/agentmon/internal/discovery"
	monmetrics "github.com/dantte-lp/agentmon/internal/metrics"
	"github.com/dantte-lp/agentmon/internal/monitor"
	appversion "github.com/dantte-lp/agentmon/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	logLevelFlag := flag.String("log-level", "", "override log level (debug, info, warn, error)")
	logFormatFlag := flag.String("log-format", "", "override log format (text, json, console)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("agentmon " + appversion.Version)
		return 0
	}

	// 2. A .env file in the working directory feeds the MONITOR_*
	// environment overrides before the config loads.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not load .env file, continuing with existing environment",
			slog.String("error", err.Error()),
		)
	}

	// 3. Load config.
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}
	if *logLevelFlag != "" {
		cfg.Log.Level = *logLevelFlag
	}
	if *logFormatFlag != "" {
		cfg.Log.Format = *logFormatFlag
	}

	// 4. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("agentmon starting",
		slog.String("version", appversion.Version),
		slog.Int("discovery_port", cfg.Port),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 5. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := monmetrics.NewCollector(reg)

	// 6. Create the registry and coordinator with metrics wired in.
	registry := monitor.NewRegistry(logger,
		monitor.WithRegistryMetrics(collector),
		monitor.WithLongRunningAfter(cfg.LongRunning),
	)
	defer registry.Close()

	factory := func(baseURL string) (monitor.Client, error) {
		client, err := backend.New(baseURL, logger,
			backend.WithRequestTimeout(cfg.RequestTimeout))
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	coord := monitor.NewCoordinator(monitor.CoordinatorConfig{
		StaleTimeout:    cfg.StaleTimeout,
		RefreshInterval: cfg.Refresh,
		StreamRetries:   cfg.MaxStreamRetries,
	}, registry, factory, logger,
		monitor.WithCoordinatorMetrics(collector),
	)

	// 7. Run the daemon.
	if err := runDaemon(cfg, coord, collector, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("agentmon exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("agentmon stopped")
	return 0
}

// runDaemon wires the discovery listener, the coordinator, the metrics
// endpoint, and the daemon plumbing into an errgroup with a
// signal-aware context for graceful shutdown.
func runDaemon(
	cfg *config.Config,
	coord *monitor.Coordinator,
	collector *monmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	listener, err := discovery.NewListener(
		discovery.ListenerConfig{Port: cfg.Port},
		discoveryBridge{coord: coord},
		logger,
		discovery.WithListenerMetrics(collector),
	)
	if err != nil {
		return fmt.Errorf("create discovery listener: %w", err)
	}
	defer func() { _ = listener.Close() }()

	// errgroup with signal-aware context.
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return listener.Run(gCtx)
	})

	g.Go(func() error {
		return coord.Run(gCtx)
	})

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv = newMetricsServer(cfg.Metrics, reg)
		lc := net.ListenConfig{}
		g.Go(func() error {
			logger.Info("metrics server listening",
				slog.String("addr", cfg.Metrics.Addr),
				slog.String("path", cfg.Metrics.Path),
			)
			return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
		})
	}

	if cfg.Notifications {
		sub, err := coord.Subscribe()
		if err != nil {
			return fmt.Errorf("subscribe to notifications: %w", err)
		}
		g.Go(func() error {
			runPresenter(sub, logger)
			return nil
		})
	}

	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation. The
	// coordinator handles its own teardown order on the same context;
	// only the metrics server needs an explicit drain.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Discovery Bridge — datagrams to coordinator observations
// -------------------------------------------------------------------------

// discoveryBridge adapts validated discovery datagrams onto the
// coordinator's observation API.
type discoveryBridge struct {
	coord *monitor.Coordinator
}

func (b discoveryBridge) HandleAnnounce(p discovery.AnnouncePacket) {
	b.coord.ObserveAnnounce(monitor.Announce{
		ServerID:  p.ServerID,
		URL:       p.ServerURL,
		Name:      p.ServerName,
		Project:   p.Project,
		Branch:    p.Branch,
		Version:   p.Version,
		Timestamp: p.Time(),
	})
}

func (b discoveryBridge) HandleShutdown(p discovery.ShutdownPacket) {
	b.coord.ObserveShutdown(p.ServerID)
}

// -------------------------------------------------------------------------
// Notification Presenter — registry changes as log lines
// -------------------------------------------------------------------------

// runPresenter logs registry change notifications until the subscriber
// channel closes during registry shutdown.
func runPresenter(sub *monitor.Subscription, logger *slog.Logger) {
	plog := logger.With(slog.String("component", "presenter"))
	for n := range sub.Notifications() {
		logNotification(plog, n)
	}
}

func logNotification(logger *slog.Logger, n monitor.Notification) {
	switch n.Kind {
	case monitor.ServerDiscovered:
		logger.Info("server discovered",
			slog.String("server_id", n.ServerID),
			slog.String("name", n.Server.Name),
			slog.String("url", n.Server.URL),
		)
	case monitor.ServerUpdated:
		logger.Info("server updated",
			slog.String("server_id", n.ServerID),
			slog.Bool("healthy", n.Server.Healthy),
		)
	case monitor.ServerRemoved:
		logger.Info("server removed",
			slog.String("server_id", n.ServerID),
			slog.String("reason", n.Reason),
		)
	case monitor.SessionAdded:
		logger.Info("session added",
			slog.String("session_id", n.SessionID),
			slog.String("server_id", n.ServerID),
			slog.String("status", string(n.Session.Status)),
		)
	case monitor.SessionUpdated:
		// Permission waits are the one update a human must act on.
		if n.Session.Status == monitor.StatusWaitingForPermission {
			logger.Warn("session waiting for permission",
				slog.String("session_id", n.SessionID),
				slog.String("server_id", n.ServerID),
			)
			return
		}
		logger.Debug("session updated",
			slog.String("session_id", n.SessionID),
			slog.String("status", string(n.Session.Status)),
		)
	case monitor.SessionRemoved:
		logger.Info("session removed",
			slog.String("session_id", n.SessionID),
			slog.String("server_id", n.ServerID),
		)
	case monitor.BacklogDropped:
		logger.Warn("notification backlog dropped",
			slog.Uint64("count", n.Count),
		)
	case monitor.AggregatorError:
		logger.Error("aggregator error",
			slog.String("server_id", n.ServerID),
			slog.Any("error", n.Err),
		)
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd documentation.
// If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — dynamic log level
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// Blocks until the context is cancelled (graceful shutdown).
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

// reloadConfig re-reads the configuration and applies the log level via
// the shared LevelVar. The remaining settings are wired into running
// components at startup and keep their values until restart. Reload
// errors keep the previous configuration in effect.
func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd and drains the HTTP servers. Nil
// servers (metrics disabled) are skipped.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig (for noctx
// compliance) and serves HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload. The console format
// colorizes output when stdout is a terminal.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "console":
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
			TimeFormat: time.Kitchen,
			Level:      level,
		})
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
