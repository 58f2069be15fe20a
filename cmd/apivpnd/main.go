// Package main provides the entry point for the apivpnd daemon.
//
// apivpnd runs as a systemd service and owns one engine session on behalf of
// unprivileged clients such as apivpnctl. Clients talk to it over a UNIX
// socket using newline-delimited JSON; the TUN descriptor for start travels
// as SCM_RIGHTS.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apivpn/apivpn-core/internal/control/handler"
	"github.com/apivpn/apivpn-core/internal/control/protocol"
	"github.com/apivpn/apivpn-core/internal/control/server"
	"github.com/apivpn/apivpn-core/internal/logging"
	"github.com/apivpn/apivpn-core/internal/reconnect"
	"github.com/apivpn/apivpn-core/internal/session"
	"github.com/apivpn/apivpn-core/internal/stats"
)

var (
	version = "dev"
)

func main() {
	socketPath := flag.String("socket", server.DefaultSocketPath, "Path to the UNIX socket")
	socketGroup := flag.String("group", server.DefaultSocketGroup, "Group allowed to use the socket, empty to keep the default")
	assetDir := flag.String("assets", "", "Directory holding geoip.mmdb (defaults to $ASSET_LOCATION)")
	reconnectAttempts := flag.Int("reconnect-attempts", reconnect.DefaultConfig().MaxAttempts, "Restarts tried after the tunnel fails, 0 to disable")
	reconnectDelay := flag.Duration("reconnect-delay", reconnect.DefaultConfig().Delay, "Delay before each restart")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address, e.g. 127.0.0.1:9464")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("apivpnd %s\n", version)
		os.Exit(0)
	}

	level := logging.LevelFromEnv()
	if *debug {
		level = logging.LevelDebug
	}
	logging.SetupWithOptions(logging.Options{
		Level:  level,
		Format: logging.FormatJSON,
		Output: os.Stdout,
	})

	slog.Info("Starting apivpnd", "version", version)

	sess := session.New(session.Options{AssetDir: *assetDir})

	// The handler subscribes to the session before the server exists.
	broadcaster := &safeBroadcaster{}
	h := handler.New(sess, broadcaster.Broadcast)
	h.EnableReconnect(reconnect.Config{MaxAttempts: *reconnectAttempts, Delay: *reconnectDelay})
	srv := server.NewServerWithGroup(*socketPath, *socketGroup, h.HandleRequest)
	broadcaster.SetServer(srv)

	if err := srv.Start(); err != nil {
		slog.Error("Failed to start server", "error", err)
		os.Exit(1)
	}

	var metrics *http.Server
	if *metricsAddr != "" {
		metrics = serveMetrics(*metricsAddr, sess.Collector())
	}

	notifySystemd("READY=1")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go watchdogLoop(ctx)

	<-ctx.Done()
	slog.Info("Received shutdown signal")

	notifySystemd("STOPPING=1")

	// Stop the tunnel before the socket goes away so clients see the
	// state change.
	h.Shutdown()
	if err := srv.Stop(); err != nil {
		slog.Warn("Failed to stop server", "error", err)
	}
	if metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Failed to stop metrics server", "error", err)
		}
		cancel()
	}
	sess.Close()

	slog.Info("Shutdown complete")
}

// serveMetrics exposes traffic counters on addr.
func serveMetrics(addr string, collector *stats.Collector) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(stats.NewMetricsCollector(collector))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}

// notifySystemd sends a notification to systemd.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}

	conn, err := syscall.Socket(syscall.AF_UNIX, syscall.SOCK_DGRAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		slog.Warn("Failed to create notify socket", "error", err)
		return
	}
	defer func() { _ = syscall.Close(conn) }()

	addr := &syscall.SockaddrUnix{Name: socketPath}
	if err := syscall.Sendto(conn, []byte(state), 0, addr); err != nil {
		slog.Warn("Failed to notify systemd", "error", err)
	}
}

// watchdogLoop pings the systemd watchdog at half its interval until ctx is done.
func watchdogLoop(ctx context.Context) {
	watchdogUsec := os.Getenv("WATCHDOG_USEC")
	if watchdogUsec == "" {
		return
	}

	usec, err := strconv.ParseInt(watchdogUsec, 10, 64)
	if err != nil || usec <= 0 {
		slog.Warn("Invalid WATCHDOG_USEC", "value", watchdogUsec)
		return
	}

	ticker := time.NewTicker(time.Duration(usec) * time.Microsecond / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			notifySystemd("WATCHDOG=1")
		}
	}
}

// safeBroadcaster forwards events to the server once it is set. The
// handler may emit events before the server exists.
type safeBroadcaster struct {
	mu  sync.RWMutex
	srv *server.Server
}

// SetServer sets the server for broadcasting.
func (b *safeBroadcaster) SetServer(srv *server.Server) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.srv = srv
}

// Broadcast sends an event to all connected clients.
func (b *safeBroadcaster) Broadcast(event *protocol.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.srv != nil {
		b.srv.Broadcast(event)
	}
}
