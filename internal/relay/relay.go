// Package relay runs the lightweight local SOCKS5 relay (the "TON proxy").
//
// The relay listens on loopback and forwards CONNECT requests either directly
// or through an upstream SOCKS5 proxy. It is independent of the VPN session.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/txthinking/socks5"
	"golang.org/x/net/proxy"
)

const (
	// DefaultListenHost is the only interface the relay binds to.
	DefaultListenHost = "127.0.0.1"

	dialTimeout    = 10 * time.Second
	tcpIdleTimeout = 60 // seconds
	udpIdleTimeout = 60 // seconds
	readyTimeout   = 2 * time.Second
)

// ErrInvalidUpstream is returned by SetUpstream for unusable addresses.
var ErrInvalidUpstream = errors.New("invalid relay upstream")

// Relay is safe for concurrent use. The zero value is not usable; use New.
type Relay struct {
	listenHost string

	mu       sync.Mutex
	server   *socks5.Server
	port     uint16
	upstream *url.URL
	stopped  chan struct{}

	active atomic.Int64
	total  atomic.Int64
}

// New creates a stopped relay.
func New() *Relay {
	return &Relay{listenHost: DefaultListenHost}
}

// SetUpstream sets the proxy new connections are forwarded through.
// Accepts "host:port" or "socks5://[user:pass@]host:port"; empty clears it.
func (r *Relay) SetUpstream(addr string) error {
	u, err := parseUpstream(addr)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.upstream = u
	r.mu.Unlock()

	slog.Info("Relay upstream updated", "upstream", redact(u))
	return nil
}

// Upstream returns the configured upstream, or "" when connecting directly.
func (r *Relay) Upstream() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upstream == nil {
		return ""
	}
	return r.upstream.String()
}

// Start begins listening on an ephemeral loopback port. Starting a running
// relay is a no-op.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.server != nil {
		return nil
	}

	port, err := freePort(r.listenHost)
	if err != nil {
		return fmt.Errorf("reserve relay port: %w", err)
	}
	addr := net.JoinHostPort(r.listenHost, strconv.Itoa(port))

	server, err := socks5.NewClassicServer(addr, r.listenHost, "", "", tcpIdleTimeout, udpIdleTimeout)
	if err != nil {
		return fmt.Errorf("create relay server: %w", err)
	}

	stopped := make(chan struct{})
	serveErr := make(chan error, 1)
	go func() {
		defer close(stopped)
		serveErr <- server.ListenAndServe(&handler{relay: r})
	}()

	if err := waitListening(addr, serveErr); err != nil {
		_ = server.Shutdown()
		return fmt.Errorf("start relay: %w", err)
	}

	r.server = server
	r.port = uint16(port)
	r.stopped = stopped

	slog.Info("Relay started", "addr", addr)
	return nil
}

// Stop closes the listener. Established connections finish on their own.
func (r *Relay) Stop() {
	r.mu.Lock()
	server := r.server
	stopped := r.stopped
	r.server = nil
	r.port = 0
	r.stopped = nil
	r.mu.Unlock()

	if server == nil {
		return
	}
	if err := server.Shutdown(); err != nil {
		slog.Debug("Relay shutdown", "error", err)
	}
	select {
	case <-stopped:
	case <-time.After(readyTimeout):
		slog.Warn("Relay listener did not exit in time")
	}
	slog.Info("Relay stopped")
}

// Port returns the listening port, or 0 when the relay is not running.
func (r *Relay) Port() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port
}

// ProxyURL returns the socks5 URL of the running relay, or nil.
func (r *Relay) ProxyURL() *url.URL {
	port := r.Port()
	if port == 0 {
		return nil
	}
	return &url.URL{Scheme: "socks5", Host: net.JoinHostPort(r.listenHost, strconv.Itoa(int(port)))}
}

// Active returns the number of connections currently relayed.
func (r *Relay) Active() int64 {
	return r.active.Load()
}

// Total returns the number of connections accepted since creation.
func (r *Relay) Total() int64 {
	return r.total.Load()
}

// dialer returns the dialer for a new outbound connection.
func (r *Relay) dialer() (proxy.ContextDialer, error) {
	r.mu.Lock()
	upstream := r.upstream
	r.mu.Unlock()

	if upstream == nil {
		return proxy.Direct, nil
	}
	d, err := proxy.FromURL(upstream, proxy.Direct)
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("upstream dialer for %s does not support contexts", upstream.Scheme)
	}
	return cd, nil
}

func parseUpstream(addr string) (*url.URL, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, nil
	}
	if !strings.Contains(addr, "://") {
		addr = "socks5://" + addr
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpstream, err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidUpstream, u.Scheme)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil || host == "" {
		return nil, fmt.Errorf("%w: address must be host:port", ErrInvalidUpstream)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return nil, fmt.Errorf("%w: invalid port %q", ErrInvalidUpstream, port)
	}
	return u, nil
}

func redact(u *url.URL) string {
	if u == nil {
		return "direct"
	}
	return u.Redacted()
}

func freePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// waitListening polls addr until it accepts connections or the server exits.
func waitListening(addr string, serveErr <-chan error) error {
	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-serveErr:
			if err == nil {
				err = errors.New("listener exited")
			}
			return err
		case <-ctx.Done():
			return fmt.Errorf("relay not listening on %s", addr)
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
			if err == nil {
				_ = conn.Close()
				return nil
			}
		}
	}
}
