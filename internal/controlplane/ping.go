package controlplane

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apivpn/apivpn-core/internal/model"
)

const (
	DefaultPingPort    = 443
	DefaultPingTimeout = 2 * time.Second
	DefaultPingWorkers = 16
)

// Prober fills in the Ping field of servers. It must not fail the whole call
// because of individual probe failures.
type Prober interface {
	Probe(ctx context.Context, servers []model.Server) []model.Server
}

// TCPProber measures the time to complete a TCP handshake with each server.
type TCPProber struct {
	port    int
	timeout time.Duration
	workers int
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewTCPProber creates a prober. Zero values select the defaults.
func NewTCPProber(port int, timeout time.Duration, workers int) *TCPProber {
	if port <= 0 {
		port = DefaultPingPort
	}
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	if workers <= 0 {
		workers = DefaultPingWorkers
	}
	return &TCPProber{
		port:    port,
		timeout: timeout,
		workers: workers,
		dial:    (&net.Dialer{}).DialContext,
	}
}

// Probe returns a copy of servers with Ping set for every reachable server.
func (p *TCPProber) Probe(ctx context.Context, servers []model.Server) []model.Server {
	out := make([]model.Server, len(servers))
	copy(out, servers)

	g := new(errgroup.Group)
	g.SetLimit(p.workers)

	for i := range out {
		i := i
		out[i].Ping = nil
		g.Go(func() error {
			if ms, ok := p.probeOne(ctx, out[i]); ok {
				out[i] = out[i].WithPing(ms)
			}
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (p *TCPProber) probeOne(ctx context.Context, s model.Server) (uint32, bool) {
	host := s.IP
	if host == "" {
		host = s.Hostname
	}
	if host == "" {
		return 0, false
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(p.port)))
	if err != nil {
		slog.Debug("Ping probe failed", "server", s.ID, "host", host, "error", err)
		return 0, false
	}
	elapsed := time.Since(start)
	_ = conn.Close()

	ms := uint32(elapsed / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms, true
}
