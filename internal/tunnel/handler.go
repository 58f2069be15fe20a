package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/apivpn/apivpn-core/internal/connlog"
	"github.com/apivpn/apivpn-core/internal/model"
	"github.com/apivpn/apivpn-core/internal/netutil"
	"github.com/apivpn/apivpn-core/internal/stats"
)

const (
	defaultUDPTimeout = 60 * time.Second
	dnsQueryTimeout   = 5 * time.Second
	maxDatagramSize   = 65535
)

// Handler routes flows from the userspace stack to an outbound and relays
// them with byte accounting.
type Handler struct {
	router    *Router
	outbounds Outbounds
	counters  *stats.Counters
	recorder  connlog.Recorder
	domains   *DomainCache

	udpTimeout time.Duration
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Router    *Router
	Outbounds Outbounds
	Counters  *stats.Counters
	Recorder  connlog.Recorder
	Domains   *DomainCache

	// UDPTimeout closes idle datagram flows. Defaults to 60s.
	UDPTimeout time.Duration
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Router == nil {
		cfg.Router = NewRouter(nil, nil, nil)
	}
	if cfg.Counters == nil {
		cfg.Counters = stats.NewCounters()
	}
	if cfg.Domains == nil {
		cfg.Domains = NewDomainCache()
	}
	if cfg.UDPTimeout <= 0 {
		cfg.UDPTimeout = defaultUDPTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		router:     cfg.Router,
		outbounds:  cfg.Outbounds,
		counters:   cfg.Counters,
		recorder:   cfg.Recorder,
		domains:    cfg.Domains,
		udpTimeout: cfg.UDPTimeout,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
	}
}

// flow is one connection accepted from the stack.
type flow struct {
	start    time.Time
	dst      netip.AddrPort
	host     string
	protocol model.Protocol
	tag      model.OutboundTag
	rule     model.RuleType
}

func (h *Handler) newFlow(dst netip.AddrPort, protocol model.Protocol) *flow {
	host, _ := h.domains.Lookup(dst.Addr())
	tag, rule := h.router.Route(host, dst.Addr())
	return &flow{
		start:    h.now(),
		dst:      dst,
		host:     host,
		protocol: protocol,
		tag:      tag,
		rule:     rule,
	}
}

// target is the address handed to the outbound. Proxied flows with a known
// name are resolved by the proxy.
func (f *flow) target() string {
	if f.host != "" && f.tag == model.OutboundProxy {
		return net.JoinHostPort(f.host, strconv.Itoa(int(f.dst.Port())))
	}
	return f.dst.String()
}

func (h *Handler) dialer(tag model.OutboundTag) Dialer {
	if tag == model.OutboundDirect {
		return h.outbounds.Direct
	}
	return h.outbounds.Proxy
}

// HandleTCP relays a TCP connection addressed to dst. It returns when the
// connection is done.
func (h *Handler) HandleTCP(conn net.Conn, dst netip.AddrPort) {
	if !h.track(conn) {
		_ = conn.Close()
		return
	}
	defer h.untrack(conn)

	f := h.newFlow(dst, model.ProtocolTCP)
	remote, err := h.dial(f, "tcp")
	if err != nil {
		slog.Debug("TCP dial failed", "target", f.target(), "outbound", f.tag, "error", err)
		_ = conn.Close()
		return
	}
	if !h.track(remote) {
		_ = remote.Close()
		_ = conn.Close()
		return
	}
	defer h.untrack(remote)

	sent, recvd := netutil.Pipe(conn, h.counting(remote, f.tag))
	h.record(f, uint64(recvd), uint64(sent))
}

// HandleUDP relays a datagram flow addressed to dst. DNS queries are
// observed for the domain cache. Proxied DNS is carried over TCP through the
// proxy; other proxied datagrams are dropped.
func (h *Handler) HandleUDP(conn net.Conn, dst netip.AddrPort) {
	if !h.track(conn) {
		_ = conn.Close()
		return
	}
	defer h.untrack(conn)

	f := h.newFlow(dst, model.ProtocolUDP)
	isDNS := dst.Port() == dnsPort

	if f.tag == model.OutboundProxy {
		if !isDNS {
			slog.Debug("Dropping proxied UDP flow", "target", f.target())
			_ = conn.Close()
			return
		}
		sent, recvd := h.relayDNS(conn, f)
		h.record(f, recvd, sent)
		return
	}

	remote, err := h.dial(f, "udp")
	if err != nil {
		slog.Debug("UDP dial failed", "target", f.target(), "error", err)
		_ = conn.Close()
		return
	}
	if !h.track(remote) {
		_ = remote.Close()
		_ = conn.Close()
		return
	}
	defer h.untrack(remote)

	var upstream net.Conn = remote
	if isDNS {
		upstream = &dnsObserver{Conn: remote, domains: h.domains}
	}
	sent, recvd := netutil.Pipe(
		&netutil.IdleConn{Conn: conn, Timeout: h.udpTimeout},
		&netutil.IdleConn{Conn: h.counting(upstream, f.tag), Timeout: h.udpTimeout},
	)
	h.record(f, uint64(recvd), uint64(sent))
}

func (h *Handler) dial(f *flow, network string) (net.Conn, error) {
	d := h.dialer(f.tag)
	if d == nil {
		return nil, errors.New("outbound not configured")
	}
	ctx, cancel := context.WithTimeout(h.ctx, dialTimeout)
	defer cancel()
	return d.DialContext(ctx, network, f.target())
}

// relayDNS answers each query datagram from conn with a DNS-over-TCP
// exchange through the proxy.
func (h *Handler) relayDNS(conn net.Conn, f *flow) (sent, recvd uint64) {
	defer conn.Close()

	var upstream *dns.Conn
	defer func() {
		if upstream != nil {
			h.untrack(upstream.Conn)
			_ = upstream.Close()
		}
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(h.udpTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			return sent, recvd
		}

		query := new(dns.Msg)
		if err := query.Unpack(buf[:n]); err != nil {
			slog.Debug("Dropping malformed DNS query", "error", err)
			continue
		}

		if upstream == nil {
			c, err := h.dial(f, "tcp")
			if err != nil {
				slog.Debug("DNS upstream dial failed", "target", f.target(), "error", err)
				return sent, recvd
			}
			if !h.track(c) {
				_ = c.Close()
				return sent, recvd
			}
			upstream = &dns.Conn{Conn: c}
		}

		_ = upstream.SetDeadline(time.Now().Add(dnsQueryTimeout))
		if err := upstream.WriteMsg(query); err != nil {
			slog.Debug("DNS query failed", "error", err)
			return sent, recvd
		}
		sent += uint64(n)
		h.counters.AddSent(f.tag, uint64(n))

		resp, err := upstream.ReadMsg()
		if err != nil {
			slog.Debug("DNS response failed", "error", err)
			return sent, recvd
		}
		h.domains.ObserveMsg(resp)

		packed, err := resp.Pack()
		if err != nil {
			continue
		}
		recvd += uint64(len(packed))
		h.counters.AddRecvd(f.tag, uint64(len(packed)))
		if _, err := conn.Write(packed); err != nil {
			return sent, recvd
		}
	}
}

func (h *Handler) counting(c net.Conn, tag model.OutboundTag) net.Conn {
	return &netutil.CountingConn{
		Conn:    c,
		OnRead:  func(n int) { h.counters.AddRecvd(tag, uint64(n)) },
		OnWrite: func(n int) { h.counters.AddSent(tag, uint64(n)) },
	}
}

func (h *Handler) record(f *flow, recvd, sent uint64) {
	if h.recorder == nil {
		return
	}
	host := f.host
	if host == "" {
		host = f.dst.Addr().String()
	}
	h.recorder.Record(model.ConnectionRecord{
		Start:       f.start.Unix(),
		End:         h.now().Unix(),
		BytesRecvd:  recvd,
		BytesSent:   sent,
		Host:        host,
		Port:        f.dst.Port(),
		Protocol:    f.protocol,
		OutboundTag: f.tag,
		RuleType:    f.rule,
	})
}

func (h *Handler) track(c net.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(c net.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	h.wg.Done()
}

// Active returns the number of open connections, counting both sides.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close cancels pending dials, closes every open connection and waits for
// the relay loops to finish.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]net.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.cancel()
	for _, c := range conns {
		_ = c.Close()
	}
	h.wg.Wait()
}

// dnsObserver feeds every datagram read from a DNS server to the cache.
type dnsObserver struct {
	net.Conn
	domains *DomainCache
}

func (d *dnsObserver) Read(p []byte) (int, error) {
	n, err := d.Conn.Read(p)
	if n > 0 {
		d.domains.Observe(p[:n])
	}
	return n, err
}
