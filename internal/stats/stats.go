package stats

import (
	"sync/atomic"

	"github.com/apivpn/apivpn-core/internal/model"
)

// Totals is a point-in-time copy of the counters.
type Totals struct {
	ProxyRecvd    uint64
	ProxySent     uint64
	NonProxyRecvd uint64
	NonProxySent  uint64
}

// Counters holds the monotonic byte counters fed by the relay loops.
// All methods are safe for concurrent use and never block.
type Counters struct {
	proxyRecvd    atomic.Uint64
	proxySent     atomic.Uint64
	nonProxyRecvd atomic.Uint64
	nonProxySent  atomic.Uint64
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{}
}

// AddRecvd records n bytes received through the outbound tagged tag.
func (c *Counters) AddRecvd(tag model.OutboundTag, n uint64) {
	if tag == model.OutboundProxy {
		c.proxyRecvd.Add(n)
		return
	}
	c.nonProxyRecvd.Add(n)
}

// AddSent records n bytes sent through the outbound tagged tag.
func (c *Counters) AddSent(tag model.OutboundTag, n uint64) {
	if tag == model.OutboundProxy {
		c.proxySent.Add(n)
		return
	}
	c.nonProxySent.Add(n)
}

// Load returns the current totals.
func (c *Counters) Load() Totals {
	return Totals{
		ProxyRecvd:    c.proxyRecvd.Load(),
		ProxySent:     c.proxySent.Load(),
		NonProxyRecvd: c.nonProxyRecvd.Load(),
		NonProxySent:  c.nonProxySent.Load(),
	}
}

// Reset zeroes the counters. Only called on initialize.
func (c *Counters) Reset() {
	c.proxyRecvd.Store(0)
	c.proxySent.Store(0)
	c.nonProxyRecvd.Store(0)
	c.nonProxySent.Store(0)
}

// Statistics combines totals with per-second rates into the public snapshot.
func (t Totals) Statistics(rate Totals) model.GlobalStatistics {
	return model.GlobalStatistics{
		TotalProxyBytesRecvd:        t.ProxyRecvd,
		TotalProxyBytesSent:         t.ProxySent,
		ProxyBytesRecvdPerSecond:    rate.ProxyRecvd,
		ProxyBytesSentPerSecond:     rate.ProxySent,
		TotalNonProxyBytesRecvd:     t.NonProxyRecvd,
		TotalNonProxyBytesSent:      t.NonProxySent,
		NonProxyBytesRecvdPerSecond: rate.NonProxyRecvd,
		NonProxyBytesSentPerSecond:  rate.NonProxySent,
	}
}
