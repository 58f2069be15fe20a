package tunnel

import (
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"
)

const (
	dnsPort = 53

	minDomainTTL = time.Minute
	maxDomainTTL = time.Hour
)

// DomainCache maps addresses seen in DNS answers back to the queried name.
type DomainCache struct {
	entries *cache.Cache
}

// NewDomainCache creates an empty cache.
func NewDomainCache() *DomainCache {
	return &DomainCache{entries: cache.New(10*time.Minute, 5*time.Minute)}
}

// Observe records the A and AAAA answers of a wire-format DNS response.
// Anything that does not parse as a response is ignored.
func (d *DomainCache) Observe(packet []byte) {
	var msg dns.Msg
	if err := msg.Unpack(packet); err != nil {
		return
	}
	d.ObserveMsg(&msg)
}

// ObserveMsg records the answers of msg.
func (d *DomainCache) ObserveMsg(msg *dns.Msg) {
	if !msg.Response || len(msg.Question) == 0 {
		return
	}
	name := normalizeDomain(msg.Question[0].Name)
	if name == "" {
		return
	}

	for _, rr := range msg.Answer {
		var ip netip.Addr
		switch v := rr.(type) {
		case *dns.A:
			ip, _ = netip.AddrFromSlice(v.A.To4())
		case *dns.AAAA:
			ip, _ = netip.AddrFromSlice(v.AAAA.To16())
		default:
			continue
		}
		if !ip.IsValid() {
			continue
		}
		d.entries.Set(ip.Unmap().String(), name, clampTTL(rr.Header().Ttl))
	}
}

// Lookup returns the domain last resolved to ip.
func (d *DomainCache) Lookup(ip netip.Addr) (string, bool) {
	if !ip.IsValid() {
		return "", false
	}
	v, ok := d.entries.Get(ip.Unmap().String())
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Len returns the number of cached addresses.
func (d *DomainCache) Len() int {
	return d.entries.ItemCount()
}

// Flush drops every entry.
func (d *DomainCache) Flush() {
	d.entries.Flush()
}

func normalizeDomain(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

func clampTTL(ttl uint32) time.Duration {
	d := time.Duration(ttl) * time.Second
	if d < minDomainTTL {
		return minDomainTTL
	}
	if d > maxDomainTTL {
		return maxDomainTTL
	}
	return d
}
