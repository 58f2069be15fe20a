package tunnel

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/apivpn/apivpn-core/internal/model"
)

// OutboundTransport is how the proxy outbound reaches its server.
type OutboundTransport string

const (
	OutboundTCP       OutboundTransport = "tcp"
	OutboundWebSocket OutboundTransport = "ws"
)

// ErrNoProxyOutbound is returned when a server config has no usable proxy.
var ErrNoProxyOutbound = errors.New("server config has no socks outbound")

// OutboundSpec describes how to reach the proxy server.
type OutboundSpec struct {
	Address   string
	Port      uint16
	Username  string
	Password  string
	Transport OutboundTransport

	// WebSocket settings.
	Path       string
	Host       string
	TLS        bool
	ServerName string
}

// Endpoint returns host:port of the proxy server.
func (o OutboundSpec) Endpoint() string {
	return net.JoinHostPort(o.Address, strconv.Itoa(int(o.Port)))
}

// ServerConfig is the parsed part of a server config that the tunnel uses.
type ServerConfig struct {
	Proxy OutboundSpec
	Rules []Rule
}

// privateRanges backs the geoip:private shorthand.
var privateRanges = []string{
	"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8",
	"169.254.0.0/16", "172.16.0.0/12", "192.168.0.0/16", "224.0.0.0/4",
	"::1/128", "fc00::/7", "fe80::/10",
}

// ParseServerConfig extracts the proxy outbound and routing rules from a
// V2Ray-style config. Outbound tags of freedom outbounds route to Direct;
// every other tag routes to Proxy.
func ParseServerConfig(raw []byte) (*ServerConfig, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("server config is not valid JSON")
	}
	doc := gjson.ParseBytes(raw)

	directTags := map[string]bool{}
	var proxy *OutboundSpec
	var perr error

	doc.Get("outbounds").ForEach(func(_, ob gjson.Result) bool {
		switch ob.Get("protocol").String() {
		case "freedom":
			if tag := ob.Get("tag").String(); tag != "" {
				directTags[tag] = true
			}
		case "socks":
			if proxy != nil {
				return true
			}
			spec, err := parseSocksOutbound(ob)
			if err != nil {
				perr = err
				return false
			}
			proxy = spec
		}
		return true
	})
	if perr != nil {
		return nil, perr
	}
	if proxy == nil {
		return nil, ErrNoProxyOutbound
	}

	cfg := &ServerConfig{Proxy: *proxy}
	doc.Get("routing.rules").ForEach(func(_, rule gjson.Result) bool {
		target := model.OutboundProxy
		if directTags[rule.Get("outboundTag").String()] {
			target = model.OutboundDirect
		}
		cfg.Rules = append(cfg.Rules, convertRule(rule, target)...)
		return true
	})
	return cfg, nil
}

func parseSocksOutbound(ob gjson.Result) (*OutboundSpec, error) {
	server := ob.Get("settings.servers.0")
	if !server.Exists() {
		return nil, fmt.Errorf("socks outbound has no servers")
	}

	spec := &OutboundSpec{
		Address:   server.Get("address").String(),
		Transport: OutboundTCP,
	}
	port := server.Get("port").Int()
	if spec.Address == "" || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("socks outbound has invalid address %q port %d", spec.Address, port)
	}
	spec.Port = uint16(port)

	if user := server.Get("users.0"); user.Exists() {
		spec.Username = user.Get("user").String()
		spec.Password = user.Get("pass").String()
	}

	stream := ob.Get("streamSettings")
	switch network := stream.Get("network").String(); network {
	case "", "tcp":
	case "ws", "websocket":
		spec.Transport = OutboundWebSocket
		spec.Path = stream.Get("wsSettings.path").String()
		if spec.Path == "" {
			spec.Path = "/"
		}
		spec.Host = stream.Get("wsSettings.headers.Host").String()
	default:
		return nil, fmt.Errorf("unsupported stream network %q", network)
	}

	if stream.Get("security").String() == "tls" {
		spec.TLS = true
		spec.ServerName = stream.Get("tlsSettings.serverName").String()
	}
	return spec, nil
}

func convertRule(rule gjson.Result, target model.OutboundTag) []Rule {
	var rules []Rule
	add := func(kind MatchKind, value string) {
		r, err := NewRule(kind, value, target)
		if err != nil {
			slog.Debug("Skipping routing rule", "value", value, "error", err)
			return
		}
		rules = append(rules, r)
	}

	rule.Get("domain").ForEach(func(_, v gjson.Result) bool {
		s := v.String()
		prefix, value, found := strings.Cut(s, ":")
		if !found {
			add(MatchDomainKeyword, s)
			return true
		}
		switch prefix {
		case "domain":
			add(MatchDomainSuffix, value)
		case "full":
			add(MatchDomain, value)
		case "keyword":
			add(MatchDomainKeyword, value)
		case "regexp":
			add(MatchDomainRegexp, value)
		default:
			slog.Debug("Skipping unsupported domain matcher", "value", s)
		}
		return true
	})

	rule.Get("ip").ForEach(func(_, v gjson.Result) bool {
		s := v.String()
		country, ok := strings.CutPrefix(s, "geoip:")
		switch {
		case ok && country == "private":
			for _, p := range privateRanges {
				add(MatchIPCIDR, p)
			}
		case ok:
			add(MatchGeoIP, country)
		default:
			add(MatchIPCIDR, s)
		}
		return true
	})
	return rules
}

