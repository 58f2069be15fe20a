package tunnel

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/apivpn/apivpn-core/internal/model"
)

// MatchKind selects how a rule value is compared.
type MatchKind string

const (
	MatchDomain        MatchKind = "DOMAIN"
	MatchDomainSuffix  MatchKind = "DOMAIN-SUFFIX"
	MatchDomainKeyword MatchKind = "DOMAIN-KEYWORD"
	MatchDomainRegexp  MatchKind = "DOMAIN-REGEXP"
	MatchIPCIDR        MatchKind = "IP-CIDR"
	MatchGeoIP         MatchKind = "GEOIP"
	MatchFinal         MatchKind = "FINAL"
)

// Rule routes matching flows to an outbound.
type Rule struct {
	Kind     MatchKind
	Value    string
	Outbound model.OutboundTag

	prefix netip.Prefix
	re     *regexp.Regexp
}

// NewRule validates and compiles a rule.
func NewRule(kind MatchKind, value string, outbound model.OutboundTag) (Rule, error) {
	r := Rule{Kind: kind, Value: strings.TrimSpace(value), Outbound: outbound}

	switch kind {
	case MatchDomain, MatchDomainSuffix, MatchDomainKeyword:
		r.Value = strings.ToLower(strings.TrimSuffix(r.Value, "."))
		if r.Value == "" {
			return Rule{}, fmt.Errorf("%s rule needs a value", kind)
		}
	case MatchDomainRegexp:
		re, err := regexp.Compile(r.Value)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid regexp %q: %w", r.Value, err)
		}
		r.re = re
	case MatchIPCIDR:
		prefix, err := parsePrefix(r.Value)
		if err != nil {
			return Rule{}, err
		}
		r.prefix = prefix
	case MatchGeoIP:
		r.Value = strings.ToUpper(r.Value)
		if r.Value == "" {
			return Rule{}, fmt.Errorf("GEOIP rule needs a country code")
		}
	case MatchFinal:
		r.Value = ""
	default:
		return Rule{}, fmt.Errorf("unknown rule type %q", kind)
	}
	return r, nil
}

// Type reports the rule type recorded in the connection log.
func (r Rule) Type() model.RuleType {
	switch r.Kind {
	case MatchDomain, MatchDomainSuffix, MatchDomainKeyword, MatchDomainRegexp:
		return model.RuleDomain
	case MatchIPCIDR:
		return model.RuleIP
	case MatchGeoIP:
		return model.RuleGeoIP
	default:
		return model.RuleNone
	}
}

func (r Rule) matches(host string, ip netip.Addr, geo CountryLookup) bool {
	switch r.Kind {
	case MatchDomain:
		return host != "" && host == r.Value
	case MatchDomainSuffix:
		return host != "" && (host == r.Value || strings.HasSuffix(host, "."+r.Value))
	case MatchDomainKeyword:
		return host != "" && strings.Contains(host, r.Value)
	case MatchDomainRegexp:
		return host != "" && r.re.MatchString(host)
	case MatchIPCIDR:
		return ip.IsValid() && r.prefix.Contains(ip.Unmap())
	case MatchGeoIP:
		if !ip.IsValid() || geo == nil {
			return false
		}
		country, ok := geo.Country(ip)
		return ok && country == r.Value
	case MatchFinal:
		return true
	}
	return false
}

// ParseAltRules parses host-supplied rules. Entries are separated by
// newlines or semicolons and have the form TYPE,VALUE,OUTBOUND, or
// FINAL,OUTBOUND. Blank entries and lines starting with # are ignored.
func ParseAltRules(s string) ([]Rule, error) {
	var rules []Rule
	for _, line := range strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == ';' }) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		kind := MatchKind(strings.ToUpper(parts[0]))
		var value, target string
		switch {
		case kind == MatchFinal && len(parts) == 2:
			target = parts[1]
		case len(parts) == 3:
			value, target = parts[1], parts[2]
		default:
			return nil, fmt.Errorf("malformed rule %q", line)
		}

		outbound, err := parseOutboundTag(target)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", line, err)
		}
		rule, err := NewRule(kind, value, outbound)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", line, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseOutboundTag(s string) (model.OutboundTag, error) {
	switch strings.ToLower(s) {
	case "proxy":
		return model.OutboundProxy, nil
	case "direct":
		return model.OutboundDirect, nil
	default:
		return "", fmt.Errorf("unknown outbound %q", s)
	}
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid IP %q: %w", s, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Router picks the outbound for a flow. The first matching rule wins.
type Router struct {
	rules []Rule
	geo   CountryLookup
}

// NewRouter creates a router. alt rules are evaluated before config rules.
func NewRouter(alt, config []Rule, geo CountryLookup) *Router {
	rules := make([]Rule, 0, len(alt)+len(config))
	rules = append(rules, alt...)
	rules = append(rules, config...)
	return &Router{rules: rules, geo: geo}
}

// Route returns the outbound and the type of the matching rule. host may be
// empty when the destination name is unknown. Unmatched flows use the proxy.
func (r *Router) Route(host string, ip netip.Addr) (model.OutboundTag, model.RuleType) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, rule := range r.rules {
		if rule.matches(host, ip, r.geo) {
			return rule.Outbound, rule.Type()
		}
	}
	return model.OutboundProxy, model.RuleNone
}

// Len returns the number of rules.
func (r *Router) Len() int {
	return len(r.rules)
}
