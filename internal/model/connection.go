package model

// Protocol is the transport protocol of a relayed connection.
type Protocol string

const (
	ProtocolTCP Protocol = "TCP"
	ProtocolUDP Protocol = "UDP"
)

// OutboundTag names the outbound that handled a connection.
type OutboundTag string

const (
	OutboundProxy  OutboundTag = "Proxy"
	OutboundDirect OutboundTag = "Direct"
)

// RuleType is the kind of routing rule that matched a connection.
type RuleType string

const (
	RuleNone   RuleType = "NONE"
	RuleIP     RuleType = "IP"
	RuleGeoIP  RuleType = "GEOIP"
	RuleDomain RuleType = "DOMAIN"
)

// ConnectionRecord is one line of the connection log. Start and End are
// unix timestamps in seconds.
type ConnectionRecord struct {
	Start       int64       `json:"start"`
	End         int64       `json:"end"`
	BytesRecvd  uint64      `json:"bytes_recvd"`
	BytesSent   uint64      `json:"bytes_sent"`
	Host        string      `json:"host"`
	Port        uint16      `json:"port"`
	Protocol    Protocol    `json:"protocol"`
	OutboundTag OutboundTag `json:"outbound_tag"`
	RuleType    RuleType    `json:"rule_type"`
}
