package model

// GlobalStatistics is a snapshot of the byte counters of the engine.
// Totals never decrease within a session.
type GlobalStatistics struct {
	TotalProxyBytesRecvd        uint64 `json:"total_proxy_bytes_recvd"`
	TotalProxyBytesSent         uint64 `json:"total_proxy_bytes_sent"`
	ProxyBytesRecvdPerSecond    uint64 `json:"proxy_bytes_recvd_per_second"`
	ProxyBytesSentPerSecond     uint64 `json:"proxy_bytes_sent_per_second"`
	TotalNonProxyBytesRecvd     uint64 `json:"total_nonproxy_bytes_recvd"`
	TotalNonProxyBytesSent      uint64 `json:"total_nonproxy_bytes_sent"`
	NonProxyBytesRecvdPerSecond uint64 `json:"nonproxy_bytes_recvd_per_second"`
	NonProxyBytesSentPerSecond  uint64 `json:"nonproxy_bytes_sent_per_second"`
}

// TotalRecvd returns all bytes received regardless of outbound.
func (g GlobalStatistics) TotalRecvd() uint64 {
	return g.TotalProxyBytesRecvd + g.TotalNonProxyBytesRecvd
}

// TotalSent returns all bytes sent regardless of outbound.
func (g GlobalStatistics) TotalSent() uint64 {
	return g.TotalProxyBytesSent + g.TotalNonProxyBytesSent
}
