package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/apivpn/apivpn-core/internal/model"
)

const metricsNamespace = "apivpn"

var (
	bytesTotalDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "bytes_total"),
		"Bytes relayed since initialize, by outbound and direction.",
		[]string{"outbound", "direction"}, nil,
	)
	bytesRateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "bytes_per_second"),
		"Relay throughput over the last sampling interval, by outbound and direction.",
		[]string{"outbound", "direction"}, nil,
	)
)

// MetricsCollector exposes a Collector's snapshots as Prometheus metrics.
type MetricsCollector struct {
	source interface {
		Snapshot() model.GlobalStatistics
	}
}

// NewMetricsCollector returns a prometheus.Collector reading from c.
func NewMetricsCollector(c *Collector) *MetricsCollector {
	return &MetricsCollector{source: c}
}

// Describe implements prometheus.Collector.
func (m *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- bytesTotalDesc
	ch <- bytesRateDesc
}

// Collect implements prometheus.Collector.
func (m *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	s := m.source.Snapshot()

	emit := func(desc *prometheus.Desc, kind prometheus.ValueType, v uint64, outbound, direction string) {
		ch <- prometheus.MustNewConstMetric(desc, kind, float64(v), outbound, direction)
	}

	emit(bytesTotalDesc, prometheus.CounterValue, s.TotalProxyBytesRecvd, "proxy", "recvd")
	emit(bytesTotalDesc, prometheus.CounterValue, s.TotalProxyBytesSent, "proxy", "sent")
	emit(bytesTotalDesc, prometheus.CounterValue, s.TotalNonProxyBytesRecvd, "direct", "recvd")
	emit(bytesTotalDesc, prometheus.CounterValue, s.TotalNonProxyBytesSent, "direct", "sent")

	emit(bytesRateDesc, prometheus.GaugeValue, s.ProxyBytesRecvdPerSecond, "proxy", "recvd")
	emit(bytesRateDesc, prometheus.GaugeValue, s.ProxyBytesSentPerSecond, "proxy", "sent")
	emit(bytesRateDesc, prometheus.GaugeValue, s.NonProxyBytesRecvdPerSecond, "direct", "recvd")
	emit(bytesRateDesc, prometheus.GaugeValue, s.NonProxyBytesSentPerSecond, "direct", "sent")
}
