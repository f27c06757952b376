// Package metrics exposes the stack's operational counters as Prometheus
// metrics, grounded in the pack's own sockstats exporter (a custom
// prometheus.Collector holding a mutex-guarded connection table); this
// core's load is lighter, so plain promauto counters/gauges updated from
// the demux and engine packages suffice in place of a pull-time Collect.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every exported series. The zero value is not usable;
// construct with New.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	BytesIn           prometheus.Counter
	BytesOut          prometheus.Counter
	Retransmits       prometheus.Counter
	SegmentsRejected  prometheus.Counter
	SRTT              prometheus.Gauge
	SynsAccepted      prometheus.Counter
	SynsRateLimited   prometheus.Counter
}

// New registers the stack's metrics with reg under the "tuntcp" namespace.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tuntcp",
			Name:      "active_connections",
			Help:      "Connections currently tracked by the demultiplexer.",
		}),
		BytesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tuntcp",
			Name:      "bytes_in_total",
			Help:      "Payload bytes delivered to the receive buffer.",
		}),
		BytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tuntcp",
			Name:      "bytes_out_total",
			Help:      "Payload bytes transmitted, retransmissions included.",
		}),
		Retransmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tuntcp",
			Name:      "retransmits_total",
			Help:      "Segments resent after the retransmission timer elapsed.",
		}),
		SegmentsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tuntcp",
			Name:      "segments_rejected_total",
			Help:      "Inbound segments that failed the RFC 793 acceptability test.",
		}),
		SRTT: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tuntcp",
			Name:      "srtt_seconds",
			Help:      "Most recently observed smoothed round-trip time, per connection sampled.",
		}),
		SynsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tuntcp",
			Name:      "syns_accepted_total",
			Help:      "Inbound SYNs that spawned a new connection.",
		}),
		SynsRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tuntcp",
			Name:      "syns_rate_limited_total",
			Help:      "Inbound SYNs dropped by the per-port accept rate limiter.",
		}),
	}
}

// ObserveSRTT records rtt as the latest sample, converting to the
// fractional-seconds convention Prometheus histograms/gauges use for
// durations.
func (m *Metrics) ObserveSRTT(rtt time.Duration) {
	m.SRTT.Set(rtt.Seconds())
}
