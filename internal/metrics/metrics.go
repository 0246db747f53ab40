// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	OpenRooms      prometheus.Gauge
	ConnectedPeers prometheus.Gauge
	InboundTotal   *prometheus.CounterVec
	BroadcastTotal prometheus.Counter
	DroppedFrames  prometheus.Counter
}

// New registers the relay collectors with reg. Pass a fresh registry in
// tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OpenRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncroom",
			Name:      "open_rooms",
			Help:      "Number of live room actors",
		}),
		ConnectedPeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncroom",
			Name:      "connected_peers",
			Help:      "Number of connected WebSocket peers across all rooms",
		}),
		InboundTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncroom",
			Name:      "inbound_messages_total",
			Help:      "Inbound client messages by protocol type",
		}, []string{"type"}),
		BroadcastTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "syncroom",
			Name:      "broadcast_frames_total",
			Help:      "Frames fanned out to peers",
		}),
		DroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "syncroom",
			Name:      "dropped_frames_total",
			Help:      "Outbound frames dropped because a peer send queue was full",
		}),
	}
}

// Nop returns collectors bound to a throwaway registry, for callers that do
// not care about scraping (tests, the client library).
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
