// Package metrics defines the Prometheus collectors exported by a mesh node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bitmesh"

// Metrics holds the node's collectors. Each node registers its own set so
// several nodes can share a process, as in tests.
type Metrics struct {
	Registry *prometheus.Registry

	PacketsReceived   *prometheus.CounterVec
	PacketsSent       *prometheus.CounterVec
	DecodeErrors      prometheus.Counter
	DroppedBytes      prometheus.Counter
	AssemblerResets   prometheus.Counter
	HandshakesTotal   *prometheus.CounterVec
	DecryptFailures   *prometheus.CounterVec
	SyncRequestsSent  prometheus.Counter
	ActiveLinks       prometheus.Gauge
	EstablishedPeers  prometheus.Gauge
	GossipPeers       prometheus.Gauge
	TopologyNodes     prometheus.Gauge
	DeliveryLatencyMs prometheus.Histogram
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		PacketsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "packets_received_total",
				Help:      "Decoded packets received, labeled by packet type.",
			},
			[]string{"type"},
		),
		PacketsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "packets_sent_total",
				Help:      "Packets written to links, labeled by packet type.",
			},
			[]string{"type"},
		),
		DecodeErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "decode_errors_total",
				Help:      "Frames that failed to decode.",
			},
		),
		DroppedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "resync_dropped_bytes_total",
				Help:      "Bytes discarded while resynchronizing link streams.",
			},
		),
		AssemblerResets: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "assembler_resets_total",
				Help:      "Link stream buffers discarded after an unrecoverable frame.",
			},
		),
		HandshakesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "noise",
				Name:      "handshakes_total",
				Help:      "Noise handshakes, labeled by outcome (initiated, established, failed).",
			},
			[]string{"outcome"},
		),
		DecryptFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "noise",
				Name:      "decrypt_failures_total",
				Help:      "Rejected ciphertexts, labeled by reason (auth, replay, other).",
			},
			[]string{"reason"},
		),
		SyncRequestsSent: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gossip",
				Name:      "sync_requests_sent_total",
				Help:      "Sync requests handed to links.",
			},
		),
		ActiveLinks: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "active_links",
				Help:      "Currently open links.",
			},
		),
		EstablishedPeers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "noise",
				Name:      "established_sessions",
				Help:      "Peers with an established session.",
			},
		),
		GossipPeers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gossip",
				Name:      "tracked_peers",
				Help:      "Peers tracked by the gossip engine.",
			},
		),
		TopologyNodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "topology",
				Name:      "nodes",
				Help:      "Peers present in the topology graph.",
			},
		),
		DeliveryLatencyMs: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "message_age_ms",
				Help:      "Age of received public messages relative to their sender timestamp.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}
}
