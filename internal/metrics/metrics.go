// Package metrics defines the prometheus collectors shared by the hub and
// the reliable-UDP engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chathub_build_info",
			Help: "Build information of the chat hub",
		},
		[]string{"version", "commit", "date"},
	)

	FramesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chathub_frames_received_total",
		Help: "Total number of decoded frames received, by kind and transport",
	}, []string{"transport", "kind"})

	FramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chathub_frames_dropped_total",
		Help: "Total number of frames dropped before dispatch",
	}, []string{"reason"})

	BytesRelayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chathub_bytes_relayed_total",
		Help: "Total payload bytes fanned out to UDP peers",
	})

	ConnectedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chathub_connected_users",
		Help: "Number of currently registered sessions",
	})

	FanoutTargets = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chathub_fanout_targets",
		Help:    "Number of UDP peers per fan-out",
		Buckets: prometheus.LinearBuckets(0, 5, 10),
	})

	ReliableSendRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chathub_reliable_send_retries_total",
		Help: "Total number of reliable-UDP retransmissions",
	})

	ReliableSendFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chathub_reliable_send_failures_total",
		Help: "Total number of reliable-UDP sends abandoned after max retries",
	})

	ReliableSendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chathub_reliable_send_duration_seconds",
		Help:    "Time from enqueue to acknowledgement for reliable-UDP sends",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 13), // ≈ 1ms .. 4s
	})

	TopologyNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chathub_topology_nodes",
		Help: "Number of nodes in the topology at the last snapshot",
	})
)
