// Package metrics holds the prometheus collectors shared by the sync engine
// and the relay. Everything is registered on a private registry so tests and
// multiple sessions in one process never collide with the default one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var Registry = prometheus.NewRegistry()

var (
	Writes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boardsync",
		Name:      "writes_total",
		Help:      "Outbound durable write operations by op and result.",
	}, []string{"op", "result"})

	WriteRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boardsync",
		Name:      "write_retries_total",
		Help:      "Retried outbound write attempts.",
	})

	FeedBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boardsync",
		Name:      "feed_batches_total",
		Help:      "Durable change batches received.",
	})

	FeedChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boardsync",
		Name:      "feed_changes_total",
		Help:      "Durable changes by outcome (applied, parked, skipped, noop).",
	}, []string{"outcome"})

	FramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boardsync",
		Name:      "ephemeral_frames_sent_total",
		Help:      "Ephemeral frames broadcast.",
	})

	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boardsync",
		Name:      "ephemeral_frames_dropped_total",
		Help:      "Ephemeral frames or entries discarded by reason.",
	}, []string{"reason"})

	HoldsFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boardsync",
		Name:      "hold_flushed_changes_total",
		Help:      "Parked durable changes released by expiry or clear.",
	})

	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "boardsync",
		Name:      "relay_connections",
		Help:      "Open relay websocket connections.",
	})

	RelayBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boardsync",
		Name:      "relay_bytes_total",
		Help:      "Bytes moved by the relay by direction.",
	}, []string{"direction"})
)

func init() {
	Registry.MustRegister(
		Writes,
		WriteRetries,
		FeedBatches,
		FeedChanges,
		FramesSent,
		FramesDropped,
		HoldsFlushed,
		RelayConnections,
		RelayBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
