// Package metrics exposes Prometheus collectors for the proxy and the
// remote worker. Everything registers on the default registry and is
// served from the /metrics endpoint of whichever daemon imports it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent counts control messages placed on the channel,
	// labeled by message kind.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slurmlink_messages_sent_total",
		Help: "Control messages sent on the channel, by kind.",
	}, []string{"kind"})

	// MessagesReceived counts control messages delivered by Receive,
	// labeled by message kind. Redeliveries count again.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slurmlink_messages_received_total",
		Help: "Control messages received from the channel, by kind.",
	}, []string{"kind"})

	// MessagesAcked counts acknowledged messages.
	MessagesAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slurmlink_messages_acked_total",
		Help: "Control messages acknowledged and archived.",
	})

	// CacheHits counts payloads whose transfer was skipped because the
	// manifest already had the hash.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slurmlink_cache_hits_total",
		Help: "Cache lookups that skipped an upload, by payload class.",
	}, []string{"class"})

	// CacheMisses counts payloads that had to be uploaded.
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slurmlink_cache_misses_total",
		Help: "Cache lookups that required an upload, by payload class.",
	}, []string{"class"})

	// CacheEvictions counts entries removed by the LRU high-water
	// sweep or after corruption detection.
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slurmlink_cache_evictions_total",
		Help: "Cache entries evicted.",
	})

	// TasksByStatus tracks how many tasks sit in each lifecycle state
	// on the local proxy.
	TasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "slurmlink_tasks",
		Help: "Tasks currently in each lifecycle state.",
	}, []string{"status"})

	// ProtocolAnomalies counts discarded stale or conflicting status
	// messages. A nonzero rate is normal under redelivery; a spike
	// usually means a stuck consumer is replaying a backlog.
	ProtocolAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slurmlink_protocol_anomalies_total",
		Help: "Status messages discarded by the transition gate.",
	})
)
