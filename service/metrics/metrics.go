package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatgate_connections_active",
		Help: "Currently established websocket connections on this node.",
	})

	MessagesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgate_messages_in_total",
		Help: "Inbound chat messages accepted.",
	})

	MessagesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgate_messages_out_total",
		Help: "Events delivered to local sockets.",
	})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgate_rate_limited_total",
		Help: "Admission checks rejected, by action.",
	}, []string{"action"})

	Duplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgate_duplicate_submissions_total",
		Help: "Submissions collapsed by the deduplicator.",
	})

	RedeliveriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgate_redeliveries_dropped_total",
		Help: "Fanout redeliveries suppressed by per-socket sequence dedup.",
	})
)
