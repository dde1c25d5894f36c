// Package metrics provides Prometheus instrumentation for the relay.
// The offline queue depth gauge backs the UI's pending-count indicator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OfflineQueueDepth tracks the current number of queued messages
	// waiting for connection or backend recovery.
	OfflineQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_offline_queue_depth",
		Help: "Current number of messages in the offline queue",
	})

	// PendingEdits tracks the current number of unsynced message edits.
	PendingEdits = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_pending_edits",
		Help: "Current number of unsynced message edits",
	})

	// MessagesTotal counts outgoing messages, labeled by outcome:
	// "sent" (transmitted immediately) or "queued" (deferred offline).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of outgoing messages by outcome",
	}, []string{"outcome"}) // outcome = "sent", "queued"

	// ReconnectsTotal counts connection re-establishment attempts.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_reconnects_total",
		Help: "Total number of reconnection attempts",
	})

	// DrainFailuresTotal counts messages that failed to transmit during
	// a queue drain and were re-queued.
	DrainFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_drain_failures_total",
		Help: "Total number of messages re-queued after a failed drain send",
	})

	// EditRetriesTotal counts background edit retry attempts.
	EditRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_edit_retries_total",
		Help: "Total number of background edit retry attempts",
	})
)

func init() {
	prometheus.MustRegister(
		OfflineQueueDepth,
		PendingEdits,
		MessagesTotal,
		ReconnectsTotal,
		DrainFailuresTotal,
		EditRetriesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
