// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueuePublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dalston_queue_published_total",
		Help: "Total number of messages appended to stage streams",
	}, []string{"stage"})

	QueuePendingEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dalston_queue_pending_entries",
		Help: "Unacked messages in the consumer group PEL per stage",
	}, []string{"stage"})

	QueueOldestTaskAgeSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dalston_queue_oldest_task_age_seconds",
		Help: "Age of the oldest undelivered message per stage, from its enqueue timestamp",
	}, []string{"stage"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dalston_bus_dropped_total",
		Help: "Total number of event bus messages dropped, by reason",
	}, []string{"reason"})

	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dalston_bus_published_total",
		Help: "Total number of events published to the bus, by type",
	}, []string{"type"})
)

// IncBusDrop records one dropped bus event with a concrete reason.
func IncBusDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(reason).Inc()
}
