// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsAcquiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dalston_sessions_acquired_total",
		Help: "Realtime sessions successfully routed to a worker",
	})

	SessionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dalston_sessions_rejected_total",
		Help: "Session acquisitions rejected, by reason",
	}, []string{"reason"})

	SessionsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dalston_sessions_finished_total",
		Help: "Realtime sessions finalized, by terminal status",
	}, []string{"status"})

	WorkersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dalston_workers_online",
		Help: "Realtime workers currently passing the heartbeat check",
	})

	SessionsOrphanedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dalston_sessions_orphaned_total",
		Help: "Session slots reclaimed by the orphan reconciler",
	})
)
