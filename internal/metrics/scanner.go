// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScannerSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dalston_scanner_sweeps_total",
		Help: "Total number of recovery sweeps, by outcome",
	}, []string{"outcome"})

	ScannerSweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dalston_scanner_sweep_duration_seconds",
		Help:    "Duration of one full recovery sweep",
		Buckets: prometheus.DefBuckets,
	})

	ScannerStaleTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dalston_scanner_stale_tasks_total",
		Help: "Stale pending tasks converted to synthetic failures, by reason",
	}, []string{"reason"})

	ScannerClaimsReconciledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dalston_scanner_claims_reconciled_total",
		Help: "Claimed tasks the sweep flipped from ready to running",
	})

	ScannerWaitTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dalston_scanner_wait_timeouts_total",
		Help: "Tasks failed because no engine appeared within the wait deadline",
	})

	ScannerIsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dalston_scanner_is_leader",
		Help: "1 when this instance currently holds the scanner leader lock",
	})
)
