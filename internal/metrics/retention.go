// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RetentionPurgedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dalston_retention_purged_total",
		Help: "Owners purged by the retention sweep, by owner type",
	}, []string{"owner_type"})

	RetentionPurgeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dalston_retention_purge_errors_total",
		Help: "Per-owner purge failures, by owner type",
	}, []string{"owner_type"})

	RetentionSweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dalston_retention_sweep_duration_seconds",
		Help:    "Duration of one retention sweep",
		Buckets: prometheus.DefBuckets,
	})

	AuditFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dalston_audit_failures_total",
		Help: "Audit records that could not be persisted (writes are fail-open)",
	})
)
