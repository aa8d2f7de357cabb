// SPDX-License-Identifier: MIT

// Package metrics holds the process-wide Prometheus instruments, one file per
// subsystem. All collectors are registered at init via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dalston_jobs_created_total",
		Help: "Total number of transcription jobs accepted",
	})

	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dalston_jobs_finished_total",
		Help: "Total number of jobs reaching a terminal state, by outcome",
	}, []string{"status"})

	JobDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dalston_job_duration_seconds",
		Help:    "Wall-clock time from job creation to terminal state",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	TasksDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dalston_tasks_dispatched_total",
		Help: "Total number of tasks published to stage streams",
	}, []string{"stage"})

	TaskRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dalston_task_retries_total",
		Help: "Total number of task retry re-dispatches",
	}, []string{"stage"})

	TaskFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dalston_task_failures_total",
		Help: "Total number of terminal task failures, by reason",
	}, []string{"stage", "reason"})
)

// RecordJobFinished records one terminal job outcome and its duration.
func RecordJobFinished(status string, seconds float64) {
	JobsFinishedTotal.WithLabelValues(status).Inc()
	JobDurationSeconds.Observe(seconds)
}
