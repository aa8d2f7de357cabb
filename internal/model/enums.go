// SPDX-License-Identifier: MIT

// Package model defines the persistent entities of the control plane and the
// state machines they move through. Statuses are intentionally coarse and
// stable: metrics, webhooks and the public API all depend on them.
package model

// JobStatus is the batch-job lifecycle.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobRunning    JobStatus = "running"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelling JobStatus = "cancelling"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal returns true if the status is a final state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CanTransitionTo enforces the monotonic job state machine:
// pending -> running -> (completed | failed); cancelling may follow pending
// or running and precedes cancelled.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobRunning || next == JobCancelling || next == JobFailed
	case JobRunning:
		return next == JobCompleted || next == JobFailed || next == JobCancelling
	case JobCancelling:
		return next == JobCancelled || next == JobFailed
	default:
		return false
	}
}

// TaskStatus is the per-task lifecycle inside a job's DAG.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if the status is final. A failed task may still
// re-enter ready through an explicit orchestrator retry.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	}
	return false
}

// SatisfiesDependency reports whether a dependency in this status unblocks
// its dependents. Skipped counts only for non-required tasks; the planner
// never marks a required task skipped.
func (s TaskStatus) SatisfiesDependency() bool {
	return s == TaskCompleted || s == TaskSkipped
}

// SessionStatus is the realtime-session lifecycle.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionCompleted   SessionStatus = "completed"
	SessionInterrupted SessionStatus = "interrupted"
	SessionError       SessionStatus = "error"
)

// IsTerminal returns true if the session status is final.
func (s SessionStatus) IsTerminal() bool {
	return s != SessionActive
}

// WorkerStatus is the realtime-worker health state as published by the
// worker's own heartbeat.
type WorkerStatus string

const (
	WorkerReady    WorkerStatus = "ready"
	WorkerBusy     WorkerStatus = "busy"
	WorkerDraining WorkerStatus = "draining"
	WorkerOffline  WorkerStatus = "offline"
)

// AcceptsSessions reports whether new sessions may be placed on a worker in
// this state, capacity permitting.
func (s WorkerStatus) AcceptsSessions() bool {
	return s == WorkerReady || s == WorkerBusy
}

// DeliveryStatus is the webhook-delivery lifecycle.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// ReasonCode is a compact, typed failure/decision signal carried on failed
// tasks and finished sessions. Keep these stable: metrics and the client UX
// depend on them.
type ReasonCode string

const (
	ReasonNone              ReasonCode = ""
	ReasonEngineDead        ReasonCode = "engine_dead"
	ReasonTimeout           ReasonCode = "timeout"
	ReasonEngineUnavailable ReasonCode = "engine_unavailable"
	ReasonCancelled         ReasonCode = "cancelled"
	ReasonEngineError       ReasonCode = "engine_error"
	ReasonPoisonPill        ReasonCode = "poison_pill"
)

// Retriable reports whether a failure with this reason is eligible for the
// orchestrator's retry budget.
func (r ReasonCode) Retriable() bool {
	switch r {
	case ReasonCancelled, ReasonPoisonPill, ReasonEngineUnavailable:
		return false
	}
	return true
}
