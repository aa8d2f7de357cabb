// SPDX-License-Identifier: MIT

package model

// EventType tags a control event on the bus.
type EventType string

const (
	EventJobCreated         EventType = "job.created"
	EventJobCancelRequested EventType = "job.cancel_requested"
	EventJobCompleted       EventType = "job.completed"
	EventJobFailed          EventType = "job.failed"
	EventTaskCompleted      EventType = "task.completed"
	EventTaskFailed         EventType = "task.failed"
	EventTaskWaitTimeout    EventType = "task.wait_timeout"
	EventWorkerOffline      EventType = "worker.offline"
)

// Event is the JSON payload carried on the control channel. The bus is a
// wake signal, not the source of truth: consumers must tolerate duplicates,
// reorderings and missing fields, and re-read state from the store.
type Event struct {
	Type          EventType `json:"type"`
	JobID         string    `json:"job_id,omitempty"`
	TaskID        string    `json:"task_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	WorkerID      string    `json:"worker_id,omitempty"`
	EngineID      string    `json:"engine_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}
