// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldJobID         = "job_id"
	FieldTaskID        = "task_id"
	FieldSessionID     = "session_id"
	FieldTenantID      = "tenant_id"
	FieldWorkerID      = "worker_id"
	FieldEngineID      = "engine_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldDeliveryID    = "delivery_id"
	FieldEndpointID    = "endpoint_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldStream    = "stream"
	FieldMessageID = "message_id"
	FieldConsumer  = "consumer"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"

	// Path / URL fields
	FieldPath = "path"
	FieldURI  = "uri"
)
